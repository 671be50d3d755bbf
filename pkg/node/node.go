// Package node defines the unit of computation executed by the engine.
//
// Concrete nodes embed *Base and supply a RunFunc. Base owns the named
// input and output channels, the status state machine, the bounded
// execution history and the node configuration map.
package node

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Conflux/pkg/channel"
	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
	"github.com/wehubfusion/Conflux/pkg/state"
)

var (
	// ErrChannelExists is returned when a channel name is reused within a table.
	ErrChannelExists = errors.New("node channel already exists")

	// ErrNoRunFunc is returned when a node has nothing to execute.
	ErrNoRunFunc = errors.New("node has no run function")
)

// DefaultHistoryLimit bounds the execution history of a node.
const DefaultHistoryLimit = 100

// RunFunc is the body of a node. Returned outputs whose keys name output
// channels are written to those channels.
type RunFunc func(ctx context.Context, inputs map[string]any) (map[string]any, error)

// Metadata describes a node instance.
type Metadata struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Version        uint64    `json:"version"`
	Status         Status    `json:"status"`
	Error          string    `json:"error,omitempty"`
	ExecutionCount int       `json:"execution_count"`
	LastExecution  time.Time `json:"last_execution,omitzero"`
}

// Node is implemented by *Base and by every type that embeds it.
type Node interface {
	ID() string
	Type() string
	State() *state.GraphState
	Status() Status
	Metadata() Metadata

	Execute(ctx context.Context, inputs map[string]any) (map[string]any, error)
	Pause() error
	Resume() error
	Reset() error

	CreateInputChannel(name string, kind channel.Kind, opts channel.Options) (channel.Channel, error)
	CreateOutputChannel(name string, kind channel.Kind, opts channel.Options) (channel.Channel, error)
	InputChannel(name string) (channel.Channel, bool)
	OutputChannel(name string) (channel.Channel, bool)
	ListInputChannels() []string
	ListOutputChannels() []string
	Inputs() map[string]any
	OnChannelsChanged(fn func(nodeID string))

	History() []ExecutionRecord
	ClearHistory()

	Configure(values map[string]any) error
	Config() map[string]any

	Checkpoint() Snapshot
	Restore(s Snapshot) error

	base() *Base
}

type channelTable struct {
	channels map[string]channel.Channel
	order    []string
	opts     map[string]channel.Options
}

func newChannelTable() channelTable {
	return channelTable{
		channels: make(map[string]channel.Channel),
		opts:     make(map[string]channel.Options),
	}
}

// Base implements Node.
type Base struct {
	mu         sync.RWMutex
	meta       Metadata
	graph      *state.GraphState
	run        RunFunc
	inputs     channelTable
	outputs    channelTable
	history    []ExecutionRecord
	maxHistory int
	config     map[string]any
	listeners  []func(string)
	resume     chan struct{}
	logger     *zap.Logger
}

// Option configures a Base.
type Option func(*Base)

// WithID sets an explicit node id.
func WithID(id string) Option {
	return func(b *Base) {
		if id != "" {
			b.meta.ID = id
		}
	}
}

// WithType sets the node type name.
func WithType(typeName string) Option {
	return func(b *Base) { b.meta.Type = typeName }
}

// WithRunFunc sets the node body.
func WithRunFunc(fn RunFunc) Option {
	return func(b *Base) { b.run = fn }
}

// WithHistoryLimit bounds the execution history.
func WithHistoryLimit(n int) Option {
	return func(b *Base) {
		if n > 0 {
			b.maxHistory = n
		}
	}
}

// WithConfig sets the initial configuration map.
func WithConfig(config map[string]any) Option {
	return func(b *Base) {
		if config != nil {
			b.config = maps.Clone(config)
		}
	}
}

// WithLogger sets the node logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Base) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBase creates an idle node bound to a graph state.
func NewBase(gs *state.GraphState, opts ...Option) *Base {
	now := time.Now().UTC()
	b := &Base{
		meta: Metadata{
			ID:        uuid.New().String(),
			CreatedAt: now,
			UpdatedAt: now,
			Status:    StatusIdle,
		},
		graph:      gs,
		inputs:     newChannelTable(),
		outputs:    newChannelTable(),
		maxHistory: DefaultHistoryLimit,
		config:     make(map[string]any),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Base) base() *Base { return b }

// SetRunFunc replaces the node body. Embedding types call it from their
// constructor to bind a method value.
func (b *Base) SetRunFunc(fn RunFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.run = fn
}

// ID returns the node id.
func (b *Base) ID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.meta.ID
}

// Type returns the node type name.
func (b *Base) Type() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.meta.Type
}

func (b *Base) setType(typeName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.meta.Type == "" {
		b.meta.Type = typeName
	}
}

// State returns the graph state the node is bound to.
func (b *Base) State() *state.GraphState { return b.graph }

// Status returns the current status.
func (b *Base) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.meta.Status
}

// Metadata returns a copy of the node metadata.
func (b *Base) Metadata() Metadata {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.meta
}

func (b *Base) touch() {
	b.meta.Version++
	b.meta.UpdatedAt = time.Now().UTC()
}

func (b *Base) setStatus(to Status) error {
	if err := checkTransition(b.meta.Status, to); err != nil {
		return cferrors.Validation(fmt.Sprintf("node %s", b.meta.ID), err)
	}
	b.meta.Status = to
	b.touch()
	return nil
}

// Execute runs the node body once. It moves the node to RUNNING, writes
// returned outputs to matching output channels, appends one history entry
// and finishes in COMPLETED or FAILED. The body's error is returned as is.
func (b *Base) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	b.mu.Lock()
	if err := b.setStatus(StatusRunning); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	run := b.run
	id := b.meta.ID
	b.mu.Unlock()

	started := time.Now().UTC()
	var (
		outputs map[string]any
		err     error
	)
	if run == nil {
		err = cferrors.NonRetryable(cferrors.ErrorCodeExecution, fmt.Sprintf("node %s", id), ErrNoRunFunc)
	} else {
		outputs, err = invoke(ctx, run, inputs)
	}
	if err == nil {
		err = b.publish(outputs)
	}
	b.finish(ExecutionRecord{
		Inputs:      maps.Clone(inputs),
		Outputs:     maps.Clone(outputs),
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	}, err)

	if err != nil {
		b.logger.Debug("Node execution failed", zap.String("node_id", id), zap.Error(err))
		return outputs, err
	}
	return outputs, nil
}

func invoke(ctx context.Context, run RunFunc, inputs map[string]any) (outputs map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = cferrors.NonRetryable(cferrors.ErrorCodeExecution, "node panicked", fmt.Errorf("%v", r))
		}
	}()
	return run(ctx, inputs)
}

func (b *Base) publish(outputs map[string]any) error {
	if len(outputs) == 0 {
		return nil
	}
	b.mu.RLock()
	targets := make(map[string]channel.Channel, len(outputs))
	for name := range outputs {
		if ch, ok := b.outputs.channels[name]; ok {
			targets[name] = ch
		}
	}
	b.mu.RUnlock()

	names := slices.Sorted(maps.Keys(targets))
	for _, name := range names {
		if err := targets[name].Set(outputs[name]); err != nil {
			return fmt.Errorf("write output %q: %w", name, err)
		}
	}
	return nil
}

func (b *Base) finish(rec ExecutionRecord, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.meta.Status == StatusPaused {
		b.releasePause()
		b.meta.Status = StatusRunning
	}
	if err != nil {
		rec.Error = err.Error()
		b.meta.Error = rec.Error
		_ = b.setStatus(StatusFailed)
	} else {
		b.meta.Error = ""
		_ = b.setStatus(StatusCompleted)
	}
	b.meta.ExecutionCount++
	b.meta.LastExecution = rec.CompletedAt

	b.history = append(b.history, rec)
	if len(b.history) > b.maxHistory {
		b.history = append([]ExecutionRecord(nil), b.history[len(b.history)-b.maxHistory:]...)
	}
}

// Pause moves a running node to PAUSED. Run functions observe the pause
// through AwaitResume.
func (b *Base) Pause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.setStatus(StatusPaused); err != nil {
		return err
	}
	b.resume = make(chan struct{})
	return nil
}

// Resume moves a paused node back to RUNNING.
func (b *Base) Resume() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.setStatus(StatusRunning); err != nil {
		return err
	}
	b.releasePause()
	return nil
}

func (b *Base) releasePause() {
	if b.resume != nil {
		close(b.resume)
		b.resume = nil
	}
}

// AwaitResume blocks while the node is paused.
func (b *Base) AwaitResume(ctx context.Context) error {
	b.mu.RLock()
	wait := b.resume
	b.mu.RUnlock()
	if wait == nil {
		return nil
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset returns a finished node to IDLE.
func (b *Base) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.meta.Status == StatusIdle {
		return nil
	}
	if err := b.setStatus(StatusIdle); err != nil {
		return err
	}
	b.meta.Error = ""
	return nil
}

// CreateInputChannel creates a named input channel.
func (b *Base) CreateInputChannel(name string, kind channel.Kind, opts channel.Options) (channel.Channel, error) {
	return b.createChannel(&b.inputs, "input", name, kind, opts)
}

// CreateOutputChannel creates a named output channel.
func (b *Base) CreateOutputChannel(name string, kind channel.Kind, opts channel.Options) (channel.Channel, error) {
	return b.createChannel(&b.outputs, "output", name, kind, opts)
}

func (b *Base) createChannel(table *channelTable, direction, name string, kind channel.Kind, opts channel.Options) (channel.Channel, error) {
	if name == "" {
		return nil, cferrors.Validation(direction+" channel name must not be empty", nil)
	}
	b.mu.Lock()
	if _, exists := table.channels[name]; exists {
		b.mu.Unlock()
		return nil, cferrors.Validation(fmt.Sprintf("%s channel %q on node %s", direction, name, b.meta.ID), ErrChannelExists)
	}
	ch, err := channel.New(kind, "", opts)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	table.channels[name] = ch
	table.order = append(table.order, name)
	table.opts[name] = opts
	b.touch()
	listeners := slices.Clone(b.listeners)
	id := b.meta.ID
	b.mu.Unlock()

	notify(listeners, id)
	return ch, nil
}

func notify(listeners []func(string), id string) {
	for _, fn := range listeners {
		fn(id)
	}
}

// InputChannel returns an input channel by name.
func (b *Base) InputChannel(name string) (channel.Channel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.inputs.channels[name]
	return ch, ok
}

// OutputChannel returns an output channel by name.
func (b *Base) OutputChannel(name string) (channel.Channel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.outputs.channels[name]
	return ch, ok
}

// ListInputChannels returns input channel names in creation order.
func (b *Base) ListInputChannels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.inputs.order)
}

// ListOutputChannels returns output channel names in creation order.
func (b *Base) ListOutputChannels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.outputs.order)
}

// OnChannelsChanged registers fn to be called after the channel tables change.
func (b *Base) OnChannelsChanged(fn func(nodeID string)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// ChannelByID finds an owned channel by channel id.
func (b *Base) ChannelByID(id string) (channel.Channel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, table := range []channelTable{b.inputs, b.outputs} {
		for _, ch := range table.channels {
			if ch.ID() == id {
				return ch, true
			}
		}
	}
	return nil, false
}

// Inputs returns the current values of every input channel that holds one.
func (b *Base) Inputs() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	values := make(map[string]any, len(b.inputs.channels))
	for name, ch := range b.inputs.channels {
		if v := ch.Get(); v != nil {
			values[name] = v
		}
	}
	return values
}
