// Package coordinator synchronizes groups of nodes: BSPCoordinator runs
// barrier-separated supersteps and ComponentCoordinator tracks composite
// components with scoped state and shared channels.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wehubfusion/Conflux/pkg/channel"
	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
	"github.com/wehubfusion/Conflux/pkg/node"
)

var (
	// ErrStepActive is returned when a step is started while another is running.
	ErrStepActive = errors.New("step already active")

	// ErrNoActiveStep is returned by step operations outside a step.
	ErrNoActiveStep = errors.New("no active step")

	// ErrNodeRegistered is returned when a node joins twice.
	ErrNodeRegistered = errors.New("node already registered")

	// ErrNodeNotRegistered is returned for nodes that are not participants.
	ErrNodeNotRegistered = errors.New("node not registered")

	// ErrStepEnded is returned when a participant reports to a step that
	// has already ended.
	ErrStepEnded = errors.New("step already ended")

	// ErrStepTimeout is wrapped by the timeout error of WaitForCompletion.
	ErrStepTimeout = errors.New("step timed out")
)

// StepMetadata describes the active step.
type StepMetadata struct {
	StepID         string    `json:"step_id"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at,omitzero"`
	NodeCount      int       `json:"node_count"`
	CompletedNodes int       `json:"completed_nodes"`
	ErrorCount     int       `json:"error_count"`
}

// StepFunc is one participant's share of a superstep.
type StepFunc func(ctx context.Context, n node.Node) (any, error)

// CommitFunc publishes the results of a successful superstep.
type CommitFunc func(ctx context.Context, results any) error

type step struct {
	meta      StepMetadata
	ready     *channel.Barrier
	completed map[string]bool
	results   *channel.Aggregator
	done      chan struct{}
}

// BSPCoordinator runs bulk synchronous parallel steps over a set of
// participant nodes. Within a step every participant signals readiness,
// works, and reports completion; results are folded through an aggregator
// channel.
type BSPCoordinator struct {
	mu       sync.Mutex
	timeout  time.Duration
	nodes    map[string]node.Node
	order    []string
	channels map[string]map[string]channel.Channel
	step     *step
	errs     []error
	results  *channel.Aggregator
	reducer  channel.Reducer
	window   int
	tracer   trace.Tracer
	logger   *zap.Logger
}

// Option configures a BSPCoordinator.
type Option func(*BSPCoordinator)

// WithReducer sets how node results are combined. The default keeps the last value.
func WithReducer(r channel.Reducer) Option {
	return func(c *BSPCoordinator) { c.reducer = r }
}

// WithWindowSize bounds how many results the reducer sees.
func WithWindowSize(n int) Option {
	return func(c *BSPCoordinator) { c.window = n }
}

// WithTracerProvider sets the tracer provider. The default is the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *BSPCoordinator) {
		if tp != nil {
			c.tracer = tp.Tracer("conflux/coordinator")
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *BSPCoordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewBSPCoordinator creates a coordinator. A zero timeout makes
// WaitForCompletion wait until its context ends.
func NewBSPCoordinator(timeout time.Duration, opts ...Option) *BSPCoordinator {
	c := &BSPCoordinator{
		timeout:  max(timeout, 0),
		nodes:    make(map[string]node.Node),
		channels: make(map[string]map[string]channel.Channel),
		tracer:   otel.Tracer("conflux/coordinator"),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout returns the step timeout.
func (c *BSPCoordinator) Timeout() time.Duration { return c.timeout }

// RegisterNode adds a participant. Participants cannot change during a step.
func (c *BSPCoordinator) RegisterNode(n node.Node) error {
	if n == nil {
		return cferrors.Validation("node must not be nil", nil)
	}
	id := n.ID()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.step != nil {
		return cferrors.Validation(fmt.Sprintf("register %s", id), ErrStepActive)
	}
	if _, ok := c.nodes[id]; ok {
		return cferrors.Validation(fmt.Sprintf("node %s", id), ErrNodeRegistered)
	}
	c.nodes[id] = n
	c.order = append(c.order, id)
	c.channels[id] = make(map[string]channel.Channel)
	return nil
}

// UnregisterNode removes a participant and its channels. Unknown ids are ignored.
func (c *BSPCoordinator) UnregisterNode(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[id]; !ok {
		return nil
	}
	if c.step != nil {
		return cferrors.Validation(fmt.Sprintf("unregister %s", id), ErrStepActive)
	}
	delete(c.nodes, id)
	delete(c.channels, id)
	c.order = slices.DeleteFunc(c.order, func(s string) bool { return s == id })
	return nil
}

// Nodes returns participant ids in registration order.
func (c *BSPCoordinator) Nodes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.order)
}

// SetNodeChannel attaches a named channel to a participant.
func (c *BSPCoordinator) SetNodeChannel(nodeID, name string, ch channel.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	chans, ok := c.channels[nodeID]
	if !ok {
		return cferrors.Validation(fmt.Sprintf("node %s", nodeID), ErrNodeNotRegistered)
	}
	chans[name] = ch
	return nil
}

// NodeChannel returns a participant's named channel.
func (c *BSPCoordinator) NodeChannel(nodeID, name string) (channel.Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[nodeID][name]
	return ch, ok
}

// StartStep opens a step over the current participants and clears the
// previous step's errors and results.
func (c *BSPCoordinator) StartStep() (StepMetadata, error) {
	s, err := c.startStep()
	if err != nil {
		return StepMetadata{}, err
	}
	return s.meta, nil
}

func (c *BSPCoordinator) startStep() (*step, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.step != nil {
		return nil, cferrors.Validation(fmt.Sprintf("start step while %s is running", c.step.meta.StepID), ErrStepActive)
	}

	s := &step{
		meta: StepMetadata{
			StepID:    uuid.New().String(),
			StartedAt: time.Now().UTC(),
			NodeCount: len(c.nodes),
		},
		completed: make(map[string]bool, len(c.nodes)),
		done:      make(chan struct{}),
	}
	if len(c.nodes) > 0 {
		barrier, err := channel.NewBarrier(s.meta.StepID, len(c.nodes), 0)
		if err != nil {
			return nil, err
		}
		s.ready = barrier
	} else {
		close(s.done)
	}
	s.results = channel.NewAggregator(s.meta.StepID, channel.AnyType, c.window, c.reducer)
	c.step = s
	c.errs = nil
	c.results = s.results

	c.logger.Debug("Step started",
		zap.String("step_id", s.meta.StepID),
		zap.Int("nodes", s.meta.NodeCount))
	return s, nil
}

// active returns the running step; c.mu must be held.
func (c *BSPCoordinator) active(op string) (*step, error) {
	if c.step == nil {
		return nil, cferrors.Validation(op, ErrNoActiveStep)
	}
	return c.step, nil
}

// NodeReady marks a participant ready and reports whether every
// participant is now ready.
func (c *BSPCoordinator) NodeReady(id string) (bool, error) {
	c.mu.Lock()
	s, err := c.active("node ready")
	c.mu.Unlock()
	if err != nil {
		return false, err
	}
	return c.nodeReady(s, id)
}

// nodeReady contributes id to the barrier of s while s is still running.
func (c *BSPCoordinator) nodeReady(s *step, id string) (bool, error) {
	c.mu.Lock()
	err := c.participant(s, id)
	c.mu.Unlock()
	if err != nil {
		return false, err
	}
	if _, err := s.ready.Contribute(id); err != nil {
		return false, err
	}
	return s.ready.IsTriggered(), nil
}

// participant checks that s is the running step and id takes part in it;
// c.mu must be held.
func (c *BSPCoordinator) participant(s *step, id string) error {
	if c.step != s {
		return cferrors.Validation(fmt.Sprintf("step %s, node %s", s.meta.StepID, id), ErrStepEnded)
	}
	if _, ok := c.nodes[id]; !ok {
		return cferrors.Validation(fmt.Sprintf("node %s", id), ErrNodeNotRegistered)
	}
	return nil
}

// NodeComplete records that a participant finished the step with result
// and, if err is non-nil, a failure. A nil result is not aggregated.
// Repeated completions of the same node are ignored.
func (c *BSPCoordinator) NodeComplete(id string, result any, err error) error {
	c.mu.Lock()
	s, serr := c.active("node complete")
	c.mu.Unlock()
	if serr != nil {
		return serr
	}
	return c.nodeComplete(s, id, result, err)
}

// nodeComplete records a completion in s. Completions arriving after s
// ended are rejected with ErrStepEnded and leave later steps untouched.
func (c *BSPCoordinator) nodeComplete(s *step, id string, result any, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if perr := c.participant(s, id); perr != nil {
		return perr
	}
	if s.completed[id] {
		return nil
	}
	s.completed[id] = true
	s.meta.CompletedNodes++

	if err != nil {
		s.meta.ErrorCount++
		c.errs = append(c.errs, err)
		c.logger.Warn("Node failed in step",
			zap.String("step_id", s.meta.StepID),
			zap.String("node_id", id),
			zap.Error(err))
	} else if result != nil {
		if aerr := s.results.Contribute(result); aerr != nil {
			return fmt.Errorf("aggregate result of %s: %w", id, aerr)
		}
	}

	if s.meta.CompletedNodes == s.meta.NodeCount {
		s.meta.CompletedAt = time.Now().UTC()
		close(s.done)
	}
	return nil
}

// WaitForCompletion blocks until every participant has completed, the
// step timeout elapses or ctx ends. A timeout is a KindTimeout error
// wrapping ErrStepTimeout.
func (c *BSPCoordinator) WaitForCompletion(ctx context.Context) error {
	c.mu.Lock()
	s, err := c.active("wait for completion")
	c.mu.Unlock()
	if err != nil {
		return err
	}

	var expired <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-s.done:
		return nil
	case <-expired:
		meta, _ := c.StepMetadata()
		return cferrors.Timeout(
			fmt.Sprintf("step %s: %d of %d nodes completed within %s", meta.StepID, meta.CompletedNodes, meta.NodeCount, c.timeout),
			ErrStepTimeout)
	case <-ctx.Done():
		return cferrors.Normalize(ctx.Err())
	}
}

// EndStep closes the active step. Errors and results stay readable until
// the next StartStep.
func (c *BSPCoordinator) EndStep() (StepMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.active("end step")
	if err != nil {
		return StepMetadata{}, err
	}
	c.step = nil
	c.logger.Debug("Step ended",
		zap.String("step_id", s.meta.StepID),
		zap.Int("completed", s.meta.CompletedNodes),
		zap.Int("errors", s.meta.ErrorCount))
	return s.meta, nil
}

// StepMetadata returns the active step's metadata.
func (c *BSPCoordinator) StepMetadata() (StepMetadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.step == nil {
		return StepMetadata{}, false
	}
	return c.step.meta, true
}

// Errors returns the failures reported in the current or last step.
func (c *BSPCoordinator) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.errs)
}

// Results returns the aggregated result of the current or last step, nil
// before the first step.
func (c *BSPCoordinator) Results() any {
	c.mu.Lock()
	agg := c.results
	c.mu.Unlock()
	if agg == nil {
		return nil
	}
	return agg.Get()
}

// Superstep runs fn for every participant concurrently inside one step,
// waits for all of them, then calls commit with the aggregated results.
// Commit is skipped when any participant failed, in which case the joined
// failures are returned. When the step times out the context passed to fn
// is cancelled, and results fn returns afterwards are discarded.
func (c *BSPCoordinator) Superstep(ctx context.Context, fn StepFunc, commit CommitFunc) (StepMetadata, error) {
	if fn == nil {
		return StepMetadata{}, cferrors.Validation("superstep requires a step function", nil)
	}
	s, err := c.startStep()
	if err != nil {
		return StepMetadata{}, err
	}
	meta := s.meta

	ctx, span := c.tracer.Start(ctx, "bsp.superstep",
		trace.WithAttributes(
			attribute.String("bsp.step_id", meta.StepID),
			attribute.Int("bsp.nodes", meta.NodeCount),
		))
	defer span.End()

	c.mu.Lock()
	participants := maps.Clone(c.nodes)
	c.mu.Unlock()

	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	for id, n := range participants {
		g.Go(func() error {
			if _, err := c.nodeReady(s, id); err != nil {
				return err
			}
			res, runErr := fn(stepCtx, n)
			return c.nodeComplete(s, id, res, runErr)
		})
	}

	waitErr := c.WaitForCompletion(ctx)
	if waitErr == nil {
		waitErr = g.Wait()
	} else {
		cancel()
	}
	if waitErr == nil {
		if failures := c.Errors(); len(failures) > 0 {
			waitErr = fmt.Errorf("superstep %s: %w", meta.StepID, errors.Join(failures...))
		}
	}
	if waitErr == nil && commit != nil {
		if err := commit(ctx, c.Results()); err != nil {
			waitErr = fmt.Errorf("commit superstep %s: %w", meta.StepID, err)
		}
	}

	final, endErr := c.EndStep()
	if endErr != nil && waitErr == nil {
		waitErr = endErr
	}
	span.SetAttributes(
		attribute.Int("bsp.completed", final.CompletedNodes),
		attribute.Int("bsp.errors", final.ErrorCount),
	)
	if waitErr != nil {
		span.RecordError(waitErr)
		span.SetStatus(codes.Error, waitErr.Error())
		return final, waitErr
	}
	span.SetStatus(codes.Ok, "superstep committed")
	return final, nil
}
