// Package execution runs the nodes of a registry in dependency order,
// under a retry policy, with per-attempt hooks and output propagation
// along registered edges.
package execution

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wehubfusion/Conflux/pkg/concurrency"
	"github.com/wehubfusion/Conflux/pkg/edge"
	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
	"github.com/wehubfusion/Conflux/pkg/node"
	"github.com/wehubfusion/Conflux/pkg/retry"
	"github.com/wehubfusion/Conflux/pkg/state"
	"github.com/wehubfusion/Conflux/pkg/update"
)

// Mode selects how ExecuteAll schedules nodes.
type Mode string

const (
	ModeSequential Mode = "SEQUENTIAL"
	ModeParallel   Mode = "PARALLEL"
)

// SchemaVersion is the version of Snapshot.
const SchemaVersion = 1

var (
	// ErrRunning is returned when ExecuteAll is called during another run.
	ErrRunning = errors.New("execution already running")

	// ErrUnknownMode is returned for a mode other than SEQUENTIAL or PARALLEL.
	ErrUnknownMode = errors.New("unknown execution mode")
)

// Metadata describes the manager's current activity.
type Metadata struct {
	Mode        Mode      `json:"mode"`
	IsRunning   bool      `json:"is_running"`
	CurrentNode string    `json:"current_node,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Error       string    `json:"error,omitempty"`
}

// Snapshot is the serializable form of a Manager. In-flight work is never captured.
type Snapshot struct {
	SchemaVersion int      `json:"schema_version"`
	Metadata      Metadata `json:"metadata"`
}

// Manager executes nodes of a node.Registry.
type Manager struct {
	mu          sync.RWMutex
	graph       *state.GraphState
	nodes       *node.Registry
	edges       *edge.Registry
	protocol    *update.Protocol
	retry       *retry.Handler
	nodePolicy  retry.Policy
	statePolicy retry.Policy
	limiter     *concurrency.Limiter
	hooks       []Hook
	meta        Metadata
	tracer      trace.Tracer
	logger      *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithEdges propagates node outputs along the edges of r after each
// successful execution.
func WithEdges(r *edge.Registry) Option {
	return func(m *Manager) { m.edges = r }
}

// WithProtocol sets the update protocol used for propagation.
func WithProtocol(p *update.Protocol) Option {
	return func(m *Manager) { m.protocol = p }
}

// WithNodeRetryPolicy sets the policy each node execution runs under.
func WithNodeRetryPolicy(p retry.Policy) Option {
	return func(m *Manager) { m.nodePolicy = p }
}

// WithStateRetryPolicy sets the policy for ordering and propagation.
func WithStateRetryPolicy(p retry.Policy) Option {
	return func(m *Manager) { m.statePolicy = p }
}

// WithMode sets the initial mode.
func WithMode(mode Mode) Option {
	return func(m *Manager) { m.meta.Mode = mode }
}

// WithLimiter bounds parallel mode. The default is sized by concurrency.LoadConfig.
func WithLimiter(l *concurrency.Limiter) Option {
	return func(m *Manager) { m.limiter = l }
}

// WithHooks registers hooks at construction.
func WithHooks(hooks ...Hook) Option {
	return func(m *Manager) { m.hooks = append(m.hooks, hooks...) }
}

// WithTracerProvider sets the tracer provider. The default is the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		if tp != nil {
			m.tracer = tp.Tracer("conflux/execution")
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a sequential manager over gs and nodes.
func NewManager(gs *state.GraphState, nodes *node.Registry, opts ...Option) *Manager {
	m := &Manager{
		graph:       gs,
		nodes:       nodes,
		nodePolicy:  retry.DefaultPolicy(),
		statePolicy: retry.DefaultPolicy(),
		meta:        Metadata{Mode: ModeSequential},
		tracer:      otel.Tracer("conflux/execution"),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.limiter == nil {
		m.limiter = concurrency.NewLimiterFromConfig(concurrency.LoadConfig())
	}
	if m.protocol == nil {
		m.protocol = update.New(update.WithResolver(update.Resolvers{nodes, gs}), update.WithLogger(m.logger))
	}
	m.retry = retry.NewHandler(retry.WithLogger(m.logger))
	return m
}

// Protocol returns the update protocol used for propagation.
func (m *Manager) Protocol() *update.Protocol { return m.protocol }

// AddHook registers a hook for subsequent attempts.
func (m *Manager) AddHook(h Hook) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// SetMode changes the scheduling mode. It is rejected during a run.
func (m *Manager) SetMode(mode Mode) error {
	if mode != ModeSequential && mode != ModeParallel {
		return cferrors.Validation(fmt.Sprintf("mode %q", mode), ErrUnknownMode)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.meta.IsRunning {
		return cferrors.Validation("cannot change mode during a run", ErrRunning)
	}
	m.meta.Mode = mode
	return nil
}

// Metadata returns a copy of the manager metadata.
func (m *Manager) Metadata() Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta
}

// ExecuteNode executes one node with the values of its input channels.
func (m *Manager) ExecuteNode(ctx context.Context, id string) error {
	_, err := m.ExecuteNodeWithInputs(ctx, id, nil)
	return err
}

// ExecuteNodeWithInputs executes one node with its input channel values
// overlaid by inputs, retrying under the node policy, then propagates its
// outputs. It returns the outputs of the successful attempt.
func (m *Manager) ExecuteNodeWithInputs(ctx context.Context, id string, inputs map[string]any) (map[string]any, error) {
	n, err := m.nodes.MustNode(id)
	if err != nil {
		return nil, err
	}

	ctx, span := m.tracer.Start(ctx, "execution.node",
		trace.WithAttributes(
			attribute.String("node.id", id),
			attribute.String("node.type", n.Type()),
		))
	defer span.End()

	m.mu.Lock()
	m.meta.CurrentNode = id
	policy := m.nodePolicy
	m.mu.Unlock()

	var outputs map[string]any
	err = m.retry.Execute(ctx, "node:"+id, policy, func(ctx context.Context, number int) error {
		values := n.Inputs()
		maps.Copy(values, inputs)
		a := Attempt{NodeID: id, NodeType: n.Type(), Number: number, Inputs: values, StartedAt: time.Now()}

		m.before(ctx, a)
		out, err := n.Execute(ctx, values)
		if err != nil {
			m.onError(ctx, a, err)
			return err
		}
		m.after(ctx, a, out)
		outputs = out
		return nil
	})
	span.SetAttributes(attribute.Int("node.execution_count", n.Metadata().ExecutionCount))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("Node execution failed",
			zap.String("node_id", id),
			zap.String("error_code", cferrors.CategorizeError(err)),
			zap.Error(err))
		return nil, err
	}

	if err := m.propagate(ctx, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outputs, err
	}
	span.SetStatus(codes.Ok, "node executed")
	return outputs, nil
}

func (m *Manager) propagate(ctx context.Context, id string) error {
	if m.edges == nil {
		return nil
	}
	m.mu.RLock()
	policy := m.statePolicy
	m.mu.RUnlock()

	n, err := retry.Do(ctx, m.retry, "propagate:"+id, policy, func(ctx context.Context, _ int) (int, error) {
		return m.edges.Propagate(ctx, id, m.protocol)
	})
	if err != nil {
		return fmt.Errorf("propagate outputs of %s: %w", id, err)
	}
	if n > 0 {
		m.logger.Debug("Propagated outputs", zap.String("node_id", id), zap.Int("deliveries", n))
	}
	return nil
}

// ReadyNodes returns, in execution order, the nodes that are neither
// running nor completed and whose dependencies have all completed.
func (m *Manager) ReadyNodes() ([]string, error) {
	order, err := m.nodes.ExecutionOrder()
	if err != nil {
		return nil, err
	}
	ready := make([]string, 0, len(order))
	for _, id := range order {
		n, ok := m.nodes.GetNode(id)
		if !ok {
			continue
		}
		if s := n.Status(); s.Busy() || s == node.StatusCompleted {
			continue
		}
		if m.nodes.DependenciesCompleted(id) {
			ready = append(ready, id)
		}
	}
	return ready, nil
}

// ExecuteAll runs every registered node once in dependency order. In
// SEQUENTIAL mode nodes run one at a time; in PARALLEL mode each frontier
// of nodes whose dependencies have finished runs concurrently. The first
// failure stops the run.
func (m *Manager) ExecuteAll(ctx context.Context) error {
	m.mu.Lock()
	if m.meta.IsRunning {
		m.mu.Unlock()
		return cferrors.Validation("execute all", ErrRunning)
	}
	mode := m.meta.Mode
	m.meta.IsRunning = true
	m.meta.StartedAt = time.Now().UTC()
	m.meta.CompletedAt = time.Time{}
	m.meta.Error = ""
	m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "execution.run",
		trace.WithAttributes(
			attribute.String("execution.mode", string(mode)),
			attribute.Int("execution.nodes", m.nodes.Len()),
		))
	defer span.End()

	m.logger.Info("Starting execution",
		zap.String("mode", string(mode)),
		zap.Int("nodes", m.nodes.Len()))

	order, err := retry.Do(ctx, m.retry, "execution-order", m.statePolicy, func(context.Context, int) ([]string, error) {
		return m.nodes.ExecutionOrder()
	})
	if err == nil {
		if mode == ModeParallel {
			err = m.runParallel(ctx, order)
		} else {
			err = m.runSequential(ctx, order)
		}
	}

	m.mu.Lock()
	m.meta.IsRunning = false
	m.meta.CurrentNode = ""
	m.meta.CompletedAt = time.Now().UTC()
	if err != nil {
		m.meta.Error = err.Error()
	}
	elapsed := m.meta.CompletedAt.Sub(m.meta.StartedAt)
	m.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("Execution failed", zap.Duration("duration", elapsed), zap.Error(err))
		return err
	}
	span.SetStatus(codes.Ok, "execution completed")
	m.logger.Info("Execution completed", zap.Duration("duration", elapsed))
	return nil
}

func (m *Manager) runSequential(ctx context.Context, order []string) error {
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return cferrors.Normalize(err)
		}
		if err := m.ExecuteNode(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) runParallel(ctx context.Context, order []string) error {
	done := make(map[string]bool, len(order))
	for len(done) < len(order) {
		var frontier []string
		for _, id := range order {
			if done[id] {
				continue
			}
			if !slices.ContainsFunc(m.nodes.Dependencies(id), func(dep string) bool { return !done[dep] }) {
				frontier = append(frontier, id)
			}
		}
		if len(frontier) == 0 {
			return cferrors.Validation("no runnable nodes remain", node.ErrCycle)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, id := range frontier {
			g.Go(func() error {
				return m.limiter.Run(gctx, func(ctx context.Context) error {
					return m.ExecuteNode(ctx, id)
				})
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for _, id := range frontier {
			done[id] = true
		}
		m.logger.Debug("Frontier completed", zap.Strings("node_ids", frontier))
	}
	return nil
}

func (m *Manager) snapshotHooks() []Hook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.hooks)
}

func (m *Manager) before(ctx context.Context, a Attempt) {
	for _, h := range m.snapshotHooks() {
		m.guard(a, func() { h.BeforeExecute(ctx, a) })
	}
}

func (m *Manager) after(ctx context.Context, a Attempt, outputs map[string]any) {
	for _, h := range m.snapshotHooks() {
		m.guard(a, func() { h.AfterExecute(ctx, a, outputs) })
	}
}

func (m *Manager) onError(ctx context.Context, a Attempt, err error) {
	for _, h := range m.snapshotHooks() {
		m.guard(a, func() { h.OnError(ctx, a, err) })
	}
}

// guard runs a hook and logs instead of propagating a panic.
func (m *Manager) guard(a Attempt, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("Execution hook panicked",
				zap.String("node_id", a.NodeID),
				zap.Int("attempt", a.Number),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}

// Checkpoint captures the manager metadata.
func (m *Manager) Checkpoint() Snapshot {
	return Snapshot{SchemaVersion: SchemaVersion, Metadata: m.Metadata()}
}

// Restore applies the mode and last error of s. The restored manager is
// always idle.
func (m *Manager) Restore(s Snapshot) error {
	if s.SchemaVersion > SchemaVersion {
		return cferrors.Validation(fmt.Sprintf("unsupported execution schema version %d", s.SchemaVersion), nil)
	}
	mode := s.Metadata.Mode
	if mode == "" {
		mode = ModeSequential
	}
	if mode != ModeSequential && mode != ModeParallel {
		return cferrors.Validation(fmt.Sprintf("mode %q", mode), ErrUnknownMode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta = Metadata{
		Mode:        mode,
		StartedAt:   s.Metadata.StartedAt,
		CompletedAt: s.Metadata.CompletedAt,
		Error:       s.Metadata.Error,
	}
	return nil
}
