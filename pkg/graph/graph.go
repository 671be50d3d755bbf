// Package graph assembles a GraphState, its node and edge registries and
// an execution manager into one runnable, checkpointable unit.
package graph

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Conflux/internal/logging"
	"github.com/wehubfusion/Conflux/pkg/checkpoint"
	"github.com/wehubfusion/Conflux/pkg/concurrency"
	"github.com/wehubfusion/Conflux/pkg/coordinator"
	"github.com/wehubfusion/Conflux/pkg/edge"
	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
	"github.com/wehubfusion/Conflux/pkg/execution"
	"github.com/wehubfusion/Conflux/pkg/node"
	"github.com/wehubfusion/Conflux/pkg/state"
)

var (
	// ErrResourceLimit is wrapped when a graph would exceed its ResourceLimits.
	ErrResourceLimit = errors.New("resource limit exceeded")

	// ErrNoCheckpointer is returned by checkpoint operations on a graph
	// built without WithCheckpointer.
	ErrNoCheckpointer = errors.New("graph has no checkpointer")
)

// Metadata describes a graph.
type Metadata struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Version     uint64    `json:"version"`
}

// Route is a conditional edge target addressed by node id.
type Route struct {
	Node      string
	Channel   string
	Condition edge.Condition
	Priority  int
}

// Graph owns the state, nodes, edges and executor of one dataflow program.
type Graph struct {
	mu       sync.RWMutex
	meta     Metadata
	config   Config
	state    *state.GraphState
	nodes    *node.Registry
	edges    *edge.Registry
	executor *execution.Manager
	bsp      *coordinator.BSPCoordinator
	perf     *performanceTracker

	checkpointer *checkpoint.Checkpointer
	saveOpts     checkpoint.SaveOptions

	hooks       []execution.Hook
	limiter     *concurrency.Limiter
	tracer      trace.TracerProvider
	stepTimeout time.Duration
	logger      *zap.Logger
}

// Option configures a Graph.
type Option func(*Graph)

// WithID sets an explicit graph id.
func WithID(id string) Option {
	return func(g *Graph) {
		if id != "" {
			g.meta.ID = id
		}
	}
}

// WithName sets the graph name.
func WithName(name string) Option {
	return func(g *Graph) { g.meta.Name = name }
}

// WithDescription sets the graph description.
func WithDescription(description string) Option {
	return func(g *Graph) { g.meta.Description = description }
}

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(g *Graph) { g.config = cfg }
}

// WithLogger sets the logger. Without it the graph builds one from
// Config.LogLevel and Config.DebugMode.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Graph) { g.logger = logger }
}

// WithHooks adds execution hooks to the executor.
func WithHooks(hooks ...execution.Hook) Option {
	return func(g *Graph) { g.hooks = append(g.hooks, hooks...) }
}

// WithLimiter bounds parallel node execution.
func WithLimiter(l *concurrency.Limiter) Option {
	return func(g *Graph) { g.limiter = l }
}

// WithTracerProvider sets the tracer provider for runs and supersteps.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Graph) { g.tracer = tp }
}

// WithStepTimeout bounds each superstep of RunSupersteps.
func WithStepTimeout(d time.Duration) Option {
	return func(g *Graph) { g.stepTimeout = d }
}

// WithCheckpointer enables SaveCheckpoint, LoadCheckpoint and the periodic
// checkpoints driven by Config.CheckpointInterval.
func WithCheckpointer(c *checkpoint.Checkpointer, opts checkpoint.SaveOptions) Option {
	return func(g *Graph) {
		g.checkpointer = c
		g.saveOpts = opts
	}
}

// New creates an empty graph at version 0.
func New(opts ...Option) (*Graph, error) {
	now := time.Now().UTC()
	g := &Graph{
		meta: Metadata{
			ID:        uuid.New().String(),
			CreatedAt: now,
			UpdatedAt: now,
		},
		config: DefaultConfig(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if err := g.config.Validate(); err != nil {
		return nil, err
	}
	if g.logger == nil {
		logger, err := logging.New(g.config.LogLevel, g.config.DebugMode)
		if err != nil {
			return nil, err
		}
		g.logger = logger
	}
	if g.tracer == nil {
		g.tracer = otel.GetTracerProvider()
	}
	g.logger = g.logger.With(zap.String("graph_id", g.meta.ID))

	g.state = state.New(state.WithGraphID(g.meta.ID), state.WithLogger(g.logger))
	g.nodes = node.NewRegistry(g.state, node.WithRegistryLogger(g.logger))
	g.edges = edge.NewRegistry(g.nodes, edge.WithLogger(g.logger))

	hooks := g.hooks
	if g.config.EnablePerformanceTracking {
		g.perf = newPerformanceTracker()
		hooks = append(hooks, g.perf)
	}
	if g.config.DebugMode {
		hooks = append(hooks, execution.NewLoggingHook(g.logger))
	}
	execOpts := []execution.Option{
		execution.WithEdges(g.edges),
		execution.WithMode(g.config.ExecutionMode),
		execution.WithNodeRetryPolicy(g.config.RetryPolicy()),
		execution.WithHooks(hooks...),
		execution.WithTracerProvider(g.tracer),
		execution.WithLogger(g.logger),
	}
	if g.limiter != nil {
		execOpts = append(execOpts, execution.WithLimiter(g.limiter))
	}
	g.executor = execution.NewManager(g.state, g.nodes, execOpts...)
	g.bsp = coordinator.NewBSPCoordinator(g.stepTimeout,
		coordinator.WithTracerProvider(g.tracer),
		coordinator.WithLogger(g.logger))

	g.logger.Debug("Graph created",
		zap.String("name", g.meta.Name),
		zap.String("mode", string(g.config.ExecutionMode)))
	return g, nil
}

// ID returns the graph id.
func (g *Graph) ID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.meta.ID
}

// Metadata returns a copy of the graph metadata.
func (g *Graph) Metadata() Metadata {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.meta
}

// Config returns the graph configuration.
func (g *Graph) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// State returns the shared graph state.
func (g *Graph) State() *state.GraphState { return g.state }

// Nodes returns the node registry.
func (g *Graph) Nodes() *node.Registry { return g.nodes }

// Edges returns the edge registry.
func (g *Graph) Edges() *edge.Registry { return g.edges }

// Executor returns the execution manager.
func (g *Graph) Executor() *execution.Manager { return g.executor }

// Coordinator returns the coordinator driving RunSupersteps.
func (g *Graph) Coordinator() *coordinator.BSPCoordinator { return g.bsp }

// Logger returns the graph logger.
func (g *Graph) Logger() *zap.Logger { return g.logger }

func (g *Graph) touch() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.meta.Version++
	g.meta.UpdatedAt = time.Now().UTC()
}

// RegisterNodeType binds a node type name to its creator.
func (g *Graph) RegisterNodeType(name string, creator node.Creator) error {
	return g.nodes.RegisterType(name, creator)
}

func (g *Graph) checkNodeLimit() error {
	limit := g.Config().ResourceLimits.MaxNodes
	if limit > 0 && g.nodes.Len() >= limit {
		return cferrors.Validation(fmt.Sprintf("maximum number of nodes (%d) exceeded", limit), ErrResourceLimit)
	}
	return nil
}

func (g *Graph) checkEdgeLimit() error {
	limit := g.Config().ResourceLimits.MaxEdges
	if limit > 0 && g.edges.Len() >= limit {
		return cferrors.Validation(fmt.Sprintf("maximum number of edges (%d) exceeded", limit), ErrResourceLimit)
	}
	return nil
}

// AddNode creates a node of a registered type. An empty id generates one.
func (g *Graph) AddNode(typeName, id string) (node.Node, error) {
	if err := g.checkNodeLimit(); err != nil {
		return nil, err
	}
	n, err := g.nodes.CreateNode(typeName, id)
	if err != nil {
		return nil, err
	}
	g.touch()
	g.logger.Debug("Node added", zap.String("node_id", n.ID()), zap.String("type", typeName))
	return n, nil
}

// AttachNode registers a node built by the caller.
func (g *Graph) AttachNode(n node.Node) error {
	if err := g.checkNodeLimit(); err != nil {
		return err
	}
	if err := g.nodes.RegisterNode(n); err != nil {
		return err
	}
	g.touch()
	return nil
}

// Node returns a node by id.
func (g *Graph) Node(id string) (node.Node, bool) {
	return g.nodes.GetNode(id)
}

// RemoveNode deletes a node together with its edges and dependencies.
func (g *Graph) RemoveNode(id string) error {
	if _, err := g.nodes.MustNode(id); err != nil {
		return err
	}
	removed := g.edges.RemoveNodeEdges(id)
	g.nodes.DeleteNode(id)
	g.touch()
	g.logger.Debug("Node removed", zap.String("node_id", id), zap.Int("edges_removed", removed))
	return nil
}

// AddEdge connects srcNode.srcCh to dstNode.dstCh with an edge of a
// registered type, such as edge.TypeDirect.
func (g *Graph) AddEdge(typeName, srcNode, dstNode, srcCh, dstCh string) (edge.Edge, error) {
	if err := g.checkEdgeLimit(); err != nil {
		return nil, err
	}
	e, err := g.edges.CreateEdge(typeName, srcNode, dstNode, srcCh, dstCh)
	if err != nil {
		return nil, err
	}
	g.touch()
	return e, nil
}

// AddConditionalEdge routes srcNode.srcCh to the first route whose
// condition holds, falling back to def.
func (g *Graph) AddConditionalEdge(srcNode, srcCh string, def Route, routes ...Route) (*edge.ConditionalEdge, error) {
	if err := g.checkEdgeLimit(); err != nil {
		return nil, err
	}
	src, err := g.nodes.MustNode(srcNode)
	if err != nil {
		return nil, err
	}
	defTarget, err := g.resolve(src, srcCh, def)
	if err != nil {
		return nil, err
	}
	targets := make([]edge.Target, 0, len(routes))
	for _, r := range routes {
		t, err := g.resolve(src, srcCh, r)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}

	e, err := edge.NewConditionalEdge(src, srcCh, defTarget, targets)
	if err != nil {
		return nil, err
	}
	if err := g.edges.AddEdge(e); err != nil {
		return nil, err
	}
	g.touch()
	return e, nil
}

func (g *Graph) resolve(src node.Node, srcCh string, r Route) (edge.Target, error) {
	dst, err := g.nodes.MustNode(r.Node)
	if err != nil {
		return edge.Target{}, err
	}
	if err := g.edges.Validator().ValidateEdge(src, dst, srcCh, r.Channel).Err(); err != nil {
		return edge.Target{}, err
	}
	return edge.Target{Node: dst, Channel: r.Channel, Condition: r.Condition, Priority: r.Priority}, nil
}

// Edge returns an edge by id.
func (g *Graph) Edge(id string) (edge.Edge, bool) {
	return g.edges.GetEdge(id)
}

// RemoveEdge deletes an edge.
func (g *Graph) RemoveEdge(id string) error {
	if !g.edges.DeleteEdge(id) {
		return cferrors.Validation(fmt.Sprintf("edge %s", id), edge.ErrEdgeNotFound)
	}
	g.touch()
	return nil
}

// Clear removes every node and edge. Registered types and the global
// state are kept.
func (g *Graph) Clear() {
	g.edges.Clear()
	g.nodes.Clear()
	g.touch()
	g.logger.Debug("Graph cleared")
}

// Reset returns every finished node to IDLE so the graph can run again
// step by step.
func (g *Graph) Reset() error {
	var errs []error
	for _, n := range g.nodes.Nodes() {
		if err := n.Reset(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetMode switches between sequential and parallel execution.
func (g *Graph) SetMode(mode execution.Mode) error {
	if err := g.executor.SetMode(mode); err != nil {
		return err
	}
	g.mu.Lock()
	g.config.ExecutionMode = mode
	g.mu.Unlock()
	g.touch()
	return nil
}

// Performance returns per-node timings. It is nil unless
// Config.EnablePerformanceTracking is set.
func (g *Graph) Performance() map[string]NodeStats {
	if g.perf == nil {
		return nil
	}
	return g.perf.stats()
}

func (g *Graph) checkMemory() error {
	limit := g.Config().ResourceLimits.MaxMemoryMB
	if limit <= 0 {
		return nil
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	used := ms.HeapAlloc / (1 << 20)
	if used > uint64(limit) {
		return cferrors.ResourceError("memory", fmt.Sprintf("heap usage (%d MB) exceeds maximum memory (%d MB)", used, limit), ErrResourceLimit)
	}
	return nil
}

func (g *Graph) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if limit := g.Config().ResourceLimits.MaxExecutionTime; limit > 0 {
		return context.WithTimeout(ctx, limit)
	}
	return context.WithCancel(ctx)
}

func (g *Graph) timeoutError(ctx context.Context, err error) error {
	limit := g.Config().ResourceLimits.MaxExecutionTime
	if err == nil || limit <= 0 || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	return cferrors.Timeout(fmt.Sprintf("graph %s exceeded maximum execution time %s", g.ID(), limit), err)
}

// Run executes every node once in dependency order, bounded by
// ResourceLimits.MaxExecutionTime. With a checkpointer and a positive
// CheckpointInterval the graph is checkpointed periodically and once more
// when the run ends.
func (g *Graph) Run(ctx context.Context) error {
	if err := g.checkMemory(); err != nil {
		return err
	}
	runCtx, cancel := g.bounded(ctx)
	defer cancel()

	stop := g.startCheckpointing(runCtx)
	err := g.executor.ExecuteAll(runCtx)
	stop()
	err = g.timeoutError(runCtx, err)
	g.finalCheckpoint(ctx)
	return err
}

// RunSupersteps executes the graph as barrier-separated supersteps: each
// step runs every ready node concurrently and no node of a step starts
// before the previous step has completed. It stops when no node is ready
// or after maxSteps steps when maxSteps is positive, and returns the
// number of steps run.
func (g *Graph) RunSupersteps(ctx context.Context, maxSteps int) (int, error) {
	runCtx, cancel := g.bounded(ctx)
	defer cancel()

	steps := 0
	for maxSteps <= 0 || steps < maxSteps {
		if err := g.checkMemory(); err != nil {
			return steps, err
		}
		ready, err := g.executor.ReadyNodes()
		if err != nil {
			return steps, err
		}
		if len(ready) == 0 {
			break
		}
		if err := g.enroll(ready); err != nil {
			return steps, err
		}

		meta, err := g.bsp.Superstep(runCtx, func(ctx context.Context, n node.Node) (any, error) {
			_, err := g.executor.ExecuteNodeWithInputs(ctx, n.ID(), nil)
			return nil, err
		}, nil)
		steps++
		if err != nil {
			return steps, g.timeoutError(runCtx, err)
		}
		g.logger.Debug("Superstep completed",
			zap.String("step_id", meta.StepID),
			zap.Int("nodes", meta.NodeCount))
	}
	g.finalCheckpoint(ctx)
	return steps, nil
}

// enroll makes ids the exact participant set of the next superstep.
func (g *Graph) enroll(ids []string) error {
	for _, id := range g.bsp.Nodes() {
		if err := g.bsp.UnregisterNode(id); err != nil {
			return err
		}
	}
	for _, id := range ids {
		n, err := g.nodes.MustNode(id)
		if err != nil {
			return err
		}
		if err := g.bsp.RegisterNode(n); err != nil {
			return err
		}
	}
	return nil
}
