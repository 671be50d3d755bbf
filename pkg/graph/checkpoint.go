package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Conflux/pkg/checkpoint"
	"github.com/wehubfusion/Conflux/pkg/edge"
	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
	"github.com/wehubfusion/Conflux/pkg/execution"
	"github.com/wehubfusion/Conflux/pkg/node"
	"github.com/wehubfusion/Conflux/pkg/state"
)

// SchemaVersion is the version of Snapshot.
const SchemaVersion = 1

// Snapshot is the serialized form of a whole graph.
type Snapshot struct {
	SchemaVersion int                   `json:"schema_version"`
	Metadata      Metadata              `json:"metadata"`
	Config        Config                `json:"config"`
	State         state.Snapshot        `json:"state"`
	Nodes         node.RegistrySnapshot `json:"nodes"`
	Edges         edge.RegistrySnapshot `json:"edges"`
	Executor      execution.Snapshot    `json:"executor"`
}

var _ checkpoint.Target = (*Graph)(nil)

// Checkpoint captures the graph, its state, nodes, edges and executor.
func (g *Graph) Checkpoint() Snapshot {
	g.mu.RLock()
	meta, cfg := g.meta, g.config
	g.mu.RUnlock()
	return Snapshot{
		SchemaVersion: SchemaVersion,
		Metadata:      meta,
		Config:        cfg,
		State:         g.state.Checkpoint(),
		Nodes:         g.nodes.Checkpoint(),
		Edges:         g.edges.Checkpoint(),
		Executor:      g.executor.Checkpoint(),
	}
}

// Restore replaces the graph contents with s. Node types used by s must be
// registered and conditional edges must already exist, since their
// conditions cannot be rebuilt from a snapshot. The recorded Config is
// kept for reference; retry and hook settings stay as constructed.
func (g *Graph) Restore(s Snapshot) error {
	if s.SchemaVersion > SchemaVersion {
		return cferrors.Validation(fmt.Sprintf("unsupported graph schema version %d", s.SchemaVersion), nil)
	}
	if err := s.Config.Validate(); err != nil {
		return err
	}
	if err := g.state.Restore(s.State, nil); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	if err := g.nodes.Restore(s.Nodes); err != nil {
		return fmt.Errorf("restore nodes: %w", err)
	}
	if err := g.edges.Restore(s.Edges); err != nil {
		return fmt.Errorf("restore edges: %w", err)
	}
	if err := g.executor.Restore(s.Executor); err != nil {
		return fmt.Errorf("restore executor: %w", err)
	}

	g.mu.Lock()
	g.meta = s.Metadata
	g.config = s.Config
	g.config.ExecutionMode = g.executor.Metadata().Mode
	g.mu.Unlock()

	g.logger.Info("Graph restored",
		zap.Uint64("version", s.Metadata.Version),
		zap.Int("nodes", g.nodes.Len()),
		zap.Int("edges", g.edges.Len()))
	return nil
}

// CheckpointID implements checkpoint.Target.
func (g *Graph) CheckpointID() string { return g.ID() }

// MarshalState implements checkpoint.Target.
func (g *Graph) MarshalState() ([]byte, error) {
	data, err := json.Marshal(g.Checkpoint())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal graph %s: %w", g.ID(), err)
	}
	return data, nil
}

// UnmarshalState implements checkpoint.Target.
func (g *Graph) UnmarshalState(data []byte) error {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return cferrors.Validation("invalid graph checkpoint", err)
	}
	return g.Restore(s)
}

// SaveCheckpoint writes the graph through the configured checkpointer.
func (g *Graph) SaveCheckpoint(ctx context.Context) error {
	if g.checkpointer == nil {
		return cferrors.Validation("save checkpoint", ErrNoCheckpointer)
	}
	return g.checkpointer.Save(ctx, g, g.saveOpts)
}

// LoadCheckpoint restores the graph through the configured checkpointer.
// Zero options load from the location used by SaveCheckpoint.
func (g *Graph) LoadCheckpoint(ctx context.Context, opts checkpoint.LoadOptions) error {
	if g.checkpointer == nil {
		return cferrors.Validation("load checkpoint", ErrNoCheckpointer)
	}
	if opts.Path == "" && opts.ThreadID == "" {
		opts.Path = g.saveOpts.Path
		opts.ThreadID = g.saveOpts.ThreadID
	}
	return g.checkpointer.Load(ctx, g, opts)
}

func (g *Graph) startCheckpointing(ctx context.Context) (stop func()) {
	interval := g.Config().CheckpointInterval
	if g.checkpointer == nil || interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := g.SaveCheckpoint(ctx); err != nil {
					g.logger.Warn("Periodic checkpoint failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (g *Graph) finalCheckpoint(ctx context.Context) {
	if g.checkpointer == nil || g.Config().CheckpointInterval <= 0 {
		return
	}
	if err := g.SaveCheckpoint(context.WithoutCancel(ctx)); err != nil {
		g.logger.Warn("Final checkpoint failed", zap.Error(err))
	}
}
