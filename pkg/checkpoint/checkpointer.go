package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
)

// ErrNoProvider is returned for thread operations on a Checkpointer built
// without a MemoryProvider.
var ErrNoProvider = errors.New("no memory provider configured")

// SaveOptions selects where Save writes. At least one field must be set;
// setting both writes the same payload to each.
type SaveOptions struct {
	Path     string
	ThreadID string
}

// LoadOptions selects where Load reads. Path wins over ThreadID. GraphID
// names the entity a thread payload was saved under and defaults to the
// target's CheckpointID.
type LoadOptions struct {
	Path     string
	ThreadID string
	GraphID  string
}

// Checkpointer moves Target state to and from blob stores and memory
// providers.
type Checkpointer struct {
	provider MemoryProvider
	store    BlobStore
	logger   *zap.Logger
}

// Option configures a Checkpointer.
type Option func(*Checkpointer)

// WithProvider sets the memory provider used for thread-keyed payloads.
func WithProvider(p MemoryProvider) Option {
	return func(c *Checkpointer) { c.provider = p }
}

// WithStore sets the blob store used for path-keyed payloads.
func WithStore(s BlobStore) Option {
	return func(c *Checkpointer) {
		if s != nil {
			c.store = s
		}
	}
}

// WithLogger sets the checkpointer logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Checkpointer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCheckpointer creates a checkpointer. Without WithStore, paths are
// files relative to the working directory.
func NewCheckpointer(opts ...Option) *Checkpointer {
	c := &Checkpointer{
		store:  NewFileStore(""),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider returns the configured memory provider, or nil.
func (c *Checkpointer) Provider() MemoryProvider { return c.provider }

// Save checkpoints target to the locations in opts.
func (c *Checkpointer) Save(ctx context.Context, target Target, opts SaveOptions) error {
	if target == nil {
		return cferrors.Validation("checkpoint target must not be nil", nil)
	}
	if opts.Path == "" && opts.ThreadID == "" {
		return cferrors.Validation("checkpoint requires a path or a thread id", nil)
	}
	if opts.ThreadID != "" && c.provider == nil {
		return cferrors.Validation("save to thread "+opts.ThreadID, ErrNoProvider)
	}

	state, err := target.MarshalState()
	if err != nil {
		return fmt.Errorf("marshal %s state: %w", target.CheckpointID(), err)
	}
	payload, err := New(state).Encode()
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	if opts.Path != "" {
		if err := c.store.Write(ctx, opts.Path, payload); err != nil {
			return fmt.Errorf("save checkpoint to %s: %w", opts.Path, err)
		}
	}
	if opts.ThreadID != "" {
		if err := c.provider.SaveState(ctx, target.CheckpointID(), opts.ThreadID, payload); err != nil {
			return fmt.Errorf("save checkpoint to thread %s: %w", opts.ThreadID, err)
		}
	}

	c.logger.Info("Checkpoint saved",
		zap.String("entity_id", target.CheckpointID()),
		zap.String("path", opts.Path),
		zap.String("thread_id", opts.ThreadID),
		zap.Int("size_bytes", len(payload)))
	return nil
}

// Load restores target from the location in opts. A missing payload
// returns ErrCheckpointNotFound.
func (c *Checkpointer) Load(ctx context.Context, target Target, opts LoadOptions) error {
	if target == nil {
		return cferrors.Validation("checkpoint target must not be nil", nil)
	}

	var (
		payload []byte
		err     error
		source  string
	)
	switch {
	case opts.Path != "":
		source = opts.Path
		payload, err = c.store.Read(ctx, opts.Path)
		if errors.Is(err, ErrBlobNotFound) {
			return fmt.Errorf("%w at %s", ErrCheckpointNotFound, opts.Path)
		}
	case opts.ThreadID != "":
		if c.provider == nil {
			return cferrors.Validation("load from thread "+opts.ThreadID, ErrNoProvider)
		}
		entity := opts.GraphID
		if entity == "" {
			entity = target.CheckpointID()
		}
		source = "thread " + opts.ThreadID
		payload, err = c.provider.LoadState(ctx, entity, opts.ThreadID)
		if errors.Is(err, ErrStateNotFound) || errors.Is(err, ErrThreadNotFound) {
			return fmt.Errorf("%w in thread %s for %s", ErrCheckpointNotFound, opts.ThreadID, entity)
		}
	default:
		return cferrors.Validation("checkpoint requires a path or a thread id", nil)
	}
	if err != nil {
		return fmt.Errorf("load checkpoint from %s: %w", source, err)
	}

	cp, err := Decode(payload)
	if err != nil {
		return fmt.Errorf("load checkpoint from %s: %w", source, err)
	}
	if err := target.UnmarshalState(cp.StateData); err != nil {
		return fmt.Errorf("restore checkpoint from %s: %w", source, err)
	}

	c.logger.Info("Checkpoint loaded",
		zap.String("entity_id", target.CheckpointID()),
		zap.String("source", source),
		zap.Time("created_at", cp.CreatedAt))
	return nil
}

// List returns the payloads saved for graphID keyed by thread id. Threads
// without a payload for graphID are left out.
func (c *Checkpointer) List(ctx context.Context, graphID string) (map[string]Checkpoint, error) {
	if c.provider == nil {
		return nil, cferrors.Validation("list checkpoints", ErrNoProvider)
	}
	threads, err := c.provider.ListThreads(ctx, graphID)
	if err != nil {
		return nil, fmt.Errorf("list threads of %s: %w", graphID, err)
	}

	out := make(map[string]Checkpoint, len(threads))
	for _, t := range threads {
		payload, err := c.provider.LoadState(ctx, graphID, t.ThreadID)
		if errors.Is(err, ErrStateNotFound) || errors.Is(err, ErrThreadNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load thread %s: %w", t.ThreadID, err)
		}
		cp, err := Decode(payload)
		if err != nil {
			c.logger.Warn("Skipping unreadable checkpoint",
				zap.String("thread_id", t.ThreadID),
				zap.Error(err))
			continue
		}
		out[t.ThreadID] = cp
	}
	return out, nil
}

// Delete removes a thread and its payloads.
func (c *Checkpointer) Delete(ctx context.Context, threadID string) error {
	if c.provider == nil {
		return cferrors.Validation("delete checkpoint", ErrNoProvider)
	}
	if err := c.provider.DeleteThread(ctx, threadID); err != nil {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}
	c.logger.Info("Checkpoint deleted", zap.String("thread_id", threadID))
	return nil
}
