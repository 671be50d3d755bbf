// Package natskv implements checkpoint.MemoryProvider on a NATS JetStream
// key-value bucket.
//
// Threads are stored as JSON under "thread.<thread id>" and state blobs
// under "state.<thread id>.<entity>", where the entity id is base64url
// encoded to stay within the key alphabet.
package natskv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	internalnats "github.com/wehubfusion/Conflux/internal/nats"
	"github.com/wehubfusion/Conflux/pkg/checkpoint"
	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
)

const (
	threadPrefix = "thread."
	statePrefix  = "state."
)

// Config describes the bucket backing a Provider.
type Config struct {
	Bucket      string        `mapstructure:"bucket" yaml:"bucket"`
	Description string        `mapstructure:"description" yaml:"description,omitempty"`
	TTL         time.Duration `mapstructure:"ttl" yaml:"ttl,omitempty"`
	Replicas    int           `mapstructure:"replicas" yaml:"replicas,omitempty"`
}

// DefaultConfig returns the default bucket configuration.
func DefaultConfig() Config {
	return Config{
		Bucket:      "CONFLUX_CHECKPOINTS",
		Description: "Conflux graph checkpoints",
		Replicas:    1,
	}
}

// Validate rejects unusable values and fills defaults.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		c.Bucket = DefaultConfig().Bucket
	}
	if c.TTL < 0 {
		return cferrors.Validation("bucket ttl must not be negative", nil)
	}
	if c.Replicas < 0 {
		return cferrors.Validation("bucket replicas must not be negative", nil)
	}
	if c.Replicas == 0 {
		c.Replicas = 1
	}
	return nil
}

// Provider is a checkpoint.MemoryProvider over a Bucket.
type Provider struct {
	mu     sync.Mutex
	bucket Bucket
	conn   *nats.Conn
	logger *zap.Logger
}

// New wraps an existing bucket.
func New(bucket Bucket, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{bucket: bucket, logger: logger}
}

// Open binds to the bucket named in cfg, creating it when it does not exist.
func Open(js nats.JetStreamContext, cfg Config, logger *zap.Logger) (*Provider, error) {
	if js == nil {
		return nil, cferrors.Validation("jetstream context must not be nil", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kv, err := js.KeyValue(cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: cfg.Description,
			TTL:         cfg.TTL,
			Replicas:    cfg.Replicas,
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bind bucket %s: %w", cfg.Bucket, err)
	}
	return New(WrapKeyValue(kv), logger), nil
}

// Dial connects to NATS and opens the bucket. The connection is owned by
// the provider and drained by Close.
func Dial(ctx context.Context, conn *internalnats.ConnectionConfig, cfg Config, logger *zap.Logger) (*Provider, error) {
	nc, err := internalnats.Connect(ctx, conn, logger)
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		_ = internalnats.Close(nc)
		return nil, fmt.Errorf("JetStream is not enabled on the NATS server: %w", err)
	}
	p, err := Open(js, cfg, logger)
	if err != nil {
		_ = internalnats.Close(nc)
		return nil, err
	}
	p.conn = nc
	return p, nil
}

// Close drains the connection opened by Dial.
func (p *Provider) Close() error {
	return internalnats.Close(p.conn)
}

func threadKey(threadID string) string {
	return threadPrefix + threadID
}

func stateKey(threadID, entityID string) string {
	return statePrefix + threadID + "." + base64.RawURLEncoding.EncodeToString([]byte(entityID))
}

func (p *Provider) thread(threadID string) (checkpoint.ThreadState, error) {
	raw, err := p.bucket.Get(threadKey(threadID))
	if errors.Is(err, ErrKeyNotFound) {
		return checkpoint.ThreadState{}, fmt.Errorf("%w: %s", checkpoint.ErrThreadNotFound, threadID)
	}
	if err != nil {
		return checkpoint.ThreadState{}, fmt.Errorf("read thread %s: %w", threadID, err)
	}
	var t checkpoint.ThreadState
	if err := json.Unmarshal(raw, &t); err != nil {
		return checkpoint.ThreadState{}, fmt.Errorf("decode thread %s: %w", threadID, err)
	}
	return t, nil
}

func (p *Provider) putThread(t checkpoint.ThreadState) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode thread %s: %w", t.ThreadID, err)
	}
	if err := p.bucket.Put(threadKey(t.ThreadID), raw); err != nil {
		return fmt.Errorf("write thread %s: %w", t.ThreadID, err)
	}
	return nil
}

func (p *Provider) threads() ([]checkpoint.ThreadState, []string, error) {
	keys, err := p.bucket.Keys()
	if err != nil {
		return nil, nil, fmt.Errorf("list keys: %w", err)
	}
	var (
		threads []checkpoint.ThreadState
		states  []string
	)
	for _, key := range keys {
		switch {
		case strings.HasPrefix(key, threadPrefix):
			t, err := p.thread(strings.TrimPrefix(key, threadPrefix))
			if errors.Is(err, checkpoint.ErrThreadNotFound) {
				continue
			}
			if err != nil {
				return nil, nil, err
			}
			threads = append(threads, t)
		case strings.HasPrefix(key, statePrefix):
			states = append(states, key)
		}
	}
	return threads, states, nil
}

// CreateThread stores a new thread owned by entityID.
func (p *Provider) CreateThread(ctx context.Context, entityID, parentThreadID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if entityID == "" {
		return "", fmt.Errorf("entity id is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if parentThreadID != "" {
		if _, err := p.thread(parentThreadID); err != nil {
			return "", fmt.Errorf("parent %w", err)
		}
	}

	now := time.Now().UTC()
	t := checkpoint.ThreadState{
		ThreadID:       uuid.New().String(),
		EntityID:       entityID,
		ParentThreadID: parentThreadID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := p.putThread(t); err != nil {
		return "", err
	}
	p.logger.Debug("Thread created",
		zap.String("thread_id", t.ThreadID),
		zap.String("entity_id", entityID))
	return t.ThreadID, nil
}

// SaveState stores data for entityID in an existing thread.
func (p *Provider) SaveState(ctx context.Context, entityID, threadID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := p.thread(threadID)
	if err != nil {
		return err
	}
	if err := p.bucket.Put(stateKey(threadID, entityID), data); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	t.UpdatedAt = time.Now().UTC()
	return p.putThread(t)
}

// LoadState returns the data stored for entityID in a thread.
func (p *Provider) LoadState(ctx context.Context, entityID, threadID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := p.bucket.Get(stateKey(threadID, entityID))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: thread %s entity %s", checkpoint.ErrStateNotFound, threadID, entityID)
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	return data, nil
}

// DeleteThread removes a thread, its descendants and their states.
func (p *Provider) DeleteThread(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	threads, states, err := p.threads()
	if err != nil {
		return err
	}

	for _, id := range checkpoint.Descendants(threads, threadID) {
		prefix := statePrefix + id + "."
		for _, key := range states {
			if strings.HasPrefix(key, prefix) {
				if err := p.bucket.Delete(key); err != nil {
					return fmt.Errorf("delete %s: %w", key, err)
				}
			}
		}
		if err := p.bucket.Delete(threadKey(id)); err != nil {
			return fmt.Errorf("delete thread %s: %w", id, err)
		}
	}
	return nil
}

// ListThreads lists threads oldest first, optionally filtered by entity.
func (p *Provider) ListThreads(ctx context.Context, entityID string) ([]checkpoint.ThreadState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	threads, _, err := p.threads()
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := threads[:0]
	for _, t := range threads {
		if entityID == "" || t.EntityID == entityID {
			out = append(out, t)
		}
	}
	checkpoint.SortThreads(out)
	return out, nil
}
