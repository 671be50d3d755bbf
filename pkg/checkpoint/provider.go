package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrThreadNotFound is returned for unknown thread ids.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrStateNotFound is returned when a thread holds no state for an entity.
	ErrStateNotFound = errors.New("state not found")
)

// ThreadState describes a thread of a memory provider.
type ThreadState struct {
	ThreadID       string    `json:"thread_id"`
	EntityID       string    `json:"entity_id"`
	ParentThreadID string    `json:"parent_thread_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MemoryProvider stores opaque state blobs per (thread, entity).
//
// DeleteThread removes the thread, its states and every descendant thread.
// ListThreads with an empty entity id lists all threads, oldest first.
type MemoryProvider interface {
	CreateThread(ctx context.Context, entityID, parentThreadID string) (string, error)
	SaveState(ctx context.Context, entityID, threadID string, data []byte) error
	LoadState(ctx context.Context, entityID, threadID string) ([]byte, error)
	DeleteThread(ctx context.Context, threadID string) error
	ListThreads(ctx context.Context, entityID string) ([]ThreadState, error)
}

// SortThreads orders threads by creation time, then id.
func SortThreads(threads []ThreadState) {
	slices.SortFunc(threads, func(a, b ThreadState) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ThreadID < b.ThreadID:
			return -1
		case a.ThreadID > b.ThreadID:
			return 1
		}
		return 0
	})
}

// Descendants returns root and every thread reachable from it through
// parent links.
func Descendants(threads []ThreadState, root string) []string {
	children := make(map[string][]string, len(threads))
	for _, t := range threads {
		if t.ParentThreadID != "" {
			children[t.ParentThreadID] = append(children[t.ParentThreadID], t.ThreadID)
		}
	}
	out := []string{root}
	for i := 0; i < len(out); i++ {
		out = append(out, children[out[i]]...)
	}
	return out
}

// MemoryStore is an in-process MemoryProvider.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*ThreadState
	states  map[string]map[string][]byte
	logger  *zap.Logger
}

// NewMemoryStore creates an empty store. A nil logger discards output.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		threads: make(map[string]*ThreadState),
		states:  make(map[string]map[string][]byte),
		logger:  logger,
	}
}

// CreateThread creates a thread owned by entityID.
func (m *MemoryStore) CreateThread(ctx context.Context, entityID, parentThreadID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if entityID == "" {
		return "", fmt.Errorf("entity id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if parentThreadID != "" {
		if _, ok := m.threads[parentThreadID]; !ok {
			return "", fmt.Errorf("parent %w: %s", ErrThreadNotFound, parentThreadID)
		}
	}
	now := time.Now().UTC()
	id := uuid.New().String()
	m.threads[id] = &ThreadState{
		ThreadID:       id,
		EntityID:       entityID,
		ParentThreadID: parentThreadID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.logger.Debug("Thread created",
		zap.String("thread_id", id),
		zap.String("entity_id", entityID))
	return id, nil
}

// SaveState stores data for entityID in an existing thread.
func (m *MemoryStore) SaveState(ctx context.Context, entityID, threadID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	thread, ok := m.threads[threadID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	if m.states[threadID] == nil {
		m.states[threadID] = make(map[string][]byte)
	}
	m.states[threadID][entityID] = slices.Clone(data)
	thread.UpdatedAt = time.Now().UTC()
	return nil
}

// LoadState returns the data stored for entityID in a thread.
func (m *MemoryStore) LoadState(ctx context.Context, entityID, threadID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.states[threadID][entityID]
	if !ok {
		return nil, fmt.Errorf("%w: thread %s entity %s", ErrStateNotFound, threadID, entityID)
	}
	return slices.Clone(data), nil
}

// DeleteThread removes a thread and its descendants. Unknown ids are
// ignored.
func (m *MemoryStore) DeleteThread(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[threadID]; !ok {
		return nil
	}
	all := make([]ThreadState, 0, len(m.threads))
	for _, t := range m.threads {
		all = append(all, *t)
	}
	for _, id := range Descendants(all, threadID) {
		delete(m.threads, id)
		delete(m.states, id)
	}
	return nil
}

// ListThreads lists threads, optionally filtered by entity.
func (m *MemoryStore) ListThreads(ctx context.Context, entityID string) ([]ThreadState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]ThreadState, 0, len(m.threads))
	for _, t := range m.threads {
		if entityID == "" || t.EntityID == entityID {
			out = append(out, *t)
		}
	}
	m.mu.RUnlock()
	SortThreads(out)
	return out, nil
}
