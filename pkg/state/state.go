// Package state holds GraphState: the named channel table and free-form
// global key/value map shared by every node of a graph.
package state

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Conflux/pkg/channel"
	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
)

var (
	// ErrChannelExists is returned when a channel name is already taken.
	ErrChannelExists = errors.New("channel name already exists")

	// ErrChannelNotFound is returned for unknown channel names.
	ErrChannelNotFound = errors.New("channel not found")
)

// Metadata identifies a graph state and orders its mutations.
type Metadata struct {
	GraphID   string    `json:"graph_id"`
	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GraphState owns a table of named channels and a global key/value map.
// Version increases on every channel create/delete and global mutation.
type GraphState struct {
	mu       sync.RWMutex
	meta     Metadata
	channels map[string]channel.Channel
	order    []string
	global   map[string]any
	logger   *zap.Logger
}

// Option configures a GraphState.
type Option func(*GraphState)

// WithGraphID sets an explicit graph id.
func WithGraphID(id string) Option {
	return func(s *GraphState) {
		if id != "" {
			s.meta.GraphID = id
		}
	}
}

// WithLogger sets the state logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *GraphState) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates an empty state at version 0.
func New(opts ...Option) *GraphState {
	now := time.Now().UTC()
	s := &GraphState{
		meta: Metadata{
			GraphID:   uuid.New().String(),
			CreatedAt: now,
			UpdatedAt: now,
		},
		channels: make(map[string]channel.Channel),
		global:   make(map[string]any),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GraphID returns the graph id.
func (s *GraphState) GraphID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.GraphID
}

// Version returns the mutation counter.
func (s *GraphState) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Version
}

// Metadata returns a copy of the state metadata.
func (s *GraphState) Metadata() Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

func (s *GraphState) bump() {
	s.meta.Version++
	s.meta.UpdatedAt = time.Now().UTC()
}

// CreateChannel creates a built-in channel under name.
func (s *GraphState) CreateChannel(kind channel.Kind, name string, opts channel.Options) (channel.Channel, error) {
	if name == "" {
		return nil, cferrors.Validation("channel name must not be empty", nil)
	}
	ch, err := channel.New(kind, "", opts)
	if err != nil {
		return nil, err
	}
	if err := s.AddChannel(name, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// AddChannel takes ownership of ch under name.
func (s *GraphState) AddChannel(name string, ch channel.Channel) error {
	if name == "" || ch == nil {
		return cferrors.Validation("channel name and instance are required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.channels[name]; exists {
		return cferrors.Validation(fmt.Sprintf("channel %q", name), ErrChannelExists)
	}
	s.channels[name] = ch
	s.order = append(s.order, name)
	s.bump()

	s.logger.Debug("Channel added to graph state",
		zap.String("graph_id", s.meta.GraphID),
		zap.String("channel", name),
		zap.String("kind", string(ch.Kind())))
	return nil
}

// GetChannel returns a channel by name.
func (s *GraphState) GetChannel(name string) (channel.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[name]
	return ch, ok
}

// ChannelByID returns a channel by its channel id.
func (s *GraphState) ChannelByID(id string) (channel.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.channels {
		if ch.ID() == id {
			return ch, true
		}
	}
	return nil, false
}

// ListChannels returns channel names in sorted order.
func (s *GraphState) ListChannels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := slices.Collect(maps.Keys(s.channels))
	slices.Sort(names)
	return names
}

// DeleteChannel removes a channel and reports whether it existed.
func (s *GraphState) DeleteChannel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[name]; !ok {
		return false
	}
	delete(s.channels, name)
	s.order = slices.DeleteFunc(s.order, func(n string) bool { return n == name })
	s.bump()
	return true
}

// GlobalState returns a copy of the global map.
func (s *GraphState) GlobalState() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.global)
}

// Get returns a single global value.
func (s *GraphState) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.global[key]
	return v, ok
}

// SetGlobalState replaces the global map.
func (s *GraphState) SetGlobalState(values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = maps.Clone(values)
	if s.global == nil {
		s.global = make(map[string]any)
	}
	s.bump()
}

// UpdateGlobalState merges values into the global map.
func (s *GraphState) UpdateGlobalState(values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maps.Copy(s.global, values)
	s.bump()
}

// Clear drops every channel and global value. It is a mutation like any
// other, so the version keeps increasing.
func (s *GraphState) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = make(map[string]channel.Channel)
	s.order = nil
	s.global = make(map[string]any)
	s.bump()
}

// Merge copies other's channels and global values into s. Channels are
// cloned, never shared. A name collision gives the incoming channel the
// first free name of the form name_N. Incoming global keys overwrite
// existing ones. Merge returns the names assigned to incoming channels.
func (s *GraphState) Merge(other *GraphState) (map[string]string, error) {
	if other == nil || other == s {
		return nil, cferrors.Validation("cannot merge a state with itself or nil", nil)
	}

	other.mu.RLock()
	incoming := make([]string, len(other.order))
	copy(incoming, other.order)
	sources := maps.Clone(other.channels)
	global := maps.Clone(other.global)
	sourceID := other.meta.GraphID
	other.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	assigned := make(map[string]string, len(incoming))
	for _, name := range incoming {
		target := name
		for i := 1; ; i++ {
			if _, taken := s.channels[target]; !taken {
				break
			}
			target = name + "_" + strconv.Itoa(i)
		}
		cloned, err := channel.Clone(sources[name], uuid.New().String(), channel.Options{})
		if err != nil {
			return assigned, fmt.Errorf("merge channel %q: %w", name, err)
		}
		s.channels[target] = cloned
		s.order = append(s.order, target)
		assigned[name] = target
		s.bump()
	}
	if len(global) > 0 {
		maps.Copy(s.global, global)
		s.bump()
	}

	s.logger.Debug("Graph state merged",
		zap.String("graph_id", s.meta.GraphID),
		zap.String("source_graph_id", sourceID),
		zap.Int("channels", len(assigned)))
	return assigned, nil
}
