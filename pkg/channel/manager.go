package channel

import (
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Conflux/internal/naming"
	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
)

var (
	// ErrTypeRegistered is returned when a channel type name is registered twice.
	ErrTypeRegistered = errors.New("channel type already registered")

	// ErrChannelNotFound is returned for unknown channel ids.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrChannelExists is returned when a channel id is already in use.
	ErrChannelExists = errors.New("channel already exists")
)

// ErrorHandler is notified when an update recorded against a channel failed.
type ErrorHandler func(channelID string, err error)

// Manager is a registry of channel types and the instances created from
// them, with per-channel error handlers and usage metrics.
type Manager struct {
	mu        sync.RWMutex
	types     map[string]Factory
	typeNames []string
	channels  map[string]Channel
	handlers  map[string][]ErrorHandler
	metrics   map[string]*metricsCollector
	debug     bool
	logger    *zap.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithBuiltins registers every built-in channel kind.
func WithBuiltins() ManagerOption {
	return func(m *Manager) {
		_ = m.RegisterBuiltins()
	}
}

// NewManager creates an empty manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		types:    make(map[string]Factory),
		channels: make(map[string]Channel),
		handlers: make(map[string][]ErrorHandler),
		metrics:  make(map[string]*metricsCollector),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterType binds a type name to a factory. Names are case-insensitive.
func (m *Manager) RegisterType(name string, factory Factory) error {
	if !naming.Valid(name) || factory == nil {
		return cferrors.Validation("channel type requires a name and a factory", nil)
	}
	key := naming.Key(name)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.types[key]; ok {
		return cferrors.Validation(fmt.Sprintf("channel type %q", name), ErrTypeRegistered)
	}
	m.types[key] = factory
	m.typeNames = append(m.typeNames, name)
	return nil
}

// RegisterBuiltins registers every built-in kind not yet registered.
func (m *Manager) RegisterBuiltins() error {
	kinds := make([]Kind, 0, len(builtins))
	for kind := range builtins {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	for _, kind := range kinds {
		if m.HasType(string(kind)) {
			continue
		}
		if err := m.RegisterType(string(kind), builtins[kind]); err != nil {
			return err
		}
	}
	return nil
}

// HasType reports whether a type name is registered.
func (m *Manager) HasType(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.types[naming.Key(name)]
	return ok
}

// RegisteredTypes returns type names in registration order.
func (m *Manager) RegisteredTypes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.typeNames)
}

// CreateChannel instantiates a registered type. An empty id generates one.
func (m *Manager) CreateChannel(typeName, id string, opts Options) (Channel, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.New().String()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	factory, ok := m.types[naming.Key(typeName)]
	if !ok {
		return nil, cferrors.Validation(fmt.Sprintf("channel type %q", typeName), ErrUnknownKind)
	}
	if _, exists := m.channels[id]; exists {
		return nil, cferrors.Validation(fmt.Sprintf("channel %s", id), ErrChannelExists)
	}
	ch, err := factory(id, opts)
	if err != nil {
		return nil, fmt.Errorf("create %s channel: %w", typeName, err)
	}
	m.channels[id] = ch
	m.metrics[id] = &metricsCollector{}

	m.logger.Debug("Channel created",
		zap.String("channel_id", id),
		zap.String("type", typeName))
	return ch, nil
}

// GetChannel returns a channel by id.
func (m *Manager) GetChannel(id string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	return ch, ok
}

// DeleteChannel removes a channel with its handlers and metrics. Unknown
// ids are ignored.
func (m *Manager) DeleteChannel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, id)
	delete(m.handlers, id)
	delete(m.metrics, id)
}

// ActiveChannels returns the sorted ids of live channels.
func (m *Manager) ActiveChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// RegisterErrorHandler adds a handler invoked by UpdateMetrics on failure.
func (m *Manager) RegisterErrorHandler(id string, handler ErrorHandler) error {
	if handler == nil {
		return cferrors.Validation("error handler must not be nil", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[id]; !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	m.handlers[id] = append(m.handlers[id], handler)
	return nil
}

// UpdateMetrics records an update on a channel. When err is non-nil every
// registered handler is called; a panicking handler is logged and ignored.
func (m *Manager) UpdateMetrics(id string, err error) error {
	m.mu.RLock()
	collector, ok := m.metrics[id]
	handlers := slices.Clone(m.handlers[id])
	debugMode := m.debug
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	collector.record(err)
	if err == nil {
		return nil
	}
	for _, handler := range handlers {
		m.invoke(handler, id, err, debugMode)
	}
	return nil
}

func (m *Manager) invoke(handler ErrorHandler, id string, err error, debugMode bool) {
	defer func() {
		if r := recover(); r != nil {
			fields := []zap.Field{
				zap.String("channel_id", id),
				zap.Any("panic", r),
			}
			if debugMode {
				fields = append(fields, zap.ByteString("stack", debug.Stack()))
			}
			m.logger.Warn("Channel error handler failed", fields...)
		}
	}()
	handler(id, err)
}

// Metrics returns usage counters for a channel.
func (m *Manager) Metrics(id string) (ChannelMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	collector, ok := m.metrics[id]
	if !ok {
		return ChannelMetrics{}, false
	}
	return collector.snapshot(), true
}

// SetDebugMode toggles stack capture for failing handlers.
func (m *Manager) SetDebugMode(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debug = enabled
}

// DebugMode reports whether debug mode is enabled.
func (m *Manager) DebugMode() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.debug
}

// Clear drops every channel, handler and metric. Registered types are kept.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = make(map[string]Channel)
	m.handlers = make(map[string][]ErrorHandler)
	m.metrics = make(map[string]*metricsCollector)
}
