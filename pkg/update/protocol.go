package update

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Conflux/pkg/channel"
	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
)

// Resolver maps channel ids to channels. *state.GraphState and
// *node.Registry both satisfy it.
type Resolver interface {
	ChannelByID(id string) (channel.Channel, bool)
}

// Resolvers tries each resolver in turn.
type Resolvers []Resolver

// ChannelByID implements Resolver.
func (rs Resolvers) ChannelByID(id string) (channel.Channel, bool) {
	for _, r := range rs {
		if r == nil {
			continue
		}
		if ch, ok := r.ChannelByID(id); ok {
			return ch, true
		}
	}
	return nil, false
}

// Protocol tracks open transactions, per-channel versions and metrics.
// Without a resolver it only orders and counts writes; with one it also
// applies them to the resolved channels.
type Protocol struct {
	mu       sync.Mutex
	active   map[string]*Transaction
	locks    map[string]chan struct{}
	versions map[string]uint64
	metrics  map[string]*metricsCollector
	resolver Resolver
	logger   *zap.Logger
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithResolver sets the resolver used to apply writes.
func WithResolver(r Resolver) Option {
	return func(p *Protocol) { p.resolver = r }
}

// WithLogger sets the protocol logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Protocol) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a protocol.
func New(opts ...Option) *Protocol {
	p := &Protocol{
		active:   make(map[string]*Transaction),
		locks:    make(map[string]chan struct{}),
		versions: make(map[string]uint64),
		metrics:  make(map[string]*metricsCollector),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Begin opens a transaction and returns its id.
func (p *Protocol) Begin() string {
	tx := NewTransaction()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[tx.ID()] = tx
	return tx.ID()
}

// Transaction returns an open transaction.
func (p *Protocol) Transaction(txID string) (*Transaction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tx, ok := p.active[txID]
	return tx, ok
}

// ActiveTransactions returns the number of open transactions.
func (p *Protocol) ActiveTransactions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

func (p *Protocol) lookup(txID string) (*Transaction, error) {
	if tx, ok := p.Transaction(txID); ok {
		return tx, nil
	}
	return nil, cferrors.Validation(fmt.Sprintf("transaction %s", txID), ErrTransactionNotFound)
}

// AddUpdate queues a write of value to channelID.
func (p *Protocol) AddUpdate(txID, channelID string, value any) error {
	tx, err := p.lookup(txID)
	if err != nil {
		return err
	}
	if err := tx.AddOperation(channelID, value); err != nil {
		return cferrors.Validation(fmt.Sprintf("transaction %s", txID), err)
	}
	return nil
}

// Apply commits updates, keyed by channel id, in a single transaction.
func (p *Protocol) Apply(ctx context.Context, updates map[string]any) error {
	txID := p.Begin()
	for id, v := range updates {
		if err := p.AddUpdate(txID, id, v); err != nil {
			_ = p.Rollback(txID, err)
			return err
		}
	}
	return p.Commit(ctx, txID)
}

func (p *Protocol) lockFor(channelID string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[channelID]
	if !ok {
		l = make(chan struct{}, 1)
		p.locks[channelID] = l
	}
	return l
}

func (p *Protocol) collector(channelID string) *metricsCollector {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.metrics[channelID]
	if !ok {
		m = &metricsCollector{}
		p.metrics[channelID] = m
	}
	return m
}

// acquire takes the locks of ids, which must be sorted, and returns a
// release func.
func (p *Protocol) acquire(ctx context.Context, ids []string) (func(), error) {
	held := make([]chan struct{}, 0, len(ids))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}
	for _, id := range ids {
		l := p.lockFor(id)
		select {
		case l <- struct{}{}:
			held = append(held, l)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

// Commit applies every write of a transaction. On failure nothing is left
// partially written and the transaction is rolled back.
func (p *Protocol) Commit(ctx context.Context, txID string) error {
	p.mu.Lock()
	tx, ok := p.active[txID]
	delete(p.active, txID)
	p.mu.Unlock()
	if !ok {
		return cferrors.Validation(fmt.Sprintf("transaction %s", txID), ErrTransactionNotFound)
	}

	ids, ops, err := tx.seal()
	if err != nil {
		return cferrors.Validation(fmt.Sprintf("transaction %s", txID), err)
	}
	start := time.Now()
	release, err := p.acquire(ctx, ids)
	if err != nil {
		return p.abort(tx, ids, cferrors.NonRetryable(cferrors.CategorizeError(err), "acquire channel locks", err))
	}
	defer release()

	if p.resolver != nil {
		if err := p.write(ids, ops); err != nil {
			return p.abort(tx, ids, err)
		}
	}

	if err := tx.finish(StatusCommitting, StatusCommitted, nil); err != nil {
		return cferrors.Validation(fmt.Sprintf("transaction %s", txID), err)
	}
	elapsed := time.Since(start)

	p.mu.Lock()
	for _, id := range ids {
		p.versions[id]++
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.collector(id).recordSuccess(elapsed)
	}
	p.logger.Debug("Committed transaction",
		zap.String("transaction_id", txID),
		zap.Int("operations", len(ops)),
		zap.Duration("duration", elapsed))
	return nil
}

// write validates every operation against a scratch copy of its channel,
// then applies them for real. A failure during the real pass restores the
// touched channels from their checkpoints.
func (p *Protocol) write(ids []string, ops []Operation) error {
	channels := make(map[string]channel.Channel, len(ids))
	for _, id := range ids {
		ch, ok := p.resolver.ChannelByID(id)
		if !ok {
			return cferrors.Validation(fmt.Sprintf("channel %s", id), ErrChannelNotFound)
		}
		channels[id] = ch
	}

	scratch := make(map[string]channel.Channel, len(ids))
	for id, ch := range channels {
		if c, err := channel.Clone(ch, id, channel.Options{}); err == nil {
			scratch[id] = c
		}
	}
	for _, op := range ops {
		c, ok := scratch[op.ChannelID]
		if !ok {
			continue
		}
		if err := c.Set(op.Value); err != nil {
			return fmt.Errorf("write channel %s: %w", op.ChannelID, err)
		}
	}

	saved := make(map[string]channel.Snapshot, len(ids))
	for id, ch := range channels {
		saved[id] = ch.Checkpoint()
	}
	for _, op := range ops {
		if err := channels[op.ChannelID].Set(op.Value); err != nil {
			var restoreErr error
			for id, snap := range saved {
				if rerr := channels[id].Restore(snap); rerr != nil {
					restoreErr = errors.Join(restoreErr, fmt.Errorf("restore channel %s: %w", id, rerr))
				}
			}
			return errors.Join(fmt.Errorf("write channel %s: %w", op.ChannelID, err), restoreErr)
		}
	}
	return nil
}

func (p *Protocol) abort(tx *Transaction, ids []string, cause error) error {
	if err := tx.finish(StatusCommitting, StatusRolledBack, cause); err != nil {
		_ = tx.Rollback(cause)
	}
	p.mu.Lock()
	delete(p.active, tx.ID())
	p.mu.Unlock()
	for _, id := range ids {
		p.collector(id).recordError()
	}
	p.logger.Warn("Transaction rolled back",
		zap.String("transaction_id", tx.ID()),
		zap.Error(cause))
	return cause
}

// Rollback discards a transaction. Every channel it touched records an error.
func (p *Protocol) Rollback(txID string, cause error) error {
	tx, err := p.lookup(txID)
	if err != nil {
		return err
	}
	if tx.Status() != StatusPending {
		return cferrors.Validation(fmt.Sprintf("transaction %s", txID), ErrTransactionClosed)
	}
	_ = p.abort(tx, tx.channelIDs(), cause)
	return nil
}

// ChannelVersion returns the number of committed transactions that wrote
// to a channel.
func (p *Protocol) ChannelVersion(channelID string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.versions[channelID]
}

// Metrics returns the metrics of a channel that has been written.
func (p *Protocol) Metrics(channelID string) (Metrics, bool) {
	p.mu.Lock()
	m, ok := p.metrics[channelID]
	p.mu.Unlock()
	if !ok {
		return Metrics{}, false
	}
	return m.snapshot(), true
}

// Clear drops every transaction, version, lock and metric.
func (p *Protocol) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = make(map[string]*Transaction)
	p.locks = make(map[string]chan struct{})
	p.versions = make(map[string]uint64)
	p.metrics = make(map[string]*metricsCollector)
}
