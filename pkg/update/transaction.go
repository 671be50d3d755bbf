// Package update commits writes to several channels as one transaction.
//
// Commit takes per-channel locks in sorted channel-id order so concurrent
// transactions touching overlapping channels cannot deadlock, validates
// every write before applying any, and restores already-written channels
// from their pre-commit checkpoints when a write fails.
package update

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTransactionNotFound is returned for unknown transaction ids.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrTransactionClosed is returned when a committing, committed or
	// rolled back transaction is used again.
	ErrTransactionClosed = errors.New("transaction already completed")

	// ErrChannelNotFound is returned when a write targets a channel the
	// resolver does not know.
	ErrChannelNotFound = errors.New("channel not found")
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusCommitting Status = "COMMITTING"
	StatusCommitted  Status = "COMMITTED"
	StatusRolledBack Status = "ROLLED_BACK"
)

// Operation is one pending channel write.
type Operation struct {
	ID        string
	ChannelID string
	Value     any
	Timestamp time.Time
}

// Transaction is an ordered list of channel writes.
type Transaction struct {
	mu         sync.Mutex
	id         string
	operations []Operation
	status     Status
	createdAt  time.Time
	cause      error
}

// NewTransaction creates a pending transaction.
func NewTransaction() *Transaction {
	return &Transaction{
		id:        uuid.New().String(),
		status:    StatusPending,
		createdAt: time.Now().UTC(),
	}
}

// ID returns the transaction id.
func (t *Transaction) ID() string { return t.id }

// CreatedAt returns when the transaction was begun.
func (t *Transaction) CreatedAt() time.Time { return t.createdAt }

// Status returns the transaction status.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the cause recorded by Rollback.
func (t *Transaction) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

// Operations returns a copy of the pending writes.
func (t *Transaction) Operations() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.operations)
}

// AddOperation appends a write.
func (t *Transaction) AddOperation(channelID string, value any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPending {
		return ErrTransactionClosed
	}
	t.operations = append(t.operations, Operation{
		ID:        uuid.New().String(),
		ChannelID: channelID,
		Value:     value,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// Commit marks the transaction committed.
func (t *Transaction) Commit() error {
	return t.close(StatusCommitted, nil)
}

// Rollback marks the transaction rolled back with an optional cause.
func (t *Transaction) Rollback(cause error) error {
	return t.close(StatusRolledBack, cause)
}

func (t *Transaction) close(to Status, cause error) error {
	return t.finish(StatusPending, to, cause)
}

func (t *Transaction) finish(from, to Status, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != from {
		return ErrTransactionClosed
	}
	t.status = to
	t.cause = cause
	return nil
}

// seal stops the transaction accepting operations and returns its
// distinct channel ids, sorted, with the operations they came from.
func (t *Transaction) seal() ([]string, []Operation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPending {
		return nil, nil, ErrTransactionClosed
	}
	t.status = StatusCommitting
	return distinctChannels(t.operations), slices.Clone(t.operations), nil
}

// channelIDs returns the distinct channel ids written, sorted.
func (t *Transaction) channelIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return distinctChannels(t.operations)
}

func distinctChannels(ops []Operation) []string {
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.ChannelID)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}
