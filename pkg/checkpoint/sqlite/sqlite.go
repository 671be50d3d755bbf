// Package sqlite implements checkpoint.MemoryProvider on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/wehubfusion/Conflux/pkg/checkpoint"
)

// timeFormat sorts lexically in creation order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS threads (
	thread_id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL,
	parent_thread_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS threads_entity ON threads(entity_id);

CREATE TABLE IF NOT EXISTS states (
	thread_id TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (thread_id, entity_id)
);
`

const descendants = `
WITH RECURSIVE tree(id) AS (
	SELECT thread_id FROM threads WHERE thread_id = ?
	UNION ALL
	SELECT t.thread_id FROM threads t JOIN tree ON t.parent_thread_id = tree.id
)
`

// Provider stores threads and state blobs in a SQLite database.
type Provider struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the database at dsn and applies the
// schema. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Provider, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite dsn is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	// One connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", dsn, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply checkpoint schema: %w", err)
	}
	logger.Info("Checkpoint database ready", zap.String("dsn", dsn))
	return &Provider{db: db, logger: logger}, nil
}

// Close closes the database.
func (p *Provider) Close() error {
	return p.db.Close()
}

// CreateThread inserts a thread owned by entityID.
func (p *Provider) CreateThread(ctx context.Context, entityID, parentThreadID string) (string, error) {
	if entityID == "" {
		return "", fmt.Errorf("entity id is required")
	}
	if parentThreadID != "" {
		var exists int
		err := p.db.QueryRowContext(ctx, `SELECT 1 FROM threads WHERE thread_id = ?`, parentThreadID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("parent %w: %s", checkpoint.ErrThreadNotFound, parentThreadID)
		}
		if err != nil {
			return "", fmt.Errorf("look up parent thread: %w", err)
		}
	}

	id := uuid.New().String()
	now := time.Now().UTC().Format(timeFormat)
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO threads (thread_id, entity_id, parent_thread_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, entityID, parentThreadID, now, now)
	if err != nil {
		return "", fmt.Errorf("insert thread: %w", err)
	}
	p.logger.Debug("Thread created",
		zap.String("thread_id", id),
		zap.String("entity_id", entityID))
	return id, nil
}

// SaveState upserts the blob for (thread, entity).
func (p *Provider) SaveState(ctx context.Context, entityID, threadID string, data []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE thread_id = ?`,
		time.Now().UTC().Format(timeFormat), threadID)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("touch thread: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s", checkpoint.ErrThreadNotFound, threadID)
	}

	if data == nil {
		data = []byte{}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO states (thread_id, entity_id, data) VALUES (?, ?, ?)
		 ON CONFLICT (thread_id, entity_id) DO UPDATE SET data = excluded.data`,
		threadID, entityID, data)
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return tx.Commit()
}

// LoadState returns the blob for (thread, entity).
func (p *Provider) LoadState(ctx context.Context, entityID, threadID string) ([]byte, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT data FROM states WHERE thread_id = ? AND entity_id = ?`, threadID, entityID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: thread %s entity %s", checkpoint.ErrStateNotFound, threadID, entityID)
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	return data, nil
}

// DeleteThread removes a thread, its descendants and their states.
func (p *Provider) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, descendants+`DELETE FROM states WHERE thread_id IN (SELECT id FROM tree)`, threadID); err != nil {
		return fmt.Errorf("delete states: %w", err)
	}
	if _, err := tx.ExecContext(ctx, descendants+`DELETE FROM threads WHERE thread_id IN (SELECT id FROM tree)`, threadID); err != nil {
		return fmt.Errorf("delete threads: %w", err)
	}
	return tx.Commit()
}

// ListThreads lists threads oldest first, optionally filtered by entity.
func (p *Provider) ListThreads(ctx context.Context, entityID string) ([]checkpoint.ThreadState, error) {
	query := `SELECT thread_id, entity_id, parent_thread_id, created_at, updated_at FROM threads`
	var args []any
	if entityID != "" {
		query += ` WHERE entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY created_at, thread_id`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.ThreadState
	for rows.Next() {
		var (
			t                checkpoint.ThreadState
			created, updated string
		)
		if err := rows.Scan(&t.ThreadID, &t.EntityID, &t.ParentThreadID, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		if t.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
			return nil, fmt.Errorf("parse created_at of %s: %w", t.ThreadID, err)
		}
		if t.UpdatedAt, err = time.Parse(timeFormat, updated); err != nil {
			return nil, fmt.Errorf("parse updated_at of %s: %w", t.ThreadID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
