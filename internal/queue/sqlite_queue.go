// Package queue provides a WAL-mode SQLite-backed spill queue for event
// batches that exhausted their sink retries. Batches are persisted on
// Persist and are not removed until Ack, giving at-least-once redelivery
// across agent restarts: if the process crashes before a batch reaches the
// sink, the batch is returned again by the next Dequeue.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so a reader draining
// the queue and the writer spilling new batches proceed without blocking
// each other.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/pipetrace/agent/internal/event"
)

// SQLiteQueue is the WAL-mode spill queue. It implements the emitter's Spill
// interface and is safe for concurrent use.
type SQLiteQueue struct {
	db    *sql.DB
	depth atomic.Int64
}

// New opens (or creates) the database at path, enables WAL journal mode, and
// applies the schema. ":memory:" selects an in-memory database, suitable for
// tests only.
//
// The depth counter is seeded from the rows still pending so Depth() is
// accurate immediately after a crash-recovery restart.
func New(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// SQLite allows one writer at a time; a single pooled connection
	// serialises concurrent Persist calls instead of surfacing
	// "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	q := &SQLiteQueue{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM spill_queue WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS spill_queue (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    batch       TEXT    NOT NULL,
    spilled_at  TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_spill_queue_pending
    ON spill_queue (delivered, id);
`

// Persist stores one undeliverable batch. The batch is JSON-encoded whole so
// redelivery preserves its original event grouping and ids.
func (q *SQLiteQueue) Persist(ctx context.Context, batch []event.Event) error {
	if len(batch) == 0 {
		return nil
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("queue: marshal batch: %w", err)
	}

	if _, err := q.db.ExecContext(ctx,
		`INSERT INTO spill_queue (batch) VALUES (?)`, string(payload)); err != nil {
		return fmt.Errorf("queue: persist: %w", err)
	}
	q.depth.Add(1)
	return nil
}

// PendingBatch is an unacknowledged spilled batch.
type PendingBatch struct {
	ID    int64
	Batch []event.Event
}

// Dequeue returns up to n unacknowledged batches in spill order (oldest
// first) without marking them delivered; call Ack with the returned IDs
// after the sink accepted them.
func (q *SQLiteQueue) Dequeue(ctx context.Context, n int) ([]PendingBatch, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, batch FROM spill_queue WHERE delivered = 0 ORDER BY id LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var out []PendingBatch
	for rows.Next() {
		var (
			pb      PendingBatch
			payload string
		)
		if err := rows.Scan(&pb.ID, &payload); err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}
		// A malformed row is skipped rather than blocking the queue; Ack
		// below never sees its id, so it stays visible for inspection.
		if err := json.Unmarshal([]byte(payload), &pb.Batch); err != nil {
			continue
		}
		out = append(out, pb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue rows: %w", err)
	}
	return out, nil
}

// Ack marks the batches identified by ids as delivered. Idempotent; the
// depth counter decrements only for rows that transition.
func (q *SQLiteQueue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE spill_queue SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Redeliver drains pending batches through submit, acknowledging each one
// the sink accepts. It stops at the first failure and returns the number of
// batches redelivered. Implements the emitter's Spill interface.
func (q *SQLiteQueue) Redeliver(ctx context.Context, submit func([]event.Event) error) (int, error) {
	const chunk = 16
	total := 0
	for {
		pending, err := q.Dequeue(ctx, chunk)
		if err != nil {
			return total, err
		}
		if len(pending) == 0 {
			return total, nil
		}
		for _, pb := range pending {
			if err := submit(pb.Batch); err != nil {
				return total, err
			}
			if err := q.Ack(ctx, []int64{pb.ID}); err != nil {
				return total, err
			}
			total++
		}
	}
}

// Depth returns the number of pending batches from an atomic counter; it
// never blocks.
func (q *SQLiteQueue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database. The queue must not be used after
// Close returns.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
