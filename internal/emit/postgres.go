package emit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pipetrace/agent/internal/event"
)

// eventsDDL is the sink's schema, applied idempotently at connect time. The
// boot_id + event_id pair is unique per agent boot, so replays from the spill
// queue are absorbed by the conflict clause.
const eventsDDL = `
CREATE TABLE IF NOT EXISTS process_events (
    event_id     BIGINT      NOT NULL,
    boot_id      TEXT        NOT NULL,
    kind         TEXT        NOT NULL,
    ts_ns        BIGINT      NOT NULL,
    pid          BIGINT      NOT NULL,
    ppid         BIGINT      NOT NULL,
    upid         TEXT        NOT NULL,
    display_name TEXT,
    comm         TEXT,
    cmdline      TEXT,
    exit_code    INTEGER,
    job_id       TEXT,
    pipeline_id  TEXT,
    run_id       TEXT,
    sample_path  TEXT,
    file_path    TEXT,
    file_size    BIGINT,
    inserted_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (boot_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_process_events_upid ON process_events (upid);
`

// PostgresSink writes event batches to PostgreSQL in a single pgx.Batch
// round-trip per Submit. Connection-level failures classify as transient;
// constraint or encoding failures are fatal for the batch.
type PostgresSink struct {
	pool   *pgxpool.Pool
	bootID string
}

// NewPostgresSink connects to connStr (typically the DATABASE_URL
// environment value), pings, and applies the schema.
func NewPostgresSink(ctx context.Context, connStr, bootID string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("emit: pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("emit: postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, eventsDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("emit: apply schema: %w", err)
	}
	return &PostgresSink{pool: pool, bootID: bootID}, nil
}

const insertEvent = `
INSERT INTO process_events
    (event_id, boot_id, kind, ts_ns, pid, ppid, upid,
     display_name, comm, cmdline, exit_code,
     job_id, pipeline_id, run_id, sample_path,
     file_path, file_size)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (boot_id, event_id) DO NOTHING`

// Submit inserts the whole batch in one round-trip.
func (s *PostgresSink) Submit(ctx context.Context, batch []event.Event) error {
	if len(batch) == 0 {
		return nil
	}

	var b pgx.Batch
	for i := range batch {
		e := &batch[i]
		b.Queue(insertEvent,
			int64(e.EventID), s.bootID, string(e.Kind), int64(e.TsNs),
			int64(e.PID), int64(e.PPID), e.UPID,
			nullable(e.DisplayName), nullable(e.Comm), nullable(e.Cmdline), e.ExitCode,
			nullable(e.JobID), nullable(e.PipelineID), nullable(e.RunID), nullable(e.SamplePath),
			nullable(e.FilePath), e.FileSize,
		)
	}

	br := s.pool.SendBatch(ctx, &b)
	defer br.Close()

	for range batch {
		if _, err := br.Exec(); err != nil {
			return classifyPgError(err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

// classifyPgError maps database failures onto the emitter's retry taxonomy:
// anything that looks like an unreachable or overloaded server is transient;
// SQL-level rejections are fatal for the batch.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 53 (insufficient resources) and 57 (operator intervention,
		// e.g. shutdown) recover on their own.
		if len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "53" || pgErr.Code[:2] == "57") {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return fmt.Errorf("emit: postgres rejected batch: %w", err)
	}
	// No server-side error code: network-level failure, worth retrying.
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// nullable maps empty strings to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
