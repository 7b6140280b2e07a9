package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PostgresQueue implements Queue using a PostgreSQL table.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS run_tasks (
//	    seq        BIGSERIAL PRIMARY KEY,
//	    id         TEXT NOT NULL UNIQUE,
//	    payload    BYTEA NOT NULL,
//	    not_before BIGINT NOT NULL
//	);
//
// Several processes may share the table: a task is claimed with
// SELECT ... FOR UPDATE SKIP LOCKED and deleted in the same transaction.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{db: db, pollInterval: 100 * time.Millisecond}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

// SetPollInterval changes how often an idle Dequeue re-checks the table.
func (q *PostgresQueue) SetPollInterval(d time.Duration) {
	if d > 0 {
		q.pollInterval = d
	}
}

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS run_tasks (
			seq        BIGSERIAL PRIMARY KEY,
			id         TEXT NOT NULL UNIQUE,
			payload    BYTEA NOT NULL,
			not_before BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_run_tasks_ready ON run_tasks(not_before, seq);
	`)
	return err
}

// Enqueue inserts a task unless one with the same id is already queued.
func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	t = stamp(t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO run_tasks (id, payload, not_before)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET not_before = EXCLUDED.not_before
		WHERE EXCLUDED.not_before < run_tasks.not_before
	`, t.ID, data, t.NotBefore.UnixNano())
	return err
}

// Dequeue blocks (with polling) until a task is available or ctx is cancelled.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		task, err := q.claim(ctx, time.Now())
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		if err := idleWait(ctx, tmr, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (q *PostgresQueue) claim(ctx context.Context, now time.Time) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq     int64
		payload []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT seq, payload
		FROM run_tasks
		WHERE not_before <= $1
		ORDER BY not_before, seq
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, now.UnixNano()).Scan(&seq, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_tasks WHERE seq = $1`, seq); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	task, err := DecodeTask(payload)
	if err != nil {
		return nil, fmt.Errorf("decode task %d failed: %w", seq, err)
	}
	return task, nil
}

// Len returns an approximate number of queued tasks.
func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM run_tasks`).Scan(&n); err != nil {
		slog.Default().Warn("postgres queue: len failed", slog.Any("error", err))
		return 0
	}
	return n
}
