package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/stevebraown/StateRail/pkg/api"
)

// PostgresStore implements DefinitionStore, RunStore and EventStore on
// PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresStore struct {
	db *sql.DB
}

var (
	_ DefinitionStore = (*PostgresStore)(nil)
	_ RunStore        = (*PostgresStore)(nil)
	_ EventStore      = (*PostgresStore)(nil)
)

// pgUniqueViolation is the SQLSTATE of a unique constraint violation.
const pgUniqueViolation = "23505"

// NewPostgresStore initializes the required schema in the given database
// and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init postgres schema: %w", err)
	}
	return s, nil
}

// NewPostgresPersistence returns a Persistence whose stores share one
// PostgresStore.
func NewPostgresPersistence(db *sql.DB) (Persistence, error) {
	s, err := NewPostgresStore(db)
	if err != nil {
		return Persistence{}, err
	}
	return Persistence{Definitions: s, Runs: s, Events: s}, nil
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS definitions (
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			body BYTEA NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (id, version)
		);

		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			definition_version INTEGER NOT NULL,
			state TEXT NOT NULL,
			revision BIGINT NOT NULL,
			body BYTEA NOT NULL,
			created_at BIGINT NOT NULL,
			finished_at BIGINT
		);

		CREATE INDEX IF NOT EXISTS idx_runs_created ON runs (created_at, id);
		CREATE INDEX IF NOT EXISTS idx_runs_state ON runs (state);
		CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs (finished_at);

		CREATE TABLE IF NOT EXISTS run_events (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			at BIGINT NOT NULL,
			type TEXT NOT NULL,
			step TEXT,
			attempt INTEGER,
			detail TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events (run_id, id);
	`)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (s *PostgresStore) SaveDefinition(ctx context.Context, def api.WorkflowDefinition) (api.WorkflowDefinition, error) {
	body, err := encodeDefinition(def)
	if err != nil {
		return api.WorkflowDefinition{}, err
	}

	// Two publishers of the same id may compute the same next version; the
	// primary key rejects the loser, which then tries again.
	for {
		var version int
		err = s.db.QueryRowContext(ctx, `
			INSERT INTO definitions (id, version, body, created_at)
			SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3
			FROM definitions WHERE id = $1
			RETURNING version`,
			def.ID, body, time.Now().UnixNano(),
		).Scan(&version)
		if err == nil {
			return decodeDefinition(body, version)
		}
		if !isUniqueViolation(err) {
			return api.WorkflowDefinition{}, fmt.Errorf("save definition %s: %w", def.ID, err)
		}
		if ctx.Err() != nil {
			return api.WorkflowDefinition{}, ctx.Err()
		}
	}
}

func (s *PostgresStore) GetDefinition(ctx context.Context, id string, version int) (api.WorkflowDefinition, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM definitions WHERE id = $1 AND version = $2`, id, version,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return api.WorkflowDefinition{}, definitionNotFound(id, version)
	}
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	return decodeDefinition(body, version)
}

func (s *PostgresStore) LatestDefinition(ctx context.Context, id string) (api.WorkflowDefinition, error) {
	var (
		body    []byte
		version int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, body FROM definitions WHERE id = $1 ORDER BY version DESC LIMIT 1`, id,
	).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return api.WorkflowDefinition{}, definitionNotFound(id, 0)
	}
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	return decodeDefinition(body, version)
}

func (s *PostgresStore) ListDefinitionVersions(ctx context.Context, id string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version FROM definitions WHERE id = $1 ORDER BY version`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, definitionNotFound(id, 0)
	}
	return versions, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *api.Run, events []api.RunEvent) error {
	body, err := encodeRun(run, 1)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, definition_id, definition_version, state, revision, body, created_at, finished_at)
		VALUES ($1, $2, $3, $4, 1, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		run.ID, run.Definition.ID, run.Definition.Version, string(run.State),
		body, run.CreatedAt.UnixNano(), nullableNanos(finishedAt(run)),
	)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunExists
	}
	if err := postgresInsertEvents(ctx, tx, run.ID, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	run.Version = 1
	return nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *api.Run, events []api.RunEvent) error {
	expected := run.Version
	body, err := encodeRun(run, expected+1)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE runs
		SET state = $1, revision = $2, body = $3, finished_at = $4
		WHERE id = $5 AND revision = $6`,
		string(run.State), expected+1, body, nullableNanos(finishedAt(run)),
		run.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = $1`, run.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return runNotFound(run.ID)
		}
		if err != nil {
			return err
		}
		return conflict(run.ID, expected)
	}
	if err := postgresInsertEvents(ctx, tx, run.ID, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	run.Version = expected + 1
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	var (
		body     []byte
		revision int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT revision, body FROM runs WHERE id = $1`, id,
	).Scan(&revision, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, runNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return decodeRun(body, revision)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error) {
	var (
		where []string
		args  []any
	)
	if filter.DefinitionID != "" {
		args = append(args, filter.DefinitionID)
		where = append(where, fmt.Sprintf("definition_id = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}

	query := `SELECT revision, body FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *PostgresStore) DeleteRuns(ctx context.Context, finishedBefore time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := finishedBefore.UnixNano()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM run_events WHERE run_id IN (
			SELECT id FROM runs WHERE finished_at IS NOT NULL AND finished_at < $1
		)`, cutoff); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM runs WHERE finished_at IS NOT NULL AND finished_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, runID string) ([]api.RunEvent, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = $1`, runID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, runNotFound(runID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT at, type, COALESCE(step, ''), COALESCE(attempt, 0), COALESCE(detail, '')
		FROM run_events
		WHERE run_id = $1
		ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(runID, rows)
}

func postgresInsertEvents(ctx context.Context, tx *sql.Tx, runID string, events []api.RunEvent) error {
	for _, ev := range events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_events (run_id, at, type, step, attempt, detail)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			runID, ev.At.UnixNano(), string(ev.Type), ev.Step, ev.Attempt, ev.Detail,
		)
		if err != nil {
			return fmt.Errorf("append event %s: %w", ev.Type, err)
		}
	}
	return nil
}
