package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stevebraown/StateRail/pkg/api"
)

// SQLiteStore implements DefinitionStore, RunStore and EventStore on a
// SQLite database.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ DefinitionStore = (*SQLiteStore)(nil)
	_ RunStore        = (*SQLiteStore)(nil)
	_ EventStore      = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database
// and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return s, nil
}

// NewSQLitePersistence returns a Persistence whose stores share one
// SQLiteStore.
func NewSQLitePersistence(db *sql.DB) (Persistence, error) {
	s, err := NewSQLiteStore(db)
	if err != nil {
		return Persistence{}, err
	}
	return Persistence{Definitions: s, Runs: s, Events: s}, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS definitions (
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			body BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (id, version)
		);

		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			definition_version INTEGER NOT NULL,
			state TEXT NOT NULL,
			revision INTEGER NOT NULL,
			body BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			finished_at INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_runs_created ON runs (created_at, id);
		CREATE INDEX IF NOT EXISTS idx_runs_state ON runs (state);
		CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs (finished_at);

		CREATE TABLE IF NOT EXISTS run_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			step TEXT,
			attempt INTEGER,
			detail TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events (run_id, id);
	`)
	return err
}

func (s *SQLiteStore) SaveDefinition(ctx context.Context, def api.WorkflowDefinition) (api.WorkflowDefinition, error) {
	body, err := encodeDefinition(def)
	if err != nil {
		return api.WorkflowDefinition{}, err
	}

	// The version is computed inside the INSERT so concurrent publishers of
	// the same id serialize on SQLite's write lock.
	var version int
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO definitions (id, version, body, created_at)
		SELECT ?, COALESCE(MAX(version), 0) + 1, ?, ?
		FROM definitions WHERE id = ?
		RETURNING version`,
		def.ID, body, time.Now().UnixNano(), def.ID,
	).Scan(&version)
	if err != nil {
		return api.WorkflowDefinition{}, fmt.Errorf("save definition %s: %w", def.ID, err)
	}
	return decodeDefinition(body, version)
}

func (s *SQLiteStore) GetDefinition(ctx context.Context, id string, version int) (api.WorkflowDefinition, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM definitions WHERE id = ? AND version = ?`, id, version,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return api.WorkflowDefinition{}, definitionNotFound(id, version)
	}
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	return decodeDefinition(body, version)
}

func (s *SQLiteStore) LatestDefinition(ctx context.Context, id string) (api.WorkflowDefinition, error) {
	var (
		body    []byte
		version int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, body FROM definitions WHERE id = ? ORDER BY version DESC LIMIT 1`, id,
	).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return api.WorkflowDefinition{}, definitionNotFound(id, 0)
	}
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	return decodeDefinition(body, version)
}

func (s *SQLiteStore) ListDefinitionVersions(ctx context.Context, id string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version FROM definitions WHERE id = ? ORDER BY version`, id)
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

func (s *SQLiteStore) CreateRun(ctx context.Context, run *api.Run, events []api.RunEvent) error {
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
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		run.ID, run.Definition.ID, run.Definition.Version, string(run.State),
		body, run.CreatedAt.UnixNano(), nullableNanos(finishedAt(run)),
	)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunExists
	}
	if err := sqliteInsertEvents(ctx, tx, run.ID, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	run.Version = 1
	return nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *api.Run, events []api.RunEvent) error {
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
		SET state = ?, revision = ?, body = ?, finished_at = ?
		WHERE id = ? AND revision = ?`,
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
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, run.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return runNotFound(run.ID)
		}
		if err != nil {
			return err
		}
		return conflict(run.ID, expected)
	}
	if err := sqliteInsertEvents(ctx, tx, run.ID, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	run.Version = expected + 1
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	var (
		body     []byte
		revision int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT revision, body FROM runs WHERE id = ?`, id,
	).Scan(&revision, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, runNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return decodeRun(body, revision)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error) {
	var (
		where []string
		args  []any
	)
	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}

	query := `SELECT revision, body FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *SQLiteStore) DeleteRuns(ctx context.Context, finishedBefore time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := finishedBefore.UnixNano()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM run_events WHERE run_id IN (
			SELECT id FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?
		)`, cutoff); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff)
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

func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]api.RunEvent, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, runNotFound(runID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT at, type, COALESCE(step, ''), COALESCE(attempt, 0), COALESCE(detail, '')
		FROM run_events
		WHERE run_id = ?
		ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(runID, rows)
}

func sqliteInsertEvents(ctx context.Context, tx *sql.Tx, runID string, events []api.RunEvent) error {
	if len(events) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_events (run_id, at, type, step, attempt, detail)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, runID, ev.At.UnixNano(), string(ev.Type), ev.Step, ev.Attempt, ev.Detail); err != nil {
			return fmt.Errorf("append event %s: %w", ev.Type, err)
		}
	}
	return nil
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

// scanRuns reads (revision, body) rows. It is shared by the SQL backends.
func scanRuns(rows *sql.Rows) ([]*api.Run, error) {
	var out []*api.Run
	for rows.Next() {
		var (
			body     []byte
			revision int64
		)
		if err := rows.Scan(&revision, &body); err != nil {
			return nil, err
		}
		run, err := decodeRun(body, revision)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// scanEvents reads (at, type, step, attempt, detail) rows with at in unix
// nanoseconds.
func scanEvents(runID string, rows *sql.Rows) ([]api.RunEvent, error) {
	var out []api.RunEvent
	for rows.Next() {
		var (
			ev  api.RunEvent
			at  int64
			typ string
		)
		if err := rows.Scan(&at, &typ, &ev.Step, &ev.Attempt, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, at).UTC()
		ev.Type = api.EventType(typ)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return numberEvents(runID, out), nil
}
