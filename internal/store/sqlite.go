package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/jononovo/send-claw2-sub007/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS search_runs (
	id          TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	query       TEXT NOT NULL,
	caller_id   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'running',
	schema      TEXT,
	progress    TEXT NOT NULL,
	result      TEXT,
	error       TEXT NOT NULL DEFAULT '',
	retryable   INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS search_results (
	fingerprint  TEXT PRIMARY KEY,
	query        TEXT NOT NULL,
	result       TEXT NOT NULL,
	generated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_search_runs_status ON search_runs(status);
CREATE INDEX IF NOT EXISTS idx_search_runs_caller ON search_runs(caller_id, created_at);
CREATE INDEX IF NOT EXISTS idx_search_runs_fingerprint ON search_runs(fingerprint);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.PipelineRun) error {
	progressJSON, err := json.Marshal(run.Progress)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal progress")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO search_runs (id, fingerprint, query, caller_id, status, progress, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Fingerprint, run.Query, run.CallerID, string(run.Status), string(progressJSON), run.CreatedAt, run.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
}

func (s *SQLiteStore) SetRunSchema(ctx context.Context, runID string, schema model.ResolvedSchema) error {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal schema")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE search_runs SET schema = ?, updated_at = ? WHERE id = ?`,
		string(schemaJSON), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set schema %s", runID)
	}
	return checkRowsAffected(res, runID)
}

// UpdateProgress writes p for a running run. Finished runs are left alone.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, runID string, p model.Progress) error {
	progressJSON, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal progress")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE search_runs SET progress = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(progressJSON), time.Now().UTC(), runID, string(model.RunRunning),
	)
	return eris.Wrapf(err, "sqlite: update progress %s", runID)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, f Finish) error {
	progressJSON, err := json.Marshal(f.Progress)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal progress")
	}
	var resultJSON sql.NullString
	if f.Result != nil {
		b, err := json.Marshal(f.Result)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal result")
		}
		resultJSON = sql.NullString{String: string(b), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE search_runs SET status = ?, progress = ?, result = ?, error = ?, retryable = ?, updated_at = ? WHERE id = ?`,
		string(f.Status), string(progressJSON), resultJSON, f.Error, f.Retryable, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

const runColumns = `id, fingerprint, query, caller_id, status, schema, progress, result, error, retryable, created_at, updated_at`

// listColumns leaves result sets out of listings.
const listColumns = `id, fingerprint, query, caller_id, status, schema, progress, NULL, error, retryable, created_at, updated_at`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM search_runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	return r, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	query := `SELECT ` + listSelect(filter) + ` FROM search_runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.CallerID != "" {
		query += ` AND caller_id = ?`
		args = append(args, filter.CallerID)
	}
	if filter.Fingerprint != "" {
		query += ` AND fingerprint = ?`
		args = append(args, filter.Fingerprint)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.PipelineRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) SaveResult(ctx context.Context, rs *model.ResultSet) error {
	resultJSON, err := json.Marshal(rs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO search_results (fingerprint, query, result, generated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET query = excluded.query, result = excluded.result, generated_at = excluded.generated_at
		 WHERE search_results.generated_at <= excluded.generated_at`,
		rs.Fingerprint, rs.Query, string(resultJSON), rs.GeneratedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save result %s", rs.Fingerprint)
}

func (s *SQLiteStore) LoadResult(ctx context.Context, fingerprint string) (*model.ResultSet, error) {
	var resultJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM search_results WHERE fingerprint = ?`, fingerprint,
	).Scan(&resultJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load result %s", fingerprint)
	}

	var rs model.ResultSet
	if err := json.Unmarshal([]byte(resultJSON), &rs); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal result")
	}
	return &rs, nil
}

func (s *SQLiteStore) DeleteResult(ctx context.Context, fingerprint string) (int, error) {
	var (
		res sql.Result
		err error
	)
	if fingerprint == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM search_results`)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM search_results WHERE fingerprint = ?`, fingerprint)
	}
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete result")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// helpers

func checkRowsAffected(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.PipelineRun, error) {
	var (
		r            model.PipelineRun
		schemaJSON   sql.NullString
		progressJSON string
		resultJSON   sql.NullString
	)
	err := row.Scan(&r.ID, &r.Fingerprint, &r.Query, &r.CallerID, &r.Status, &schemaJSON,
		&progressJSON, &resultJSON, &r.Error, &r.Retryable, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if err := decodeRun(&r, nullBytes(schemaJSON), []byte(progressJSON), nullBytes(resultJSON)); err != nil {
		return nil, err
	}
	return &r, nil
}

func nullBytes(s sql.NullString) []byte {
	if !s.Valid {
		return nil
	}
	return []byte(s.String)
}

// decodeRun fills the JSON columns of a run. nil slices mean NULL.
func decodeRun(r *model.PipelineRun, schemaJSON, progressJSON, resultJSON []byte) error {
	if err := json.Unmarshal(progressJSON, &r.Progress); err != nil {
		return eris.Wrap(err, "store: unmarshal progress")
	}
	if schemaJSON != nil {
		r.Schema = &model.ResolvedSchema{}
		if err := json.Unmarshal(schemaJSON, r.Schema); err != nil {
			return eris.Wrap(err, "store: unmarshal schema")
		}
	}
	if resultJSON != nil {
		r.Result = &model.ResultSet{}
		if err := json.Unmarshal(resultJSON, r.Result); err != nil {
			return eris.Wrap(err, "store: unmarshal result")
		}
	}
	return nil
}
