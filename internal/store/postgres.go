package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jononovo/send-claw2-sub007/internal/db"
	"github.com/jononovo/send-claw2-sub007/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// pgQueries are the statements run once per progress update or request.
// pgx caches their prepared form per connection.
var pgQueries = map[string]string{
	"insert_run":      `INSERT INTO search_runs (id, fingerprint, query, caller_id, status, progress, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
	"update_progress": `UPDATE search_runs SET progress = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
	"get_run":         `SELECT ` + runColumns + ` FROM search_runs WHERE id = $1`,
	"load_result":     `SELECT result FROM search_results WHERE fingerprint = $1`,
}

// resultUpsert keeps the newest result per fingerprint when runs race.
var resultUpsert = db.Upsert{
	Table:   "search_results",
	Columns: []string{"fingerprint", "query", "result", "generated_at"},
	Key:     []string{"fingerprint"},
	Newer:   "generated_at",
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS search_runs (
	id          TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	query       TEXT NOT NULL,
	caller_id   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'running',
	schema      JSONB,
	progress    JSONB NOT NULL,
	result      JSONB,
	error       TEXT NOT NULL DEFAULT '',
	retryable   BOOLEAN NOT NULL DEFAULT false,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS search_results (
	fingerprint  TEXT PRIMARY KEY,
	query        TEXT NOT NULL,
	result       JSONB NOT NULL,
	generated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_search_runs_status ON search_runs(status);
CREATE INDEX IF NOT EXISTS idx_search_runs_caller ON search_runs(caller_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_search_runs_fingerprint ON search_runs(fingerprint);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.PipelineRun) error {
	progressJSON, err := json.Marshal(run.Progress)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal progress")
	}
	_, err = s.pool.Exec(ctx, pgQueries["insert_run"],
		run.ID, run.Fingerprint, run.Query, run.CallerID, string(run.Status), progressJSON, run.CreatedAt, run.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert run %s", run.ID)
}

func (s *PostgresStore) SetRunSchema(ctx context.Context, runID string, schema model.ResolvedSchema) error {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal schema")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE search_runs SET schema = $1, updated_at = $2 WHERE id = $3`,
		schemaJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set schema %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

// UpdateProgress writes p for a running run. Finished runs are left alone.
func (s *PostgresStore) UpdateProgress(ctx context.Context, runID string, p model.Progress) error {
	progressJSON, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal progress")
	}
	_, err = s.pool.Exec(ctx, pgQueries["update_progress"],
		progressJSON, time.Now().UTC(), runID, string(model.RunRunning),
	)
	return eris.Wrapf(err, "postgres: update progress %s", runID)
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, f Finish) error {
	progressJSON, err := json.Marshal(f.Progress)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal progress")
	}
	var resultJSON []byte
	if f.Result != nil {
		if resultJSON, err = json.Marshal(f.Result); err != nil {
			return eris.Wrap(err, "postgres: marshal result")
		}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE search_runs SET status = $1, progress = $2, result = $3, error = $4, retryable = $5, updated_at = $6 WHERE id = $7`,
		string(f.Status), progressJSON, resultJSON, f.Error, f.Retryable, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx, pgQueries["get_run"], runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	query := `SELECT ` + listSelect(filter) + ` FROM search_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.CallerID != "" {
		query += fmt.Sprintf(` AND caller_id = $%d`, argIdx)
		args = append(args, filter.CallerID)
		argIdx++
	}
	if filter.Fingerprint != "" {
		query += fmt.Sprintf(` AND fingerprint = $%d`, argIdx)
		args = append(args, filter.Fingerprint)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) SaveResult(ctx context.Context, rs *model.ResultSet) error {
	resultJSON, err := json.Marshal(rs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}
	written, err := resultUpsert.Exec(ctx, s.pool, rs.Fingerprint, rs.Query, resultJSON, rs.GeneratedAt.UTC())
	if err != nil {
		return err
	}
	if !written {
		zap.L().Debug("postgres: kept newer cached result", zap.String("fingerprint", rs.Fingerprint))
	}
	return nil
}

func (s *PostgresStore) LoadResult(ctx context.Context, fingerprint string) (*model.ResultSet, error) {
	var resultJSON []byte
	err := s.pool.QueryRow(ctx, pgQueries["load_result"], fingerprint).Scan(&resultJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load result %s", fingerprint)
	}

	var rs model.ResultSet
	if err := json.Unmarshal(resultJSON, &rs); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal result")
	}
	return &rs, nil
}

func (s *PostgresStore) DeleteResult(ctx context.Context, fingerprint string) (int, error) {
	query, args := `DELETE FROM search_results`, []any{}
	if fingerprint != "" {
		query += ` WHERE fingerprint = $1`
		args = append(args, fingerprint)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete result")
	}
	return int(tag.RowsAffected()), nil
}

func scanPgRun(row pgx.Row) (*model.PipelineRun, error) {
	var (
		r                                    model.PipelineRun
		status                               string
		schemaJSON, progressJSON, resultJSON []byte
	)
	if err := row.Scan(&r.ID, &r.Fingerprint, &r.Query, &r.CallerID, &status, &schemaJSON,
		&progressJSON, &resultJSON, &r.Error, &r.Retryable, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if err := decodeRun(&r, schemaJSON, progressJSON, resultJSON); err != nil {
		return nil, err
	}
	return &r, nil
}
