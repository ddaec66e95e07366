// Package store persists pipeline runs and cached result sets.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jononovo/send-claw2-sub007/internal/model"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status      model.RunStatus `json:"status,omitempty"`
	CallerID    string          `json:"caller_id,omitempty"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Limit       int             `json:"limit,omitempty"`
	Offset      int             `json:"offset,omitempty"`
	// IncludeResults loads each run's result set, which listings skip by
	// default.
	IncludeResults bool `json:"include_results,omitempty"`
}

// Finish is the terminal state written for a run.
type Finish struct {
	Status    model.RunStatus
	Progress  model.Progress
	Result    *model.ResultSet
	Error     string
	Retryable bool
}

// Store defines the persistence interface for search runs.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.PipelineRun) error
	SetRunSchema(ctx context.Context, runID string, schema model.ResolvedSchema) error
	UpdateProgress(ctx context.Context, runID string, p model.Progress) error
	FinishRun(ctx context.Context, runID string, f Finish) error
	GetRun(ctx context.Context, runID string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error)

	// Result cache, keyed by query fingerprint. LoadResult returns nil, nil
	// when nothing is cached. An empty fingerprint deletes every entry.
	SaveResult(ctx context.Context, rs *model.ResultSet) error
	LoadResult(ctx context.Context, fingerprint string) (*model.ResultSet, error)
	DeleteResult(ctx context.Context, fingerprint string) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// ResultCache is a shared fast path in front of a Store's result table.
type ResultCache interface {
	Get(ctx context.Context, fingerprint string) (*model.ResultSet, error)
	Set(ctx context.Context, rs *model.ResultSet, ttl time.Duration) error
	Delete(ctx context.Context, fingerprint string) error
}

func listSelect(f RunFilter) string {
	if f.IncludeResults {
		return runColumns
	}
	return listColumns
}

func listLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
