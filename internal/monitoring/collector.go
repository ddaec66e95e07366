package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/internal/store"
)

// MetricsSnapshot holds a point-in-time view of search run health.
type MetricsSnapshot struct {
	// Runs created within the lookback window.
	RunsTotal     int     `json:"runs_total"`
	RunsComplete  int     `json:"runs_complete"`
	RunsFailed    int     `json:"runs_failed"`
	RunsCancelled int     `json:"runs_cancelled"`
	RunsRunning   int     `json:"runs_running"`
	RunsStuck     int     `json:"runs_stuck"`
	FailRate      float64 `json:"fail_rate"`

	// Aggregates over completed runs.
	CostUSD         float64 `json:"cost_usd"`
	AvgDurationSecs float64 `json:"avg_duration_secs"`
	AvgRecords      float64 `json:"avg_records"`
	AvgFailedShare  float64 `json:"avg_failed_share"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the part of the store the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.PipelineRun, error)
}

// Collector gathers run metrics from the store.
type Collector struct {
	runs       RunLister
	stuckAfter time.Duration
	nowFunc    func() time.Time
}

// NewCollector creates a collector. A running run not updated for
// stuckAfter counts as stuck; zero disables the check.
func NewCollector(runs RunLister, stuckAfter time.Duration) *Collector {
	return &Collector{runs: runs, stuckAfter: stuckAfter, nowFunc: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: 10000, IncludeResults: true})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	var (
		totalDur    time.Duration
		totalRecs   int
		failedShare float64
	)
	for _, r := range runs {
		// Listings are newest first.
		if lookbackHours > 0 && r.CreatedAt.Before(cutoff) {
			break
		}
		snap.RunsTotal++

		switch r.Status {
		case model.RunComplete:
			snap.RunsComplete++
			totalDur += r.UpdatedAt.Sub(r.CreatedAt)
			if r.Result != nil {
				snap.CostUSD += r.Result.EstimatedCostUSD
				totalRecs += len(r.Result.Records)
				if r.Result.CandidatesFound > 0 {
					failedShare += float64(r.Result.FailedEntities) / float64(r.Result.CandidatesFound)
				}
			}
		case model.RunFailed:
			snap.RunsFailed++
		case model.RunCancelled:
			snap.RunsCancelled++
		case model.RunRunning:
			snap.RunsRunning++
			if c.stuckAfter > 0 && now.Sub(r.UpdatedAt) > c.stuckAfter {
				snap.RunsStuck++
			}
		}
	}

	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if snap.RunsComplete > 0 {
		n := float64(snap.RunsComplete)
		snap.AvgDurationSecs = totalDur.Seconds() / n
		snap.AvgRecords = float64(totalRecs) / n
		snap.AvgFailedShare = failedShare / n
	}
	return snap, nil
}
