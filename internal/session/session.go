// Package session tracks search runs: their progress, terminal state and
// the result cache keyed by query fingerprint. All state lives in the
// store, so a client that disconnects can rebuild its view from Snapshot
// and Load. The in-memory part only fans live events out to subscribers.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jononovo/send-claw2-sub007/internal/metrics"
	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/internal/pipeline"
	"github.com/jononovo/send-claw2-sub007/internal/store"
)

// persistTimeout bounds each store write made on behalf of a run.
const persistTimeout = 5 * time.Second

// subscriberBuffer is the number of events a slow subscriber may lag by
// before older progress events are dropped.
const subscriberBuffer = 32

// ErrRunNotFound is returned for unknown run IDs.
var ErrRunNotFound = errors.New("session: run not found")

// Manager implements the progress and session store. It is safe for
// concurrent use and satisfies pipeline.Reporter.
type Manager struct {
	store store.Store
	cache store.ResultCache
	ttl   time.Duration

	nowFunc func() time.Time

	mu   sync.Mutex
	runs map[string]*liveRun
}

// liveRun fields are guarded by Manager.mu except persistMu and the fields
// after it, which order this run's store writes without holding mu.
type liveRun struct {
	run     model.PipelineRun
	subs    map[int]chan model.ProgressEvent
	nextSub int
	seq     uint64

	persistMu sync.Mutex
	savedSeq  uint64
	finished  bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithResultCache puts a shared cache in front of the store's result
// table. Entries expire after ttl; zero keeps them until cleared.
func WithResultCache(c store.ResultCache, ttl time.Duration) Option {
	return func(m *Manager) {
		m.cache = c
		m.ttl = ttl
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.nowFunc = now }
}

// NewManager creates a Manager backed by st.
func NewManager(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:   st,
		nowFunc: time.Now,
		runs:    map[string]*liveRun{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// BeginRun records a new running run for q and returns it.
func (m *Manager) BeginRun(ctx context.Context, q model.Query, callerID string) (*model.PipelineRun, error) {
	now := m.nowFunc().UTC()
	run := model.PipelineRun{
		ID:          uuid.NewString(),
		Fingerprint: q.Fingerprint,
		Query:       q.Text,
		CallerID:    callerID,
		Status:      model.RunRunning,
		Progress:    model.Progress{Phase: model.PhaseResolvingSchema, UpdatedAt: now},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateRun(ctx, &run); err != nil {
		return nil, eris.Wrap(err, "session: begin run")
	}

	m.mu.Lock()
	m.runs[run.ID] = &liveRun{run: run, subs: map[int]chan model.ProgressEvent{}}
	m.mu.Unlock()

	zap.L().Debug("session: run started", zap.String("run_id", run.ID), zap.String("fingerprint", run.Fingerprint))
	return &run, nil
}

// SetSchema records the resolved schema for a running run.
func (m *Manager) SetSchema(ctx context.Context, runID string, schema model.ResolvedSchema) {
	m.mu.Lock()
	lr, ok := m.runs[runID]
	if !ok {
		m.mu.Unlock()
		return
	}
	lr.run.Schema = &schema
	lr.run.UpdatedAt = m.nowFunc().UTC()
	m.publishLocked(lr, model.EventSchema)
	m.mu.Unlock()

	lr.persistMu.Lock()
	defer lr.persistMu.Unlock()
	if lr.finished {
		return
	}
	pctx, cancel := persistContext(ctx)
	defer cancel()
	if err := m.store.SetRunSchema(pctx, runID, schema); err != nil {
		zap.L().Warn("session: persist schema failed", zap.String("run_id", runID), zap.Error(err))
	}
}

// Advance moves a run's progress forward. Updates that would move the
// phase backwards or lower either counter are ignored, so concurrent
// callers may report in any order. Subscribers see the update before it
// is persisted; a write that lost the race to a later update is skipped.
func (m *Manager) Advance(ctx context.Context, runID string, phase model.Phase, completed, total int) {
	m.mu.Lock()
	lr, ok := m.runs[runID]
	if !ok {
		m.mu.Unlock()
		return
	}
	cur := lr.run.Progress
	if phase.Before(cur.Phase) || completed < cur.Completed || total < cur.Total ||
		(phase == cur.Phase && completed == cur.Completed && total == cur.Total) {
		m.mu.Unlock()
		return
	}

	now := m.nowFunc().UTC()
	lr.run.Progress = model.Progress{Phase: phase, Completed: completed, Total: total, UpdatedAt: now}
	lr.run.UpdatedAt = now
	lr.seq++
	seq, progress := lr.seq, lr.run.Progress
	m.publishLocked(lr, model.EventProgress)
	m.mu.Unlock()

	lr.persistMu.Lock()
	defer lr.persistMu.Unlock()
	if lr.finished || seq <= lr.savedSeq {
		return
	}
	pctx, cancel := persistContext(ctx)
	defer cancel()
	if err := m.store.UpdateProgress(pctx, runID, progress); err != nil {
		zap.L().Warn("session: persist progress failed", zap.String("run_id", runID), zap.Error(err))
	}
	lr.savedSeq = seq
}

// Complete stores rs as the run's result, caches it under its fingerprint
// (replacing any earlier entry) and ends the run.
func (m *Manager) Complete(ctx context.Context, runID string, rs *model.ResultSet) error {
	pctx, cancel := persistContext(ctx)
	defer cancel()

	stored := *rs
	stored.IsCached = false
	if err := m.store.SaveResult(pctx, &stored); err != nil {
		return eris.Wrapf(err, "session: save result for run %s", runID)
	}
	if m.cache != nil {
		if err := m.cache.Set(pctx, &stored, m.ttl); err != nil {
			zap.L().Warn("session: result cache write failed", zap.String("fingerprint", rs.Fingerprint), zap.Error(err))
		}
	}

	return m.finish(pctx, runID, store.Finish{Status: model.RunComplete, Result: &stored}, model.PhaseComplete)
}

// Fail ends a run. A cancelled context error marks it cancelled; anything
// else marks it failed with a human-readable reason.
func (m *Manager) Fail(ctx context.Context, runID string, cause error) error {
	pctx, cancel := persistContext(ctx)
	defer cancel()

	if errors.Is(cause, context.Canceled) {
		return m.finish(pctx, runID, store.Finish{Status: model.RunCancelled, Error: "cancelled"}, model.PhaseFailed)
	}
	reason, retryable := pipeline.Reason(cause)
	return m.finish(pctx, runID, store.Finish{Status: model.RunFailed, Error: reason, Retryable: retryable}, model.PhaseFailed)
}

func (m *Manager) finish(ctx context.Context, runID string, f store.Finish, phase model.Phase) error {
	m.mu.Lock()
	lr, live := m.runs[runID]
	if live {
		f.Progress = lr.run.Progress
	}
	m.mu.Unlock()

	now := m.nowFunc().UTC()
	f.Progress.Phase = phase
	f.Progress.UpdatedAt = now
	if phase == model.PhaseComplete {
		f.Progress.Completed = f.Progress.Total
	}

	if !live {
		return eris.Wrapf(m.store.FinishRun(ctx, runID, f), "session: finish run %s", runID)
	}

	// Queue behind this run's pending writes so nothing lands after the
	// terminal state.
	lr.persistMu.Lock()
	if lr.finished {
		lr.persistMu.Unlock()
		return nil
	}
	if err := m.store.FinishRun(ctx, runID, f); err != nil {
		lr.persistMu.Unlock()
		return eris.Wrapf(err, "session: finish run %s", runID)
	}
	lr.finished = true
	lr.persistMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	lr.run.Status = f.Status
	lr.run.Progress = f.Progress
	lr.run.Result = f.Result
	lr.run.Error = f.Error
	lr.run.Retryable = f.Retryable
	lr.run.UpdatedAt = now

	evt := model.EventFailed
	if f.Status == model.RunComplete {
		evt = model.EventComplete
	}
	m.publishLocked(lr, evt)
	for id, ch := range lr.subs {
		close(ch)
		delete(lr.subs, id)
	}
	delete(m.runs, runID)
	return nil
}

// Load returns the cached result for fingerprint marked as cached, or nil
// when there is none. Freshness is not checked here.
func (m *Manager) Load(ctx context.Context, fingerprint string) (*model.ResultSet, error) {
	if m.cache != nil {
		rs, err := m.cache.Get(ctx, fingerprint)
		if err != nil {
			zap.L().Warn("session: result cache read failed", zap.String("fingerprint", fingerprint), zap.Error(err))
		}
		if rs != nil {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			rs.IsCached = true
			return rs, nil
		}
	}

	rs, err := m.store.LoadResult(ctx, fingerprint)
	if err != nil {
		return nil, eris.Wrap(err, "session: load result")
	}
	if rs == nil {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, nil
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()

	if m.cache != nil {
		if err := m.cache.Set(ctx, rs, m.ttl); err != nil {
			zap.L().Warn("session: result cache backfill failed", zap.String("fingerprint", fingerprint), zap.Error(err))
		}
	}
	rs.IsCached = true
	return rs, nil
}

// IsFresh reports whether rs was generated less than maxAge ago. A
// non-positive maxAge never expires.
func (m *Manager) IsFresh(rs *model.ResultSet, maxAge time.Duration) bool {
	if rs == nil {
		return false
	}
	if maxAge <= 0 {
		return true
	}
	return m.nowFunc().Sub(rs.GeneratedAt) < maxAge
}

// Snapshot returns the latest known state of a run.
func (m *Manager) Snapshot(ctx context.Context, runID string) (*model.PipelineRun, error) {
	m.mu.Lock()
	if lr, ok := m.runs[runID]; ok {
		run := lr.run
		m.mu.Unlock()
		return &run, nil
	}
	m.mu.Unlock()

	run, err := m.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "session: snapshot")
	}
	return run, nil
}

// Subscribe returns the run's current state and a channel of later
// events. The channel is closed after the terminal event, or immediately
// when the run has already finished. Call the returned func to stop
// listening early.
func (m *Manager) Subscribe(ctx context.Context, runID string) (*model.PipelineRun, <-chan model.ProgressEvent, func(), error) {
	m.mu.Lock()
	if lr, ok := m.runs[runID]; ok {
		ch := make(chan model.ProgressEvent, subscriberBuffer)
		id := lr.nextSub
		lr.nextSub++
		lr.subs[id] = ch
		run := lr.run
		m.mu.Unlock()

		unsubscribe := func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := lr.subs[id]; ok {
				close(c)
				delete(lr.subs, id)
			}
		}
		return &run, ch, unsubscribe, nil
	}
	m.mu.Unlock()

	run, err := m.Snapshot(ctx, runID)
	if err != nil {
		return nil, nil, nil, err
	}
	ch := make(chan model.ProgressEvent)
	close(ch)
	return run, ch, func() {}, nil
}

// ListRuns lists persisted runs.
func (m *Manager) ListRuns(ctx context.Context, filter store.RunFilter) ([]model.PipelineRun, error) {
	runs, err := m.store.ListRuns(ctx, filter)
	return runs, eris.Wrap(err, "session: list runs")
}

// Clear drops cached results for fingerprint, or every cached result when
// fingerprint is empty.
func (m *Manager) Clear(ctx context.Context, fingerprint string) (int, error) {
	n, err := m.store.DeleteResult(ctx, fingerprint)
	if err != nil {
		return 0, eris.Wrap(err, "session: clear")
	}
	if m.cache != nil {
		if err := m.cache.Delete(ctx, fingerprint); err != nil {
			return n, eris.Wrap(err, "session: clear shared cache")
		}
	}
	return n, nil
}

// publishLocked sends the run's current state to every subscriber. A full
// subscriber loses its oldest event rather than blocking the run.
func (m *Manager) publishLocked(lr *liveRun, typ model.EventType) {
	evt := model.ProgressEvent{
		RunID:    lr.run.ID,
		Type:     typ,
		Status:   lr.run.Status,
		Progress: lr.run.Progress,
		Error:    lr.run.Error,
		At:       lr.run.UpdatedAt,
	}
	switch typ {
	case model.EventSchema:
		evt.Schema = lr.run.Schema
	case model.EventComplete:
		evt.Result = lr.run.Result
	}
	for _, ch := range lr.subs {
		select {
		case ch <- evt:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- evt
		}
	}
}

// persistContext detaches store writes from the run's context so progress
// and terminal state are recorded even after cancellation.
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

var _ pipeline.Reporter = (*Manager)(nil)
