package session

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/internal/pipeline"
	"github.com/jononovo/send-claw2-sub007/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *store.SQLiteStore, *clock) {
	t.Helper()
	st := newTestStore(t)
	clk := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return NewManager(st, opts...), st, clk
}

func resultFor(q model.Query, generated time.Time, names ...string) *model.ResultSet {
	rs := &model.ResultSet{
		Fingerprint: q.Fingerprint,
		Query:       q.Text,
		Schema: model.ResolvedSchema{
			QueryType:      model.QueryTypeCompany,
			TargetCount:    8,
			StandardFields: []string{"name"},
			CustomFields:   []model.CustomField{},
		},
		Records:         []model.EntityRecord{},
		TargetCount:     8,
		CandidatesFound: 8,
		SourceBreakdown: map[string]int{"perplexity": 8},
		GeneratedAt:     generated,
	}
	for i, n := range names {
		score := float64(90 - i)
		rs.Records = append(rs.Records, model.EntityRecord{
			Type:              model.QueryTypeCompany,
			Name:              n,
			Relevance:         &score,
			Fields:            map[string]any{"name": n},
			CustomFieldValues: map[string]any{},
			DiscoveryIndex:    i,
		})
	}
	rs.Tally()
	return rs
}

func TestBeginRun(t *testing.T) {
	m, st, clk := newTestManager(t)
	ctx := context.Background()
	q := model.NewQuery("fintech startups in austin", model.QueryOptions{})

	run, err := m.BeginRun(ctx, q, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunRunning, run.Status)
	assert.Equal(t, model.PhaseResolvingSchema, run.Progress.Phase)
	assert.Equal(t, clk.Now(), run.CreatedAt)

	persisted, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, q.Fingerprint, persisted.Fingerprint)
	assert.Equal(t, "alice", persisted.CallerID)
}

func TestAdvanceIsMonotonic(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	run, err := m.BeginRun(ctx, model.NewQuery("q", model.QueryOptions{}), "")
	require.NoError(t, err)

	m.Advance(ctx, run.ID, model.PhaseDiscovering, 0, 0)
	m.Advance(ctx, run.ID, model.PhaseResearching, 0, 50)

	values := make([]int, 50)
	for i := range values {
		values[i] = i + 1
	}
	rand.Shuffle(len(values), func(i, j int) { values[i], values[j] = values[j], values[i] })

	var wg sync.WaitGroup
	for _, v := range values {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Advance(ctx, run.ID, model.PhaseResearching, v, 50)
		}()
	}
	wg.Wait()

	// stale phase and lower counters are ignored
	m.Advance(ctx, run.ID, model.PhaseDiscovering, 0, 0)
	m.Advance(ctx, run.ID, model.PhaseResearching, 10, 50)

	snap, err := m.Snapshot(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseResearching, snap.Progress.Phase)
	assert.Equal(t, 50, snap.Progress.Completed)
	assert.Equal(t, 50, snap.Progress.Total)

	persisted, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, persisted.Progress.Completed)
}

func TestAdvanceAfterCancelStillPersists(t *testing.T) {
	m, st, _ := newTestManager(t)
	run, err := m.BeginRun(context.Background(), model.NewQuery("q", model.QueryOptions{}), "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Advance(ctx, run.ID, model.PhaseResearching, 2, 10)

	persisted, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, persisted.Progress.Completed)
}

// stallingStore holds every progress write until release is closed.
type stallingStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) UpdateProgress(ctx context.Context, runID string, p model.Progress) error {
	s.entered <- struct{}{}
	<-s.release
	return s.Store.UpdateProgress(ctx, runID, p)
}

func TestSlowProgressWriteDoesNotBlockOtherRuns(t *testing.T) {
	st := newTestStore(t)
	stall := &stallingStore{Store: st, entered: make(chan struct{}, 8), release: make(chan struct{})}
	m := NewManager(stall)
	ctx := context.Background()

	run, err := m.BeginRun(ctx, model.NewQuery("first", model.QueryOptions{}), "")
	require.NoError(t, err)
	_, events, stop, err := m.Subscribe(ctx, run.ID)
	require.NoError(t, err)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Advance(ctx, run.ID, model.PhaseDiscovering, 0, 0)
	}()
	select {
	case <-stall.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("progress write never reached the store")
	}

	begun := make(chan error, 1)
	go func() {
		_, err := m.BeginRun(ctx, model.NewQuery("second", model.QueryOptions{}), "")
		begun <- err
	}()
	select {
	case err := <-begun:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("BeginRun waited on another run's progress write")
	}

	snap, err := m.Snapshot(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseDiscovering, snap.Progress.Phase)

	select {
	case evt := <-events:
		assert.Equal(t, model.EventProgress, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber not notified while the write was pending")
	}

	// a later update queued behind the stalled one still lands last
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Advance(ctx, run.ID, model.PhaseResearching, 1, 4)
	}()
	close(stall.release)
	wg.Wait()

	persisted, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseResearching, persisted.Progress.Phase)
	assert.Equal(t, 1, persisted.Progress.Completed)

	require.NoError(t, m.Fail(ctx, run.ID, context.Canceled))
	persisted, err = st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCancelled, persisted.Status)
}

func TestReporterIgnoresUnknownRun(t *testing.T) {
	m, _, _ := newTestManager(t)
	assert.NotPanics(t, func() {
		m.Advance(context.Background(), "nope", model.PhaseResearching, 1, 2)
		m.SetSchema(context.Background(), "nope", model.ResolvedSchema{})
	})
}

func TestCompleteThenLoad(t *testing.T) {
	m, st, clk := newTestManager(t)
	ctx := context.Background()
	q := model.NewQuery("fintech startups in austin", model.QueryOptions{})

	run, err := m.BeginRun(ctx, q, "")
	require.NoError(t, err)
	m.Advance(ctx, run.ID, model.PhaseResearching, 0, 8)
	m.Advance(ctx, run.ID, model.PhaseResearching, 8, 8)

	rs := resultFor(q, clk.Now(), "Acme", "Globex")
	require.NoError(t, m.Complete(ctx, run.ID, rs))

	got, err := m.Load(ctx, q.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, got)
	want := *rs
	want.IsCached = true
	assert.Equal(t, &want, got)

	persisted, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunComplete, persisted.Status)
	assert.Equal(t, model.PhaseComplete, persisted.Progress.Phase)
	assert.Equal(t, 8, persisted.Progress.Completed)
	require.NotNil(t, persisted.Result)
	assert.False(t, persisted.Result.IsCached)

	assert.True(t, m.IsFresh(got, 24*time.Hour))
	clk.Advance(25 * time.Hour)
	assert.False(t, m.IsFresh(got, 24*time.Hour))
	assert.True(t, m.IsFresh(got, 0), "zero max age never expires")
	assert.False(t, m.IsFresh(nil, time.Hour))
}

func TestCompleteOverwritesCacheEntry(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()
	q := model.NewQuery("robotics firms", model.QueryOptions{})

	first, err := m.BeginRun(ctx, q, "")
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, first.ID, resultFor(q, clk.Now(), "Old Co")))

	clk.Advance(time.Hour)
	second, err := m.BeginRun(ctx, q, "")
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, second.ID, resultFor(q, clk.Now(), "New Co", "Newer Co")))

	got, err := m.Load(ctx, q.Fingerprint)
	require.NoError(t, err)
	require.Len(t, got.Records, 2)
	assert.Equal(t, "New Co", got.Records[0].Name)
}

func TestLoadMiss(t *testing.T) {
	m, _, _ := newTestManager(t)
	got, err := m.Load(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFail(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	run, err := m.BeginRun(ctx, model.NewQuery("q", model.QueryOptions{}), "")
	require.NoError(t, err)
	m.Advance(ctx, run.ID, model.PhaseResearching, 3, 10)

	cause := &pipeline.RunFatalError{Reason: "no entity could be researched and extracted", Retryable: true}
	require.NoError(t, m.Fail(ctx, run.ID, cause))

	persisted, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, persisted.Status)
	assert.Equal(t, model.PhaseFailed, persisted.Progress.Phase)
	assert.Equal(t, 3, persisted.Progress.Completed, "counters keep their last value")
	assert.Equal(t, cause.Reason, persisted.Error)
	assert.True(t, persisted.Retryable)

	got, err := m.Load(ctx, run.Fingerprint)
	require.NoError(t, err)
	assert.Nil(t, got, "failed runs are not cached")
}

func TestFailCancelled(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	run, err := m.BeginRun(ctx, model.NewQuery("q", model.QueryOptions{}), "")
	require.NoError(t, err)
	require.NoError(t, m.Fail(ctx, run.ID, context.Canceled))

	persisted, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCancelled, persisted.Status)
}

func TestFailSchemaResolution(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	run, err := m.BeginRun(ctx, model.NewQuery("???", model.QueryOptions{}), "")
	require.NoError(t, err)
	require.NoError(t, m.Fail(ctx, run.ID, &pipeline.SchemaResolutionError{Query: "???", Attempts: 3}))

	persisted, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "could not understand the query; try rephrasing it", persisted.Error)
}

func TestSubscribe(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()
	q := model.NewQuery("q", model.QueryOptions{})

	run, err := m.BeginRun(ctx, q, "")
	require.NoError(t, err)

	snap, events, stop, err := m.Subscribe(ctx, run.ID)
	require.NoError(t, err)
	defer stop()
	assert.Equal(t, model.PhaseResolvingSchema, snap.Progress.Phase)

	schema := model.ResolvedSchema{QueryType: model.QueryTypeCompany, TargetCount: 5, StandardFields: []string{"name"}}
	m.SetSchema(ctx, run.ID, schema)
	m.Advance(ctx, run.ID, model.PhaseResearching, 1, 5)
	require.NoError(t, m.Complete(ctx, run.ID, resultFor(q, clk.Now(), "Acme")))

	var got []model.ProgressEvent
	for evt := range events {
		got = append(got, evt)
	}
	require.Len(t, got, 3)
	assert.Equal(t, model.EventSchema, got[0].Type)
	assert.Equal(t, &schema, got[0].Schema)
	assert.Equal(t, model.EventProgress, got[1].Type)
	assert.Equal(t, 1, got[1].Progress.Completed)
	assert.Equal(t, model.EventComplete, got[2].Type)
	assert.Equal(t, model.RunComplete, got[2].Status)
	require.NotNil(t, got[2].Result)
	assert.Equal(t, "Acme", got[2].Result.Records[0].Name)
}

func TestSubscribeFinishedRun(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()
	q := model.NewQuery("q", model.QueryOptions{})

	run, err := m.BeginRun(ctx, q, "")
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, run.ID, resultFor(q, clk.Now(), "Acme")))

	snap, events, stop, err := m.Subscribe(ctx, run.ID)
	require.NoError(t, err)
	defer stop()
	assert.Equal(t, model.RunComplete, snap.Status)
	require.NotNil(t, snap.Result)
	_, open := <-events
	assert.False(t, open)
}

func TestSubscribeUnknownRun(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, _, _, err := m.Subscribe(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	run, err := m.BeginRun(ctx, model.NewQuery("q", model.QueryOptions{}), "")
	require.NoError(t, err)

	_, events, stop, err := m.Subscribe(ctx, run.ID)
	require.NoError(t, err)
	defer stop()

	for i := 1; i <= subscriberBuffer*3; i++ {
		m.Advance(ctx, run.ID, model.PhaseResearching, i, subscriberBuffer*3)
	}
	var last model.ProgressEvent
	for range subscriberBuffer {
		last = <-events
	}
	assert.Equal(t, subscriberBuffer*3, last.Progress.Completed, "newest events are kept")
}

func TestClear(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()

	var fps []string
	for _, text := range []string{"a", "b", "c"} {
		q := model.NewQuery(text, model.QueryOptions{})
		run, err := m.BeginRun(ctx, q, "")
		require.NoError(t, err)
		require.NoError(t, m.Complete(ctx, run.ID, resultFor(q, clk.Now(), "X")))
		fps = append(fps, q.Fingerprint)
	}

	n, err := m.Clear(ctx, fps[0])
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := m.Load(ctx, fps[0])
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err = m.Clear(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSharedCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() }) //nolint:errcheck
	cache := store.NewRedisCacheFromClient(client, "test:")

	m, st, clk := newTestManager(t, WithResultCache(cache, time.Hour))
	ctx := context.Background()
	q := model.NewQuery("q", model.QueryOptions{})

	run, err := m.BeginRun(ctx, q, "")
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, run.ID, resultFor(q, clk.Now(), "Acme")))
	assert.True(t, mr.Exists("test:"+q.Fingerprint))

	// a second process sharing the cache and database sees the entry
	other := NewManager(st, WithResultCache(cache, time.Hour))
	got, err := other.Load(ctx, q.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsCached)

	// expired in redis, backfilled from the store
	mr.FastForward(2 * time.Hour)
	assert.False(t, mr.Exists("test:"+q.Fingerprint))
	got, err = m.Load(ctx, q.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, mr.Exists("test:"+q.Fingerprint))

	_, err = m.Clear(ctx, "")
	require.NoError(t, err)
	assert.False(t, mr.Exists("test:"+q.Fingerprint))
}

func TestSharedCacheKeepsNewestResult(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() }) //nolint:errcheck
	cache := store.NewRedisCacheFromClient(client, "test:")

	m, _, clk := newTestManager(t, WithResultCache(cache, time.Hour))
	ctx := context.Background()
	q := model.NewQuery("q", model.QueryOptions{})

	slow, err := m.BeginRun(ctx, q, "")
	require.NoError(t, err)
	fast, err := m.BeginRun(ctx, q, "")
	require.NoError(t, err)

	started := clk.Now()
	require.NoError(t, m.Complete(ctx, fast.ID, resultFor(q, started.Add(time.Minute), "Fresh")))
	require.NoError(t, m.Complete(ctx, slow.ID, resultFor(q, started, "Stale")))

	got, err := m.Load(ctx, q.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Fresh", got.Records[0].Name)

	// the store agrees once redis has expired
	mr.FastForward(2 * time.Hour)
	got, err = m.Load(ctx, q.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Fresh", got.Records[0].Name)
}

func TestListRuns(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	for _, caller := range []string{"alice", "bob", "alice"} {
		_, err := m.BeginRun(ctx, model.NewQuery("q "+caller, model.QueryOptions{}), caller)
		require.NoError(t, err)
	}
	runs, err := m.ListRuns(ctx, store.RunFilter{CallerID: "alice"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}
