package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jononovo/send-claw2-sub007/internal/account"
	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/internal/pipeline"
	"github.com/jononovo/send-claw2-sub007/internal/search"
	"github.com/jononovo/send-claw2-sub007/internal/session"
	"github.com/jononovo/send-claw2-sub007/internal/store"
)

type runnerFunc func(ctx context.Context, runID string, q model.Query, rep pipeline.Reporter) (*model.ResultSet, error)

func (f runnerFunc) Run(ctx context.Context, runID string, q model.Query, rep pipeline.Reporter) (*model.ResultSet, error) {
	return f(ctx, runID, q, rep)
}

func companies(q model.Query, names ...string) *model.ResultSet {
	rs := &model.ResultSet{
		Fingerprint: q.Fingerprint,
		Query:       q.Text,
		Schema: model.ResolvedSchema{
			QueryType:      model.QueryTypeCompany,
			TargetCount:    10,
			StandardFields: []string{"name", "website"},
			CustomFields:   []model.CustomField{},
		},
		TargetCount:     10,
		CandidatesFound: len(names),
		SourceBreakdown: map[string]int{"jina": len(names)},
		GeneratedAt:     time.Now().UTC(),
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

func instant(names ...string) runnerFunc {
	return func(ctx context.Context, runID string, q model.Query, rep pipeline.Reporter) (*model.ResultSet, error) {
		rep.Advance(ctx, runID, model.PhaseResearching, len(names), len(names))
		return companies(q, names...), nil
	}
}

type recordingSaver struct {
	mu    sync.Mutex
	saved []*model.ResultSet
	err   error
}

func (s *recordingSaver) Save(_ context.Context, rs *model.ResultSet) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 1, s.err
	}
	s.saved = append(s.saved, rs)
	return len(rs.Records), nil
}

func (s *recordingSaver) failWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *recordingSaver) Saved() []*model.ResultSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.ResultSet(nil), s.saved...)
}

type harness struct {
	srv   *httptest.Server
	svc   *search.Service
	mgr   *session.Manager
	saver *recordingSaver
}

type harnessOpts struct {
	quota   account.Quota
	noSaver bool
}

func newHarness(t *testing.T, runner search.Runner, opts harnessOpts) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	mgr := session.NewManager(st)
	svc := search.NewService(runner, mgr, opts.quota, search.Config{CacheMaxAge: time.Hour})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	h := &harness{svc: svc, mgr: mgr}
	o := Options{Searches: svc, Sessions: mgr, Heartbeat: 20 * time.Millisecond}
	if !opts.noSaver {
		h.saver = &recordingSaver{}
		o.Saver = h.saver
	}
	h.srv = httptest.NewServer(New(o).Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, caller, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if caller != "" {
		req.Header.Set(CallerHeader, caller)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (h *harness) waitRun(t *testing.T, runID string) *model.PipelineRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := h.svc.Wait(ctx, runID)
	require.NoError(t, err)
	return run
}

func runID(t *testing.T, body map[string]any) string {
	t.Helper()
	run, ok := body["run"].(map[string]any)
	require.True(t, ok, "response has no run: %v", body)
	id, _ := run["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, instant("Acme"), harnessOpts{})

	resp, body := h.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, err := h.srv.Client().Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartPollThenCached(t *testing.T) {
	h := newHarness(t, instant("Acme", "Globex", "Initech"), harnessOpts{})

	resp, body := h.do(t, http.MethodPost, "/v1/searches", "alice", `{"query":"industrial automation vendors"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := runID(t, body)
	assert.Equal(t, "/v1/searches/"+id, resp.Header.Get("Location"))
	assert.Equal(t, "running", body["status"])

	h.waitRun(t, id)

	resp, body = h.do(t, http.MethodGet, "/v1/searches/"+id, "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "complete", body["status"])
	result := body["result"].(map[string]any)
	assert.Len(t, result["records"], 3)

	resp, body = h.do(t, http.MethodGet, "/v1/searches/"+id+"?max_results=2", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["result"].(map[string]any)["records"], 2)

	resp, body = h.do(t, http.MethodPost, "/v1/searches", "alice", `{"query":"Industrial automation vendors","max_results":1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cached := body["result"].(map[string]any)
	assert.Equal(t, true, cached["is_cached"])
	assert.Len(t, cached["records"], 1)
}

func TestStartRejectsBadInput(t *testing.T) {
	h := newHarness(t, instant("Acme"), harnessOpts{})

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "not json", body: `{query`, want: "invalid request body"},
		{name: "unknown field", body: `{"q":"x"}`, want: "invalid request body"},
		{name: "empty query", body: `{"query":""}`, want: "Query failed required"},
		{name: "negative max", body: `{"query":"dentists","max_results":-4}`, want: "MaxResults failed gte"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := h.do(t, http.MethodPost, "/v1/searches", "", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, body["error"], tt.want)
		})
	}
}

type denyAll struct{}

func (denyAll) Reserve(context.Context, string) error {
	return eris.Wrap(account.ErrQuotaExceeded, "out of credits")
}

func TestStartQuotaExceeded(t *testing.T) {
	h := newHarness(t, instant("Acme"), harnessOpts{quota: denyAll{}})

	resp, body := h.do(t, http.MethodPost, "/v1/searches", "alice", `{"query":"dentists in Leeds"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "search quota exceeded", body["error"])
}

func TestRunsAreScopedToCaller(t *testing.T) {
	h := newHarness(t, instant("Acme"), harnessOpts{})

	_, body := h.do(t, http.MethodPost, "/v1/searches", "alice", `{"query":"dentists in Leeds"}`)
	id := runID(t, body)
	h.waitRun(t, id)
	_, body = h.do(t, http.MethodPost, "/v1/searches", "bob", `{"query":"plumbers in York"}`)
	h.waitRun(t, runID(t, body))

	resp, _ := h.do(t, http.MethodGet, "/v1/searches/"+id, "bob", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = h.do(t, http.MethodGet, "/v1/searches/"+id, "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = h.do(t, http.MethodGet, "/v1/searches", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runs := body["runs"].([]any)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].(map[string]any)["id"])

	resp, body = h.do(t, http.MethodGet, "/v1/searches", "carol", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["runs"])

	resp, _ = h.do(t, http.MethodGet, "/v1/searches/does-not-exist", "alice", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func blockingRunner(started chan<- string) runnerFunc {
	return func(ctx context.Context, runID string, _ model.Query, _ pipeline.Reporter) (*model.ResultSet, error) {
		started <- runID
		<-ctx.Done()
		return nil, eris.Wrap(ctx.Err(), "pipeline: cancelled")
	}
}

func TestSameQueryFromAnotherCallerGetsOwnRun(t *testing.T) {
	started := make(chan string, 2)
	h := newHarness(t, blockingRunner(started), harnessOpts{})

	_, body := h.do(t, http.MethodPost, "/v1/searches", "alice", `{"query":"wind farms"}`)
	aliceRun := runID(t, body)
	<-started

	_, body = h.do(t, http.MethodPost, "/v1/searches", "bob", `{"query":"wind farms"}`)
	bobRun := runID(t, body)
	assert.NotEqual(t, aliceRun, bobRun)
	assert.Nil(t, body["joined"])
	<-started

	resp, body := h.do(t, http.MethodGet, "/v1/searches/"+bobRun, "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, bobRun, body["id"])
	assert.Equal(t, "bob", body["caller_id"])

	resp, _ = h.do(t, http.MethodDelete, "/v1/searches/"+bobRun, "bob", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, model.RunCancelled, h.waitRun(t, bobRun).Status)
}

func TestCancelSearch(t *testing.T) {
	started := make(chan string, 1)
	h := newHarness(t, blockingRunner(started), harnessOpts{})

	_, body := h.do(t, http.MethodPost, "/v1/searches", "alice", `{"query":"wind farms"}`)
	id := runID(t, body)
	<-started

	resp, _ := h.do(t, http.MethodDelete, "/v1/searches/"+id, "bob", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = h.do(t, http.MethodDelete, "/v1/searches/"+id, "alice", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "cancelling", body["status"])

	run := h.waitRun(t, id)
	assert.Equal(t, model.RunCancelled, run.Status)

	resp, _ = h.do(t, http.MethodDelete, "/v1/searches/"+id, "alice", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, resp *http.Response, out chan<- sseEvent) {
	t.Helper()
	defer close(out)
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	var cur sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.name != "":
			out <- cur
			cur = sseEvent{}
		}
	}
}

func openStream(t *testing.T, h *harness, id, caller string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/v1/searches/"+id+"/events", nil)
	require.NoError(t, err)
	req.Header.Set(CallerHeader, caller)
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck
	return resp
}

func TestEventStream(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, runID string, q model.Query, rep pipeline.Reporter) (*model.ResultSet, error) {
		started <- runID
		<-release
		rep.Advance(ctx, runID, model.PhaseDiscovering, 0, 0)
		rep.Advance(ctx, runID, model.PhaseResearching, 1, 2)
		rep.Advance(ctx, runID, model.PhaseResearching, 2, 2)
		return companies(q, "Acme", "Globex"), nil
	})
	h := newHarness(t, runner, harnessOpts{})

	_, body := h.do(t, http.MethodPost, "/v1/searches", "alice", `{"query":"warehouse robotics"}`)
	id := runID(t, body)
	<-started

	resp := openStream(t, h, id, "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan sseEvent, 64)
	go readEvents(t, resp, events)

	first := <-events
	assert.Equal(t, "snapshot", first.name)
	var snap model.PipelineRun
	require.NoError(t, json.Unmarshal([]byte(first.data), &snap))
	assert.Equal(t, id, snap.ID)
	assert.Equal(t, model.RunRunning, snap.Status)

	close(release)

	var names []string
	var last sseEvent
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case evt, ok := <-events:
			if !ok {
				done = true
				break
			}
			names = append(names, evt.name)
			last = evt
		case <-timeout:
			t.Fatal("stream did not end")
		}
	}

	assert.Contains(t, names, "progress")
	assert.Equal(t, "complete", last.name)
	var terminal model.ProgressEvent
	require.NoError(t, json.Unmarshal([]byte(last.data), &terminal))
	assert.Equal(t, model.RunComplete, terminal.Status)
	require.NotNil(t, terminal.Result)
	assert.Len(t, terminal.Result.Records, 2)
	assert.Equal(t, 2, terminal.Progress.Completed)
}

func TestEventStreamFinishedRun(t *testing.T) {
	h := newHarness(t, instant("Acme"), harnessOpts{})

	_, body := h.do(t, http.MethodPost, "/v1/searches", "alice", `{"query":"warehouse robotics"}`)
	id := runID(t, body)
	h.waitRun(t, id)

	resp := openStream(t, h, id, "alice")
	events := make(chan sseEvent, 8)
	go readEvents(t, resp, events)

	var got []string
	for evt := range events {
		got = append(got, evt.name)
	}
	assert.Equal(t, []string{"snapshot", "complete"}, got)

	resp = openStream(t, h, id, "mallory")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSaveList(t *testing.T) {
	h := newHarness(t, instant("Acme", "Globex"), harnessOpts{})

	_, body := h.do(t, http.MethodPost, "/v1/searches", "alice", `{"query":"warehouse robotics"}`)
	id := runID(t, body)
	h.waitRun(t, id)

	resp, body := h.do(t, http.MethodPost, "/v1/searches/"+id+"/save", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["saved"])
	saved := h.saver.Saved()
	require.Len(t, saved, 1)
	assert.Equal(t, "warehouse robotics", saved[0].Query)

	h.saver.failWith(errors.New("notion down"))
	resp, body = h.do(t, http.MethodPost, "/v1/searches/"+id+"/save", "alice", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.EqualValues(t, 1, body["saved"])
}

func TestSaveListRequiresResult(t *testing.T) {
	h := newHarness(t, runnerFunc(func(context.Context, string, model.Query, pipeline.Reporter) (*model.ResultSet, error) {
		return nil, &pipeline.RunFatalError{Reason: "no matching entities found", Retryable: true}
	}), harnessOpts{})

	_, body := h.do(t, http.MethodPost, "/v1/searches", "alice", `{"query":"unicorn stables"}`)
	id := runID(t, body)
	run := h.waitRun(t, id)
	assert.Equal(t, model.RunFailed, run.Status)

	resp, _ := h.do(t, http.MethodPost, "/v1/searches/"+id+"/save", "alice", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = h.do(t, http.MethodGet, "/v1/searches/"+id, "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "no matching entities found", body["error"])
	assert.Equal(t, true, body["retryable"])
}

func TestSaveListNotConfigured(t *testing.T) {
	h := newHarness(t, instant("Acme"), harnessOpts{noSaver: true})

	resp, _ := h.do(t, http.MethodPost, "/v1/searches/anything/save", "alice", "")
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestClearCache(t *testing.T) {
	h := newHarness(t, instant("Acme"), harnessOpts{})

	for _, q := range []string{"warehouse robotics", "dentists in Leeds"} {
		_, body := h.do(t, http.MethodPost, "/v1/searches", "", `{"query":"`+q+`"}`)
		h.waitRun(t, runID(t, body))
	}

	resp, body := h.do(t, http.MethodDelete, "/v1/cache", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "query")

	resp, body = h.do(t, http.MethodDelete, "/v1/cache?query=Warehouse+Robotics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["deleted"])

	// the cleared query runs again, the other one is still cached
	resp, _ = h.do(t, http.MethodPost, "/v1/searches", "", `{"query":"warehouse robotics"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = h.do(t, http.MethodPost, "/v1/searches", "", `{"query":"dentists in leeds"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = h.do(t, http.MethodDelete, "/v1/cache?all=true", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.GreaterOrEqual(t, body["deleted"], float64(1))
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, instant("Acme"), harnessOpts{})

	req, err := http.NewRequest(http.MethodOptions, h.srv.URL+"/v1/searches", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", CallerHeader)
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
