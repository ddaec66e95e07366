// Package search is the inbound search operation: it validates a request,
// serves fresh cached results, joins identical in-flight runs and otherwise
// starts a pipeline run in the background.
package search

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jononovo/send-claw2-sub007/internal/account"
	"github.com/jononovo/send-claw2-sub007/internal/metrics"
	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/internal/pipeline"
	"github.com/jononovo/send-claw2-sub007/internal/session"
)

// ErrNotRunning is returned by Cancel for runs this process is not
// executing.
var ErrNotRunning = errors.New("search: run is not in progress")

// Request is one "run search for query Q" call.
type Request struct {
	Query       string `json:"query" validate:"required,min=2,max=500"`
	Refresh     bool   `json:"refresh"`
	MaxResults  int    `json:"max_results" validate:"gte=0,lte=200"`
	TargetCount int    `json:"target_count" validate:"gte=0,lte=20"`
	Variant     string `json:"variant" validate:"max=64"`
}

// ValidationError lists the request fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "search: invalid request: " + strings.Join(e.Fields, "; ")
}

// Runner executes one search. *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, runID string, q model.Query, rep pipeline.Reporter) (*model.ResultSet, error)
}

// Outcome is what Start hands back. Exactly one of Run and Result is set:
// Result for a fresh cache hit, Run for a started or joined run.
type Outcome struct {
	Run    *model.PipelineRun `json:"run,omitempty"`
	Result *model.ResultSet   `json:"result,omitempty"`
	Joined bool               `json:"joined,omitempty"`
}

// Config tunes a Service.
type Config struct {
	// RunTimeout bounds a whole run. Zero means no deadline.
	RunTimeout time.Duration
	// CacheMaxAge is how long a cached result is served without a
	// refresh. Zero never expires.
	CacheMaxAge time.Duration
}

// Service runs searches. It is safe for concurrent use.
type Service struct {
	runner   Runner
	sessions *session.Manager
	quota    account.Quota
	cfg      Config
	validate *validator.Validate
	nowFunc  func() time.Time

	// startMu makes the join check and run registration atomic so two
	// identical queries cannot both start a run.
	startMu sync.Mutex

	mu       sync.Mutex
	inflight map[string]*active // by flightKey
	active   map[string]*active // by run ID
	wg       sync.WaitGroup
}

type active struct {
	runID       string
	flight      string
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewService creates a Service. A nil quota never vetoes.
func NewService(runner Runner, sessions *session.Manager, quota account.Quota, cfg Config) *Service {
	if quota == nil {
		quota = account.Unlimited{}
	}
	return &Service{
		runner:   runner,
		sessions: sessions,
		quota:    quota,
		cfg:      cfg,
		validate: validator.New(),
		nowFunc:  time.Now,
		inflight: map[string]*active{},
		active:   map[string]*active{},
	}
}

// Validate checks req without starting anything.
func (s *Service) Validate(req Request) error {
	req.Query = strings.TrimSpace(req.Query)
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return eris.Wrap(err, "search: validate request")
	}
	ve := &ValidationError{}
	for _, fe := range verrs {
		ve.Fields = append(ve.Fields, fe.Field()+" failed "+fe.Tag())
	}
	return ve
}

// Start serves req. A fresh cached result is returned directly unless
// req.Refresh is set. Otherwise an identical run the same caller already
// has in flight is joined, or a new run is started after the caller's quota allows it.
// The run itself continues after ctx is done; use Cancel to stop it.
func (s *Service) Start(ctx context.Context, req Request) (*Outcome, error) {
	if err := s.Validate(req); err != nil {
		return nil, err
	}
	q := model.NewQuery(req.Query, model.QueryOptions{TargetCount: req.TargetCount, Variant: req.Variant})
	caller := account.Caller(ctx)
	log := zap.L().With(zap.String("fingerprint", q.Fingerprint), zap.String("caller", caller))

	if !req.Refresh {
		rs, err := s.sessions.Load(ctx, q.Fingerprint)
		if err != nil {
			return nil, eris.Wrap(err, "search: load cached result")
		}
		if rs != nil {
			if s.sessions.IsFresh(rs, s.cfg.CacheMaxAge) {
				log.Info("search: serving cached result", zap.Time("generated_at", rs.GeneratedAt))
				return &Outcome{Result: View(rs, req.MaxResults)}, nil
			}
			metrics.CacheLookups.WithLabelValues("stale").Inc()
		}
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()

	if !req.Refresh {
		if run, ok := s.join(ctx, flightKey(caller, q.Fingerprint)); ok {
			log.Info("search: joined in-flight run", zap.String("run_id", run.ID))
			return &Outcome{Run: run, Joined: true}, nil
		}
	}

	if err := s.quota.Reserve(ctx, caller); err != nil {
		log.Warn("search: quota vetoed run", zap.Error(err))
		return nil, eris.Wrap(err, "search: quota")
	}

	run, err := s.sessions.BeginRun(ctx, q, caller)
	if err != nil {
		return nil, eris.Wrap(err, "search: begin run")
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if s.cfg.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RunTimeout)
	} else {
		runCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	a := &active{runID: run.ID, flight: flightKey(caller, q.Fingerprint), cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.inflight[a.flight] = a
	s.active[run.ID] = a
	s.wg.Add(1)
	s.mu.Unlock()

	go s.execute(runCtx, a, q)

	log.Info("search: run started", zap.String("run_id", run.ID), zap.Bool("refresh", req.Refresh))
	return &Outcome{Run: run}, nil
}

// flightKey scopes joining to one caller. Runs belong to whoever started
// them, so another caller's identical query starts its own run and is
// charged for it.
func flightKey(caller, fingerprint string) string {
	return caller + "\x00" + fingerprint
}

func (s *Service) join(ctx context.Context, key string) (*model.PipelineRun, bool) {
	s.mu.Lock()
	a, ok := s.inflight[key]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	run, err := s.sessions.Snapshot(ctx, a.runID)
	if err != nil {
		return nil, false
	}
	return run, true
}

func (s *Service) execute(ctx context.Context, a *active, q model.Query) {
	defer s.wg.Done()
	defer close(a.done)
	defer a.cancel()

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	log := zap.L().With(zap.String("run_id", a.runID))
	start := s.nowFunc()

	rs, err := s.runner.Run(ctx, a.runID, q, s.sessions)

	status := model.RunComplete
	if err != nil {
		status = model.RunFailed
		if errors.Is(err, context.Canceled) {
			status = model.RunCancelled
		}
		if ferr := s.sessions.Fail(ctx, a.runID, err); ferr != nil {
			log.Error("search: record failure", zap.Error(ferr))
		}
	} else if cerr := s.sessions.Complete(ctx, a.runID, rs); cerr != nil {
		log.Error("search: record result", zap.Error(cerr))
		status = model.RunFailed
		_ = s.sessions.Fail(ctx, a.runID, cerr)
	}

	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	if status == model.RunComplete {
		metrics.RunDuration.Observe(s.nowFunc().Sub(start).Seconds())
	}

	s.mu.Lock()
	if s.inflight[a.flight] == a {
		delete(s.inflight, a.flight)
	}
	delete(s.active, a.runID)
	s.mu.Unlock()

	log.Info("search: run finished", zap.String("status", string(status)), zap.Error(err))
}

// Cancel stops a run started by this Service. In-flight provider calls
// finish or time out on their own; no new entity work is started.
func (s *Service) Cancel(runID string) error {
	s.mu.Lock()
	a, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return eris.Wrapf(ErrNotRunning, "run %s", runID)
	}
	a.cancel()
	zap.L().Info("search: run cancel requested", zap.String("run_id", runID))
	return nil
}

// Wait blocks until runID is no longer executing in this process, then
// returns its final persisted state.
func (s *Service) Wait(ctx context.Context, runID string) (*model.PipelineRun, error) {
	s.mu.Lock()
	a, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		select {
		case <-a.done:
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "search: wait")
		}
	}
	return s.sessions.Snapshot(ctx, runID)
}

// Search is the synchronous form of Start used by the CLI: it waits for
// the run and returns its result trimmed to req.MaxResults. Cancelling
// ctx cancels the run.
func (s *Service) Search(ctx context.Context, req Request) (*model.ResultSet, error) {
	out, err := s.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	if out.Result != nil {
		return out.Result, nil
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Cancel(out.Run.ID) })
	defer stop()

	run, err := s.Wait(context.WithoutCancel(ctx), out.Run.ID)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case model.RunComplete:
		return View(run.Result, req.MaxResults), nil
	case model.RunCancelled:
		return nil, eris.Wrapf(context.Canceled, "search: run %s cancelled", run.ID)
	default:
		return nil, &RunFailedError{RunID: run.ID, Reason: run.Error, Retryable: run.Retryable}
	}
}

// RunFailedError is returned by Search when the run ended in failure.
type RunFailedError struct {
	RunID     string
	Reason    string
	Retryable bool
}

func (e *RunFailedError) Error() string {
	return "search: run " + e.RunID + " failed: " + e.Reason
}

// Shutdown cancels every run this Service is executing and waits for
// them to record their terminal state, or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, a := range s.active {
		a.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "search: shutdown")
	}
}

// View returns rs trimmed to maxResults records without touching the
// stored copy. maxResults <= 0 returns rs unchanged.
func View(rs *model.ResultSet, maxResults int) *model.ResultSet {
	if rs == nil || maxResults <= 0 || len(rs.Records) <= maxResults {
		return rs
	}
	cp := *rs
	cp.Records = append([]model.EntityRecord(nil), rs.Records...)
	cp.Truncate(maxResults)
	return &cp
}
