package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jononovo/send-claw2-sub007/internal/cost"
	"github.com/jononovo/send-claw2-sub007/internal/metrics"
	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/internal/research"
)

// Researcher gathers raw research for one entity.
type Researcher interface {
	Fetch(ctx context.Context, entity model.CandidateEntity, counter *research.SourceCounter) (*model.RawResearch, []*research.ProviderError)
}

// Reporter receives progress from a running pipeline. Implementations
// must be safe for concurrent use.
type Reporter interface {
	SetSchema(ctx context.Context, runID string, schema model.ResolvedSchema)
	Advance(ctx context.Context, runID string, phase model.Phase, completed, total int)
}

// Config tunes a Pipeline.
type Config struct {
	// Concurrency bounds how many entities are researched and extracted
	// at once.
	Concurrency int
	Aggregate   AggregateOptions
}

// Pipeline wires the stages together. It is safe to run many searches on
// one Pipeline concurrently.
type Pipeline struct {
	resolver   Resolver
	discoverer Discoverer
	researcher Researcher
	extractor  Extractor
	catalog    *model.Catalog
	calc       *cost.Calculator
	cfg        Config
	nowFunc    func() time.Time
}

// New creates a Pipeline. calc may be nil, in which case cost is not
// estimated.
func New(resolver Resolver, discoverer Discoverer, researcher Researcher, extractor Extractor, catalog *model.Catalog, calc *cost.Calculator, cfg Config) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Pipeline{
		resolver:   resolver,
		discoverer: discoverer,
		researcher: researcher,
		extractor:  extractor,
		catalog:    catalog,
		calc:       calc,
		cfg:        cfg,
		nowFunc:    time.Now,
	}
}

// Run executes one search. It returns a SchemaResolutionError or
// RunFatalError when the run cannot produce a result, and ctx's error when
// the run was cancelled. A run that hits its deadline after at least one
// entity was extracted still returns the partial result.
func (p *Pipeline) Run(ctx context.Context, runID string, q model.Query, rep Reporter) (*model.ResultSet, error) {
	start := p.nowFunc()
	log := zap.L().With(zap.String("run_id", runID), zap.String("fingerprint", q.Fingerprint))
	log.Info("pipeline: starting search", zap.String("query", q.Text))

	var tracker *cost.Tracker
	if p.calc != nil {
		tracker = p.calc.NewTracker()
	}

	rep.Advance(ctx, runID, model.PhaseResolvingSchema, 0, 0)
	schema, err := p.resolver.Resolve(ctx, q, tracker)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
			return nil, eris.Wrap(ctxErr, "pipeline: cancelled during schema resolution")
		}
		var se *SchemaResolutionError
		if !errors.As(err, &se) {
			err = &SchemaResolutionError{Query: q.Text, Err: err}
		}
		log.Error("pipeline: schema resolution failed", zap.Error(err))
		return nil, err
	}
	rep.SetSchema(ctx, runID, schema)

	shape, err := NewRecordShape(schema, p.catalog)
	if err != nil {
		return nil, &RunFatalError{Reason: "invalid result schema", Err: err}
	}

	rep.Advance(ctx, runID, model.PhaseDiscovering, 0, 0)
	cands, err := p.discoverer.Discover(ctx, q, schema, tracker)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
			return nil, eris.Wrap(ctxErr, "pipeline: cancelled during discovery")
		}
		log.Error("pipeline: discovery failed", zap.Error(err))
		return nil, &RunFatalError{Reason: "entity discovery failed", Retryable: true, Err: err}
	}
	if cands.Len() == 0 {
		return nil, &RunFatalError{Reason: "no matching entities found", Retryable: true}
	}

	total := cands.Len()
	counter := research.NewSourceCounter()
	var (
		mu      sync.Mutex
		records []model.EntityRecord
		done    atomic.Int64
	)

	rep.Advance(ctx, runID, model.PhaseResearching, 0, total)

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for entity := range cands.All() {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			defer func() {
				rep.Advance(ctx, runID, model.PhaseResearching, int(done.Add(1)), total)
			}()
			elog := log.With(zap.String("entity", entity.Name))

			// A slot may free up after cancellation; don't start new work.
			if ctx.Err() != nil {
				return nil
			}
			raw, _ := p.researcher.Fetch(ctx, entity, counter)
			if raw.Empty() {
				metrics.Extractions.WithLabelValues(metrics.OutcomeEmpty).Inc()
				elog.Warn("pipeline: no research found, skipping entity")
				return nil
			}

			rec, err := p.extractor.Extract(ctx, q, entity, raw, shape, tracker)
			if err != nil {
				metrics.Extractions.WithLabelValues(metrics.OutcomeError).Inc()
				elog.Warn("pipeline: extraction failed", zap.Error(err))
				return nil
			}
			metrics.Extractions.WithLabelValues(metrics.OutcomeOK).Inc()

			mu.Lock()
			records = append(records, rec)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
		log.Info("pipeline: run cancelled", zap.Int64("completed", done.Load()), zap.Int("total", total))
		return nil, eris.Wrap(ctxErr, "pipeline: cancelled")
	}
	if len(records) == 0 {
		reason := "no entity could be researched and extracted"
		if ctx.Err() != nil {
			reason = "run timed out before any entity was extracted"
		}
		return nil, &RunFatalError{Reason: reason, Retryable: true, Err: ctx.Err()}
	}

	rep.Advance(ctx, runID, model.PhaseAggregating, total, total)
	rs := Aggregate(records, p.cfg.Aggregate)
	tracker.AddQueries(counter.Calls())

	rs.Fingerprint = q.Fingerprint
	rs.Query = q.Text
	rs.Schema = schema
	rs.TargetCount = schema.TargetCount
	rs.CandidatesFound = total
	rs.FailedEntities = total - len(records)
	rs.SourceBreakdown = counter.Breakdown()
	rs.EstimatedCostUSD = tracker.Total()
	rs.GeneratedAt = p.nowFunc().UTC()
	rs.DurationMs = rs.GeneratedAt.Sub(start).Milliseconds()

	log.Info("pipeline: search complete",
		zap.Int("records", len(rs.Records)),
		zap.Int("candidates", total),
		zap.Int("failed", rs.FailedEntities),
		zap.Any("source_breakdown", rs.SourceBreakdown),
		zap.Float64("cost_usd", rs.EstimatedCostUSD),
		zap.Int64("duration_ms", rs.DurationMs),
	)
	return rs, nil
}
