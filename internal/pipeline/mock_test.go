package pipeline

import (
	"context"
	"strings"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/jononovo/send-claw2-sub007/internal/cost"
	"github.com/jononovo/send-claw2-sub007/internal/llm"
	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/internal/research"
	"github.com/jononovo/send-claw2-sub007/pkg/jina"
)

// --- LLM Mock ---

type mockLLM struct {
	mock.Mock
}

func (m *mockLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llm.Response), args.Error(1)
}

func (m *mockLLM) Model() string { return "test-model" }

func promptContains(s string) any {
	return mock.MatchedBy(func(req llm.Request) bool { return strings.Contains(req.Prompt, s) })
}

// --- Jina Mock ---

type mockJinaClient struct {
	mock.Mock
}

func (m *mockJinaClient) Search(ctx context.Context, query string, _ ...jina.SearchOption) (*jina.SearchResponse, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jina.SearchResponse), args.Error(1)
}

// --- Stage stubs ---

type stubResolver struct {
	schema model.ResolvedSchema
	err    error
}

func (s stubResolver) Resolve(context.Context, model.Query, *cost.Tracker) (model.ResolvedSchema, error) {
	return s.schema, s.err
}

type stubDiscoverer struct {
	names []string
	err   error
}

func (s stubDiscoverer) Discover(_ context.Context, _ model.Query, schema model.ResolvedSchema, _ *cost.Tracker) (*Candidates, error) {
	if s.err != nil {
		return nil, s.err
	}
	var es []model.CandidateEntity
	for _, n := range s.names {
		es = append(es, model.CandidateEntity{Name: n, Type: schema.QueryType})
	}
	return NewCandidates(es, schema.TargetCount), nil
}

// stubResearcher returns one chunk per entity unless the entity is listed
// in empty.
type stubResearcher struct {
	empty map[string]bool
	hook  func(model.CandidateEntity)

	mu    sync.Mutex
	calls []string
}

func (s *stubResearcher) Fetch(_ context.Context, e model.CandidateEntity, counter *research.SourceCounter) (*model.RawResearch, []*research.ProviderError) {
	s.mu.Lock()
	s.calls = append(s.calls, e.Name)
	s.mu.Unlock()
	if s.hook != nil {
		s.hook(e)
	}
	if s.empty[e.Name] {
		counter.Record("stub", false)
		return &model.RawResearch{Entity: e}, []*research.ProviderError{{Provider: "stub", Entity: e.Name}}
	}
	counter.Record("stub", true)
	return &model.RawResearch{Entity: e, Chunks: []model.ResearchChunk{{
		Text:       "about " + e.Name,
		Provenance: model.Provenance{Provider: "stub"},
	}}}, nil
}

func (s *stubResearcher) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// stubExtractor scores entities from a table and fails those listed.
type stubExtractor struct {
	scores map[string]float64
	fail   map[string]bool
}

func (s stubExtractor) Extract(_ context.Context, _ model.Query, e model.CandidateEntity, raw *model.RawResearch, shape *RecordShape, _ *cost.Tracker) (model.EntityRecord, error) {
	if s.fail[e.Name] {
		return model.EntityRecord{}, &ExtractionError{Entity: e.Name, Attempts: 3, Err: llm.ErrMalformedOutput}
	}
	score := s.scores[e.Name]
	rec := model.EntityRecord{
		Type:              shape.Schema.QueryType,
		Name:              e.Name,
		Relevance:         &score,
		Fields:            map[string]any{"name": e.Name},
		CustomFieldValues: map[string]any{},
		Sources:           raw.Providers(),
		DiscoveryIndex:    e.Index,
	}
	for _, k := range shape.Schema.CustomKeys() {
		rec.CustomFieldValues[k] = nil
	}
	return rec, nil
}

// recordingReporter keeps every progress call.
type recordingReporter struct {
	mu      sync.Mutex
	schema  *model.ResolvedSchema
	updates []model.Progress
}

func (r *recordingReporter) SetSchema(_ context.Context, _ string, s model.ResolvedSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schema = &s
}

func (r *recordingReporter) Advance(_ context.Context, _ string, phase model.Phase, completed, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, model.Progress{Phase: phase, Completed: completed, Total: total})
}
