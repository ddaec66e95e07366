// Package server exposes searches over HTTP: a JSON API for starting,
// polling, cancelling and saving runs, and a Server-Sent Events stream of
// run progress.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jononovo/send-claw2-sub007/internal/account"
	"github.com/jononovo/send-claw2-sub007/internal/export"
	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/internal/search"
	"github.com/jononovo/send-claw2-sub007/internal/store"
)

// CallerHeader carries the caller identity set by the fronting auth proxy.
const CallerHeader = "X-User-ID"

const defaultHeartbeat = 15 * time.Second

// Searches is the search operation the API drives.
type Searches interface {
	Start(ctx context.Context, req search.Request) (*search.Outcome, error)
	Cancel(runID string) error
}

// Sessions is the run state the API reads.
type Sessions interface {
	Snapshot(ctx context.Context, runID string) (*model.PipelineRun, error)
	Subscribe(ctx context.Context, runID string) (*model.PipelineRun, <-chan model.ProgressEvent, func(), error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.PipelineRun, error)
	Clear(ctx context.Context, fingerprint string) (int, error)
}

// Options configures a Server.
type Options struct {
	Searches Searches
	Sessions Sessions
	// Saver receives saved lists. Nil disables the save endpoint.
	Saver       export.Saver
	CORSOrigins []string
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
}

// Server holds the HTTP handlers.
type Server struct {
	searches  Searches
	sessions  Sessions
	saver     export.Saver
	origins   []string
	heartbeat time.Duration
}

// New creates a Server.
func New(opts Options) *Server {
	hb := opts.Heartbeat
	if hb <= 0 {
		hb = defaultHeartbeat
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		searches:  opts.Searches,
		sessions:  opts.Sessions,
		saver:     opts.Saver,
		origins:   origins,
		heartbeat: hb,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", CallerHeader},
		ExposedHeaders: []string{"Location"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(identify)

		r.Route("/searches", func(r chi.Router) {
			r.Post("/", s.handleStart)
			r.Get("/", s.handleList)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Delete("/", s.handleCancel)
				r.Get("/events", s.handleEvents)
				r.Post("/save", s.handleSave)
			})
		})
		r.Delete("/cache", s.handleClearCache)
	})

	return r
}

// identify puts the caller from CallerHeader on the request context.
func identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := strings.TrimSpace(r.Header.Get(CallerHeader))
		if caller != "" {
			r = r.WithContext(account.WithCaller(r.Context(), caller))
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
