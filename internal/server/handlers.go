package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jononovo/send-claw2-sub007/internal/account"
	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/internal/search"
	"github.com/jononovo/send-claw2-sub007/internal/session"
	"github.com/jononovo/send-claw2-sub007/internal/store"
)

const maxBodyBytes = 64 << 10

type startResponse struct {
	Status string             `json:"status"`
	Run    *model.PipelineRun `json:"run,omitempty"`
	Result *model.ResultSet   `json:"result,omitempty"`
	Joined bool               `json:"joined,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req search.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	out, err := s.searches.Start(r.Context(), req)
	if err != nil {
		var ve *search.ValidationError
		switch {
		case errors.As(err, &ve):
			writeError(w, http.StatusBadRequest, ve.Error())
		case errors.Is(err, account.ErrQuotaExceeded):
			writeError(w, http.StatusTooManyRequests, "search quota exceeded")
		default:
			zap.L().Error("server: start search", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "could not start search")
		}
		return
	}

	if out.Result != nil {
		writeJSON(w, http.StatusOK, startResponse{Status: string(model.RunComplete), Result: out.Result})
		return
	}
	w.Header().Set("Location", "/v1/searches/"+out.Run.ID)
	writeJSON(w, http.StatusAccepted, startResponse{Status: string(out.Run.Status), Run: out.Run, Joined: out.Joined})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		CallerID: account.Caller(r.Context()),
		Status:   model.RunStatus(q.Get("status")),
		Limit:    intParam(q.Get("limit")),
		Offset:   intParam(q.Get("offset")),
	}
	runs, err := s.sessions.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("server: list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list searches")
		return
	}
	if runs == nil {
		runs = []model.PipelineRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	run, ok := s.ownedRun(w, r)
	if !ok {
		return
	}
	if n := intParam(r.URL.Query().Get("max_results")); n > 0 && run.Result != nil {
		run.Result = search.View(run.Result, n)
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	run, ok := s.ownedRun(w, r)
	if !ok {
		return
	}
	if err := s.searches.Cancel(run.ID); err != nil {
		if errors.Is(err, search.ErrNotRunning) {
			writeError(w, http.StatusConflict, "search is not running")
			return
		}
		zap.L().Error("server: cancel search", zap.String("run_id", run.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not cancel search")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "run_id": run.ID})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if s.saver == nil {
		writeError(w, http.StatusNotImplemented, "saved lists are not configured")
		return
	}
	run, ok := s.ownedRun(w, r)
	if !ok {
		return
	}
	if run.Status != model.RunComplete || run.Result == nil {
		writeError(w, http.StatusConflict, "search has no result to save")
		return
	}

	n, err := s.saver.Save(r.Context(), run.Result)
	if err != nil {
		zap.L().Error("server: save list", zap.String("run_id", run.ID), zap.Int("saved", n), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "saving the list failed", "saved": n})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"saved": n})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var fingerprint string
	switch {
	case q.Get("query") != "":
		opts := model.QueryOptions{TargetCount: intParam(q.Get("target_count")), Variant: q.Get("variant")}
		fingerprint = model.NewQuery(q.Get("query"), opts).Fingerprint
	case q.Get("all") == "true":
	default:
		writeError(w, http.StatusBadRequest, "query or all=true is required")
		return
	}

	n, err := s.sessions.Clear(r.Context(), fingerprint)
	if err != nil {
		zap.L().Error("server: clear cache", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not clear cache")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// ownedRun loads the run named in the path. Runs belonging to another
// caller are reported as missing.
func (s *Server) ownedRun(w http.ResponseWriter, r *http.Request) (*model.PipelineRun, bool) {
	runID := chi.URLParam(r, "runID")
	run, err := s.sessions.Snapshot(r.Context(), runID)
	if errors.Is(err, session.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "search not found")
		return nil, false
	}
	if err != nil {
		zap.L().Error("server: load run", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load search")
		return nil, false
	}
	if !ownedBy(run, account.Caller(r.Context())) {
		writeError(w, http.StatusNotFound, "search not found")
		return nil, false
	}
	return run, true
}

func ownedBy(run *model.PipelineRun, caller string) bool {
	owner := run.CallerID
	if owner == "" {
		owner = account.Anonymous
	}
	return owner == caller
}

func intParam(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
