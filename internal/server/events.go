package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jononovo/send-claw2-sub007/internal/account"
	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/internal/session"
)

// eventSnapshot is the first event on every stream: the run as it stands
// when the client connects.
const eventSnapshot = "snapshot"

// handleEvents streams a run's progress as Server-Sent Events. The stream
// ends after the terminal event; for a finished run that is immediately
// after the snapshot.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, events, unsubscribe, err := s.sessions.Subscribe(r.Context(), runID)
	if errors.Is(err, session.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "search not found")
		return
	}
	if err != nil {
		zap.L().Error("server: subscribe", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load search")
		return
	}
	defer unsubscribe()

	if !ownedBy(run, account.Caller(r.Context())) {
		writeError(w, http.StatusNotFound, "search not found")
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(name string, v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			zap.L().Warn("server: encode event", zap.String("run_id", runID), zap.Error(err))
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	if !send(eventSnapshot, run) {
		return
	}
	if run.Status.Terminal() {
		send(string(terminalEvent(run.Status)), finishedEvent(run))
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil || rc.Flush() != nil {
				return
			}
		case evt, ok := <-events:
			if !ok {
				return
			}
			if !send(string(evt.Type), evt) {
				return
			}
		}
	}
}

func terminalEvent(status model.RunStatus) model.EventType {
	if status == model.RunComplete {
		return model.EventComplete
	}
	return model.EventFailed
}

func finishedEvent(run *model.PipelineRun) model.ProgressEvent {
	return model.ProgressEvent{
		RunID:    run.ID,
		Type:     terminalEvent(run.Status),
		Status:   run.Status,
		Progress: run.Progress,
		Result:   run.Result,
		Error:    run.Error,
		At:       run.UpdatedAt,
	}
}
