package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scholarwatch/scholarwatch/internal/progress"
	"github.com/scholarwatch/scholarwatch/internal/run"
	"github.com/scholarwatch/scholarwatch/internal/store"
)

type startRunRequest struct {
	UserID         string `json:"user_id"`
	Trigger        string `json:"trigger"`
	IdempotencyKey string `json:"idempotency_key"`
}

type runDTO struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	Trigger        string        `json:"trigger"`
	Status         string        `json:"status"`
	ScholarCount   int           `json:"scholar_count"`
	NewPubCount    int           `json:"new_publication_count"`
	Log            *store.RunLog `json:"log,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
}

func toRunDTO(r store.CrawlRun, includeLog bool) runDTO {
	dto := runDTO{
		ID:             r.ID.String(),
		UserID:         r.UserID.String(),
		Trigger:        string(r.Trigger),
		Status:         string(r.Status),
		ScholarCount:   r.ScholarCount,
		NewPubCount:    r.NewPubCount,
		IdempotencyKey: r.IdempotencyKey,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
	if includeLog {
		log := r.Log
		dto.Log = &log
	}
	return dto
}

// startRun handles POST /v1/runs. It gates through the safety policy, honors
// the idempotency key, and fires the crawl off detached: the response reports
// the accepted run, not its outcome.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	userID, err := uuid.Parse(strings.TrimSpace(req.UserID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	trigger := store.TriggerManual
	if req.Trigger != "" {
		switch store.TriggerType(req.Trigger) {
		case store.TriggerManual, store.TriggerScheduled:
			trigger = store.TriggerType(req.Trigger)
		default:
			writeError(w, http.StatusBadRequest, "invalid trigger")
			return
		}
	}
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		idemKey = req.IdempotencyKey
	}

	init, err := s.runs.InitializeRun(r.Context(), userID, trigger, idemKey)
	if err != nil {
		var cooldown *run.CooldownError
		if errors.As(err, &cooldown) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":             "safety cooldown active",
				"class":             cooldown.Class,
				"cooldown_until":    cooldown.Until,
				"remaining_seconds": int(cooldown.Remaining.Seconds()),
			})
			return
		}
		s.logger.Error("initialize run failed", zap.String("user_id", userID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to initialize run")
		return
	}
	if init.Existing {
		writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(init.Run, false), "existing": true})
		return
	}

	go func() {
		if err := s.runs.ExecuteRun(context.Background(), init.Run.ID, init.Profiles, init.ResumeCursors); err != nil {
			s.logger.Warn("run execution failed",
				zap.String("run_id", init.Run.ID.String()), zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"run": toRunDTO(init.Run, false)})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	crawlRun, err := s.runs.GetRunStatus(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.String("run_id", runID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(crawlRun, true)})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.runs.CancelRun(r.Context(), runID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "run not found")
		case errors.Is(err, store.ErrWrongState):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("cancel run failed", zap.String("run_id", runID.String()), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to cancel run")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID.String(), "status": string(store.RunCanceled)})
}

// streamRunEvents handles GET /v1/runs/{run_id}/events as a server-sent
// event stream. The stream closes after the run's RUN_DONE event or when the
// client disconnects, whichever comes first.
func (s *Server) streamRunEvents(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.runs.GetRunStatus(r.Context(), runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := s.events.Subscribe(runID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(w, evt); err != nil {
				return
			}
			flusher.Flush()
			if evt.Stage == progress.StageRunDone {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, evt progress.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Stage, payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("run_id is required")
	}
	runID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid run_id")
	}
	return runID, nil
}
