package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scholarwatch/scholarwatch/internal/store"
)

type queueItemDTO struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	ProfileID     string    `json:"profile_id"`
	Status        string    `json:"status"`
	ResumeCursor  int       `json:"resume_cursor"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	Reason        string    `json:"reason,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	LastRunID     string    `json:"last_run_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toQueueItemDTO(item store.QueueItem) queueItemDTO {
	dto := queueItemDTO{
		ID:            item.ID.String(),
		UserID:        item.UserID.String(),
		ProfileID:     item.ProfileID.String(),
		Status:        string(item.Status),
		ResumeCursor:  item.ResumeCursor,
		Attempts:      item.Attempts,
		NextAttemptAt: item.NextAttemptAt,
		Reason:        item.Reason,
		LastError:     item.LastError,
		CreatedAt:     item.CreatedAt,
		UpdatedAt:     item.UpdatedAt,
	}
	if item.LastRunID != uuid.Nil {
		dto.LastRunID = item.LastRunID.String()
	}
	return dto
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(strings.TrimSpace(r.URL.Query().Get("user_id")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	items, err := s.queue.List(r.Context(), userID)
	if err != nil {
		s.logger.Error("list queue failed", zap.String("user_id", userID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list queue items")
		return
	}
	dtos := make([]queueItemDTO, 0, len(items))
	for _, item := range items {
		dtos = append(dtos, toQueueItemDTO(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": dtos})
}

func (s *Server) retryQueueItem(w http.ResponseWriter, r *http.Request) {
	s.queueTransition(w, r, "retry", s.queue.Retry)
}

func (s *Server) dropQueueItem(w http.ResponseWriter, r *http.Request) {
	s.queueTransition(w, r, "drop", s.queue.DropItem)
}

func (s *Server) clearQueueItem(w http.ResponseWriter, r *http.Request) {
	s.queueTransition(w, r, "clear", s.queue.Clear)
}

// queueTransition applies one operator transition, mapping the store's
// sentinel errors onto 404 and 409.
func (s *Server) queueTransition(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(ctx context.Context, id uuid.UUID) error,
) {
	itemID, err := parseItemID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := fn(r.Context(), itemID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "queue item not found")
		case errors.Is(err, store.ErrWrongState):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("queue transition failed",
				zap.String("op", op), zap.String("item_id", itemID.String()), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "queue operation failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"item_id": itemID.String(), "op": op})
}

func parseItemID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "item_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("item_id is required")
	}
	itemID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid item_id")
	}
	return itemID, nil
}
