package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/eldtechnologies/chatdash/internal/models"
	"github.com/eldtechnologies/chatdash/internal/store"
)

// MessageResponse represents a transcript message in API responses.
type MessageResponse struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"ts"`
}

// TurnInfoResponse represents the last completed turn's metadata.
type TurnInfoResponse struct {
	Model      string `json:"model,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	ReplyChars int    `json:"reply_chars"`
	Retried    bool   `json:"retried"`
	CacheHit   bool   `json:"cache_hit"`
}

// SessionResponse represents full session state. The dashboard renders
// itself from this alone.
type SessionResponse struct {
	ID        string            `json:"id"`
	CreatedAt string            `json:"created_at"`
	Messages  []MessageResponse `json:"messages"`
	Waiting   bool              `json:"waiting"`
	LastError string            `json:"last_error,omitempty"`
	LastTurn  *TurnInfoResponse `json:"last_turn,omitempty"`
}

// sessionResponse renders a session snapshot.
func sessionResponse(sess *models.Session) SessionResponse {
	msgs := make([]MessageResponse, len(sess.Messages))
	for i, m := range sess.Messages {
		msgs[i] = MessageResponse{
			ID:        m.ID,
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.Timestamp,
		}
	}

	resp := SessionResponse{
		ID:        sess.ID,
		CreatedAt: sess.CreatedAt.UTC().Format(time.RFC3339),
		Messages:  msgs,
		Waiting:   sess.Flags.Waiting,
		LastError: sess.Flags.LastError,
	}
	if sess.LastTurn != nil {
		resp.LastTurn = &TurnInfoResponse{
			Model:      sess.LastTurn.Model,
			DurationMs: sess.LastTurn.DurationMs,
			ReplyChars: sess.LastTurn.ReplyChars,
			Retried:    sess.LastTurn.Retried,
			CacheHit:   sess.LastTurn.CacheHit,
		}
	}
	return resp
}

// sessionID extracts and validates the session ID path parameter.
func sessionID(r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}
	return id, true
}

// CreateSession handles session creation.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	sess := h.sessions.Create()
	h.JSON(w, http.StatusCreated, sessionResponse(sess))
}

// GetSession handles fetching full session state.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid session ID format")
		return
	}

	sess, err := h.sessions.Get(id)
	if err != nil {
		h.Error(w, http.StatusNotFound, "session not found")
		return
	}

	h.JSON(w, http.StatusOK, sessionResponse(sess))
}

// DeleteSession handles session teardown.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid session ID format")
		return
	}

	if err := h.sessions.Delete(id); err != nil {
		h.Error(w, http.StatusNotFound, "session not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ClearSession empties a session's transcript, keeping the session alive.
func (h *Handler) ClearSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid session ID format")
		return
	}

	sess, err := h.sessions.Clear(id)
	if err != nil {
		if errors.Is(err, store.ErrTurnInFlight) {
			h.Error(w, http.StatusConflict, "a turn is in flight; wait for it to finish")
			return
		}
		h.Error(w, http.StatusNotFound, "session not found")
		return
	}

	h.JSON(w, http.StatusOK, sessionResponse(sess))
}
