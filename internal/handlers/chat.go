package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/eldtechnologies/chatdash/internal/chat"
	"github.com/eldtechnologies/chatdash/internal/llm"
	"github.com/eldtechnologies/chatdash/internal/models"
	"github.com/eldtechnologies/chatdash/internal/store"
)

// Generation parameter bounds, mirroring the upstream API's accepted range.
const (
	maxTemperature = 2.0
	maxTokensCap   = 16384
)

// PostMessageRequest represents a message submission. Temperature and
// MaxTokens fall back to server defaults when omitted.
type PostMessageRequest struct {
	Message     string   `json:"message"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// PostMessage handles a message submission. Clients that accept
// text/event-stream get the turn as SSE events (ack, delta, done, error);
// everyone else gets the settled session as one JSON response.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid session ID format")
		return
	}

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	params := h.resolveParams(req)

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		h.streamMessage(w, r, id, req.Message, params)
		return
	}

	sess, err := h.chat.Send(r.Context(), id, req.Message, params)
	if err != nil {
		h.turnError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, sessionResponse(sess))
}

// streamMessage runs the turn over SSE. Headers are buffered until the first
// event, so failures before the ack still go out as plain HTTP errors.
func (h *Handler) streamMessage(w http.ResponseWriter, r *http.Request, id, text string, params llm.Params) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	streamOpen := false
	writeEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		streamOpen = true
		flusher.Flush()
		return nil
	}

	cb := chat.StreamCallbacks{
		Ack: func(user models.Message) error {
			return writeEvent("ack", MessageResponse{
				ID:        user.ID,
				Role:      string(user.Role),
				Content:   user.Content,
				Timestamp: user.Timestamp,
			})
		},
		Delta: func(chunk string) error {
			return writeEvent("delta", map[string]string{"text": chunk})
		},
	}

	sess, err := h.chat.Stream(r.Context(), id, text, params, cb)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if !streamOpen {
			h.turnError(w, err)
			return
		}
		kind, msg := llm.KindUnknown, "session no longer exists"
		var terr *chat.TurnError
		if errors.As(err, &terr) {
			kind, msg = terr.Kind, terr.Message
		}
		writeEvent("error", map[string]string{"kind": string(kind), "message": msg})
		return
	}

	writeEvent("done", sessionResponse(sess))
}

// resolveParams applies defaults and clamps the tunable generation params.
func (h *Handler) resolveParams(req PostMessageRequest) llm.Params {
	params := llm.Params{
		Temperature: h.cfg.DefaultTemperature,
		MaxTokens:   h.cfg.DefaultMaxTokens,
	}
	if req.Temperature != nil {
		params.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		params.MaxTokens = *req.MaxTokens
	}

	if params.Temperature < 0 {
		params.Temperature = 0
	}
	if params.Temperature > maxTemperature {
		params.Temperature = maxTemperature
	}
	if params.MaxTokens < 1 {
		params.MaxTokens = 1
	}
	if params.MaxTokens > maxTokensCap {
		params.MaxTokens = maxTokensCap
	}
	return params
}

// turnError maps a turn failure to an HTTP response.
func (h *Handler) turnError(w http.ResponseWriter, err error) {
	var terr *chat.TurnError

	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		h.Error(w, http.StatusBadRequest, "message is required")
	case errors.Is(err, chat.ErrMessageTooLong):
		h.Error(w, http.StatusBadRequest, fmt.Sprintf("message too long (max %d characters)", h.cfg.MaxMessageChars))
	case errors.Is(err, store.ErrSessionNotFound):
		h.Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrTurnInFlight):
		h.Error(w, http.StatusConflict, "a reply is already pending for this session")
	case errors.Is(err, context.Canceled):
		// client went away, nothing to write
	case errors.As(err, &terr):
		h.JSON(w, turnStatus(terr.Kind), map[string]string{
			"error": terr.Message,
			"kind":  string(terr.Kind),
		})
	default:
		h.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// turnStatus maps an upstream error kind to an HTTP status.
func turnStatus(kind llm.ErrorKind) int {
	switch kind {
	case llm.KindTimeout:
		return http.StatusGatewayTimeout
	case llm.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case llm.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		// auth_failure and unknown both surface as a bad gateway; the
		// credential itself is never echoed to the client
		return http.StatusBadGateway
	}
}
