package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/eldtechnologies/chatdash/internal/chat"
	"github.com/eldtechnologies/chatdash/internal/config"
	"github.com/eldtechnologies/chatdash/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	chat     *chat.Service
	sessions *store.SessionStore
	usage    store.UsageStore
	redis    *store.RedisStore
	cfg      *config.Config
}

// NewHandler creates a new Handler. usage and redis may be nil when those
// backends are not configured.
func NewHandler(chatSvc *chat.Service, sessions *store.SessionStore, usage store.UsageStore, redis *store.RedisStore, cfg *config.Config) *Handler {
	return &Handler{
		chat:     chatSvc,
		sessions: sessions,
		usage:    usage,
		redis:    redis,
		cfg:      cfg,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
