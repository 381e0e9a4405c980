package handlers

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/eldtechnologies/chatdash/internal/llm"
)

const version = "0.1.0"

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass", "fail", or "skip"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Version   string           `json:"version"`
	Region    string           `json:"region,omitempty"`
	Instance  string           `json:"instance,omitempty"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// Health handles the health check endpoint. It always answers 200 so
// platform probes never recycle an instance over a degraded optional
// backend; the body carries the real state. The upstream model service is
// deliberately not probed here, both to keep the probe fast and to avoid
// waking a sleeping upstream on every liveness check.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	healthy := true

	// Check the usage ledger
	if h.usage != nil {
		ledgerStart := time.Now()
		if err := h.usage.Ping(ctx); err != nil {
			checks["ledger"] = Check{Status: "fail", Message: "connection failed"}
			healthy = false
		} else {
			checks["ledger"] = Check{Status: "pass", Latency: time.Since(ledgerStart).String()}
		}
	} else {
		checks["ledger"] = Check{Status: "skip", Message: "not configured"}
	}

	// Check Redis
	if h.redis != nil {
		redisStart := time.Now()
		if err := h.redis.Ping(ctx); err != nil {
			checks["cache"] = Check{Status: "fail", Message: "connection failed"}
			healthy = false
		} else {
			checks["cache"] = Check{Status: "pass", Latency: time.Since(redisStart).String()}
		}
	} else {
		checks["cache"] = Check{Status: "skip", Message: "not configured"}
	}

	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	resp := HealthResponse{
		Status:    status,
		Version:   version,
		Region:    os.Getenv("FLY_REGION"),
		Instance:  os.Getenv("FLY_ALLOC_ID"),
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	h.JSON(w, http.StatusOK, resp)
}

// UpstreamHealthResponse represents the upstream probe response.
type UpstreamHealthResponse struct {
	Status   string `json:"status"` // "ok" or "unreachable"
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	Error    string `json:"error,omitempty"`
}

// UpstreamHealth probes the upstream model service. This is the endpoint
// behind the dashboard's connectivity indicator, separate from Health so
// platform probes never touch the upstream.
func (h *Handler) UpstreamHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := UpstreamHealthResponse{
		Status:   "ok",
		Provider: h.chat.Provider(),
		Model:    h.chat.Model(),
	}

	if err := h.chat.UpstreamHealthy(ctx); err != nil {
		resp.Status = "unreachable"
		resp.Error = llm.KindOf(err).UserMessage()
		h.JSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	h.JSON(w, http.StatusOK, resp)
}

// AppInfoLimits describes the input limits the UI should enforce.
type AppInfoLimits struct {
	MaxMessageChars    int     `json:"max_message_chars"`
	DefaultTemperature float64 `json:"default_temperature"`
	MaxTemperature     float64 `json:"max_temperature"`
	DefaultMaxTokens   int     `json:"default_max_tokens"`
	MaxMaxTokens       int     `json:"max_max_tokens"`
}

// AppInfoResponse represents the app info response.
type AppInfoResponse struct {
	Name     string        `json:"name"`
	Version  string        `json:"version"`
	Provider string        `json:"provider"`
	Model    string        `json:"model,omitempty"`
	Tunable  bool          `json:"tunable"` // whether per-message generation params apply
	Limits   AppInfoLimits `json:"limits"`
}

// AppInfo returns static app metadata for the dashboard. Only the backend
// provider honors per-message generation parameters; the Gemini provider
// fixes them at startup, so the UI hides the sliders when tunable is false.
func (h *Handler) AppInfo(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, AppInfoResponse{
		Name:     "chatdash",
		Version:  version,
		Provider: h.chat.Provider(),
		Model:    h.chat.Model(),
		Tunable:  h.chat.Provider() == "backend",
		Limits: AppInfoLimits{
			MaxMessageChars:    h.cfg.MaxMessageChars,
			DefaultTemperature: h.cfg.DefaultTemperature,
			MaxTemperature:     maxTemperature,
			DefaultMaxTokens:   h.cfg.DefaultMaxTokens,
			MaxMaxTokens:       maxTokensCap,
		},
	})
}
