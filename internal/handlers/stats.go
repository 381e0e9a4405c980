package handlers

import (
	"net/http"
	"time"

	"github.com/eldtechnologies/chatdash/internal/models"
)

// StatsResponse represents the usage stats response. All figures come from
// the content-free turn ledger; no message text is ever exposed here.
type StatsResponse struct {
	TotalTurns     int64                 `json:"total_turns"`
	TotalErrors    int64                 `json:"total_errors"`
	AvgDurationMs  int64                 `json:"avg_duration_ms"`
	LastActivity   string                `json:"last_activity"`
	ActiveSessions int                   `json:"active_sessions"`
	ByModel        []models.ModelCount   `json:"by_model"`
	ByOutcome      []models.OutcomeCount `json:"by_outcome"`
}

// Stats returns aggregate usage statistics.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		h.JSON(w, http.StatusOK, StatsResponse{
			LastActivity:   "no activity yet",
			ActiveSessions: h.sessions.Count(),
			ByModel:        []models.ModelCount{},
			ByOutcome:      []models.OutcomeCount{},
		})
		return
	}

	ctx := r.Context()

	totalTurns, err := h.usage.CountTurns(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count turns")
		return
	}

	totalErrors, err := h.usage.CountErrors(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count errors")
		return
	}

	avgDuration, err := h.usage.AvgTurnDuration(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to average durations")
		return
	}

	lastTurnAt, err := h.usage.LastTurnAt(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to get last activity")
		return
	}

	lastActivity := "no activity yet"
	if lastTurnAt != nil {
		lastActivity = formatTimeAgo(*lastTurnAt)
	}

	byModel, err := h.usage.TurnsByModel(ctx, 5)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to group by model")
		return
	}
	if byModel == nil {
		byModel = []models.ModelCount{}
	}

	byOutcome, err := h.usage.TurnsByOutcome(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to group by outcome")
		return
	}
	if byOutcome == nil {
		byOutcome = []models.OutcomeCount{}
	}

	h.JSON(w, http.StatusOK, StatsResponse{
		TotalTurns:     totalTurns,
		TotalErrors:    totalErrors,
		AvgDurationMs:  avgDuration,
		LastActivity:   lastActivity,
		ActiveSessions: h.sessions.Count(),
		ByModel:        byModel,
		ByOutcome:      byOutcome,
	})
}

// formatTimeAgo formats a time as a human-readable "X ago" string.
func formatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return formatInt(mins) + " minutes ago"
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return formatInt(hours) + " hours ago"
	default:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return formatInt(days) + " days ago"
	}
}

// formatInt converts an int to string without importing strconv.
func formatInt(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
