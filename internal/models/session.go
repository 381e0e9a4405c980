package models

import "time"

// SessionFlags is the UI-visible state of a session, mutated only by the
// chat service and read by the render layer.
type SessionFlags struct {
	Waiting   bool   `json:"waiting"`
	LastError string `json:"last_error,omitempty"`
}

// TurnInfo describes the most recent completed turn of a session.
type TurnInfo struct {
	Model      string `json:"model,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	ReplyChars int    `json:"reply_chars"`
	Retried    bool   `json:"retried"` // cold-start retry fired
	CacheHit   bool   `json:"cache_hit"`
	FinishedAt int64  `json:"finished_at"` // Unix ms
}

// Session holds one browser session's conversation state. Transcripts are
// ephemeral: they live in memory for the lifetime of the session and are
// never persisted.
type Session struct {
	ID           string       `json:"id"` // UUID
	CreatedAt    time.Time    `json:"created_at"`
	LastActiveAt time.Time    `json:"last_active_at"`
	Messages     []Message    `json:"messages"`
	Flags        SessionFlags `json:"flags"`
	LastTurn     *TurnInfo    `json:"last_turn,omitempty"`
}
