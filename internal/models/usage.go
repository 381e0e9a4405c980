package models

import "time"

// TurnUsage is one recorded chat turn in the usage ledger. It carries sizes
// and outcomes only, never message content.
type TurnUsage struct {
	SessionID   string    `json:"session_id"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	Outcome     string    `json:"outcome"` // "ok", "abandoned", or an error kind
	DurationMs  int64     `json:"duration_ms"`
	PromptChars int       `json:"prompt_chars"`
	ReplyChars  int       `json:"reply_chars"`
	Retried     bool      `json:"retried"`
	CreatedAt   time.Time `json:"created_at"`
}

// ModelCount is a per-model turn count.
type ModelCount struct {
	Model string `json:"model"`
	Turns int64  `json:"turns"`
}

// OutcomeCount is a per-outcome turn count.
type OutcomeCount struct {
	Outcome string `json:"outcome"`
	Turns   int64  `json:"turns"`
}

// CachedReply is a memoized upstream reply stored by the reply cache.
type CachedReply struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}
