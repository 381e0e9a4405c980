package store

import (
	"context"
	"time"

	"github.com/eldtechnologies/chatdash/internal/models"
)

// UsageStore defines the interface for the persistent turn ledger. Rows carry
// sizes, durations, and outcomes only, never message content. Both
// PostgresStore and SQLiteStore implement this interface.
type UsageStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Ledger operations
	RecordTurn(ctx context.Context, turn *models.TurnUsage) error
	CountTurns(ctx context.Context) (int64, error)
	CountErrors(ctx context.Context) (int64, error)
	AvgTurnDuration(ctx context.Context) (int64, error)
	LastTurnAt(ctx context.Context) (*time.Time, error)
	TurnsByModel(ctx context.Context, limit int) ([]models.ModelCount, error)
	TurnsByOutcome(ctx context.Context) ([]models.OutcomeCount, error)
}
