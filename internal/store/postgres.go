package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/chatdash/internal/models"
)

// PostgresStore handles PostgreSQL ledger operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	store := &PostgresStore{pool: pool}

	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates the turns table if it doesn't exist.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		prompt_chars INTEGER NOT NULL DEFAULT 0,
		reply_chars INTEGER NOT NULL DEFAULT 0,
		retried BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_turns_created_at ON turns(created_at);
	CREATE INDEX IF NOT EXISTS idx_turns_model ON turns(model);
	CREATE INDEX IF NOT EXISTS idx_turns_outcome ON turns(outcome);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RecordTurn inserts one ledger row.
func (s *PostgresStore) RecordTurn(ctx context.Context, turn *models.TurnUsage) error {
	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO turns (session_id, provider, model, outcome, duration_ms, prompt_chars, reply_chars, retried, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, turn.SessionID, turn.Provider, turn.Model, turn.Outcome, turn.DurationMs, turn.PromptChars, turn.ReplyChars, turn.Retried, createdAt)
	return err
}

// CountTurns returns the total number of recorded turns.
func (s *PostgresStore) CountTurns(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM turns`).Scan(&count)
	return count, err
}

// CountErrors returns the number of turns that did not succeed.
func (s *PostgresStore) CountErrors(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM turns WHERE outcome <> 'ok'`).Scan(&count)
	return count, err
}

// AvgTurnDuration returns the mean turn duration in milliseconds.
func (s *PostgresStore) AvgTurnDuration(ctx context.Context) (int64, error) {
	var avg int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(AVG(duration_ms), 0)::BIGINT FROM turns`).Scan(&avg)
	return avg, err
}

// LastTurnAt returns the most recent turn timestamp.
func (s *PostgresStore) LastTurnAt(ctx context.Context) (*time.Time, error) {
	var t *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(created_at) FROM turns`).Scan(&t)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// TurnsByModel returns turn counts grouped by model, busiest first.
func (s *PostgresStore) TurnsByModel(ctx context.Context, limit int) ([]models.ModelCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT model, COUNT(*) AS turns
		FROM turns
		WHERE model <> ''
		GROUP BY model
		ORDER BY turns DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []models.ModelCount
	for rows.Next() {
		var mc models.ModelCount
		if err := rows.Scan(&mc.Model, &mc.Turns); err != nil {
			return nil, err
		}
		counts = append(counts, mc)
	}

	return counts, rows.Err()
}

// TurnsByOutcome returns turn counts grouped by outcome.
func (s *PostgresStore) TurnsByOutcome(ctx context.Context) ([]models.OutcomeCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT outcome, COUNT(*) AS turns
		FROM turns
		GROUP BY outcome
		ORDER BY turns DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []models.OutcomeCount
	for rows.Next() {
		var oc models.OutcomeCount
		if err := rows.Scan(&oc.Outcome, &oc.Turns); err != nil {
			return nil, err
		}
		counts = append(counts, oc)
	}

	return counts, rows.Err()
}
