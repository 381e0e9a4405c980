package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/chatdash/internal/models"
)

// SQLiteStore handles SQLite ledger operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/chatdash.db".
// Pass ":memory:" for an in-memory database.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/chatdash.db"
	}

	dsn := dbPath
	if dbPath != ":memory:" {
		// Ensure directory exists
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		dsn = dbPath + "?_journal_mode=WAL&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates the turns table if it doesn't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		prompt_chars INTEGER NOT NULL DEFAULT 0,
		reply_chars INTEGER NOT NULL DEFAULT 0,
		retried INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_turns_created_at ON turns(created_at);
	CREATE INDEX IF NOT EXISTS idx_turns_model ON turns(model);
	CREATE INDEX IF NOT EXISTS idx_turns_outcome ON turns(outcome);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordTurn inserts one ledger row.
func (s *SQLiteStore) RecordTurn(ctx context.Context, turn *models.TurnUsage) error {
	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	retriedInt := 0
	if turn.Retried {
		retriedInt = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (session_id, provider, model, outcome, duration_ms, prompt_chars, reply_chars, retried, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, turn.SessionID, turn.Provider, turn.Model, turn.Outcome, turn.DurationMs, turn.PromptChars, turn.ReplyChars, retriedInt, createdAt)
	return err
}

// CountTurns returns the total number of recorded turns.
func (s *SQLiteStore) CountTurns(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns`).Scan(&count)
	return count, err
}

// CountErrors returns the number of turns that did not succeed.
func (s *SQLiteStore) CountErrors(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE outcome <> 'ok'`).Scan(&count)
	return count, err
}

// AvgTurnDuration returns the mean turn duration in milliseconds.
func (s *SQLiteStore) AvgTurnDuration(ctx context.Context) (int64, error) {
	var avg int64
	err := s.db.QueryRowContext(ctx, `SELECT CAST(COALESCE(AVG(duration_ms), 0) AS INTEGER) FROM turns`).Scan(&avg)
	return avg, err
}

// LastTurnAt returns the most recent turn timestamp, or nil when the ledger
// is empty. Selects the column directly rather than MAX(): the driver only
// parses DATETIME values when the declared column type is visible, and
// aggregates hide it.
func (s *SQLiteStore) LastTurnAt(ctx context.Context) (*time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM turns ORDER BY created_at DESC LIMIT 1`).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TurnsByModel returns turn counts grouped by model, busiest first.
func (s *SQLiteStore) TurnsByModel(ctx context.Context, limit int) ([]models.ModelCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, COUNT(*) AS turns
		FROM turns
		WHERE model <> ''
		GROUP BY model
		ORDER BY turns DESC
		LIMIT ?
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
func (s *SQLiteStore) TurnsByOutcome(ctx context.Context) ([]models.OutcomeCount, error) {
	rows, err := s.db.QueryContext(ctx, `
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
