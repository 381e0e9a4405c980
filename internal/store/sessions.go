package store

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/chatdash/internal/metrics"
	"github.com/eldtechnologies/chatdash/internal/models"
)

var (
	// ErrSessionNotFound is returned when the session ID is unknown or expired.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTurnInFlight is returned when a session already has an outstanding turn.
	ErrTurnInFlight = errors.New("turn already in flight")
)

// SessionStore holds live conversations in memory. Transcripts are ephemeral:
// they vanish on restart and after the idle TTL. All transitions of a
// session's waiting flag happen under the store lock, so at most one turn can
// be outstanding per session at any time.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	ttl      time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

// NewSessionStore creates a session store with the given idle TTL.
// A ttl of zero disables eviction.
func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*models.Session),
		ttl:      ttl,
		done:     make(chan struct{}),
	}
}

// Create registers a new empty session and returns a snapshot of it.
func (s *SessionStore) Create() *models.Session {
	now := time.Now()
	sess := &models.Session{
		ID:           uuid.New().String(),
		CreatedAt:    now,
		LastActiveAt: now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	return snapshot(sess)
}

// Get returns a snapshot of a session and refreshes its idle timer.
func (s *SessionStore) Get(id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess.LastActiveAt = time.Now()
	return snapshot(sess), nil
}

// Delete removes a session. Deleting while a turn is in flight is allowed;
// the turn's completion is dropped when it lands.
func (s *SessionStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	return nil
}

// Clear empties a session's transcript. Rejected while a turn is in flight,
// otherwise the landing reply would refer to a conversation that no longer
// exists.
func (s *SessionStore) Clear(id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.Flags.Waiting {
		return nil, ErrTurnInFlight
	}

	sess.Messages = nil
	sess.Flags.LastError = ""
	sess.LastTurn = nil
	sess.LastActiveAt = time.Now()
	return snapshot(sess), nil
}

// BeginTurn appends the user message and marks the session waiting. It
// returns the transcript to send upstream. A second submission while waiting
// fails with ErrTurnInFlight and leaves the transcript untouched.
func (s *SessionStore) BeginTurn(id string, msg models.Message) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.Flags.Waiting {
		return nil, ErrTurnInFlight
	}

	sess.Messages = append(sess.Messages, msg)
	sess.Flags.Waiting = true
	sess.Flags.LastError = ""
	sess.LastActiveAt = time.Now()

	transcript := make([]models.Message, len(sess.Messages))
	copy(transcript, sess.Messages)
	return transcript, nil
}

// CompleteTurn appends the assistant reply and clears the waiting flag. If
// the session was deleted while the turn was in flight, the reply is dropped
// and ErrSessionNotFound is returned.
func (s *SessionStore) CompleteTurn(id string, reply models.Message, turn *models.TurnInfo) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}

	sess.Messages = append(sess.Messages, reply)
	sess.Flags.Waiting = false
	sess.Flags.LastError = ""
	sess.LastTurn = turn
	sess.LastActiveAt = time.Now()
	return snapshot(sess), nil
}

// FailTurn rolls back a failed turn: the optimistically appended user message
// is removed, the waiting flag cleared, and the error recorded for the
// banner. The transcript is left exactly as it was before the submission.
func (s *SessionStore) FailTurn(id, userMsgID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}

	if n := len(sess.Messages); n > 0 && sess.Messages[n-1].ID == userMsgID {
		sess.Messages = sess.Messages[:n-1]
	}
	sess.Flags.Waiting = false
	sess.Flags.LastError = errMsg
	sess.LastActiveAt = time.Now()
	return nil
}

// Count returns the number of live sessions.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// StartSweeper evicts idle sessions on an interval until Close is called.
func (s *SessionStore) StartSweeper(interval time.Duration) {
	if s.ttl <= 0 || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.evictIdle()
			case <-s.done:
				return
			}
		}
	}()
}

// Close stops the sweeper.
func (s *SessionStore) Close() {
	s.stopOnce.Do(func() { close(s.done) })
}

// evictIdle drops sessions idle past the TTL. Sessions with a turn in flight
// are skipped; the turn's completion handles their lifecycle.
func (s *SessionStore) evictIdle() {
	cutoff := time.Now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sess := range s.sessions {
		if sess.Flags.Waiting {
			continue
		}
		if sess.LastActiveAt.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
}

// snapshot copies a session so callers never share memory with the store.
func snapshot(sess *models.Session) *models.Session {
	out := &models.Session{
		ID:           sess.ID,
		CreatedAt:    sess.CreatedAt,
		LastActiveAt: sess.LastActiveAt,
		Flags:        sess.Flags,
	}
	if len(sess.Messages) > 0 {
		out.Messages = make([]models.Message, len(sess.Messages))
		copy(out.Messages, sess.Messages)
	}
	if sess.LastTurn != nil {
		turn := *sess.LastTurn
		out.LastTurn = &turn
	}
	return out
}
