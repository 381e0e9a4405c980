// Package chat drives conversation turns. A turn appends the user message,
// calls the upstream model with the visible transcript, and settles the
// session: reply appended on success, user message rolled back on failure.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatdash/internal/llm"
	"github.com/eldtechnologies/chatdash/internal/metrics"
	"github.com/eldtechnologies/chatdash/internal/models"
	"github.com/eldtechnologies/chatdash/internal/store"
)

var (
	// ErrEmptyMessage is returned when the submitted message is blank.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrMessageTooLong is returned when the message exceeds the size limit.
	ErrMessageTooLong = errors.New("message exceeds the length limit")
)

// TurnError reports a failed turn. Message is the user-facing text recorded
// on the session banner, safe to render as-is.
type TurnError struct {
	Kind    llm.ErrorKind
	Message string
}

func (e *TurnError) Error() string { return e.Message }

// ReplyCache memoizes replies by transcript hash. Implemented by
// store.RedisStore; a nil cache disables memoization.
type ReplyCache interface {
	GetReply(ctx context.Context, hash string) (*models.CachedReply, error)
	SetReply(ctx context.Context, hash string, reply *models.CachedReply, ttl time.Duration) error
}

// Config tunes the turn loop.
type Config struct {
	MaxMessageChars    int
	MaxTranscriptChars int
	ColdRetry          bool
	ColdRetryDelay     time.Duration
	CacheTTL           time.Duration
}

// Service coordinates sessions, the upstream client, the reply cache, and
// the usage ledger.
type Service struct {
	sessions *store.SessionStore
	client   llm.Client
	usage    store.UsageStore
	cache    ReplyCache
	cfg      Config
	log      zerolog.Logger
}

// NewService wires the turn loop. usage and cache may be nil.
func NewService(sessions *store.SessionStore, client llm.Client, usage store.UsageStore, cache ReplyCache, cfg Config, log zerolog.Logger) *Service {
	return &Service{
		sessions: sessions,
		client:   client,
		usage:    usage,
		cache:    cache,
		cfg:      cfg,
		log:      log,
	}
}

// Provider returns the upstream provider label.
func (s *Service) Provider() string { return s.client.Provider() }

// Model returns the configured model name, if the provider has one.
func (s *Service) Model() string { return s.client.Model() }

// UpstreamHealthy probes the upstream model service.
func (s *Service) UpstreamHealthy(ctx context.Context) error {
	return s.client.Healthy(ctx)
}

// StreamCallbacks receives turn progress. Either callback may be nil.
type StreamCallbacks struct {
	// Ack fires once the user message has been accepted into the transcript.
	Ack func(user models.Message) error
	// Delta fires for each reply chunk.
	Delta func(chunk string) error
}

// Send runs one synchronous turn and returns the settled session.
func (s *Service) Send(ctx context.Context, sessionID, text string, params llm.Params) (*models.Session, error) {
	return s.run(ctx, sessionID, text, params, StreamCallbacks{})
}

// Stream runs one turn, reporting progress through cb.
func (s *Service) Stream(ctx context.Context, sessionID, text string, params llm.Params, cb StreamCallbacks) (*models.Session, error) {
	return s.run(ctx, sessionID, text, params, cb)
}

func (s *Service) run(ctx context.Context, sessionID, text string, params llm.Params, cb StreamCallbacks) (*models.Session, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if s.cfg.MaxMessageChars > 0 && utf8.RuneCountInString(text) > s.cfg.MaxMessageChars {
		return nil, ErrMessageTooLong
	}

	userMsg := models.Message{
		ID:        ulid.Make().String(),
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: time.Now().UnixMilli(),
	}

	transcript, err := s.sessions.BeginTurn(sessionID, userMsg)
	if err != nil {
		return nil, err
	}

	window := llm.Window(transcript, s.cfg.MaxTranscriptChars)
	promptChars := llm.TranscriptSize(window)
	hash := llm.TranscriptHash(window, params)
	start := time.Now()

	if cb.Ack != nil {
		if err := cb.Ack(userMsg); err != nil {
			return nil, s.fail(ctx, sessionID, userMsg.ID, err, time.Since(start), false, promptChars)
		}
	}

	var (
		reply    *llm.Reply
		cacheHit bool
		retried  bool
		deltas   int
	)

	if cached := s.fromCache(ctx, hash); cached != nil {
		reply = &llm.Reply{Text: cached.Text, Model: cached.Model}
		cacheHit = true
		if cb.Delta != nil {
			// Replay as one chunk. A write failure here is ignored: the
			// reply is complete and the session should still settle.
			_ = cb.Delta(reply.Text)
		}
	} else {
		delta := cb.Delta
		if delta != nil {
			delta = func(chunk string) error {
				deltas++
				return cb.Delta(chunk)
			}
		}

		var lerr error
		reply, lerr = s.attempt(ctx, window, params, delta)
		if lerr != nil && s.shouldColdRetry(ctx, lerr, deltas) {
			retried = true
			select {
			case <-time.After(s.cfg.ColdRetryDelay):
				reply, lerr = s.attempt(ctx, window, params, delta)
			case <-ctx.Done():
				lerr = ctx.Err()
			}
		}
		if lerr != nil {
			return nil, s.fail(ctx, sessionID, userMsg.ID, lerr, time.Since(start), retried, promptChars)
		}
	}

	assistant := models.Message{
		ID:        ulid.Make().String(),
		Role:      models.RoleAssistant,
		Content:   reply.Text,
		Timestamp: time.Now().UnixMilli(),
	}
	turn := &models.TurnInfo{
		Model:      reply.Model,
		DurationMs: time.Since(start).Milliseconds(),
		ReplyChars: utf8.RuneCountInString(reply.Text),
		Retried:    retried,
		CacheHit:   cacheHit,
		FinishedAt: assistant.Timestamp,
	}

	sess, err := s.sessions.CompleteTurn(sessionID, assistant, turn)
	if err != nil {
		// Session deleted while the turn was in flight. The upstream work
		// still happened, so the ledger records it; the reply is dropped.
		s.log.Debug().Str("session_id", sessionID).Msg("dropping reply for deleted session")
		s.settleSuccess(ctx, sessionID, reply, turn, promptChars, cacheHit, hash)
		return nil, store.ErrSessionNotFound
	}

	s.settleSuccess(ctx, sessionID, reply, turn, promptChars, cacheHit, hash)
	return sess, nil
}

// settleSuccess records metrics, the ledger row, and the memoized reply.
func (s *Service) settleSuccess(ctx context.Context, sessionID string, reply *llm.Reply, turn *models.TurnInfo, promptChars int, cacheHit bool, hash string) {
	metrics.TurnsTotal.WithLabelValues("ok").Inc()
	metrics.TurnDuration.Observe(float64(turn.DurationMs) / 1000)

	if !cacheHit && s.cache != nil && reply.Text != "" {
		if err := s.cache.SetReply(ctx, hash, &models.CachedReply{Text: reply.Text, Model: reply.Model}, s.cfg.CacheTTL); err != nil {
			s.log.Warn().Err(err).Msg("reply cache write failed")
		}
	}

	s.recordTurn(&models.TurnUsage{
		SessionID:   sessionID,
		Provider:    s.client.Provider(),
		Model:       reply.Model,
		Outcome:     "ok",
		DurationMs:  turn.DurationMs,
		PromptChars: promptChars,
		ReplyChars:  turn.ReplyChars,
		Retried:     turn.Retried,
	})
}

// fail rolls the turn back and reports the failure. An abandoned turn (the
// client went away) clears silently; everything else lands on the banner.
func (s *Service) fail(ctx context.Context, sessionID, userMsgID string, cause error, elapsed time.Duration, retried bool, promptChars int) error {
	kind := llm.KindOf(cause)
	outcome := string(kind)
	banner := kind.UserMessage()
	abandoned := ctx.Err() != nil || errors.Is(cause, context.Canceled)
	if abandoned {
		outcome = "abandoned"
		banner = ""
	}

	if err := s.sessions.FailTurn(sessionID, userMsgID, banner); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		s.log.Error().Err(err).Str("session_id", sessionID).Msg("turn rollback failed")
	}

	metrics.TurnsTotal.WithLabelValues(outcome).Inc()
	metrics.TurnDuration.Observe(elapsed.Seconds())

	s.recordTurn(&models.TurnUsage{
		SessionID:   sessionID,
		Provider:    s.client.Provider(),
		Outcome:     outcome,
		DurationMs:  elapsed.Milliseconds(),
		PromptChars: promptChars,
		Retried:     retried,
	})

	if abandoned {
		s.log.Debug().Str("session_id", sessionID).Dur("elapsed", elapsed).Msg("turn abandoned")
		return context.Canceled
	}

	s.log.Warn().
		Str("session_id", sessionID).
		Str("kind", string(kind)).
		Dur("elapsed", elapsed).
		Bool("retried", retried).
		Err(cause).
		Msg("turn failed")

	return &TurnError{Kind: kind, Message: banner}
}

// shouldColdRetry decides whether a failed attempt gets the single automatic
// retry. Only cold-start kinds qualify, and never after reply chunks have
// already reached the client.
func (s *Service) shouldColdRetry(ctx context.Context, err error, deltas int) bool {
	if !s.cfg.ColdRetry || ctx.Err() != nil {
		return false
	}
	if deltas > 0 {
		return false
	}
	return llm.KindOf(err).Transient()
}

// attempt runs one upstream call and records upstream metrics.
func (s *Service) attempt(ctx context.Context, window []models.Message, params llm.Params, delta func(string) error) (*llm.Reply, error) {
	start := time.Now()

	var (
		reply *llm.Reply
		err   error
	)
	if delta != nil {
		reply, err = s.client.Stream(ctx, window, params, delta)
	} else {
		reply, err = s.client.Send(ctx, window, params)
	}

	provider := s.client.Provider()
	metrics.UpstreamRequestDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = string(llm.KindOf(err))
	}
	metrics.UpstreamRequestsTotal.WithLabelValues(provider, result).Inc()

	return reply, err
}

// recordTurn writes one ledger row. The row carries sizes and outcomes only,
// never message content. Uses a background context so abandoned turns are
// still recorded.
func (s *Service) recordTurn(turn *models.TurnUsage) {
	if s.usage == nil {
		return
	}
	turn.CreatedAt = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.usage.RecordTurn(ctx, turn); err != nil {
		s.log.Warn().Err(err).Msg("usage ledger write failed")
	}
}

// fromCache looks up a memoized reply; any cache failure is a miss.
func (s *Service) fromCache(ctx context.Context, hash string) *models.CachedReply {
	if s.cache == nil {
		return nil
	}

	cached, err := s.cache.GetReply(ctx, hash)
	if err != nil {
		metrics.ReplyCache.WithLabelValues("error").Inc()
		s.log.Warn().Err(err).Msg("reply cache lookup failed")
		return nil
	}
	if cached == nil {
		metrics.ReplyCache.WithLabelValues("miss").Inc()
		return nil
	}
	metrics.ReplyCache.WithLabelValues("hit").Inc()
	return cached
}
