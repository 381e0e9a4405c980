package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatdash/internal/llm"
	"github.com/eldtechnologies/chatdash/internal/models"
	"github.com/eldtechnologies/chatdash/internal/store"
)

// stubClient scripts upstream behavior: fail the first failN calls with
// failErr, then succeed with replyText. A non-nil block channel holds every
// call until it is closed.
type stubClient struct {
	mu        sync.Mutex
	calls     int
	failN     int
	failErr   error
	midStream bool // emit chunks before failing
	chunks    []string
	replyText string
	model     string
	block     chan struct{}
}

func (c *stubClient) Send(ctx context.Context, transcript []models.Message, params llm.Params) (*llm.Reply, error) {
	return c.do(ctx, nil)
}

func (c *stubClient) Stream(ctx context.Context, transcript []models.Message, params llm.Params, fn func(string) error) (*llm.Reply, error) {
	return c.do(ctx, fn)
}

func (c *stubClient) Provider() string                  { return "backend" }
func (c *stubClient) Model() string                     { return c.model }
func (c *stubClient) Healthy(ctx context.Context) error { return nil }

func (c *stubClient) do(ctx context.Context, fn func(string) error) (*llm.Reply, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()

	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
		}
	}
	if ctx.Err() != nil {
		return nil, &llm.Error{Kind: llm.KindUnknown, Err: ctx.Err()}
	}

	failing := n <= c.failN
	if failing && !c.midStream {
		return nil, c.failErr
	}

	if fn != nil {
		chunks := c.chunks
		if len(chunks) == 0 {
			chunks = []string{c.replyText}
		}
		for _, ch := range chunks {
			if err := fn(ch); err != nil {
				return nil, err
			}
		}
	}
	if failing {
		return nil, c.failErr
	}
	return &llm.Reply{Text: c.replyText, Model: c.model}, nil
}

func (c *stubClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type stubLedger struct {
	mu   sync.Mutex
	rows []models.TurnUsage
}

func (l *stubLedger) Close()                         {}
func (l *stubLedger) Ping(ctx context.Context) error { return nil }

func (l *stubLedger) RecordTurn(ctx context.Context, turn *models.TurnUsage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = append(l.rows, *turn)
	return nil
}

func (l *stubLedger) CountTurns(ctx context.Context) (int64, error)      { return 0, nil }
func (l *stubLedger) CountErrors(ctx context.Context) (int64, error)     { return 0, nil }
func (l *stubLedger) AvgTurnDuration(ctx context.Context) (int64, error) { return 0, nil }
func (l *stubLedger) LastTurnAt(ctx context.Context) (*time.Time, error) { return nil, nil }

func (l *stubLedger) TurnsByModel(ctx context.Context, limit int) ([]models.ModelCount, error) {
	return nil, nil
}

func (l *stubLedger) TurnsByOutcome(ctx context.Context) ([]models.OutcomeCount, error) {
	return nil, nil
}

func (l *stubLedger) snapshot() []models.TurnUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.TurnUsage, len(l.rows))
	copy(out, l.rows)
	return out
}

type stubCache struct {
	mu    sync.Mutex
	store map[string]*models.CachedReply
	fixed *models.CachedReply // returned for every key when set
}

func (c *stubCache) GetReply(ctx context.Context, hash string) (*models.CachedReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fixed != nil {
		return c.fixed, nil
	}
	return c.store[hash], nil
}

func (c *stubCache) SetReply(ctx context.Context, hash string, reply *models.CachedReply, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		c.store = make(map[string]*models.CachedReply)
	}
	c.store[hash] = reply
	return nil
}

func (c *stubCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.store)
}

func testCfg() Config {
	return Config{
		MaxMessageChars:    4000,
		MaxTranscriptChars: 24000,
		ColdRetry:          true,
		ColdRetryDelay:     time.Millisecond,
	}
}

func newTestService(client llm.Client, usage store.UsageStore, cache ReplyCache, cfg Config) (*Service, *store.SessionStore) {
	sessions := store.NewSessionStore(time.Hour)
	return NewService(sessions, client, usage, cache, cfg, zerolog.Nop()), sessions
}

func waitUntilWaiting(t *testing.T, sessions *store.SessionStore, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := sessions.Get(id)
		if err == nil && sess.Flags.Waiting {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("session never entered the waiting state")
}

func TestSendAppendsUserAndReply(t *testing.T) {
	client := &stubClient{replyText: "hi there", model: "gemini-2.5-flash"}
	svc, sessions := newTestService(client, nil, nil, testCfg())
	created := sessions.Create()

	sess, err := svc.Send(context.Background(), created.ID, "hello", llm.Params{})
	if err != nil {
		t.Fatal(err)
	}

	if len(sess.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(sess.Messages))
	}
	if sess.Messages[0].Role != models.RoleUser || sess.Messages[0].Content != "hello" {
		t.Fatalf("unexpected user message %+v", sess.Messages[0])
	}
	if sess.Messages[1].Role != models.RoleAssistant || sess.Messages[1].Content != "hi there" {
		t.Fatalf("unexpected assistant message %+v", sess.Messages[1])
	}
	if sess.Flags.Waiting {
		t.Fatal("session must settle after the turn")
	}
	if sess.LastTurn == nil {
		t.Fatal("expected turn info")
	}
	if sess.LastTurn.Model != "gemini-2.5-flash" || sess.LastTurn.ReplyChars != len("hi there") {
		t.Fatalf("unexpected turn info %+v", sess.LastTurn)
	}
	if sess.LastTurn.Retried || sess.LastTurn.CacheHit {
		t.Fatal("plain turn must not be marked retried or cached")
	}
}

func TestSendAlternatesRoles(t *testing.T) {
	client := &stubClient{replyText: "answer"}
	svc, sessions := newTestService(client, nil, nil, testCfg())
	sess := sessions.Create()

	if _, err := svc.Send(context.Background(), sess.ID, "one", llm.Params{}); err != nil {
		t.Fatal(err)
	}
	got, err := svc.Send(context.Background(), sess.ID, "two", llm.Params{})
	if err != nil {
		t.Fatal(err)
	}

	want := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleUser, models.RoleAssistant}
	if len(got.Messages) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(got.Messages))
	}
	for i, m := range got.Messages {
		if m.Role != want[i] {
			t.Fatalf("message %d: expected role %s, got %s", i, want[i], m.Role)
		}
	}
}

func TestSendTrimsWhitespace(t *testing.T) {
	client := &stubClient{replyText: "ok"}
	svc, sessions := newTestService(client, nil, nil, testCfg())
	sess := sessions.Create()

	got, err := svc.Send(context.Background(), sess.ID, "  hello \n", llm.Params{})
	if err != nil {
		t.Fatal(err)
	}
	if got.Messages[0].Content != "hello" {
		t.Fatalf("expected trimmed content, got %q", got.Messages[0].Content)
	}
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	client := &stubClient{replyText: "ok"}
	svc, sessions := newTestService(client, nil, nil, testCfg())
	sess := sessions.Create()

	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := svc.Send(context.Background(), sess.ID, text, llm.Params{}); !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("expected ErrEmptyMessage for %q, got %v", text, err)
		}
	}
	if client.callCount() != 0 {
		t.Fatal("empty messages must never reach the upstream")
	}
}

func TestSendRejectsOversizedMessage(t *testing.T) {
	client := &stubClient{replyText: "ok"}
	cfg := testCfg()
	cfg.MaxMessageChars = 10
	svc, sessions := newTestService(client, nil, nil, cfg)
	sess := sessions.Create()

	if _, err := svc.Send(context.Background(), sess.ID, strings.Repeat("x", 11), llm.Params{}); !errors.Is(err, ErrMessageTooLong) {
		t.Fatalf("expected ErrMessageTooLong, got %v", err)
	}

	// The limit counts runes, not bytes.
	if _, err := svc.Send(context.Background(), sess.ID, strings.Repeat("é", 10), llm.Params{}); err != nil {
		t.Fatalf("10 runes must fit a 10-rune limit, got %v", err)
	}
}

func TestSendUnknownSession(t *testing.T) {
	client := &stubClient{replyText: "ok"}
	svc, _ := newTestService(client, nil, nil, testCfg())

	if _, err := svc.Send(context.Background(), "missing", "hello", llm.Params{}); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSecondSendWhileWaitingRejected(t *testing.T) {
	client := &stubClient{replyText: "done", block: make(chan struct{})}
	svc, sessions := newTestService(client, nil, nil, testCfg())
	sess := sessions.Create()

	errc := make(chan error, 1)
	go func() {
		_, err := svc.Send(context.Background(), sess.ID, "first", llm.Params{})
		errc <- err
	}()

	waitUntilWaiting(t, sessions, sess.ID)

	if _, err := svc.Send(context.Background(), sess.ID, "second", llm.Params{}); !errors.Is(err, store.ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight, got %v", err)
	}

	close(client.block)
	if err := <-errc; err != nil {
		t.Fatalf("first turn should still complete: %v", err)
	}

	got, _ := sessions.Get(sess.ID)
	if len(got.Messages) != 2 {
		t.Fatalf("rejected send must not touch the transcript, got %d messages", len(got.Messages))
	}
}

func TestFailedTurnRollsBack(t *testing.T) {
	client := &stubClient{
		failN:   1,
		failErr: &llm.Error{Kind: llm.KindAuthFailure, Status: 401},
	}
	svc, sessions := newTestService(client, nil, nil, testCfg())
	sess := sessions.Create()

	_, err := svc.Send(context.Background(), sess.ID, "hello", llm.Params{})
	var te *TurnError
	if !errors.As(err, &te) {
		t.Fatalf("expected TurnError, got %v", err)
	}
	if te.Kind != llm.KindAuthFailure {
		t.Fatalf("expected auth_failure, got %s", te.Kind)
	}

	got, _ := sessions.Get(sess.ID)
	if len(got.Messages) != 0 {
		t.Fatalf("failed turn must roll back the user message, got %d messages", len(got.Messages))
	}
	if got.Flags.Waiting {
		t.Fatal("failed turn must clear the waiting flag")
	}
	if got.Flags.LastError == "" {
		t.Fatal("failed turn must set the error banner")
	}
	if got.Flags.LastError != te.Message {
		t.Fatalf("banner %q and error message %q should match", got.Flags.LastError, te.Message)
	}
}

func TestBannerClearsOnNextTurn(t *testing.T) {
	client := &stubClient{
		failN:     1,
		failErr:   &llm.Error{Kind: llm.KindUnknown},
		replyText: "recovered",
	}
	cfg := testCfg()
	cfg.ColdRetry = false
	svc, sessions := newTestService(client, nil, nil, cfg)
	sess := sessions.Create()

	if _, err := svc.Send(context.Background(), sess.ID, "first", llm.Params{}); err == nil {
		t.Fatal("expected first turn to fail")
	}

	got, err := svc.Send(context.Background(), sess.ID, "second", llm.Params{})
	if err != nil {
		t.Fatal(err)
	}
	if got.Flags.LastError != "" {
		t.Fatalf("banner must clear on a successful turn, got %q", got.Flags.LastError)
	}
}

func TestColdRetryRecoversTransientFailure(t *testing.T) {
	client := &stubClient{
		failN:     1,
		failErr:   &llm.Error{Kind: llm.KindServiceUnavailable, Status: 503},
		replyText: "warmed up",
	}
	svc, sessions := newTestService(client, nil, nil, testCfg())
	sess := sessions.Create()

	got, err := svc.Send(context.Background(), sess.ID, "hello", llm.Params{})
	if err != nil {
		t.Fatalf("cold retry should have recovered: %v", err)
	}
	if client.callCount() != 2 {
		t.Fatalf("expected 2 attempts, got %d", client.callCount())
	}
	if !got.LastTurn.Retried {
		t.Fatal("turn info must mark the retry")
	}
	if got.Messages[1].Content != "warmed up" {
		t.Fatalf("unexpected reply %q", got.Messages[1].Content)
	}
}

func TestColdRetryFiresOnlyOnce(t *testing.T) {
	client := &stubClient{
		failN:   5,
		failErr: &llm.Error{Kind: llm.KindTimeout},
	}
	svc, sessions := newTestService(client, nil, nil, testCfg())
	sess := sessions.Create()

	_, err := svc.Send(context.Background(), sess.ID, "hello", llm.Params{})
	if err == nil {
		t.Fatal("expected failure")
	}
	if client.callCount() != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", client.callCount())
	}
}

func TestNoColdRetryForAuthFailure(t *testing.T) {
	client := &stubClient{
		failN:   5,
		failErr: &llm.Error{Kind: llm.KindAuthFailure, Status: 401},
	}
	svc, sessions := newTestService(client, nil, nil, testCfg())
	sess := sessions.Create()

	if _, err := svc.Send(context.Background(), sess.ID, "hello", llm.Params{}); err == nil {
		t.Fatal("expected failure")
	}
	if client.callCount() != 1 {
		t.Fatalf("auth failures must not trigger the cold retry, got %d attempts", client.callCount())
	}
}

func TestNoColdRetryWhenDisabled(t *testing.T) {
	client := &stubClient{
		failN:   5,
		failErr: &llm.Error{Kind: llm.KindServiceUnavailable},
	}
	cfg := testCfg()
	cfg.ColdRetry = false
	svc, sessions := newTestService(client, nil, nil, cfg)
	sess := sessions.Create()

	if _, err := svc.Send(context.Background(), sess.ID, "hello", llm.Params{}); err == nil {
		t.Fatal("expected failure")
	}
	if client.callCount() != 1 {
		t.Fatalf("expected a single attempt, got %d", client.callCount())
	}
}

func TestNoColdRetryAfterDeltas(t *testing.T) {
	client := &stubClient{
		failN:     5,
		failErr:   &llm.Error{Kind: llm.KindServiceUnavailable},
		midStream: true,
		chunks:    []string{"partial "},
	}
	svc, sessions := newTestService(client, nil, nil, testCfg())
	sess := sessions.Create()

	var chunks []string
	_, err := svc.Stream(context.Background(), sess.ID, "hello", llm.Params{}, StreamCallbacks{
		Delta: func(chunk string) error {
			chunks = append(chunks, chunk)
			return nil
		},
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	if client.callCount() != 1 {
		t.Fatalf("a reply already under way must not restart, got %d attempts", client.callCount())
	}
	if len(chunks) != 1 {
		t.Fatalf("expected the partial chunk to have been delivered, got %v", chunks)
	}

	got, _ := sessions.Get(sess.ID)
	if len(got.Messages) != 0 {
		t.Fatal("mid-stream failure must roll back the turn")
	}
}

func TestStreamCallbacks(t *testing.T) {
	client := &stubClient{
		chunks:    []string{"Hello", ", ", "world"},
		replyText: "Hello, world",
		model:     "gemini-2.5-flash",
	}
	svc, sessions := newTestService(client, nil, nil, testCfg())
	sess := sessions.Create()

	var (
		acked  []models.Message
		joined strings.Builder
	)
	got, err := svc.Stream(context.Background(), sess.ID, "greet me", llm.Params{}, StreamCallbacks{
		Ack: func(user models.Message) error {
			acked = append(acked, user)
			return nil
		},
		Delta: func(chunk string) error {
			joined.WriteString(chunk)
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(acked) != 1 || acked[0].Content != "greet me" {
		t.Fatalf("expected one ack with the user message, got %+v", acked)
	}
	if joined.String() != "Hello, world" {
		t.Fatalf("deltas must concatenate to the reply, got %q", joined.String())
	}
	if got.Messages[1].Content != "Hello, world" {
		t.Fatalf("unexpected settled reply %q", got.Messages[1].Content)
	}
}

func TestAckErrorFailsTurn(t *testing.T) {
	client := &stubClient{replyText: "never sent"}
	svc, sessions := newTestService(client, nil, nil, testCfg())
	sess := sessions.Create()

	_, err := svc.Stream(context.Background(), sess.ID, "hello", llm.Params{}, StreamCallbacks{
		Ack: func(models.Message) error { return errors.New("client went away") },
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	if client.callCount() != 0 {
		t.Fatal("a failed ack must not reach the upstream")
	}

	got, _ := sessions.Get(sess.ID)
	if len(got.Messages) != 0 || got.Flags.Waiting {
		t.Fatal("failed ack must roll the turn back")
	}
}

func TestCanceledTurnRollsBackQuietly(t *testing.T) {
	client := &stubClient{replyText: "late", block: make(chan struct{})}
	ledger := &stubLedger{}
	svc, sessions := newTestService(client, ledger, nil, testCfg())
	sess := sessions.Create()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := svc.Send(ctx, sess.ID, "hello", llm.Params{})
		errc <- err
	}()

	waitUntilWaiting(t, sessions, sess.ID)
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	got, _ := sessions.Get(sess.ID)
	if len(got.Messages) != 0 {
		t.Fatal("abandoned turn must roll back the user message")
	}
	if got.Flags.LastError != "" {
		t.Fatalf("abandoned turn must not leave a banner, got %q", got.Flags.LastError)
	}

	rows := ledger.snapshot()
	if len(rows) != 1 || rows[0].Outcome != "abandoned" {
		t.Fatalf("expected one abandoned ledger row, got %+v", rows)
	}
	close(client.block)
}

func TestDeletedSessionDropsReply(t *testing.T) {
	client := &stubClient{replyText: "late reply", block: make(chan struct{})}
	ledger := &stubLedger{}
	svc, sessions := newTestService(client, ledger, nil, testCfg())
	sess := sessions.Create()

	errc := make(chan error, 1)
	go func() {
		_, err := svc.Send(context.Background(), sess.ID, "hello", llm.Params{})
		errc <- err
	}()

	waitUntilWaiting(t, sessions, sess.ID)
	if err := sessions.Delete(sess.ID); err != nil {
		t.Fatal(err)
	}
	close(client.block)

	if err := <-errc; !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	// The upstream work happened, so the ledger still records it.
	rows := ledger.snapshot()
	if len(rows) != 1 || rows[0].Outcome != "ok" {
		t.Fatalf("expected one ok ledger row, got %+v", rows)
	}
}

func TestCacheHitSkipsUpstream(t *testing.T) {
	client := &stubClient{replyText: "fresh"}
	cache := &stubCache{fixed: &models.CachedReply{Text: "memoized", Model: "gemini-2.5-flash"}}
	svc, sessions := newTestService(client, nil, cache, testCfg())
	sess := sessions.Create()

	var chunks []string
	got, err := svc.Stream(context.Background(), sess.ID, "hello", llm.Params{}, StreamCallbacks{
		Delta: func(chunk string) error {
			chunks = append(chunks, chunk)
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if client.callCount() != 0 {
		t.Fatal("a cache hit must not call the upstream")
	}
	if got.Messages[1].Content != "memoized" {
		t.Fatalf("expected the cached reply, got %q", got.Messages[1].Content)
	}
	if !got.LastTurn.CacheHit {
		t.Fatal("turn info must mark the cache hit")
	}
	if len(chunks) != 1 || chunks[0] != "memoized" {
		t.Fatalf("cache hits replay as a single chunk, got %v", chunks)
	}
}

func TestCacheStoresFreshReply(t *testing.T) {
	client := &stubClient{replyText: "fresh answer", model: "gemini-2.5-flash"}
	cache := &stubCache{}
	svc, sessions := newTestService(client, nil, cache, testCfg())
	sess := sessions.Create()

	if _, err := svc.Send(context.Background(), sess.ID, "hello", llm.Params{}); err != nil {
		t.Fatal(err)
	}
	if cache.size() != 1 {
		t.Fatalf("expected one cached reply, got %d", cache.size())
	}
}

func TestLedgerRowCarriesSizesNotContent(t *testing.T) {
	client := &stubClient{replyText: "four", model: "gemini-2.5-flash"}
	ledger := &stubLedger{}
	svc, sessions := newTestService(client, ledger, nil, testCfg())
	sess := sessions.Create()

	if _, err := svc.Send(context.Background(), sess.ID, "hello", llm.Params{}); err != nil {
		t.Fatal(err)
	}

	rows := ledger.snapshot()
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	row := rows[0]
	if row.SessionID != sess.ID || row.Provider != "backend" || row.Model != "gemini-2.5-flash" {
		t.Fatalf("unexpected row identity %+v", row)
	}
	if row.Outcome != "ok" || row.Retried {
		t.Fatalf("unexpected row outcome %+v", row)
	}
	if row.PromptChars != len("hello") || row.ReplyChars != len("four") {
		t.Fatalf("unexpected row sizes %+v", row)
	}
	if row.CreatedAt.IsZero() {
		t.Fatal("row must carry a timestamp")
	}
}

func TestFailedTurnRecordsOutcomeKind(t *testing.T) {
	client := &stubClient{
		failN:   5,
		failErr: &llm.Error{Kind: llm.KindRateLimited, Status: 429},
	}
	ledger := &stubLedger{}
	svc, sessions := newTestService(client, ledger, nil, testCfg())
	sess := sessions.Create()

	if _, err := svc.Send(context.Background(), sess.ID, "hello", llm.Params{}); err == nil {
		t.Fatal("expected failure")
	}

	rows := ledger.snapshot()
	if len(rows) != 1 || rows[0].Outcome != "rate_limited" {
		t.Fatalf("expected a rate_limited row, got %+v", rows)
	}
}
