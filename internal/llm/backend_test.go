package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eldtechnologies/chatdash/internal/models"
)

func testTranscript() []models.Message {
	return []models.Message{
		{ID: "1", Role: models.RoleUser, Content: "first question"},
		{ID: "2", Role: models.RoleAssistant, Content: "first answer"},
		{ID: "3", Role: models.RoleUser, Content: "second question"},
	}
}

func newTestBackend(t *testing.T, handler http.HandlerFunc, cfg BackendConfig) (*BackendClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	return NewBackendClient(cfg), srv
}

func TestBackendSendSuccess(t *testing.T) {
	var got backendChatRequest
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" {
			t.Errorf("expected POST /chat, got %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(backendChatResponse{Response: "the answer", ModelUsed: "gemini-2.5-flash"})
	}, BackendConfig{})

	reply, err := client.Send(context.Background(), testTranscript(), Params{Temperature: 0.7, MaxTokens: 8192})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "the answer" {
		t.Fatalf("expected reply text 'the answer', got %q", reply.Text)
	}
	if reply.Model != "gemini-2.5-flash" {
		t.Fatalf("expected model from response, got %q", reply.Model)
	}

	if got.Message != "second question" {
		t.Fatalf("latest message must travel in the message field, got %q", got.Message)
	}
	if len(got.History) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(got.History))
	}
	if got.History[0].Role != "user" || got.History[1].Role != "assistant" {
		t.Fatal("history roles out of order")
	}
	if got.Temperature != 0.7 || got.MaxTokens != 8192 {
		t.Fatalf("params not forwarded: temp=%v tokens=%d", got.Temperature, got.MaxTokens)
	}
}

func TestBackendSendBearerToken(t *testing.T) {
	var auth string
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(backendChatResponse{Response: "ok"})
	}, BackendConfig{APIKey: "sk-test-123"})

	if _, err := client.Send(context.Background(), testTranscript(), Params{}); err != nil {
		t.Fatal(err)
	}
	if auth != "Bearer sk-test-123" {
		t.Fatalf("expected bearer header, got %q", auth)
	}
}

func TestBackendSendNoAuthHeaderWithoutKey(t *testing.T) {
	var auth string
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(backendChatResponse{Response: "ok"})
	}, BackendConfig{})

	if _, err := client.Send(context.Background(), testTranscript(), Params{}); err != nil {
		t.Fatal(err)
	}
	if auth != "" {
		t.Fatalf("expected no Authorization header, got %q", auth)
	}
}

func TestBackendRetriesServiceUnavailable(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(backendChatResponse{Response: "recovered"})
	}, BackendConfig{Retries: 2})

	reply, err := client.Send(context.Background(), testTranscript(), Params{})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "recovered" {
		t.Fatalf("expected reply after retry, got %q", reply.Text)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
}

func TestBackendRetriesExhausted(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, BackendConfig{Retries: 1})

	_, err := client.Send(context.Background(), testTranscript(), Params{})
	if err == nil {
		t.Fatal("expected error when every attempt fails")
	}
	if KindOf(err) != KindServiceUnavailable {
		t.Fatalf("expected service_unavailable, got %s", KindOf(err))
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("expected 2 attempts (1 retry), got %d", n)
	}
}

func TestBackendAuthFailureNotRetried(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}, BackendConfig{Retries: 3})

	_, err := client.Send(context.Background(), testTranscript(), Params{})
	if KindOf(err) != KindAuthFailure {
		t.Fatalf("expected auth_failure, got %s", KindOf(err))
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("auth failures must not be retried, got %d attempts", n)
	}
}

func TestBackendRateLimitedNotRetried(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}, BackendConfig{Retries: 3})

	_, err := client.Send(context.Background(), testTranscript(), Params{})
	if KindOf(err) != KindRateLimited {
		t.Fatalf("expected rate_limited, got %s", KindOf(err))
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("rate limit rejections must not be retried, got %d attempts", n)
	}
}

func TestBackendTimeout(t *testing.T) {
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(backendChatResponse{Response: "late"})
	}, BackendConfig{Timeout: 20 * time.Millisecond})

	_, err := client.Send(context.Background(), testTranscript(), Params{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if KindOf(err) != KindTimeout {
		t.Fatalf("expected timeout, got %s", KindOf(err))
	}
}

func TestBackendConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewBackendClient(BackendConfig{BaseURL: url, RetryBackoff: time.Millisecond})
	_, err := client.Send(context.Background(), testTranscript(), Params{})
	if KindOf(err) != KindServiceUnavailable {
		t.Fatalf("expected service_unavailable for a dead host, got %s", KindOf(err))
	}
}

func TestBackendCanceledContext(t *testing.T) {
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}, BackendConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Send(ctx, testTranscript(), Params{})
	if err == nil {
		t.Fatal("expected error for canceled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancellation must stay visible, got %v", err)
	}
}

func TestBackendErrorDetailSurfaced(t *testing.T) {
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"detail": "model is still loading"}`))
	}, BackendConfig{})

	_, err := client.Send(context.Background(), testTranscript(), Params{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "model is still loading") {
		t.Fatalf("upstream detail missing from error: %v", err)
	}
}

func TestBackendMalformedResponse(t *testing.T) {
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}, BackendConfig{})

	_, err := client.Send(context.Background(), testTranscript(), Params{})
	if KindOf(err) != KindUnknown {
		t.Fatalf("expected unknown kind for garbage body, got %s", KindOf(err))
	}
}

func TestBackendStreamDeliversSingleChunk(t *testing.T) {
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(backendChatResponse{Response: "whole reply"})
	}, BackendConfig{})

	var chunks []string
	reply, err := client.Stream(context.Background(), testTranscript(), Params{}, func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || chunks[0] != "whole reply" {
		t.Fatalf("expected one chunk with the full reply, got %v", chunks)
	}
	if reply.Text != "whole reply" {
		t.Fatalf("unexpected reply text %q", reply.Text)
	}
}

func TestBackendHealthy(t *testing.T) {
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("expected GET /health, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}, BackendConfig{})

	if err := client.Healthy(context.Background()); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
}

func TestBackendUnhealthy(t *testing.T) {
	client, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, BackendConfig{})

	err := client.Healthy(context.Background())
	if KindOf(err) != KindServiceUnavailable {
		t.Fatalf("expected service_unavailable, got %v", err)
	}
}

func TestBackendEmptyTranscript(t *testing.T) {
	client := NewBackendClient(BackendConfig{BaseURL: "http://localhost:1"})
	if _, err := client.Send(context.Background(), nil, Params{}); err == nil {
		t.Fatal("expected error for empty transcript")
	}
}

func TestErrorKindTransient(t *testing.T) {
	if !KindTimeout.Transient() || !KindServiceUnavailable.Transient() {
		t.Fatal("timeout and service_unavailable are transient")
	}
	if KindAuthFailure.Transient() || KindRateLimited.Transient() || KindUnknown.Transient() {
		t.Fatal("auth, rate limit, and unknown failures are not transient")
	}
}
