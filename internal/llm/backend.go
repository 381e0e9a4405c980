package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/eldtechnologies/chatdash/internal/models"
)

// BackendConfig configures the hosted inference API provider.
type BackendConfig struct {
	BaseURL      string
	APIKey       string // optional bearer token, never logged
	Timeout      time.Duration
	Retries      int // additional attempts after the first
	RetryBackoff time.Duration
}

// BackendClient talks to a hosted inference API over JSON HTTP. The wire
// format matches the original dashboard backend: POST /chat with the latest
// message, prior history, and generation parameters.
type BackendClient struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	retries      uint64
	retryBackoff time.Duration
}

// NewBackendClient creates a backend provider.
func NewBackendClient(cfg BackendConfig) *BackendClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = 2 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}

	return &BackendClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		httpClient:   &http.Client{Timeout: timeout},
		retries:      uint64(retries),
		retryBackoff: retryBackoff,
	}
}

// Provider returns "backend".
func (c *BackendClient) Provider() string { return "backend" }

// Model returns "": the backend chooses the model and reports it per reply.
func (c *BackendClient) Model() string { return "" }

type backendMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type backendChatRequest struct {
	Message     string           `json:"message"`
	History     []backendMessage `json:"history,omitempty"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
}

type backendChatResponse struct {
	Response  string `json:"response"`
	ModelUsed string `json:"model_used"`
}

// Send submits the transcript and returns the reply. Timeout and
// ServiceUnavailable failures are retried with exponential backoff up to the
// configured attempt count; all other kinds fail immediately.
func (c *BackendClient) Send(ctx context.Context, transcript []models.Message, params Params) (*Reply, error) {
	if len(transcript) == 0 {
		return nil, &Error{Kind: KindUnknown, Msg: "empty transcript"}
	}

	latest := transcript[len(transcript)-1]
	req := backendChatRequest{
		Message:     latest.Content,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	}
	for _, m := range transcript[:len(transcript)-1] {
		req.History = append(req.History, backendMessage{Role: string(m.Role), Content: m.Content})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Err: err}
	}

	var reply *Reply
	op := func() error {
		r, err := c.postChat(ctx, body)
		if err != nil {
			if KindOf(err).Transient() {
				return err
			}
			return backoff.Permanent(err)
		}
		reply = r
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBackoff
	bo.MaxElapsedTime = 0

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.retries), ctx)); err != nil {
		return nil, err
	}
	return reply, nil
}

// Stream satisfies Client; the backend API has no streaming endpoint, so the
// full reply arrives as a single chunk.
func (c *BackendClient) Stream(ctx context.Context, transcript []models.Message, params Params, fn func(chunk string) error) (*Reply, error) {
	reply, err := c.Send(ctx, transcript, params)
	if err != nil {
		return nil, err
	}
	if fn != nil {
		if err := fn(reply.Text); err != nil {
			return nil, err
		}
	}
	return reply, nil
}

// Healthy pings the backend's health endpoint.
func (c *BackendClient) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return &Error{Kind: KindUnknown, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode, nil)
	}
	return nil
}

// postChat performs one POST /chat attempt.
func (c *BackendClient) postChat(ctx context.Context, body []byte) (*Reply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, respBody)
	}

	var out backendChatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, &Error{Kind: KindUnknown, Msg: "malformed backend response", Err: err}
	}
	return &Reply{Text: out.Response, Model: out.ModelUsed}, nil
}

// classifyTransport maps a transport-level failure to an ErrorKind.
// Cancellation stays visible through Unwrap so callers can tell an abandoned
// request from a dead upstream.
func classifyTransport(err error) *Error {
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindUnknown, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	// Connection refused, reset, DNS failure: the instance is down or
	// still spinning up.
	return &Error{Kind: KindServiceUnavailable, Err: err}
}

// classifyStatus maps a non-200 upstream status to an ErrorKind.
func classifyStatus(status int, body []byte) *Error {
	msg := upstreamErrorMessage(body)
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Kind: KindAuthFailure, Status: status, Msg: msg}
	case http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Status: status, Msg: msg}
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &Error{Kind: KindServiceUnavailable, Status: status, Msg: msg}
	default:
		return &Error{Kind: KindUnknown, Status: status, Msg: msg}
	}
}

// upstreamErrorMessage pulls the error string out of a FastAPI-style error
// body ({"detail": ...} or {"error": ...}).
func upstreamErrorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.Detail != "" {
		return payload.Detail
	}
	return payload.Error
}
