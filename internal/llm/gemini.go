package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"github.com/eldtechnologies/chatdash/internal/models"
)

// GeminiConfig configures the direct Gemini provider.
type GeminiConfig struct {
	APIKey       string // never logged
	Model        string
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
}

// GeminiClient calls the Gemini API directly through eino's chat model
// abstraction. The underlying model is built once at startup; generation
// parameters are fixed at construction, so per-request Params are ignored.
type GeminiClient struct {
	chatModel    model.ToolCallingChatModel
	modelName    string
	timeout      time.Duration
	retries      uint64
	retryBackoff time.Duration
}

// NewGeminiClient builds the genai client and eino chat model.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, err
	}
	chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client: client,
		Model:  cfg.Model,
	})
	if err != nil {
		return nil, err
	}

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

	return &GeminiClient{
		chatModel:    chatModel,
		modelName:    cfg.Model,
		timeout:      timeout,
		retries:      uint64(retries),
		retryBackoff: retryBackoff,
	}, nil
}

// Provider returns "gemini".
func (c *GeminiClient) Provider() string { return "gemini" }

// Model returns the configured model name.
func (c *GeminiClient) Model() string { return c.modelName }

// Send generates a complete reply for the transcript.
func (c *GeminiClient) Send(ctx context.Context, transcript []models.Message, _ Params) (*Reply, error) {
	msgs := toSchemaMessages(transcript)

	var reply *Reply
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		out, err := c.chatModel.Generate(callCtx, msgs)
		if err != nil {
			cerr := classifyGemini(err)
			if cerr.Kind.Transient() {
				return cerr
			}
			return backoff.Permanent(cerr)
		}
		reply = &Reply{Text: out.Content, Model: c.modelName}
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

// Stream generates a reply incrementally, invoking fn with each content
// chunk. Mid-stream failures are not retried; a partial reply must not be
// silently regenerated under the caller.
func (c *GeminiClient) Stream(ctx context.Context, transcript []models.Message, _ Params, fn func(chunk string) error) (*Reply, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reader, err := c.chatModel.Stream(callCtx, toSchemaMessages(transcript))
	if err != nil {
		return nil, classifyGemini(err)
	}
	defer reader.Close()

	var full strings.Builder
	for {
		chunk, err := reader.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, classifyGemini(err)
		}
		if chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if fn != nil {
			if err := fn(chunk.Content); err != nil {
				return nil, err
			}
		}
	}
	return &Reply{Text: full.String(), Model: c.modelName}, nil
}

// Healthy reports readiness. The Gemini API exposes no ping endpoint, so a
// constructed client is considered healthy; real failures surface per turn.
func (c *GeminiClient) Healthy(_ context.Context) error { return nil }

func toSchemaMessages(transcript []models.Message) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(transcript))
	for _, m := range transcript {
		var role schema.RoleType
		switch m.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		default:
			role = schema.User
		}
		msgs = append(msgs, &schema.Message{
			Role:    role,
			Content: m.Content,
		})
	}
	return msgs
}

// classifyGemini maps an SDK error to an ErrorKind. The SDK does not expose
// typed status errors, so this matches on the status text the API returns.
func classifyGemini(err error) *Error {
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindUnknown, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}

	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "deadline") || strings.Contains(text, "timeout"):
		return &Error{Kind: KindTimeout, Err: err}
	case strings.Contains(text, "resource_exhausted") || strings.Contains(text, "quota") || strings.Contains(text, "429"):
		return &Error{Kind: KindRateLimited, Err: err}
	case strings.Contains(text, "unauthenticated") || strings.Contains(text, "permission_denied") ||
		strings.Contains(text, "api key") || strings.Contains(text, "401") || strings.Contains(text, "403"):
		return &Error{Kind: KindAuthFailure, Err: err}
	case strings.Contains(text, "unavailable") || strings.Contains(text, "overloaded") ||
		strings.Contains(text, "503") || strings.Contains(text, "502"):
		return &Error{Kind: KindServiceUnavailable, Err: err}
	default:
		return &Error{Kind: KindUnknown, Err: err}
	}
}
