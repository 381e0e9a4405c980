// Package llm wraps outbound calls to the remote model service behind a
// provider-neutral client interface.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/eldtechnologies/chatdash/internal/models"
)

// Params are per-turn generation parameters.
type Params struct {
	Temperature float64
	MaxTokens   int
}

// Reply is a completed model response.
type Reply struct {
	Text  string
	Model string // model name as reported by the provider
}

// Client is implemented by upstream model providers. Implementations hold no
// per-session state: everything a call needs travels in its arguments.
type Client interface {
	// Send submits a windowed transcript, newest message last, and returns
	// the assistant reply. Failures carry an ErrorKind via *Error.
	Send(ctx context.Context, transcript []models.Message, params Params) (*Reply, error)

	// Stream behaves like Send but delivers the reply incrementally through
	// fn. Providers without native streaming deliver a single chunk. A
	// non-nil error from fn aborts the call.
	Stream(ctx context.Context, transcript []models.Message, params Params, fn func(chunk string) error) (*Reply, error)

	// Provider returns the provider name ("backend" or "gemini").
	Provider() string

	// Model returns the configured model name, or "" when the remote side
	// chooses the model.
	Model() string

	// Healthy reports whether the upstream service is reachable. Providers
	// without a free probe return nil.
	Healthy(ctx context.Context) error
}

// ErrorKind classifies upstream failures.
type ErrorKind string

const (
	KindTimeout            ErrorKind = "timeout"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindAuthFailure        ErrorKind = "auth_failure"
	KindRateLimited        ErrorKind = "rate_limited"
	KindUnknown            ErrorKind = "unknown"
)

// Transient reports whether the kind indicates a failure worth retrying,
// which is the cold-start band: the upstream instance may simply be waking
// up.
func (k ErrorKind) Transient() bool {
	return k == KindTimeout || k == KindServiceUnavailable
}

// UserMessage returns the user-facing explanation shown for this kind.
func (k ErrorKind) UserMessage() string {
	switch k {
	case KindTimeout:
		return "The model service took too long to respond. It may be waking up after being idle; please retry in a moment."
	case KindServiceUnavailable:
		return "The model service is unavailable, most likely starting up after inactivity. Please retry in a few seconds."
	case KindAuthFailure:
		return "The server could not authenticate with the model service. Check the service configuration."
	case KindRateLimited:
		return "The model service is rate limiting requests. Please wait a little before sending more messages."
	default:
		return "Something went wrong talking to the model service. Please try again."
	}
}

// Error is an upstream failure tagged with its kind.
type Error struct {
	Kind   ErrorKind
	Status int    // HTTP status when the upstream answered, 0 otherwise
	Msg    string // upstream-provided detail, may be empty
	Err    error  // underlying cause
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Status != 0:
		return fmt.Sprintf("upstream %s (status %d): %s", e.Kind, e.Status, e.Msg)
	case e.Status != 0:
		return fmt.Sprintf("upstream %s (status %d)", e.Kind, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("upstream %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("upstream %s", e.Kind)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from err, defaulting to KindUnknown.
func KindOf(err error) ErrorKind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return KindUnknown
}
