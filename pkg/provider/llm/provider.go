// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI GPT-4o, an
// Anthropic model reached through any-llm-go, or a local Ollama instance) and
// exposes a single streaming completion call to the voice pipeline.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history, including any system
	// instruction as the first element. The last message is typically from
	// the user and drives the response.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// means use the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int
}

// Chunk is a single token or fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty.
	Text string

	// FinishReason is set on the final chunk and indicates why generation
	// stopped ("stop", "length", ...). Empty on non-final chunks.
	FinishReason string

	// Err is set on the last chunk of a stream that failed after it was
	// opened. No further chunks follow an error chunk.
	Err error
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or when ctx is cancelled.
	//
	// The error return is non-nil only for failures that prevent the stream
	// from starting (invalid credentials, rate limiting, malformed request).
	// Failures after the first chunk are delivered as a Chunk with Err set.
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}

// APIError is a failure reported by a provider's API. Providers translate
// their SDK's error type into APIError so callers can classify failures
// with errors.As without importing any SDK.
type APIError struct {
	// Provider names the backend, e.g. "openai".
	Provider string

	// StatusCode is the HTTP status of the failed request, or 0 when the
	// backend did not expose one.
	StatusCode int

	// Message is the provider's own description of the failure.
	Message string

	// Err is the underlying SDK error, if any.
	Err error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %d %s: %s", e.Provider, e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// RateLimited reports whether the provider rejected the request for exceeding
// its rate limit.
func (e *APIError) RateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

// Unauthorized reports whether the provider rejected the credentials.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// AsAPIError is a convenience wrapper around errors.As.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
