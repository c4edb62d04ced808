// Package providers abstracts the upstream LLM backends behind a uniform
// chat-completion interface. Every provider returns OpenAI-shaped response
// bodies so the dispatch layer never cares which backend served a request.
package providers

import (
	"context"

	"multillm-api/internal/shared"
)

type ChatRequest struct {
	Messages []shared.ChatMessage
	Options  shared.GenerationOptions
	Stream   bool

	// Body is the normalized client payload. Providers that speak the
	// OpenAI wire format forward it verbatim so client fields outside the
	// parsed option set (stop, n, seed, tools, ...) reach the backend.
	// Providers that translate formats rebuild from Messages and Options.
	// May be nil for internal calls such as health probes.
	Body []byte
}

// StreamWriter receives raw SSE chunks as the provider produces them.
type StreamWriter func(chunk []byte) error

type Provider interface {
	Name() string

	// Models lists the model identifiers this provider serves.
	Models() []string

	// Pricing returns the input and output credit rates per token.
	Pricing() (icpt uint64, ocpt uint64)

	// ChatCompletion performs a non-streaming chat call and returns the raw
	// OpenAI-shaped response body.
	ChatCompletion(ctx context.Context, req ChatRequest) ([]byte, error)

	// StreamChatCompletion performs a streaming chat call, forwarding each
	// SSE chunk to write as it arrives.
	StreamChatCompletion(ctx context.Context, req ChatRequest, write StreamWriter) error

	// HealthCheck probes the backend with a cheap request.
	HealthCheck(ctx context.Context) error
}

// Config describes one configured backend.
type Config struct {
	Name    string
	BaseURL string
	APIKey  string
	Models  []string

	// Credit rates per input/output token.
	ICPT uint64
	OCPT uint64
}
