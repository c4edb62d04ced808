package dedup

import (
	"testing"

	"multillm-api/internal/shared"

	"github.com/stretchr/testify/assert"
)

func baseRequest() Request {
	temp := 0.7
	tokens := 256
	return Request{
		UserID:   "42",
		Provider: "openai",
		Messages: []shared.ChatMessage{
			{Role: "system", Content: "You are helpful."},
			{Role: "user", Content: "What is Go?"},
		},
		Options: shared.GenerationOptions{
			Model:       "gpt-4o",
			Temperature: &temp,
			MaxTokens:   &tokens,
		},
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	assert.Equal(t, Fingerprint(baseRequest()), Fingerprint(baseRequest()))
}

func TestFingerprint_ScopedByUser(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.UserID = "43"
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_OptionSensitivity(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"temperature", func(r *Request) { v := 0.8; r.Options.Temperature = &v }},
		{"max_tokens", func(r *Request) { v := 512; r.Options.MaxTokens = &v }},
		{"top_p", func(r *Request) { v := 0.9; r.Options.TopP = &v }},
		{"frequency_penalty", func(r *Request) { v := 0.5; r.Options.FrequencyPenalty = &v }},
		{"presence_penalty", func(r *Request) { v := 0.5; r.Options.PresencePenalty = &v }},
		{"model", func(r *Request) { r.Options.Model = "gpt-4o-mini" }},
		{"provider", func(r *Request) { r.Provider = "anthropic" }},
		{"message content", func(r *Request) { r.Messages[1].Content = "What is Rust?" }},
		{"message role", func(r *Request) { r.Messages[1].Role = "assistant" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := baseRequest()
			b := baseRequest()
			tt.mutate(&b)
			assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
		})
	}
}

func TestFingerprint_IgnoresIrrelevantFields(t *testing.T) {
	a := baseRequest()
	b := baseRequest()

	// Fields outside the selected option set do not influence the key.
	b.CallerID = "req_abc123"
	b.Messages[1].Name = "alice"
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_NormalizesWhitespace(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.Messages[1].Content = "  What is Go?\n"
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_UnsetOptionDiffersFromZero(t *testing.T) {
	a := baseRequest()
	a.Options.Temperature = nil
	b := baseRequest()
	zero := 0.0
	b.Options.Temperature = &zero
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}
