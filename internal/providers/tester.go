package providers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"multillm-api/internal/shared"
)

// TestResult reports the outcome of a live provider probe.
type TestResult struct {
	Provider  string `json:"provider"`
	Model     string `json:"model,omitempty"`
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Response  string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Test sends a one-token probe prompt through the provider and measures the
// round trip. Used by the provider-test route so operators can verify keys
// and connectivity without a real conversation.
func (r *Registry) Test(ctx context.Context, name string) TestResult {
	result := TestResult{Provider: name}

	p, ok := r.Get(name)
	if !ok {
		result.Error = "provider not found"
		return result
	}

	models := p.Models()
	if len(models) == 0 {
		result.Error = "provider has no configured models"
		return result
	}
	result.Model = models[0]

	maxTokens := 1
	req := ChatRequest{
		Messages: []shared.ChatMessage{{Role: "user", Content: "ping"}},
		Options: shared.GenerationOptions{
			Model:     models[0],
			MaxTokens: &maxTokens,
		},
	}

	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	body, err := p.ChatCompletion(probeCtx, req)
	result.LatencyMS = time.Since(start).Milliseconds()

	if err != nil {
		var rerr *shared.RequestError
		if errors.As(err, &rerr) && rerr.Err != nil {
			result.Error = rerr.Err.Error()
		} else {
			result.Error = err.Error()
		}
		return result
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.Choices) > 0 {
		result.Response = parsed.Choices[0].Message.Content
	}
	result.OK = true
	return result
}
