package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"multillm-api/internal/shared"

	"github.com/aidarkhanov/nanoid"
	"go.uber.org/zap"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider speaks the Anthropic Messages API and translates both
// directions to the OpenAI shape, so dispatch and clients see one format
// regardless of backend.
type AnthropicProvider struct {
	cfg    Config
	log    *zap.SugaredLogger
	client *http.Client
}

func NewAnthropic(cfg Config, log *zap.SugaredLogger) *AnthropicProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com/v1"
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &AnthropicProvider{
		cfg:    cfg,
		log:    log,
		client: &http.Client{Timeout: shared.DefaultHTTPTimeout},
	}
}

func (p *AnthropicProvider) Name() string { return p.cfg.Name }

func (p *AnthropicProvider) Models() []string { return p.cfg.Models }

func (p *AnthropicProvider) Pricing() (uint64, uint64) { return p.cfg.ICPT, p.cfg.OCPT }

// buildPayload splits system messages out of the conversation; the Messages
// API takes them as a top-level field, not as conversation turns.
func (p *AnthropicProvider) buildPayload(req ChatRequest) map[string]any {
	var system []string
	conversation := make([]shared.ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		conversation = append(conversation, m)
	}

	maxTokens := shared.DefaultMaxTokens
	if req.Options.MaxTokens != nil {
		maxTokens = *req.Options.MaxTokens
	}

	payload := map[string]any{
		"model":      req.Options.Model,
		"messages":   conversation,
		"max_tokens": maxTokens,
		"stream":     req.Stream,
	}
	if len(system) > 0 {
		payload["system"] = strings.Join(system, "\n")
	}
	if req.Options.Temperature != nil {
		payload["temperature"] = *req.Options.Temperature
	}
	if req.Options.TopP != nil {
		payload["top_p"] = *req.Options.TopP
	}
	return payload
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  uint64 `json:"input_tokens"`
		OutputTokens uint64 `json:"output_tokens"`
	} `json:"usage"`
}

func (p *AnthropicProvider) newRequest(ctx context.Context, payload map[string]any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed marshaling payload: %w", err)
	}
	r, err := http.NewRequestWithContext(ctx, "POST", p.cfg.BaseURL+"/messages", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed building request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("x-api-key", p.cfg.APIKey)
	r.Header.Set("anthropic-version", anthropicVersion)
	return r, nil
}

func (p *AnthropicProvider) ChatCompletion(ctx context.Context, req ChatRequest) ([]byte, error) {
	req.Stream = false
	r, err := p.newRequest(ctx, p.buildPayload(req))
	if err != nil {
		return nil, err
	}

	res, err := p.client.Do(r)
	if err != nil {
		p.log.Errorw("Provider HTTP request failed", "provider", p.cfg.Name, "error", err.Error())
		return nil, &shared.RequestError{StatusCode: 502, Err: fmt.Errorf("provider request failed: %w", err)}
	}
	defer func() {
		_ = res.Body.Close()
	}()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &shared.RequestError{StatusCode: 502, Err: fmt.Errorf("failed reading provider response: %w", err)}
	}
	if res.StatusCode != http.StatusOK {
		return nil, upstreamError(p.cfg.Name, res.StatusCode, body)
	}

	return translateResponse(body)
}

// translateResponse converts an Anthropic messages response into the OpenAI
// chat-completion shape.
func translateResponse(body []byte) ([]byte, error) {
	var ar anthropicResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, &shared.RequestError{StatusCode: 502, Err: fmt.Errorf("failed parsing provider response: %w", err)}
	}

	var content strings.Builder
	for _, block := range ar.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	finish := "stop"
	if ar.StopReason == "max_tokens" {
		finish = "length"
	}

	out := map[string]any{
		"id":      ar.ID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   ar.Model,
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": content.String(),
				},
				"finish_reason": finish,
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     ar.Usage.InputTokens,
			"completion_tokens": ar.Usage.OutputTokens,
			"total_tokens":      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		},
	}
	return json.Marshal(out)
}

func (p *AnthropicProvider) StreamChatCompletion(ctx context.Context, req ChatRequest, write StreamWriter) error {
	req.Stream = true
	r, err := p.newRequest(ctx, p.buildPayload(req))
	if err != nil {
		return err
	}

	res, err := p.client.Do(r)
	if err != nil {
		p.log.Errorw("Provider stream request failed", "provider", p.cfg.Name, "error", err.Error())
		return &shared.RequestError{StatusCode: 502, Err: fmt.Errorf("provider request failed: %w", err)}
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(res.Body)
		return upstreamError(p.cfg.Name, res.StatusCode, body)
	}

	id, _ := nanoid.Generate("0123456789abcdefghijklmnopqrstuvwxyz", 28)
	streamID := "chatcmpl-" + id

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		chunk, done, err := translateStreamEvent(streamID, req.Options.Model, strings.TrimPrefix(line, "data: "))
		if err != nil {
			p.log.Warnw("Skipping unparseable stream event", "provider", p.cfg.Name, "error", err.Error())
			continue
		}
		if chunk != nil {
			if err := write(chunk); err != nil {
				return err
			}
		}
		if done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return &shared.RequestError{StatusCode: 502, Err: fmt.Errorf("stream read failed: %w", err)}
	}

	return write([]byte("data: [DONE]\n\n"))
}

// translateStreamEvent maps one Anthropic SSE event to an OpenAI-style
// chunk. Returns a nil chunk for events with nothing to forward.
func translateStreamEvent(id, model, data string) ([]byte, bool, error) {
	var event struct {
		Type  string `json:"type"`
		Delta struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
	}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, false, err
	}

	switch event.Type {
	case "content_block_delta":
		if event.Delta.Type != "text_delta" {
			return nil, false, nil
		}
		chunk := map[string]any{
			"id":     id,
			"object": "chat.completion.chunk",
			"model":  model,
			"choices": []map[string]any{
				{"index": 0, "delta": map[string]any{"content": event.Delta.Text}},
			},
		}
		out, err := json.Marshal(chunk)
		if err != nil {
			return nil, false, err
		}
		return append(append([]byte("data: "), out...), '\n', '\n'), false, nil
	case "message_stop":
		return nil, true, nil
	default:
		return nil, false, nil
	}
}

func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	r, err := http.NewRequestWithContext(ctx, "GET", p.cfg.BaseURL+"/models", nil)
	if err != nil {
		return err
	}
	r.Header.Set("x-api-key", p.cfg.APIKey)
	r.Header.Set("anthropic-version", anthropicVersion)
	res, err := p.client.Do(r)
	if err != nil {
		return err
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.StatusCode >= 400 {
		return fmt.Errorf("health check returned %d", res.StatusCode)
	}
	return nil
}
