package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"multillm-api/internal/shared"

	"go.uber.org/zap"
)

// OpenAIProvider speaks the OpenAI chat-completions wire format. It also
// covers any OpenAI-compatible backend (vLLM, Ollama, LM Studio and friends)
// pointed at by BaseURL.
type OpenAIProvider struct {
	cfg Config
	log *zap.SugaredLogger

	httpClients  map[string]*http.Client
	clientsMutex sync.RWMutex
}

func NewOpenAI(cfg Config, log *zap.SugaredLogger) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &OpenAIProvider{
		cfg:         cfg,
		log:         log,
		httpClients: make(map[string]*http.Client),
	}
}

func (p *OpenAIProvider) Name() string { return p.cfg.Name }

func (p *OpenAIProvider) Models() []string { return p.cfg.Models }

func (p *OpenAIProvider) Pricing() (uint64, uint64) { return p.cfg.ICPT, p.cfg.OCPT }

func (p *OpenAIProvider) getHTTPClient(rawURL string) *http.Client {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		p.log.Warnw("Failed to parse provider URL, using full URL as key", "url", rawURL, "error", err)
		parsedURL = &url.URL{Host: rawURL}
	}
	host := parsedURL.Host

	p.clientsMutex.RLock()
	if client, exists := p.httpClients[host]; exists {
		p.clientsMutex.RUnlock()
		return client
	}
	p.clientsMutex.RUnlock()

	p.clientsMutex.Lock()
	defer p.clientsMutex.Unlock()

	if client, exists := p.httpClients[host]; exists {
		return client
	}

	tr := &http.Transport{
		Dial: (&net.Dialer{
			Timeout: 2 * time.Second,
		}).Dial,
		TLSHandshakeTimeout: 2 * time.Second,
		DisableKeepAlives:   false,
	}
	client := &http.Client{Transport: tr, Timeout: shared.DefaultHTTPTimeout}

	p.httpClients[host] = client
	p.log.Infow("Created new HTTP client for host", "host", host, "full_url", rawURL)

	return client
}

func (p *OpenAIProvider) buildPayload(req ChatRequest) map[string]any {
	payload := map[string]any{
		"model":    req.Options.Model,
		"messages": req.Messages,
		"stream":   req.Stream,
	}
	if req.Options.Temperature != nil {
		payload["temperature"] = *req.Options.Temperature
	}
	if req.Options.MaxTokens != nil {
		payload["max_tokens"] = *req.Options.MaxTokens
	}
	if req.Options.TopP != nil {
		payload["top_p"] = *req.Options.TopP
	}
	if req.Options.FrequencyPenalty != nil {
		payload["frequency_penalty"] = *req.Options.FrequencyPenalty
	}
	if req.Options.PresencePenalty != nil {
		payload["presence_penalty"] = *req.Options.PresencePenalty
	}
	return payload
}

// requestBody returns the payload to send upstream: the client's normalized
// body when the dispatch layer carried one through, otherwise a payload
// rebuilt from the parsed request.
func (p *OpenAIProvider) requestBody(req ChatRequest) ([]byte, error) {
	if req.Body != nil {
		return req.Body, nil
	}
	body, err := json.Marshal(p.buildPayload(req))
	if err != nil {
		return nil, fmt.Errorf("failed marshaling payload: %w", err)
	}
	return body, nil
}

func (p *OpenAIProvider) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	r, err := http.NewRequestWithContext(ctx, "POST", p.cfg.BaseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed building request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Connection", "keep-alive")
	if p.cfg.APIKey != "" {
		r.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	return r, nil
}

func (p *OpenAIProvider) ChatCompletion(ctx context.Context, req ChatRequest) ([]byte, error) {
	req.Stream = false
	payload, err := p.requestBody(req)
	if err != nil {
		return nil, err
	}
	r, err := p.newRequest(ctx, payload)
	if err != nil {
		return nil, err
	}

	res, err := p.getHTTPClient(p.cfg.BaseURL).Do(r)
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
	return body, nil
}

func (p *OpenAIProvider) StreamChatCompletion(ctx context.Context, req ChatRequest, write StreamWriter) error {
	req.Stream = true
	payload, err := p.requestBody(req)
	if err != nil {
		return err
	}
	r, err := p.newRequest(ctx, payload)
	if err != nil {
		return err
	}

	res, err := p.getHTTPClient(p.cfg.BaseURL).Do(r)
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

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := write(append(line, '\n', '\n')); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &shared.RequestError{StatusCode: 502, Err: fmt.Errorf("stream read failed: %w", err)}
	}
	return nil
}

func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	r, err := http.NewRequestWithContext(ctx, "GET", p.cfg.BaseURL+"/models", nil)
	if err != nil {
		return err
	}
	if p.cfg.APIKey != "" {
		r.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	res, err := p.getHTTPClient(p.cfg.BaseURL).Do(r)
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

// upstreamError maps a provider failure into a RequestError, pulling the
// provider's own error message through when it has one.
func upstreamError(provider string, status int, body []byte) error {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := ""
	if err := json.Unmarshal(body, &parsed); err == nil {
		msg = parsed.Error.Message
	}
	if msg == "" {
		msg = fmt.Sprintf("provider %s returned status %d", provider, status)
	}

	// 5xx from the backend is a bad gateway from our perspective; client
	// errors pass through so callers can fix their request.
	if status >= 500 {
		status = 502
	}
	return &shared.RequestError{StatusCode: status, Err: errors.New(msg)}
}
