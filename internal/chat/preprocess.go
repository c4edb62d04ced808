package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"multillm-api/internal/providers"
	"multillm-api/internal/shared"
)

type PreprocessInput struct {
	Body      []byte
	User      shared.UserMetadata
	Endpoint  string
	RequestID string
}

// Preprocess validates the raw request body, resolves the target provider and
// extracts the normalized message list and generation options that the
// dedup fingerprint and the provider call both consume.
func (m *Manager) Preprocess(ctx context.Context, input PreprocessInput) (*shared.RequestInfo, error) {
	startTime := time.Now()

	// Unmarshal to generic map to set defaults
	var payload map[string]any
	err := json.Unmarshal(input.Body, &payload)
	if err != nil {
		return nil, errors.Join(shared.ErrBadRequest, err)
	}

	model, ok := payload["model"].(string)
	if !ok || model == "" {
		return nil, &shared.RequestError{StatusCode: 400, Err: errors.New("model is required")}
	}

	messages, err := parseMessages(payload["messages"])
	if err != nil {
		return nil, &shared.RequestError{StatusCode: 400, Err: err}
	}

	// Set stream default if not specified
	if val, ok := payload["stream"]; !ok || val == nil {
		payload["stream"] = shared.DefaultStreamOption
	}
	stream, ok := payload["stream"].(bool)
	if !ok {
		return nil, &shared.RequestError{StatusCode: 400, Err: errors.New("stream must be a boolean")}
	}

	options, err := parseOptions(payload)
	if err != nil {
		return nil, &shared.RequestError{StatusCode: 400, Err: err}
	}

	prov, providerName, err := m.resolveProvider(ctx, payload, model)
	if err != nil {
		return nil, err
	}
	// The provider sees the bare model name without our routing prefix.
	options.Model = strings.TrimPrefix(model, providerName+"/")

	if input.User.Credits == 0 && !input.User.AllowOverspend {
		return nil, shared.ErrInsufficientCredits
	}

	if options.MaxTokens == nil {
		def := shared.DefaultMaxTokens
		options.MaxTokens = &def
		payload["max_tokens"] = def
	}

	// The body goes upstream verbatim for OpenAI-wire providers, so strip
	// the routing fields and leave the bare model name.
	payload["model"] = options.Model
	delete(payload, "provider")
	delete(payload, "provider_preferences")

	body, err := json.Marshal(payload)
	if err != nil {
		m.Log.Errorw("Failed to marshal request body", "error", err.Error())
		return nil, shared.ErrInternalServerError
	}

	return &shared.RequestInfo{
		Body:      body,
		UserID:    input.User.UserID,
		Credits:   input.User.Credits,
		ID:        input.RequestID,
		StartTime: startTime,
		Endpoint:  input.Endpoint,
		Provider:  prov.Name(),
		Model:     options.Model,
		Stream:    stream,
		Messages:  messages,
		Options:   options,
	}, nil
}

// resolveProvider picks the backend for a request. A "provider/model" prefix
// wins, then an explicit "provider" field, then a model served by exactly one
// registered provider, then the caller's preference list.
func (m *Manager) resolveProvider(ctx context.Context, payload map[string]any, model string) (providers.Provider, string, error) {
	if name, bare, found := strings.Cut(model, "/"); found && bare != "" {
		prov, ok := m.Registry.Get(name)
		if !ok {
			return nil, "", &shared.RequestError{StatusCode: 404, Err: fmt.Errorf("unknown provider: %s", name)}
		}
		return prov, name, nil
	}

	if name, ok := payload["provider"].(string); ok && name != "" {
		prov, ok := m.Registry.Get(name)
		if !ok {
			return nil, "", &shared.RequestError{StatusCode: 404, Err: fmt.Errorf("unknown provider: %s", name)}
		}
		return prov, name, nil
	}

	if prov, ok := m.Registry.ResolveModel(model); ok {
		return prov, prov.Name(), nil
	}

	var preferences []string
	if raw, ok := payload["provider_preferences"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				preferences = append(preferences, s)
			}
		}
	}
	prov, err := m.Registry.Select(ctx, preferences)
	if err != nil {
		return nil, "", err
	}
	return prov, prov.Name(), nil
}

func parseMessages(raw any) ([]shared.ChatMessage, error) {
	arr, ok := raw.([]any)
	if !ok || len(arr) == 0 {
		return nil, errors.New("messages must be a non-empty array")
	}
	out := make([]shared.ChatMessage, 0, len(arr))
	for i, item := range arr {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("message %d must be an object", i)
		}
		role, _ := entry["role"].(string)
		if role == "" {
			return nil, fmt.Errorf("message %d is missing a role", i)
		}
		content, ok := entry["content"].(string)
		if !ok {
			return nil, fmt.Errorf("message %d is missing content", i)
		}
		msg := shared.ChatMessage{Role: role, Content: content}
		if name, ok := entry["name"].(string); ok {
			msg.Name = name
		}
		out = append(out, msg)
	}
	return out, nil
}

func parseOptions(payload map[string]any) (shared.GenerationOptions, error) {
	opts := shared.GenerationOptions{}

	floatField := func(key string) (*float64, error) {
		raw, ok := payload[key]
		if !ok || raw == nil {
			return nil, nil
		}
		f, ok := raw.(float64)
		if !ok {
			return nil, fmt.Errorf("%s must be a number", key)
		}
		return &f, nil
	}

	var err error
	if opts.Temperature, err = floatField("temperature"); err != nil {
		return opts, err
	}
	if opts.TopP, err = floatField("top_p"); err != nil {
		return opts, err
	}
	if opts.FrequencyPenalty, err = floatField("frequency_penalty"); err != nil {
		return opts, err
	}
	if opts.PresencePenalty, err = floatField("presence_penalty"); err != nil {
		return opts, err
	}

	if raw, ok := payload["max_tokens"]; ok && raw != nil {
		f, ok := raw.(float64)
		if !ok || f != float64(int(f)) || f < 0 {
			return opts, errors.New("max_tokens must be a non-negative integer")
		}
		v := int(f)
		opts.MaxTokens = &v
	}
	return opts, nil
}
