package chat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"multillm-api/internal/providers"
	"multillm-api/internal/shared"
)

// stubProvider satisfies providers.Provider for preprocess tests; no request
// ever reaches it.
type stubProvider struct {
	name   string
	models []string
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Models() []string { return s.models }

func (s *stubProvider) Pricing() (uint64, uint64) { return 1, 2 }

func (s *stubProvider) ChatCompletion(ctx context.Context, req providers.ChatRequest) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (s *stubProvider) StreamChatCompletion(ctx context.Context, req providers.ChatRequest, write providers.StreamWriter) error {
	return errors.New("not implemented")
}

func (s *stubProvider) HealthCheck(ctx context.Context) error { return nil }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	registry := providers.NewRegistry(log)
	registry.Register(&stubProvider{name: "openai", models: []string{"gpt-4o", "gpt-4o-mini"}})
	registry.Register(&stubProvider{name: "anthropic", models: []string{"claude-sonnet-4-20250514"}})
	return &Manager{Log: log, Registry: registry}
}

func testUser() shared.UserMetadata {
	return shared.UserMetadata{UserID: 7, Credits: 1000}
}

func TestPreprocess_PrefixedModel(t *testing.T) {
	m := newTestManager(t)

	body := []byte(`{"model":"anthropic/claude-sonnet-4-20250514","messages":[{"role":"user","content":"hi"}]}`)
	info, err := m.Preprocess(context.Background(), PreprocessInput{
		Body:      body,
		User:      testUser(),
		Endpoint:  shared.ENDPOINTS.CHAT,
		RequestID: "req1",
	})
	require.NoError(t, err)

	assert.Equal(t, "anthropic", info.Provider)
	assert.Equal(t, "claude-sonnet-4-20250514", info.Model)
	assert.Equal(t, uint64(7), info.UserID)
	assert.False(t, info.Stream)
	require.Len(t, info.Messages, 1)
	assert.Equal(t, "user", info.Messages[0].Role)
}

func TestPreprocess_ResolvesBareModel(t *testing.T) {
	m := newTestManager(t)

	body := []byte(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`)
	info, err := m.Preprocess(context.Background(), PreprocessInput{Body: body, User: testUser()})
	require.NoError(t, err)

	assert.Equal(t, "openai", info.Provider)
	assert.Equal(t, "gpt-4o-mini", info.Model)
}

func TestPreprocess_ExplicitProviderField(t *testing.T) {
	m := newTestManager(t)

	body := []byte(`{"model":"custom-model","provider":"anthropic","messages":[{"role":"user","content":"hi"}]}`)
	info, err := m.Preprocess(context.Background(), PreprocessInput{Body: body, User: testUser()})
	require.NoError(t, err)

	assert.Equal(t, "anthropic", info.Provider)
	assert.Equal(t, "custom-model", info.Model)
}

func TestPreprocess_UnknownProvider(t *testing.T) {
	m := newTestManager(t)

	body := []byte(`{"model":"nope/some-model","messages":[{"role":"user","content":"hi"}]}`)
	_, err := m.Preprocess(context.Background(), PreprocessInput{Body: body, User: testUser()})
	require.Error(t, err)

	var rerr *shared.RequestError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 404, rerr.StatusCode)
}

func TestPreprocess_MissingModel(t *testing.T) {
	m := newTestManager(t)

	body := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	_, err := m.Preprocess(context.Background(), PreprocessInput{Body: body, User: testUser()})
	require.Error(t, err)

	var rerr *shared.RequestError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 400, rerr.StatusCode)
}

func TestPreprocess_EmptyMessages(t *testing.T) {
	m := newTestManager(t)

	body := []byte(`{"model":"openai/gpt-4o","messages":[]}`)
	_, err := m.Preprocess(context.Background(), PreprocessInput{Body: body, User: testUser()})
	require.Error(t, err)

	var rerr *shared.RequestError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 400, rerr.StatusCode)
}

func TestPreprocess_MaxTokensDefault(t *testing.T) {
	m := newTestManager(t)

	body := []byte(`{"model":"openai/gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	info, err := m.Preprocess(context.Background(), PreprocessInput{Body: body, User: testUser()})
	require.NoError(t, err)

	require.NotNil(t, info.Options.MaxTokens)
	assert.Equal(t, shared.DefaultMaxTokens, *info.Options.MaxTokens)

	var reencoded map[string]any
	require.NoError(t, json.Unmarshal(info.Body, &reencoded))
	assert.Equal(t, float64(shared.DefaultMaxTokens), reencoded["max_tokens"])
}

func TestPreprocess_BodyNormalization(t *testing.T) {
	m := newTestManager(t)

	body := []byte(`{"model":"openai/gpt-4o","provider_preferences":["openai"],"messages":[{"role":"user","content":"hi"}],"stop":["END"],"n":2}`)
	info, err := m.Preprocess(context.Background(), PreprocessInput{Body: body, User: testUser()})
	require.NoError(t, err)

	var normalized map[string]any
	require.NoError(t, json.Unmarshal(info.Body, &normalized))

	// Unparsed client fields survive for the upstream call
	assert.Equal(t, []any{"END"}, normalized["stop"])
	assert.Equal(t, float64(2), normalized["n"])

	// Routing fields are stripped and the model loses its provider prefix
	assert.Equal(t, "gpt-4o", normalized["model"])
	assert.NotContains(t, normalized, "provider")
	assert.NotContains(t, normalized, "provider_preferences")
	assert.Equal(t, false, normalized["stream"])
}

func TestPreprocess_OptionParsing(t *testing.T) {
	m := newTestManager(t)

	body := []byte(`{"model":"openai/gpt-4o","messages":[{"role":"user","content":"hi"}],"temperature":0.3,"top_p":0.9,"max_tokens":64}`)
	info, err := m.Preprocess(context.Background(), PreprocessInput{Body: body, User: testUser()})
	require.NoError(t, err)

	require.NotNil(t, info.Options.Temperature)
	assert.InDelta(t, 0.3, *info.Options.Temperature, 1e-9)
	require.NotNil(t, info.Options.TopP)
	assert.InDelta(t, 0.9, *info.Options.TopP, 1e-9)
	require.NotNil(t, info.Options.MaxTokens)
	assert.Equal(t, 64, *info.Options.MaxTokens)
	assert.Nil(t, info.Options.FrequencyPenalty)
}

func TestPreprocess_RejectsBadOptionTypes(t *testing.T) {
	m := newTestManager(t)

	cases := []struct {
		name string
		body string
	}{
		{"string temperature", `{"model":"openai/gpt-4o","messages":[{"role":"user","content":"hi"}],"temperature":"hot"}`},
		{"negative max_tokens", `{"model":"openai/gpt-4o","messages":[{"role":"user","content":"hi"}],"max_tokens":-5}`},
		{"fractional max_tokens", `{"model":"openai/gpt-4o","messages":[{"role":"user","content":"hi"}],"max_tokens":1.5}`},
		{"non-bool stream", `{"model":"openai/gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":"yes"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Preprocess(context.Background(), PreprocessInput{Body: []byte(tc.body), User: testUser()})
			require.Error(t, err)

			var rerr *shared.RequestError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, 400, rerr.StatusCode)
		})
	}
}

func TestPreprocess_InsufficientCredits(t *testing.T) {
	m := newTestManager(t)

	body := []byte(`{"model":"openai/gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	user := shared.UserMetadata{UserID: 7, Credits: 0}

	_, err := m.Preprocess(context.Background(), PreprocessInput{Body: body, User: user})
	require.ErrorIs(t, err, shared.ErrInsufficientCredits)

	user.AllowOverspend = true
	_, err = m.Preprocess(context.Background(), PreprocessInput{Body: body, User: user})
	require.NoError(t, err)
}

func TestPreprocess_StreamFlag(t *testing.T) {
	m := newTestManager(t)

	body := []byte(`{"model":"openai/gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	info, err := m.Preprocess(context.Background(), PreprocessInput{Body: body, User: testUser()})
	require.NoError(t, err)
	assert.True(t, info.Stream)
}
