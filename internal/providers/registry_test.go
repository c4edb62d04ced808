package providers

import (
	"context"
	"errors"
	"testing"

	"multillm-api/internal/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a scriptable in-memory Provider for registry tests.
type fakeProvider struct {
	name      string
	models    []string
	healthErr error
	chatBody  []byte
	chatErr   error
	calls     int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Models() []string { return f.models }

func (f *fakeProvider) Pricing() (uint64, uint64) { return 1, 2 }

func (f *fakeProvider) ChatCompletion(ctx context.Context, req ChatRequest) ([]byte, error) {
	f.calls++
	return f.chatBody, f.chatErr
}

func (f *fakeProvider) StreamChatCompletion(ctx context.Context, req ChatRequest, write StreamWriter) error {
	return f.chatErr
}

func (f *fakeProvider) HealthCheck(ctx context.Context) error { return f.healthErr }

func TestRegistry_SelectPrefersPreferences(t *testing.T) {
	r := NewRegistry(testLogger(t))
	r.Register(&fakeProvider{name: "openai", models: []string{"gpt-4o"}})
	r.Register(&fakeProvider{name: "anthropic", models: []string{"claude-sonnet-4"}})

	p, err := r.Select(context.Background(), []string{"anthropic"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
}

func TestRegistry_SelectSkipsUnhealthyPreference(t *testing.T) {
	r := NewRegistry(testLogger(t))
	r.Register(&fakeProvider{name: "openai", models: []string{"gpt-4o"}})
	r.Register(&fakeProvider{name: "anthropic", healthErr: errors.New("down")})

	p, err := r.Select(context.Background(), []string{"anthropic"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
}

func TestRegistry_SelectNoHealthyProvider(t *testing.T) {
	r := NewRegistry(testLogger(t))
	r.Register(&fakeProvider{name: "openai", healthErr: errors.New("down")})

	_, err := r.Select(context.Background(), nil)
	assert.Equal(t, shared.ErrNoHealthyBackend, err)
}

func TestRegistry_HealthCaching(t *testing.T) {
	probe := &fakeProvider{name: "openai"}
	r := NewRegistry(testLogger(t))
	r.Register(probe)

	assert.True(t, r.Healthy(context.Background(), "openai"))

	// Within the TTL the cached result is served even if the backend dies.
	probe.healthErr = errors.New("down")
	assert.True(t, r.Healthy(context.Background(), "openai"))
}

func TestRegistry_ResolveModel(t *testing.T) {
	r := NewRegistry(testLogger(t))
	r.Register(&fakeProvider{name: "openai", models: []string{"gpt-4o", "gpt-4o-mini"}})
	r.Register(&fakeProvider{name: "anthropic", models: []string{"claude-sonnet-4"}})

	p, ok := r.ResolveModel("claude-sonnet-4")
	require.True(t, ok)
	assert.Equal(t, "anthropic", p.Name())

	_, ok = r.ResolveModel("unknown-model")
	assert.False(t, ok)

	_, ok = r.ResolveModel("")
	assert.False(t, ok)
}

func TestRegistry_Statuses(t *testing.T) {
	r := NewRegistry(testLogger(t))
	r.Register(&fakeProvider{name: "openai", models: []string{"gpt-4o"}})
	r.Register(&fakeProvider{name: "anthropic", healthErr: errors.New("bad key")})

	statuses := r.Statuses(context.Background())
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Healthy)
	assert.False(t, statuses[1].Healthy)
	assert.Equal(t, "bad key", statuses[1].Error)
}

func TestTest_ProbeSuccess(t *testing.T) {
	r := NewRegistry(testLogger(t))
	r.Register(&fakeProvider{
		name:     "openai",
		models:   []string{"gpt-4o"},
		chatBody: []byte(`{"choices":[{"message":{"content":"pong"}}]}`),
	})

	result := r.Test(context.Background(), "openai")
	assert.True(t, result.OK)
	assert.Equal(t, "gpt-4o", result.Model)
	assert.Equal(t, "pong", result.Response)
	assert.Empty(t, result.Error)
}

func TestTest_ProbeFailure(t *testing.T) {
	r := NewRegistry(testLogger(t))
	r.Register(&fakeProvider{
		name:    "openai",
		models:  []string{"gpt-4o"},
		chatErr: &shared.RequestError{StatusCode: 401, Err: errors.New("invalid api key")},
	})

	result := r.Test(context.Background(), "openai")
	assert.False(t, result.OK)
	assert.Equal(t, "invalid api key", result.Error)
}

func TestTest_UnknownProvider(t *testing.T) {
	r := NewRegistry(testLogger(t))
	result := r.Test(context.Background(), "missing")
	assert.False(t, result.OK)
	assert.Equal(t, "provider not found", result.Error)
}
