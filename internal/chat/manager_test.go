package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"multillm-api/internal/buckets"
	"multillm-api/internal/dedup"
	"multillm-api/internal/providers"
)

func TestDoChat_ForwardsClientFieldsUpstream(t *testing.T) {
	var gotRaw []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		gotRaw, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}],"usage":{"prompt_tokens":2,"completion_tokens":1,"total_tokens":3}}`)
	}))
	defer srv.Close()

	log := zaptest.NewLogger(t).Sugar()
	registry := providers.NewRegistry(log)
	registry.Register(providers.NewOpenAI(providers.Config{
		Name:    "openai",
		BaseURL: srv.URL,
		Models:  []string{"gpt-4o"},
	}, log))

	d := dedup.New(dedup.DefaultConfig(), log)
	defer d.Close()

	m := &Manager{
		Log:        log,
		Registry:   registry,
		Dedup:      d,
		usageCache: buckets.NewUsageCache(log, nil),
	}

	body := []byte(`{"model":"openai/gpt-4o","messages":[{"role":"user","content":"hi"}],"stop":["END"],"n":2}`)
	info, err := m.Preprocess(context.Background(), PreprocessInput{
		Body:      body,
		User:      testUser(),
		RequestID: "r1",
	})
	require.NoError(t, err)

	out, err := m.DoChat(ChatInput{Req: info, User: testUser(), Ctx: context.Background()})
	require.NoError(t, err)
	require.NotNil(t, out.FinalResponse)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(gotRaw, &sent))
	assert.Equal(t, []any{"END"}, sent["stop"])
	assert.Equal(t, float64(2), sent["n"])
	assert.Equal(t, "gpt-4o", sent["model"])
	assert.Equal(t, uint64(2), out.Usage.PromptTokens)
}
