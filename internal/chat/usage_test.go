package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractUsage(t *testing.T) {
	body := []byte(`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":34,"total_tokens":46}}`)

	usage, err := extractUsage(body)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), usage.PromptTokens)
	assert.Equal(t, uint64(34), usage.CompletionTokens)
	assert.Equal(t, uint64(46), usage.TotalTokens)
	assert.False(t, usage.IsCanceled)
}

func TestExtractUsage_MissingTotalFallsBack(t *testing.T) {
	body := []byte(`{"usage":{"prompt_tokens":10,"completion_tokens":5}}`)

	usage, err := extractUsage(body)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), usage.TotalTokens)
}

func TestExtractUsage_Errors(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `not json`},
		{"missing usage", `{"choices":[]}`},
		{"usage wrong type", `{"usage":"lots"}`},
		{"missing prompt tokens", `{"usage":{"completion_tokens":5}}`},
		{"string token count", `{"usage":{"prompt_tokens":"12","completion_tokens":5}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := extractUsage([]byte(tc.body))
			require.Error(t, err)
		})
	}
}
