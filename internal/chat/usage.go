package chat

import (
	"encoding/json"
	"errors"
	"fmt"

	"multillm-api/internal/shared"
)

func getTokenCount(usageData map[string]any, field string) (uint64, error) {
	value, ok := usageData[field]
	if !ok {
		return 0, fmt.Errorf("missing %s field", field)
	}
	floatVal, ok := value.(float64)
	if !ok {
		return 0, fmt.Errorf("invalid type for %s field", field)
	}
	return uint64(floatVal), nil
}

// extractUsage pulls token accounting out of a chat completion response body.
func extractUsage(body []byte) (*shared.Usage, error) {
	var response map[string]any
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("error unmarshaling response: %w", err)
	}

	usageData, ok := response["usage"].(map[string]any)
	if !ok {
		return nil, errors.New("missing or invalid usage data")
	}

	promptTokens, err := getTokenCount(usageData, "prompt_tokens")
	if err != nil {
		return nil, fmt.Errorf("error getting prompt tokens: %w", err)
	}

	completionTokens, err := getTokenCount(usageData, "completion_tokens")
	if err != nil {
		return nil, fmt.Errorf("error getting completion tokens: %w", err)
	}

	totalTokens, err := getTokenCount(usageData, "total_tokens")
	if err != nil {
		totalTokens = promptTokens + completionTokens
	}

	return &shared.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      totalTokens,
	}, nil
}
