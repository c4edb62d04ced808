package shared

import "time"

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// GenerationOptions is the subset of request parameters that influence model
// output. Anything outside this set is ignored by the deduplication
// fingerprint.
type GenerationOptions struct {
	Model            string   `json:"model"`
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
}

type RequestInfo struct {
	Body      []byte
	UserID    uint64
	Credits   uint64
	ID        string
	StartTime time.Time
	Endpoint  string
	Provider  string
	Model     string
	Stream    bool
	Messages  []ChatMessage
	Options   GenerationOptions
}

type Usage struct {
	PromptTokens     uint64 `json:"prompt_tokens"`
	CompletionTokens uint64 `json:"completion_tokens"`
	TotalTokens      uint64 `json:"total_tokens"`
	IsCanceled       bool   `json:"-"`
}

// ProcessedChatInfo is the post-request record handed to the usage buckets
// for crediting and persistence.
type ProcessedChatInfo struct {
	UserID           uint64
	Provider         string
	Model            string
	Endpoint         string
	Usage            *Usage
	TimeToFirstToken time.Duration
	TotalTime        time.Duration
	TotalCredits     uint64
	CreatedAt        time.Time
	Deduplicated     bool
}

type OpenAIError struct {
	Message string `json:"message"`
	Object  string `json:"object"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

type UserMetadata struct {
	Email          string `json:"email,omitempty"`
	UserID         uint64 `json:"user_id,omitempty"`
	Credits        uint64 `json:"credits,omitempty"`
	AllowOverspend bool   `json:"allow_overspend,omitempty"`
	RPM            int    `json:"rpm,omitempty"`
	Role           string `json:"role,omitempty"`
	APIKey         string `json:"-"`
}
