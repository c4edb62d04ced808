package shared

import "time"

// HTTP Client Configuration
const (
	DefaultHTTPTimeout     = 180 * time.Second
	DefaultRequestTimeout  = 120 * time.Second
	DefaultShutdownTimeout = 10 * time.Minute
)

// Cache Configuration
const (
	UserInfoCacheTTL  = 1 * time.Minute
	ProviderHealthTTL = 30 * time.Second
)

// API Configuration
const (
	DefaultMaxTokens    = 512
	DefaultStreamOption = false
	APIKeyLength        = 32
)

// Deduplication Configuration
const (
	DedupDefaultMaxActive = 100
	DedupSweepInterval    = 60 * time.Second
	DedupMaxEntryAge      = 5 * time.Minute
)

// Bucket Configuration
const (
	BucketFlushInterval = 1 * time.Minute
	BucketRetryDelay    = 30 * time.Second
	MaxFlushRetries     = 3
)

// ENDPOINTS names the request surfaces recorded in usage rows and metrics.
var ENDPOINTS = struct {
	CHAT string
}{
	CHAT: "chat/completions",
}
