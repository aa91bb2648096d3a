package shared

import "time"

// HTTP server configuration
const (
	DefaultHTTPTimeout     = 180 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	MaxRequestSizeBytes    = 256 * 1024
)

// Rate limiting
const (
	RateLimitWindow     = 60 * time.Second
	DefaultRateLimitRPM = 60
)

// Semantic cache
const (
	CacheVersion          = 1
	DefaultCacheTTL       = 30 * time.Second
	DefaultCacheCharLimit = 8000
)

// Idempotency ledger
const (
	IdempotencyTTL = 300 * time.Second
)

// History
const (
	HistoryKeepLast = 6
)

// Prompt assembly
const (
	PromptHistoryWindow = 6
	SnippetCharLimit    = 600
	DefaultTopK         = 3
)

// Generation client
const (
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = 600 * time.Millisecond
	DefaultFailThreshold  = 5
	DefaultBreakerOpenFor = 30 * time.Second
	DefaultLLMTimeout     = 60 * time.Second
)

// SSE transport
const (
	DefaultHeartbeatInterval = 15 * time.Second
	MinHeartbeatInterval     = 5 * time.Second
	DefaultResumeOverlap     = 1
	DefaultFrameFlushEvery   = 8
	DefaultStreamDeadline    = 120 * time.Second
)

// Admission gates
const (
	DefaultMaxConcurrentStreams     = 100
	DefaultMaxConcurrentGenerations = 8
)

// Readiness
const (
	ReadyCheckInterval = 20 * time.Second
	ReadyCheckTimeout  = 5 * time.Second
)

// Audit buckets
const (
	AuditFlushInterval = 1 * time.Minute
	AuditFlushRetry    = 30 * time.Second
	MaxAuditRetries    = 3
)
