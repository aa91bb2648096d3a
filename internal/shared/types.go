// Package shared holds the domain types and helpers used across the api
package shared

// Role values accepted in a conversation message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single conversation turn. Messages are immutable once created.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// UserInput is the request body for both retrieve endpoints.
type UserInput struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// SessionKey returns the session id used for history keying.
func (u UserInput) SessionKey() string {
	if u.SessionID == "" {
		return "default"
	}
	return u.SessionID
}

// UserKey returns the user id used for cache keying.
func (u UserInput) UserKey() string {
	if u.UserID == "" {
		return "anon"
	}
	return u.UserID
}

// RetrievalResult is produced by the retriever and read-only to the pipeline.
type RetrievalResult struct {
	PageContent string         `json:"page_content"`
	Metadata    map[string]any `json:"metadata"`
	Score       *float64       `json:"score,omitempty"`
}

// Source returns the source label from the result metadata.
func (r RetrievalResult) Source() string {
	if s, ok := r.Metadata["source"].(string); ok && s != "" {
		return s
	}
	return "unknown"
}

// Finish reasons carried on ResponseOutput.
const (
	FinishStop     = "stop"
	FinishLength   = "length"
	FinishBlocked  = "blocked"
	FinishError    = "error"
	FinishDegraded = "degraded"
)

// ResponseOutput is the unit returned to REST clients and persisted to the cache.
type ResponseOutput struct {
	Text         string           `json:"text"`
	Citations    []map[string]any `json:"citations"`
	FinishReason string           `json:"finish_reason"`

	// CacheHit never goes over the wire; routers read it for logging and
	// audit stats.
	CacheHit bool `json:"-"`
}

// Identity is the resolved caller identity, set by the auth middleware.
type Identity struct {
	UserID string
	Role   string
}
