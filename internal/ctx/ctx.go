// Package ctx
package ctx

import (
	"fmt"
	"time"

	"ragops-api/internal/shared"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextLogValues should only be accessed for logging, and not for
// actual business logic
type ContextLogValues struct {
	// Added in track middleware
	RequestID       string
	StartTime       time.Time
	StatusCode      int
	RequestDuration time.Duration
	Path            string

	// Added in auth middleware
	UserID string
	Role   string

	// Added by the retrieve routes
	SessionID    string
	FinishReason string
	CacheHit     bool

	// Override log level. Useful for streaming where the status code is sent
	// before mid-stream or post processing errors occur
	LogLevel string

	// Added dynamically
	Error error
}

// AddError adds errors to the error chain. Always add errors, even if only warnings.
func (c *ContextLogValues) AddError(err error) {
	if err == nil {
		return
	}
	if c.Error == nil {
		c.Error = err
		return
	}
	c.Error = fmt.Errorf("%w: %w", err, c.Error)
}

func (c *ContextLogValues) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if c.UserID != "" {
		enc.AddString("user_id", c.UserID)
		enc.AddString("role", c.Role)
	}
	if c.SessionID != "" {
		enc.AddString("session_id", c.SessionID)
	}
	if c.FinishReason != "" {
		enc.AddString("finish_reason", c.FinishReason)
		enc.AddBool("cache_hit", c.CacheHit)
	}
	enc.AddString("request_id", c.RequestID)
	enc.AddTime("start_time", c.StartTime)
	enc.AddDuration("request_duration", c.RequestDuration)
	enc.AddInt("status_code", c.StatusCode)
	if c.Error != nil {
		enc.AddString("error", c.Error.Error())
	}
	enc.AddString("path", c.Path)
	return nil
}

type Context struct {
	echo.Context
	Log       *zap.SugaredLogger
	Reqid     string
	Identity  *shared.Identity
	LogValues *ContextLogValues
}
