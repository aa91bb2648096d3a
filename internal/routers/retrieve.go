// Package routers
package routers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"ragops-api/internal/audit"
	"ragops-api/internal/ctx"
	"ragops-api/internal/metrics"
	"ragops-api/internal/middleware"
	"ragops-api/internal/ops"
	"ragops-api/internal/orchestrator"
	"ragops-api/internal/shared"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// SSEConfig tunes the streaming transport.
type SSEConfig struct {
	HeartbeatInterval time.Duration
	RetryMS           int
	StreamDeadline    time.Duration
	MaxStreams        int64
}

type RetrieveRouter struct {
	orch       *orchestrator.Orchestrator
	limiter    *ops.RateLimiter
	ledger     *ops.IdempotencyLedger
	recorder   *audit.Recorder
	streamGate *semaphore.Weighted
	log        *zap.SugaredLogger
	sse        SSEConfig
}

func RegisterRetrieveRoutes(
	e *echo.Group,
	orch *orchestrator.Orchestrator,
	limiter *ops.RateLimiter,
	ledger *ops.IdempotencyLedger,
	recorder *audit.Recorder,
	umw *middleware.UserMiddleware,
	log *zap.SugaredLogger,
	sse SSEConfig,
) {
	if sse.HeartbeatInterval < shared.MinHeartbeatInterval {
		sse.HeartbeatInterval = shared.MinHeartbeatInterval
	}
	if sse.StreamDeadline <= 0 {
		sse.StreamDeadline = shared.DefaultStreamDeadline
	}
	if sse.MaxStreams < 1 {
		sse.MaxStreams = shared.DefaultMaxConcurrentStreams
	}

	rr := &RetrieveRouter{
		orch:       orch,
		limiter:    limiter,
		ledger:     ledger,
		recorder:   recorder,
		streamGate: semaphore.NewWeighted(sse.MaxStreams),
		log:        log,
		sse:        sse,
	}

	v1 := e.Group("v1", umw.ExtractIdentity)
	requireUser := v1.Group("", umw.RequireRole("user"))
	requireUser.POST("/rest-retrieve/", rr.RestRetrieve)
	requireUser.POST("/sse-retrieve/", rr.SSERetrieve)
}

// readInput decodes and validates the request body. A nil return means the
// error response was already written.
func (rr *RetrieveRouter) readInput(c *ctx.Context) *shared.UserInput {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		c.LogValues.AddError(err)
		_ = c.JSON(http.StatusBadRequest, map[string]string{"error": shared.ErrInvalidRequest.Err.Error()})
		return nil
	}
	var ui shared.UserInput
	if err := json.Unmarshal(body, &ui); err != nil {
		c.LogValues.AddError(err)
		_ = c.JSON(http.StatusBadRequest, map[string]string{"error": shared.ErrInvalidRequest.Err.Error()})
		return nil
	}
	if ui.Question == "" {
		_ = c.JSON(http.StatusBadRequest, map[string]string{"error": shared.ErrMissingQuery.Err.Error()})
		return nil
	}
	if ui.UserID == "" && c.Identity != nil {
		ui.UserID = c.Identity.UserID
	}
	c.LogValues.SessionID = ui.SessionKey()
	return &ui
}

// admit runs the rate limiter; a false return means 429 was already written.
func (rr *RetrieveRouter) admit(c *ctx.Context, endpoint string) bool {
	identity := shared.ClientIdentity(c, c.Identity.UserID)
	if rr.limiter.Admit(c.Request().Context(), identity) {
		return true
	}
	metrics.RateLimitedRequests.WithLabelValues(endpoint).Inc()
	_ = c.JSON(http.StatusTooManyRequests, map[string]string{"error": shared.ErrRateLimited.Err.Error()})
	return false
}

func (rr *RetrieveRouter) RestRetrieve(cc echo.Context) error {
	c := cc.(*ctx.Context)
	start := time.Now()

	ui := rr.readInput(c)
	if ui == nil {
		return nil
	}
	if !rr.admit(c, "rest") {
		return nil
	}

	// Idempotent replay: same (method, path, key) within the TTL returns the
	// stored payload byte for byte, without re-invoking generation.
	idemKey := c.Request().Header.Get("Idempotency-Key")
	if idemKey != "" {
		if payload, ok := rr.ledger.Get(c.Request().Context(), c.Request().Method, c.Path(), idemKey); ok {
			return c.JSONBlob(http.StatusOK, []byte(payload))
		}
	}

	resp := rr.orch.Answer(c.Request().Context(), *ui)
	c.LogValues.FinishReason = resp.FinishReason
	c.LogValues.CacheHit = resp.CacheHit

	payload, err := json.Marshal(resp)
	if err != nil {
		c.LogValues.AddError(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": shared.ErrInternalServerError.Err.Error()})
	}
	if idemKey != "" {
		rr.ledger.Set(c.Request().Context(), c.Request().Method, c.Path(), idemKey, string(payload))
	}

	rr.recorder.Record(audit.Sample{
		UserID:       ui.UserKey(),
		Endpoint:     "rest",
		FinishReason: resp.FinishReason,
		CacheHit:     resp.CacheHit,
		Duration:     time.Since(start),
	})
	metrics.RequestDuration.WithLabelValues("rest").Observe(time.Since(start).Seconds())

	return c.JSONBlob(http.StatusOK, payload)
}
