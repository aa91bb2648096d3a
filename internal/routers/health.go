package routers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"ragops-api/internal/kv"
	"ragops-api/internal/llm"
	"ragops-api/internal/retriever"
	"ragops-api/internal/shared"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// ReadyStatus is the readiness aggregate served by GET /ready. It is
// recomputed by a background task, not per request, to bound check cost.
type ReadyStatus struct {
	OK           bool      `json:"ok"`
	Orchestrator bool      `json:"orchestrator"`
	Redis        bool      `json:"redis"`
	LLM          bool      `json:"llm"`
	Retriever    *bool     `json:"retriever,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

// ReadyChecker runs the periodic deep checks and caches the result.
type ReadyChecker struct {
	mu     sync.RWMutex
	status ReadyStatus

	store      *kv.Store
	llm        *llm.Client
	retriever  retriever.Retriever
	ragEnabled bool
	log        *zap.SugaredLogger
}

func NewReadyChecker(store *kv.Store, client *llm.Client, ret retriever.Retriever, ragEnabled bool, log *zap.SugaredLogger) *ReadyChecker {
	return &ReadyChecker{
		store:      store,
		llm:        client,
		retriever:  ret,
		ragEnabled: ragEnabled,
		log:        log,
	}
}

// Run evaluates readiness once immediately and then on every tick until ctx
// is canceled. Meant to run in its own goroutine.
func (rc *ReadyChecker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = shared.ReadyCheckInterval
	}
	rc.evaluate(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rc.evaluate(ctx)
		}
	}
}

func (rc *ReadyChecker) evaluate(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, shared.ReadyCheckTimeout)
	defer cancel()

	status := ReadyStatus{
		Orchestrator: true,
		CheckedAt:    time.Now(),
	}
	status.Redis = rc.store.Ping(cctx) == nil
	status.LLM = rc.llm.Check(cctx) == nil
	if rc.ragEnabled {
		ok := rc.retriever.Check(cctx) == nil
		status.Retriever = &ok
	}
	status.OK = status.Orchestrator && status.Redis && status.LLM &&
		(status.Retriever == nil || *status.Retriever)
	if !status.OK {
		rc.log.Warnw("readiness check failed",
			"redis", status.Redis, "llm", status.LLM, "retriever", status.Retriever)
	}

	rc.mu.Lock()
	rc.status = status
	rc.mu.Unlock()
}

func (rc *ReadyChecker) Status() ReadyStatus {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.status
}

// RegisterHealthRoutes wires the liveness and readiness endpoints.
func RegisterHealthRoutes(e *echo.Echo, rc *ReadyChecker) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	})
	e.GET("/ready", func(c echo.Context) error {
		status := rc.Status()
		code := http.StatusOK
		if !status.OK {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, status)
	})
}
