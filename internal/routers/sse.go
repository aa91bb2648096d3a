package routers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ragops-api/internal/audit"
	"ragops-api/internal/ctx"
	"ragops-api/internal/metrics"
	"ragops-api/internal/shared"

	"github.com/labstack/echo/v4"
)

// formatSSE renders one event frame. Framing is bit-exact for client
// compatibility: "id: <n>\nevent: <name>\ndata: <json>\n\n", id omitted when
// nil.
func formatSSE(id *int, event string, data any) string {
	payload, _ := json.Marshal(data)
	var b strings.Builder
	if id != nil {
		fmt.Fprintf(&b, "id: %d\n", *id)
	}
	fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", event, payload)
	return b.String()
}

func lastEventID(c echo.Context) int {
	val := c.Request().Header.Get("Last-Event-ID")
	if val == "" {
		return 0
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (rr *RetrieveRouter) SSERetrieve(cc echo.Context) error {
	c := cc.(*ctx.Context)
	start := time.Now()

	ui := rr.readInput(c)
	if ui == nil {
		return nil
	}
	if !rr.admit(c, "sse") {
		return nil
	}

	reqCtx := c.Request().Context()
	if err := rr.streamGate.Acquire(reqCtx, 1); err != nil {
		return nil
	}
	defer rr.streamGate.Release(1)
	metrics.OpenStreams.Inc()
	defer metrics.OpenStreams.Dec()

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	write := func(frame string) error {
		if _, err := fmt.Fprint(c.Response(), frame); err != nil {
			return err
		}
		c.Response().Flush()
		return nil
	}

	if rr.sse.RetryMS > 0 {
		if err := write(fmt.Sprintf("retry: %d\n\n", rr.sse.RetryMS)); err != nil {
			return nil
		}
	}
	if err := write(formatSSE(nil, "metadata", map[string]string{"session_id": ui.SessionKey()})); err != nil {
		return nil
	}

	// The stream deadline is wall clock, computed once at stream start.
	deadline := start.Add(rr.sse.StreamDeadline)
	sctx, cancel := context.WithDeadline(reqCtx, deadline)
	defer cancel()

	resumeFrom := lastEventID(c)
	eid := resumeFrom
	lastBeat := time.Now()
	firstToken := true

	emit := func(token string) error {
		if reqCtx.Err() != nil {
			return context.Canceled
		}
		if time.Now().After(deadline) {
			return shared.ErrStreamTimeout
		}
		if firstToken {
			firstToken = false
			metrics.TimeToFirstToken.WithLabelValues("sse").Observe(time.Since(start).Seconds())
		}
		eid++
		if err := write(formatSSE(&eid, "delta", map[string]string{"text": token})); err != nil {
			return err
		}
		if now := time.Now(); now.Sub(lastBeat) >= rr.sse.HeartbeatInterval {
			lastBeat = now
			if err := write(":keepalive\n\n"); err != nil {
				return err
			}
		}
		return nil
	}

	finishReason, cacheHit, streamErr := rr.orch.AnswerTokens(sctx, *ui, resumeFrom, emit)
	c.LogValues.FinishReason = finishReason
	c.LogValues.CacheHit = cacheHit

	timedOut := streamErr != nil &&
		(errors.Is(streamErr, shared.ErrStreamTimeout) || errors.Is(streamErr, context.DeadlineExceeded)) &&
		!time.Now().Before(deadline)

	switch {
	case timedOut:
		eid++
		_ = write(formatSSE(&eid, "done", map[string]any{"ok": false, "reason": "timeout"}))
	case streamErr != nil:
		// Client gone; no further frames attempted.
		c.LogValues.AddError(streamErr)
	case finishReason == shared.FinishBlocked:
		eid++
		_ = write(formatSSE(&eid, "done", map[string]any{"ok": false, "reason": shared.FinishBlocked}))
	case finishReason == shared.FinishDegraded:
		eid++
		_ = write(formatSSE(&eid, "done", map[string]any{"ok": true, "reason": shared.FinishDegraded}))
	default:
		eid++
		_ = write(formatSSE(&eid, "done", map[string]any{"ok": true}))
	}

	rr.recorder.Record(audit.Sample{
		UserID:       ui.UserKey(),
		Endpoint:     "sse",
		FinishReason: finishReason,
		CacheHit:     cacheHit,
		Stream:       true,
		Duration:     time.Since(start),
	})
	metrics.RequestDuration.WithLabelValues("sse").Observe(time.Since(start).Seconds())

	return nil
}
