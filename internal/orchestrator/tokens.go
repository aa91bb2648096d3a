package orchestrator

import (
	"context"
	"errors"
	"strings"

	"ragops-api/internal/cache"
	"ragops-api/internal/metrics"
	"ragops-api/internal/prompt"
	"ragops-api/internal/safety"
	"ragops-api/internal/shared"
)

// AnswerTokens runs the streaming flow, delivering text chunks to emit in
// order. resumeFrom is the client's last seen event id; on a cache hit the
// stored frames are replayed from max(0, resumeFrom-overlap) and cacheHit is
// true. The returned finish reason is what the transport reports in its done
// frame.
//
// An emit error means the client is gone or the stream deadline fired; the
// accumulated state is still persisted, but no further chunks are attempted.
func (o *Orchestrator) AnswerTokens(ctx context.Context, ui shared.UserInput, resumeFrom int, emit func(token string) error) (finishReason string, cacheHit bool, clientGone error) {
	allowed, question := safety.CheckInput(ui.Question)
	if !allowed {
		metrics.RequestCount.WithLabelValues("sse", shared.FinishBlocked).Inc()
		return shared.FinishBlocked, false, nil
	}

	if hit := o.cache.Get(ctx, question, ui); hit != nil && len(hit.Frames) > 0 {
		metrics.RequestCount.WithLabelValues("sse", "cache_hit").Inc()
		start := resumeFrom - o.cfg.ResumeOverlap
		if start < 0 {
			start = 0
		}
		for _, frame := range hit.Frames[min(start, len(hit.Frames)):] {
			if err := emit(frame); err != nil {
				return shared.FinishStop, true, err
			}
		}
		return shared.FinishStop, true, nil
	}

	sessionID := ui.SessionKey()
	historyMsgs := o.history.Load(ctx, sessionID)
	o.history.Trim(ctx, sessionID)

	results := o.retrieve(ctx, question)
	messages := prompt.BuildMessages(question, historyMsgs, prompt.BuildContext(results), o.cfg.SystemInstructions)

	var frames []string
	var full strings.Builder

	finishReason = shared.FinishStop
	streamErr := o.stream(ctx, messages, func(token string) error {
		if safety.CheckStreamToken(token, o.cfg.Strict) {
			return nil
		}
		frames = append(frames, token)
		full.WriteString(token)
		// Incremental flush so a disconnect mid-stream still leaves a
		// resumable cache entry.
		if len(frames)%o.cfg.FrameFlushEvery == 0 {
			o.cache.Set(ctx, question, ui, cache.Entry{Frames: frames, Text: full.String()})
		}
		return emit(token)
	})

	if streamErr != nil {
		if errors.Is(streamErr, context.Canceled) || errors.Is(streamErr, shared.ErrStreamTimeout) || errors.Is(streamErr, context.DeadlineExceeded) {
			clientGone = streamErr
		} else {
			o.log.Errorw("stream failed, serving degraded chunk", "error", streamErr, "circuit_open", errors.Is(streamErr, shared.ErrCircuitOpen))
			fallback := o.fallbackAnswer(question, results)
			frames = append(frames, fallback)
			full.Reset()
			full.WriteString(fallback)
			finishReason = shared.FinishDegraded
			if err := emit(fallback); err != nil {
				clientGone = err
			}
		}
	}

	text := safety.CheckOutput(full.String(), o.cfg.Strict)

	// Persist with a background-capable context: the request context may
	// already be canceled when the client disconnected.
	pctx := ctx
	if pctx.Err() != nil {
		pctx = context.WithoutCancel(ctx)
	}
	o.history.Append(pctx, sessionID,
		shared.Message{Role: shared.RoleUser, Content: question},
		shared.Message{Role: shared.RoleAssistant, Content: text},
	)
	o.cache.Set(pctx, question, ui, cache.Entry{Frames: frames, Text: text})

	metrics.RequestCount.WithLabelValues("sse", finishReason).Inc()
	return finishReason, false, clientGone
}

// stream calls the backend streaming interface under the generation gate.
func (o *Orchestrator) stream(ctx context.Context, messages []shared.Message, emit func(token string) error) error {
	if err := o.genGate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer o.genGate.Release(1)
	return o.llm.Stream(ctx, messages, emit)
}
