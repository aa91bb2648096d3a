// Package orchestrator composes the answer pipeline: guardrails, semantic
// cache, history, retrieval, generation and persistence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ragops-api/internal/cache"
	"ragops-api/internal/history"
	"ragops-api/internal/llm"
	"ragops-api/internal/metrics"
	"ragops-api/internal/prompt"
	"ragops-api/internal/retriever"
	"ragops-api/internal/safety"
	"ragops-api/internal/shared"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const blockedNotice = "Request blocked: it appears to share sensitive credentials."

type Config struct {
	RAGEnabled         bool
	TopK               int
	Strict             bool
	ResumeOverlap      int
	FrameFlushEvery    int
	SystemInstructions string
}

type Orchestrator struct {
	llm       *llm.Client
	retriever retriever.Retriever
	cache     *cache.Semantic
	history   *history.Store
	genGate   *semaphore.Weighted
	log       *zap.SugaredLogger
	cfg       Config
}

func New(client *llm.Client, ret retriever.Retriever, sc *cache.Semantic, hs *history.Store, maxGenerations int64, log *zap.SugaredLogger, cfg Config) *Orchestrator {
	if cfg.TopK < 1 {
		cfg.TopK = shared.DefaultTopK
	}
	if cfg.ResumeOverlap < 0 {
		cfg.ResumeOverlap = 0
	}
	if cfg.FrameFlushEvery < 1 {
		cfg.FrameFlushEvery = shared.DefaultFrameFlushEvery
	}
	if cfg.SystemInstructions == "" {
		cfg.SystemInstructions = prompt.DefaultSystemInstructions
	}
	if maxGenerations < 1 {
		maxGenerations = shared.DefaultMaxConcurrentGenerations
	}
	return &Orchestrator{
		llm:       client,
		retriever: ret,
		cache:     sc,
		history:   hs,
		genGate:   semaphore.NewWeighted(maxGenerations),
		log:       log,
		cfg:       cfg,
	}
}

// fallbackAnswer synthesizes a deterministic degraded answer when the
// generation backend is unavailable.
func (o *Orchestrator) fallbackAnswer(question string, results []shared.RetrievalResult) string {
	if !o.cfg.RAGEnabled || len(results) == 0 {
		return "The generation service is temporarily unavailable and no retrieved context is on hand. Please try again shortly."
	}
	parts := []string{"Quick summary (composed without the generation service):"}
	for i, r := range results {
		if i == 3 {
			break
		}
		snippet := strings.ReplaceAll(strings.TrimSpace(r.PageContent), "\n", " ")
		parts = append(parts, fmt.Sprintf("- [%d] (%s) %s", i+1, r.Source(), shared.Truncate(snippet, 400)))
	}
	parts = append(parts, "", "Question: "+question)
	return strings.Join(parts, "\n")
}

// retrieve runs retrieval when enabled; any failure is logged and treated as
// no context, never fatal to the request.
func (o *Orchestrator) retrieve(ctx context.Context, question string) []shared.RetrievalResult {
	if !o.cfg.RAGEnabled {
		return nil
	}
	results, err := o.retriever.Retrieve(ctx, question, o.cfg.TopK)
	if err != nil {
		o.log.Errorw("retrieval failed, continuing without context", "error", err)
		metrics.ErrorCount.WithLabelValues("retrieval").Inc()
		return nil
	}
	return results
}

func citations(results []shared.RetrievalResult) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		out = append(out, r.Metadata)
	}
	return out
}

// Answer runs the synchronous flow. It never fails: every recoverable error
// degrades to a best-effort response.
func (o *Orchestrator) Answer(ctx context.Context, ui shared.UserInput) shared.ResponseOutput {
	allowed, question := safety.CheckInput(ui.Question)
	if !allowed {
		metrics.RequestCount.WithLabelValues("rest", shared.FinishBlocked).Inc()
		return shared.ResponseOutput{
			Text:         blockedNotice,
			Citations:    []map[string]any{},
			FinishReason: shared.FinishBlocked,
		}
	}

	if hit := o.cache.Get(ctx, question, ui); hit != nil && hit.Text != "" && len(hit.Frames) == 0 {
		metrics.RequestCount.WithLabelValues("rest", "cache_hit").Inc()
		reason := hit.FinishReason
		if reason == "" {
			reason = shared.FinishStop
		}
		cits := hit.Citations
		if cits == nil {
			cits = []map[string]any{}
		}
		return shared.ResponseOutput{Text: hit.Text, Citations: cits, FinishReason: reason, CacheHit: true}
	}

	sessionID := ui.SessionKey()
	historyMsgs := o.history.Load(ctx, sessionID)
	o.history.Trim(ctx, sessionID)

	results := o.retrieve(ctx, question)
	messages := prompt.BuildMessages(question, historyMsgs, prompt.BuildContext(results), o.cfg.SystemInstructions)

	finishReason := shared.FinishStop
	text, err := o.generate(ctx, messages)
	if err != nil {
		o.log.Errorw("generation failed, serving degraded answer", "error", err, "circuit_open", errors.Is(err, shared.ErrCircuitOpen))
		text = o.fallbackAnswer(question, results)
		finishReason = shared.FinishDegraded
	}

	text = safety.CheckOutput(text, o.cfg.Strict)

	resp := shared.ResponseOutput{Text: text, Citations: citations(results), FinishReason: finishReason}
	o.persist(ctx, sessionID, question, ui, resp)
	metrics.RequestCount.WithLabelValues("rest", finishReason).Inc()
	return resp
}

// generate calls the backend under the generation gate. The gate is held for
// the backend call only, never around cache or retrieval work.
func (o *Orchestrator) generate(ctx context.Context, messages []shared.Message) (string, error) {
	if err := o.genGate.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer o.genGate.Release(1)
	return o.llm.Generate(ctx, messages)
}

// persist writes the finished turn to history and the cache. Failures are
// logged, never surfaced; the response is already on its way to the client.
func (o *Orchestrator) persist(ctx context.Context, sessionID, question string, ui shared.UserInput, resp shared.ResponseOutput) {
	o.history.Append(ctx, sessionID,
		shared.Message{Role: shared.RoleUser, Content: question},
		shared.Message{Role: shared.RoleAssistant, Content: resp.Text},
	)
	o.cache.Set(ctx, question, ui, cache.Entry{
		Text:         resp.Text,
		Citations:    resp.Citations,
		FinishReason: resp.FinishReason,
	})
}
