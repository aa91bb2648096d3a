// Package llm wraps an OpenAI-compatible generation backend with retries, a
// shared circuit breaker, and one-shot plus streaming interfaces.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ragops-api/internal/metrics"
	"ragops-api/internal/shared"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// transientCodes is the set of backend statuses worth retrying. Anything else
// fails immediately.
var transientCodes = map[int]bool{
	408: true, 409: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
}

// backendError carries the HTTP status of a failed backend call. Status 0
// means the request never produced a response (transport failure), which is
// treated as transient.
type backendError struct {
	status int
	err    error
}

func (e *backendError) Error() string {
	if e.status == 0 {
		return fmt.Sprintf("backend request failed: %v", e.err)
	}
	return fmt.Sprintf("backend responded %d: %v", e.status, e.err)
}

func (e *backendError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var be *backendError
	if errors.As(err, &be) {
		return be.status == 0 || transientCodes[be.status]
	}
	return false
}

type Config struct {
	BaseURL    string
	Model      string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
}

type Client struct {
	cfg     Config
	http    *http.Client
	breaker *Breaker
	log     *zap.SugaredLogger
}

func NewClient(cfg Config, breaker *Breaker, log *zap.SugaredLogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = shared.DefaultLLMTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = shared.DefaultRetryBaseDelay
	}
	return &Client{
		cfg: cfg,
		// No client-level timeout: streams outlive any sane request timeout.
		// Per-call deadlines come from the request context.
		http:    &http.Client{},
		breaker: breaker,
		log:     log,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type chatChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

// toWireMessages maps domain messages onto the backend schema. The tool role
// is downgraded to system, which every OpenAI-compatible server accepts.
func toWireMessages(msgs []shared.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		role := m.Role
		if role == shared.RoleTool {
			role = shared.RoleSystem
		}
		out = append(out, chatMessage{Role: role, Content: m.Content})
	}
	return out
}

// withRetry runs fn under the retry policy: transient failures back off
// exponentially (base delay doubling per attempt) up to MaxRetries; anything
// else, including a rejected call while the circuit is open, stops the loop
// immediately.
func (c *Client) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(c.cfg.MaxRetries), retry.NewExponential(c.cfg.BaseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.breaker.Allow(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			c.breaker.RecordSuccess()
			return nil
		}
		transient := isTransient(err)
		c.breaker.RecordFailure(transient)
		metrics.ErrorCount.WithLabelValues("llm").Inc()
		if transient {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) post(ctx context.Context, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed encoding backend request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed building backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, &backendError{status: 0, err: err}
	}
	if res.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		_ = res.Body.Close()
		return nil, &backendError{status: res.StatusCode, err: errors.New(strings.TrimSpace(string(snippet)))}
	}
	return res, nil
}

// Generate performs a one-shot completion and returns the generated text.
func (c *Client) Generate(ctx context.Context, msgs []shared.Message) (string, error) {
	var text string
	start := time.Now()
	err := c.withRetry(ctx, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		res, err := c.post(cctx, chatRequest{Model: c.cfg.Model, Messages: toWireMessages(msgs)})
		if err != nil {
			return err
		}
		defer func() { _ = res.Body.Close() }()

		var parsed chatResponse
		if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
			return &backendError{status: 0, err: fmt.Errorf("failed decoding backend response: %w", err)}
		}
		if len(parsed.Choices) == 0 {
			return &backendError{status: 0, err: errors.New("backend returned no choices")}
		}
		text = parsed.Choices[0].Message.Content
		return nil
	})
	observeLatency("generate", start)
	return text, err
}

// Stream performs a streaming completion, delivering chunks to emit in
// arrival order. The backend may frame chunks either as SSE data lines or as
// bare JSON lines; both shapes are handled. If a whole attempt completes with
// zero tokens, Stream falls back to Generate and emits its result as one
// chunk, so callers always see at least one chunk on success. An emit error
// (client gone) aborts the stream without retrying.
func (c *Client) Stream(ctx context.Context, msgs []shared.Message, emit func(token string) error) error {
	var errEmit = errors.New("emit failed")
	start := time.Now()
	err := c.withRetry(ctx, func(ctx context.Context) error {
		res, err := c.post(ctx, chatRequest{Model: c.cfg.Model, Messages: toWireMessages(msgs), Stream: true})
		if err != nil {
			return err
		}
		defer func() { _ = res.Body.Close() }()

		yielded := false
		scanner := bufio.NewScanner(res.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			token, ok := decodeChunkLine(scanner.Text())
			if !ok {
				continue
			}
			if token == "" {
				continue
			}
			yielded = true
			if err := emit(token); err != nil {
				return errors.Join(errEmit, err)
			}
		}
		if err := scanner.Err(); err != nil {
			if yielded {
				// Tokens already reached the caller; a retry would replay
				// them. Surface the failure instead.
				return errors.Join(errEmit, &backendError{status: 0, err: err})
			}
			return &backendError{status: 0, err: err}
		}

		if !yielded {
			c.log.Warnw("stream yielded no tokens, falling back to one-shot generation")
			text, gerr := c.Generate(ctx, msgs)
			if gerr != nil {
				return gerr
			}
			return emit(text)
		}
		return nil
	})
	observeLatency("stream", start)
	return err
}

// decodeChunkLine extracts the delta content from one stream line. Two
// framings are tried in order: an SSE "data: <json>" line, then a bare JSON
// chunk line. Everything else (event names, blanks, [DONE]) is skipped.
func decodeChunkLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	if data, found := strings.CutPrefix(line, "data: "); found {
		if data == "[DONE]" {
			return "", false
		}
		line = data
	} else if !strings.HasPrefix(line, "{") {
		return "", false
	}

	var chunk chatResponse
	if err := json.Unmarshal([]byte(line), &chunk); err != nil {
		return "", false
	}
	if len(chunk.Choices) == 0 {
		return "", false
	}
	if delta := chunk.Choices[0].Delta.Content; delta != "" {
		return delta, true
	}
	return chunk.Choices[0].Message.Content, true
}

// Check probes the backend for readiness.
func (c *Client) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err != nil {
		return err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	_ = res.Body.Close()
	if res.StatusCode >= 500 {
		return fmt.Errorf("backend unhealthy: status %d", res.StatusCode)
	}
	return nil
}

// observeLatency is best-effort metrics emission; it never affects the call.
func observeLatency(mode string, start time.Time) {
	defer func() { _ = recover() }()
	metrics.GenerationLatency.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}
