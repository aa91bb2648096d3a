// Package cache implements the semantic answer cache. Keys are versioned
// content hashes of the normalized question plus the session context, so a
// version bump invalidates every prior entry implicitly.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"ragops-api/internal/kv"
	"ragops-api/internal/metrics"
	"ragops-api/internal/shared"

	"go.uber.org/zap"
)

// Entry is the stored payload. REST answers fill Text/Citations/FinishReason,
// SSE answers fill Frames (ordered emitted chunks, enabling resume) plus the
// concatenated Text. Entries are immutable; a new write fully replaces one.
type Entry struct {
	Text         string           `json:"text,omitempty"`
	Citations    []map[string]any `json:"citations,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
	Frames       []string         `json:"frames,omitempty"`
}

type Semantic struct {
	store     *kv.Store
	log       *zap.SugaredLogger
	enabled   bool
	ttl       time.Duration
	charLimit int
}

func NewSemantic(store *kv.Store, log *zap.SugaredLogger, enabled bool, ttl time.Duration, charLimit int) *Semantic {
	if ttl < time.Second {
		ttl = time.Second
	}
	return &Semantic{store: store, log: log, enabled: enabled, ttl: ttl, charLimit: charLimit}
}

func key(kind, question, userID, sessionID string) string {
	h := sha256.New()
	for _, part := range []string{kind, question, userID, sessionID} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("sc:%d:%x", shared.CacheVersion, h.Sum(nil))
}

// Get returns the cached entry for (question, session context), or nil on
// miss. Decode failures are a miss, never an error.
func (s *Semantic) Get(ctx context.Context, question string, ui shared.UserInput) *Entry {
	if !s.enabled {
		return nil
	}
	raw, ok := s.store.Get(ctx, key("any", question, ui.UserKey(), ui.SessionKey()))
	if !ok {
		metrics.CacheEvents.WithLabelValues("get", "miss").Inc()
		return nil
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		s.log.Warnw("cache entry decode failed, treating as miss", "error", err)
		metrics.CacheEvents.WithLabelValues("get", "decode_error").Inc()
		return nil
	}
	metrics.CacheEvents.WithLabelValues("get", "hit").Inc()
	return &e
}

// Set writes entry under the (question, session context) key. Oversized text
// and frame payloads are truncated to the configured character budget.
func (s *Semantic) Set(ctx context.Context, question string, ui shared.UserInput, entry Entry) {
	if !s.enabled {
		return
	}
	entry.Text = shared.Truncate(entry.Text, s.charLimit)
	entry.Frames = truncateFrames(entry.Frames, s.charLimit)

	raw, err := json.Marshal(entry)
	if err != nil {
		s.log.Warnw("cache entry encode failed", "error", err)
		return
	}
	s.store.SetEx(ctx, key("any", question, ui.UserKey(), ui.SessionKey()), s.ttl, string(raw))
	metrics.CacheEvents.WithLabelValues("set", "ok").Inc()
}

// truncateFrames drops frames past the cumulative character budget. A resume
// from a truncated entry replays what fits; the tail is regenerated live.
func truncateFrames(frames []string, limit int) []string {
	if limit <= 0 {
		return frames
	}
	total := 0
	for i, f := range frames {
		total += len(f)
		if total > limit {
			return frames[:i]
		}
	}
	return frames
}
