// Package history keeps the append-only per-session message log.
package history

import (
	"context"
	"encoding/json"

	"ragops-api/internal/kv"
	"ragops-api/internal/shared"

	"go.uber.org/zap"
)

type Store struct {
	kv       *kv.Store
	log      *zap.SugaredLogger
	keepLast int
}

func NewStore(store *kv.Store, log *zap.SugaredLogger, keepLast int) *Store {
	if keepLast <= 0 {
		keepLast = shared.HistoryKeepLast
	}
	return &Store{kv: store, log: log, keepLast: keepLast}
}

func sessionKey(sessionID string) string {
	return "hist:" + sessionID
}

// Load returns the stored messages for a session. Missing or corrupt logs
// come back empty.
func (s *Store) Load(ctx context.Context, sessionID string) []shared.Message {
	raw, ok := s.kv.Get(ctx, sessionKey(sessionID))
	if !ok {
		return nil
	}
	var msgs []shared.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		s.log.Warnw("history decode failed", "session_id", sessionID, "error", err)
		return nil
	}
	return msgs
}

// Append extends the session log. Concurrent appends for one session are
// last-writer-wins; no per-session lock is held.
func (s *Store) Append(ctx context.Context, sessionID string, msgs ...shared.Message) {
	current := s.Load(ctx, sessionID)
	current = append(current, msgs...)
	s.write(ctx, sessionID, current)
}

// Trim enforces retention, keeping only the most recent messages.
func (s *Store) Trim(ctx context.Context, sessionID string) {
	msgs := s.Load(ctx, sessionID)
	if len(msgs) <= s.keepLast {
		return
	}
	s.write(ctx, sessionID, msgs[len(msgs)-s.keepLast:])
}

func (s *Store) write(ctx context.Context, sessionID string, msgs []shared.Message) {
	raw, err := json.Marshal(msgs)
	if err != nil {
		s.log.Warnw("history encode failed", "session_id", sessionID, "error", err)
		return
	}
	s.kv.Set(ctx, sessionKey(sessionID), string(raw))
}
