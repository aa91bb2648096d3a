package ops

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"ragops-api/internal/kv"
	"ragops-api/internal/shared"
)

// IdempotencyLedger maps (method, path, client-supplied key) to a previously
// computed response payload. Including method and path in the digest keeps
// one client key from cross-applying to a different endpoint.
type IdempotencyLedger struct {
	store *kv.Store
	ttl   time.Duration
}

func NewIdempotencyLedger(store *kv.Store, ttl time.Duration) *IdempotencyLedger {
	if ttl <= 0 {
		ttl = shared.IdempotencyTTL
	}
	return &IdempotencyLedger{store: store, ttl: ttl}
}

func ledgerKey(method, path, clientKey string) string {
	h := sha256.New()
	for _, part := range []string{method, path, clientKey} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("idem:%x", h.Sum(nil))
}

// Get returns the stored payload for the request key, or ("", false).
func (l *IdempotencyLedger) Get(ctx context.Context, method, path, clientKey string) (string, bool) {
	return l.store.Get(ctx, ledgerKey(method, path, clientKey))
}

// Set records payload for the request key. First writer wins for the TTL
// window; a concurrent duplicate cannot overwrite the stored answer.
func (l *IdempotencyLedger) Set(ctx context.Context, method, path, clientKey, payload string) {
	l.store.SetNX(ctx, ledgerKey(method, path, clientKey), l.ttl, payload)
}
