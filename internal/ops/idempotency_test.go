package ops

import (
	"context"
	"testing"
	"time"

	"ragops-api/internal/kv"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLedger(t *testing.T) (*IdempotencyLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewStore(rdb, zap.NewNop().Sugar())
	return NewIdempotencyLedger(store, 5*time.Minute), mr
}

func TestLedgerReplaysStoredPayload(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	_, ok := l.Get(ctx, "POST", "/v1/rest-retrieve/", "key-1")
	require.False(t, ok)

	l.Set(ctx, "POST", "/v1/rest-retrieve/", "key-1", `{"text":"Paris"}`)

	payload, ok := l.Get(ctx, "POST", "/v1/rest-retrieve/", "key-1")
	require.True(t, ok)
	assert.Equal(t, `{"text":"Paris"}`, payload)
}

func TestLedgerFirstWriterWins(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	l.Set(ctx, "POST", "/v1/rest-retrieve/", "key-1", "first")
	l.Set(ctx, "POST", "/v1/rest-retrieve/", "key-1", "second")

	payload, ok := l.Get(ctx, "POST", "/v1/rest-retrieve/", "key-1")
	require.True(t, ok)
	assert.Equal(t, "first", payload)
}

func TestLedgerKeyIsScopedToMethodAndPath(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	l.Set(ctx, "POST", "/v1/rest-retrieve/", "key-1", "rest answer")

	_, ok := l.Get(ctx, "POST", "/v1/sse-retrieve/", "key-1")
	assert.False(t, ok, "one client key must not cross-apply to another endpoint")
}

func TestLedgerExpires(t *testing.T) {
	l, mr := testLedger(t)
	ctx := context.Background()

	l.Set(ctx, "POST", "/v1/rest-retrieve/", "key-1", "payload")
	mr.FastForward(6 * time.Minute)

	_, ok := l.Get(ctx, "POST", "/v1/rest-retrieve/", "key-1")
	assert.False(t, ok)
}
