package history

import (
	"context"
	"testing"

	"ragops-api/internal/kv"
	"ragops-api/internal/shared"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testStore(t *testing.T, keepLast int) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(kv.NewStore(rdb, zap.NewNop().Sugar()), zap.NewNop().Sugar(), keepLast)
}

func TestLoadEmptySession(t *testing.T) {
	s := testStore(t, 6)
	assert.Empty(t, s.Load(context.Background(), "s1"))
}

func TestAppendPreservesOrder(t *testing.T) {
	s := testStore(t, 6)
	ctx := context.Background()

	s.Append(ctx, "s1",
		shared.Message{Role: shared.RoleUser, Content: "hi"},
		shared.Message{Role: shared.RoleAssistant, Content: "hello"},
	)
	s.Append(ctx, "s1", shared.Message{Role: shared.RoleUser, Content: "more"})

	msgs := s.Load(ctx, "s1")
	require.Len(t, msgs, 3)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "hello", msgs[1].Content)
	assert.Equal(t, "more", msgs[2].Content)
}

func TestSessionsAreIsolated(t *testing.T) {
	s := testStore(t, 6)
	ctx := context.Background()

	s.Append(ctx, "s1", shared.Message{Role: shared.RoleUser, Content: "one"})
	s.Append(ctx, "s2", shared.Message{Role: shared.RoleUser, Content: "two"})

	require.Len(t, s.Load(ctx, "s1"), 1)
	require.Len(t, s.Load(ctx, "s2"), 1)
	assert.Equal(t, "two", s.Load(ctx, "s2")[0].Content)
}

func TestTrimKeepsMostRecent(t *testing.T) {
	s := testStore(t, 2)
	ctx := context.Background()

	for _, c := range []string{"a", "b", "c", "d"} {
		s.Append(ctx, "s1", shared.Message{Role: shared.RoleUser, Content: c})
	}
	s.Trim(ctx, "s1")

	msgs := s.Load(ctx, "s1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "c", msgs[0].Content)
	assert.Equal(t, "d", msgs[1].Content)
}

func TestTrimNoOpUnderLimit(t *testing.T) {
	s := testStore(t, 6)
	ctx := context.Background()

	s.Append(ctx, "s1", shared.Message{Role: shared.RoleUser, Content: "only"})
	s.Trim(ctx, "s1")

	require.Len(t, s.Load(ctx, "s1"), 1)
}
