// Package ops holds the redis-backed admission controls: the sliding-window
// rate limiter and the idempotency ledger. Neither keeps in-process state, so
// multiple api instances sharing one redis agree on every decision.
package ops

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aidarkhanov/nanoid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RateLimiter struct {
	rdb    *redis.Client
	log    *zap.SugaredLogger
	limit  int
	window time.Duration
}

func NewRateLimiter(rdb *redis.Client, log *zap.SugaredLogger, limit int, window time.Duration) *RateLimiter {
	if limit < 1 {
		limit = 1
	}
	return &RateLimiter{rdb: rdb, log: log, limit: limit, window: window}
}

// Admit checks and records one request for identity. The purge, count, insert
// and expire run in a single pipelined transaction; the decision is made on
// the post-purge count before this request is inserted. Storage failures fail
// open: availability over strict enforcement.
func (rl *RateLimiter) Admit(ctx context.Context, identity string) bool {
	key := "rl:" + identity
	now := time.Now()
	cutoff := now.Add(-rl.window)

	// The member carries a random suffix: two admissions in the same
	// nanosecond must stay distinct entries.
	suffix, _ := nanoid.Generate("0123456789abcdefghijklmnopqrstuvwxyz", 8)

	var count *redis.IntCmd
	_, err := rl.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
		count = pipe.ZCard(ctx, key)
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(now.UnixNano()),
			Member: fmt.Sprintf("%d-%s", now.UnixNano(), suffix),
		})
		pipe.Expire(ctx, key, 2*rl.window)
		return nil
	})
	if err != nil {
		rl.log.Warnw("rate limiter storage failure, failing open", "identity", identity, "error", err)
		return true
	}

	return count.Val() < int64(rl.limit)
}
