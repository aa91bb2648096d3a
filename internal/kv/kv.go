// Package kv wraps the shared redis connection behind a store that never
// surfaces backend errors: reads degrade to a miss and writes to a no-op.
// Every control structure that can tolerate losing its backing data goes
// through here.
package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Store struct {
	rdb *redis.Client
	log *zap.SugaredLogger
}

func NewStore(rdb *redis.Client, log *zap.SugaredLogger) *Store {
	return &Store{rdb: rdb, log: log}
}

// Get returns the value at key, or ("", false) on miss or storage failure.
func (s *Store) Get(ctx context.Context, key string) (string, bool) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		s.log.Warnw("kv get failed", "key", key, "error", err)
		return "", false
	}
	return val, true
}

// SetEx writes value with a ttl. Failures are logged and swallowed.
func (s *Store) SetEx(ctx context.Context, key string, ttl time.Duration, value string) {
	if err := s.rdb.SetEx(ctx, key, value, ttl).Err(); err != nil {
		s.log.Warnw("kv setex failed", "key", key, "error", err)
	}
}

// Set writes value without a ttl. Failures are logged and swallowed.
func (s *Store) Set(ctx context.Context, key, value string) {
	if err := s.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		s.log.Warnw("kv set failed", "key", key, "error", err)
	}
}

// SetNX writes value with a ttl only if key is absent. Returns whether this
// call performed the write. Failures are logged and reported as not-written.
func (s *Store) SetNX(ctx context.Context, key string, ttl time.Duration, value string) bool {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		s.log.Warnw("kv setnx failed", "key", key, "error", err)
		return false
	}
	return ok
}

// Ping reports whether the backing store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
