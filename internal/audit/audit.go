// Package audit buckets per-user request activity and flushes it to the
// audit database on a timer. Recording is fire-and-forget: a failed flush
// retries with a delay, and nothing here ever blocks or fails a request.
package audit

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"ragops-api/internal/database"
	"ragops-api/internal/shared"

	"go.uber.org/zap"
)

// Sample is one finished request.
type Sample struct {
	UserID       string
	Endpoint     string
	FinishReason string
	CacheHit     bool
	Stream       bool
	Duration     time.Duration
}

type bucket struct {
	mu    sync.Mutex
	stats database.UsageStats
	timer *time.Timer
}

type Recorder struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	db      *sql.DB
	log     *zap.SugaredLogger
}

// NewRecorder builds a recorder. A nil db disables auditing entirely.
func NewRecorder(db *sql.DB, log *zap.SugaredLogger) *Recorder {
	return &Recorder{
		db:      db,
		log:     log,
		buckets: map[string]*bucket{},
	}
}

func (r *Recorder) Record(s Sample) {
	if r.db == nil {
		return
	}
	r.mu.Lock()
	b, ok := r.buckets[s.UserID]
	if !ok {
		b = &bucket{stats: database.UsageStats{UserID: s.UserID}}
		r.buckets[s.UserID] = b
	}
	r.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Date = time.Now().Format("2006-01-02")
	b.stats.Requests++
	if s.CacheHit {
		b.stats.CacheHits++
	}
	if s.Stream {
		b.stats.Streams++
	}
	switch s.FinishReason {
	case shared.FinishDegraded:
		b.stats.Degraded++
	case shared.FinishBlocked:
		b.stats.Blocked++
	}
	b.stats.TotalTimeMS += s.Duration.Milliseconds()
	b.stats.LastRequestAt = time.Now()

	// Fresh bucket, register the flush.
	if b.timer == nil {
		b.timer = time.AfterFunc(shared.AuditFlushInterval, func() {
			for attempt := 0; attempt < shared.MaxAuditRetries; attempt++ {
				if r.Flush(s.UserID) {
					return
				}
				r.log.Warn("audit flush failed, retrying")
				time.Sleep(shared.AuditFlushRetry)
			}
		})
	}
}

// Flush writes and clears the bucket for userID. Returns false when the
// write failed and the bucket was kept for retry.
func (r *Recorder) Flush(userID string) bool {
	r.mu.Lock()
	b, ok := r.buckets[userID]
	if ok {
		delete(r.buckets, userID)
	}
	r.mu.Unlock()
	if !ok {
		return true
	}

	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	stats := b.stats
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := database.SaveUsage(ctx, r.db, []database.UsageStats{stats}); err != nil {
		r.log.Errorw("failed saving usage stats", "user_id", userID, "error", err)
		// Put the bucket back so a retry or shutdown flush can pick it up.
		r.mu.Lock()
		if existing, exists := r.buckets[userID]; exists {
			existing.mu.Lock()
			merge(&existing.stats, stats)
			existing.mu.Unlock()
		} else {
			r.buckets[userID] = b
		}
		r.mu.Unlock()
		return false
	}
	return true
}

// Shutdown flushes every remaining bucket once.
func (r *Recorder) Shutdown() {
	if r.db == nil {
		return
	}
	r.log.Info("flushing audit buckets")
	r.mu.Lock()
	ids := make([]string, 0, len(r.buckets))
	for id := range r.buckets {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	wg := sync.WaitGroup{}
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Flush(id)
		}()
	}
	wg.Wait()
}

func merge(dst *database.UsageStats, src database.UsageStats) {
	dst.Requests += src.Requests
	dst.CacheHits += src.CacheHits
	dst.Degraded += src.Degraded
	dst.Blocked += src.Blocked
	dst.Streams += src.Streams
	dst.TotalTimeMS += src.TotalTimeMS
	if src.LastRequestAt.After(dst.LastRequestAt) {
		dst.LastRequestAt = src.LastRequestAt
	}
}
