// Package database defines the insertions for usage auditing
package database

import (
	"context"
	"database/sql"
	"time"
)

// UsageStats is one aggregated row of per-user request activity for a day.
type UsageStats struct {
	Date          string
	UserID        string
	Requests      uint64
	CacheHits     uint64
	Degraded      uint64
	Blocked       uint64
	Streams       uint64
	TotalTimeMS   int64
	LastRequestAt time.Time
}

// SaveUsage upserts aggregated usage rows. Counters accumulate across
// flushes within the same day.
func SaveUsage(ctx context.Context, db *sql.DB, rows []UsageStats) error {
	if len(rows) == 0 {
		return nil
	}

	const stmt = `INSERT INTO usage_stats (
		date, user_id, requests, cache_hits, degraded, blocked, streams, total_time_ms, last_request_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		requests = requests + VALUES(requests),
		cache_hits = cache_hits + VALUES(cache_hits),
		degraded = degraded + VALUES(degraded),
		blocked = blocked + VALUES(blocked),
		streams = streams + VALUES(streams),
		total_time_ms = total_time_ms + VALUES(total_time_ms),
		last_request_at = VALUES(last_request_at)`

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, stmt,
			r.Date, r.UserID, r.Requests, r.CacheHits, r.Degraded, r.Blocked,
			r.Streams, r.TotalTimeMS, r.LastRequestAt,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
