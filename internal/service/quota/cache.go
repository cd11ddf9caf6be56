package quota

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// AggregateCache caches per-subject per-window usage aggregates in Redis for
// up to the TTL. The cache is invalidated for a subject on every usage
// append. A nil client degrades to a pass-through (every read misses).
type AggregateCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewAggregateCache constructs an AggregateCache. rdb may be nil.
func NewAggregateCache(rdb *redis.Client, ttl time.Duration) *AggregateCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &AggregateCache{rdb: rdb, ttl: ttl}
}

func tokensDayKey(subject string, dayStart time.Time) string {
	return "quota:tokday:" + subject + ":" + dayStart.Format("20060102")
}

// TokensDay returns the cached daily token aggregate for a subject.
func (c *AggregateCache) TokensDay(ctx context.Context, subject string, dayStart time.Time) (int64, bool) {
	if c == nil || c.rdb == nil {
		return 0, false
	}
	v, err := c.rdb.Get(ctx, tokensDayKey(subject, dayStart)).Result()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("quota cache read failed", slog.String("subject", subject), slog.Any("error", err))
		}
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SetTokensDay stores the daily token aggregate with the cache TTL.
func (c *AggregateCache) SetTokensDay(ctx context.Context, subject string, dayStart time.Time, tokens int64) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, tokensDayKey(subject, dayStart), tokens, c.ttl).Err(); err != nil {
		slog.Warn("quota cache write failed", slog.String("subject", subject), slog.Any("error", err))
	}
}

// Invalidate drops the subject's cached aggregates for the current day.
func (c *AggregateCache) Invalidate(ctx context.Context, subject string, now time.Time) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, tokensDayKey(subject, DayStart(now))).Err(); err != nil {
		slog.Warn("quota cache invalidate failed", slog.String("subject", subject), slog.Any("error", err))
	}
}
