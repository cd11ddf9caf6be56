package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCacheForTest(t *testing.T) (*AggregateCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewAggregateCache(rdb, 60*time.Second), mr
}

func TestCacheRoundTrip(t *testing.T) {
	t.Parallel()
	c, _ := newCacheForTest(t)
	ctx := context.Background()
	day := DayStart(time.Now())

	_, ok := c.TokensDay(ctx, "s1", day)
	assert.False(t, ok)

	c.SetTokensDay(ctx, "s1", day, 12345)
	got, ok := c.TokensDay(ctx, "s1", day)
	require.True(t, ok)
	assert.Equal(t, int64(12345), got)
}

func TestCacheInvalidate(t *testing.T) {
	t.Parallel()
	c, _ := newCacheForTest(t)
	ctx := context.Background()
	now := time.Now()
	day := DayStart(now)

	c.SetTokensDay(ctx, "s1", day, 777)
	c.Invalidate(ctx, "s1", now)

	_, ok := c.TokensDay(ctx, "s1", day)
	assert.False(t, ok, "append must drop the cached aggregate")
}

func TestCacheExpiry(t *testing.T) {
	t.Parallel()
	c, mr := newCacheForTest(t)
	ctx := context.Background()
	day := DayStart(time.Now())

	c.SetTokensDay(ctx, "s1", day, 1)
	mr.FastForward(61 * time.Second)

	_, ok := c.TokensDay(ctx, "s1", day)
	assert.False(t, ok)
}

func TestCacheNilClient(t *testing.T) {
	t.Parallel()
	c := NewAggregateCache(nil, time.Minute)
	ctx := context.Background()
	day := DayStart(time.Now())

	c.SetTokensDay(ctx, "s1", day, 9)
	_, ok := c.TokensDay(ctx, "s1", day)
	assert.False(t, ok, "nil client degrades to pass-through")
	c.Invalidate(ctx, "s1", time.Now())
}
