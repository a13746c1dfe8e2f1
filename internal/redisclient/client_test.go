package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return Wrap(rdb), mr
}

func TestAllowFixedWindow(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := c.Allow(ctx, "1.2.3.4", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "hit %d", i+1)
	}

	res, err := c.Allow(ctx, "1.2.3.4", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(4), res.Count)
	assert.True(t, res.RetryAfter > 0)

	other, err := c.Allow(ctx, "5.6.7.8", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	mr.FastForward(time.Minute + time.Second)
	res, err = c.Allow(ctx, "1.2.3.4", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMarkPromptShownOnce(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	first, err := c.MarkPromptShown(ctx, "req-1", "viewer-1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := c.MarkPromptShown(ctx, "req-1", "viewer-1")
	require.NoError(t, err)
	assert.False(t, again)

	other, err := c.MarkPromptShown(ctx, "req-1", "viewer-2")
	require.NoError(t, err)
	assert.True(t, other)

	assert.Equal(t, PromptTTL, mr.TTL("review-prompt:req-1:viewer-1"))
}

func TestJSONCache(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	type view struct {
		Count int `json:"count"`
	}

	var got view
	hit, err := c.GetJSON(ctx, KPIKey("pro-1"), &got)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.SetJSON(ctx, KPIKey("pro-1"), view{Count: 4}, time.Minute))
	hit, err = c.GetJSON(ctx, KPIKey("pro-1"), &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 4, got.Count)

	require.NoError(t, c.Invalidate(ctx, KPIKey("pro-1"), CalendarKey("pro-1")))
	hit, err = c.GetJSON(ctx, KPIKey("pro-1"), &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestIdempotencyKey(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	seen, err := c.CheckIdempotencyKey(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, c.SetIdempotencyKey(ctx, "evt-1", "done", time.Hour))
	seen, err = c.CheckIdempotencyKey(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)
}
