package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/rate_limit.lua
var rateLimitScript string

// PromptTTL bounds how long a "review prompt shown" record lives.
const PromptTTL = 30 * 24 * time.Hour

type Client struct {
	rdb       *redis.Client
	rateLimit *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return Wrap(rdb), nil
}

// Wrap builds a Client around an existing connection.
func Wrap(rdb *redis.Client) *Client {
	return &Client{
		rdb:       rdb,
		rateLimit: redis.NewScript(rateLimitScript),
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks connectivity for readiness probes.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// RateLimitResult describes one counted hit against a fixed window.
type RateLimitResult struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// Allow counts a hit for key in a fixed window shared by every instance.
func (c *Client) Allow(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	res, err := c.rateLimit.Run(ctx, c.rdb,
		[]string{fmt.Sprintf("ratelimit:%s", key)}, limit, window.Milliseconds()).Result()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("rate limit script failed: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return RateLimitResult{}, fmt.Errorf("unexpected script result type")
	}
	allowed, _ := values[0].(int64)
	count, _ := values[1].(int64)
	ttl, _ := values[2].(int64)

	out := RateLimitResult{Allowed: allowed == 1, Count: count}
	if !out.Allowed && ttl > 0 {
		out.RetryAfter = time.Duration(ttl) * time.Millisecond
	}
	return out, nil
}

// SetIdempotencyKey stores an idempotency key with TTL
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), value, ttl).Err()
}

// CheckIdempotencyKey checks if an idempotency key exists
func (c *Client) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	result, err := c.rdb.Exists(ctx, fmt.Sprintf("idempotency:%s", key)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// MarkPromptShown records that viewerID saw the review prompt for requestID.
// It returns true only for the first caller.
func (c *Client) MarkPromptShown(ctx context.Context, requestID, viewerID string) (bool, error) {
	key := fmt.Sprintf("review-prompt:%s:%s", requestID, viewerID)
	return c.rdb.SetNX(ctx, key, "1", PromptTTL).Result()
}

// GetJSON loads a cached value into dst. A miss reports false with no error.
func (c *Client) GetJSON(ctx context.Context, key string, dst interface{}) (bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

// SetJSON caches v under key.
func (c *Client) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache %s: %w", key, err)
	}
	return c.rdb.Set(ctx, key, raw, ttl).Err()
}

// Invalidate drops cached read views.
func (c *Client) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// KPIKey caches a professional's dashboard counters.
func KPIKey(professionalID string) string {
	return "cache:kpi:" + professionalID
}

func CalendarKey(professionalID string) string {
	return "cache:calendar:" + professionalID
}

func RequestKey(requestID string) string {
	return "cache:request:" + requestID
}

func ConversationKey(conversationID string) string {
	return "cache:conversation:" + conversationID
}
