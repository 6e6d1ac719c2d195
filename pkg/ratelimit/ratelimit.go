// Package ratelimit counts requests per tenant in a sliding one-second
// window backed by a Redis sorted set.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// windowMs is the fixed sliding window width.
const windowMs = 1000

// Config is a tenant's rate limit. The effective limit per window is
// BurstSize when set, RequestsPerSecond otherwise.
type Config struct {
	RequestsPerSecond int `json:"requestsPerSecond"`
	BurstSize         int `json:"burstSize,omitempty"`
}

// Limit returns the effective per-window limit.
func (c Config) Limit() int {
	if c.BurstSize > 0 {
		return c.BurstSize
	}
	return c.RequestsPerSecond
}

// Result describes one admission decision.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Limit     int
}

// RetryAfter returns the seconds a denied caller should wait, at least 1.
func (r *Result) RetryAfter(now time.Time) int {
	secs := int((r.ResetAt.Sub(now) + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter checks sliding-window limits against Redis.
type Limiter struct {
	redis *redis.Client

	now func() time.Time
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(rdb *redis.Client) *Limiter {
	return &Limiter{redis: rdb, now: time.Now}
}

// TenantScope builds the limiter scope for a tenant-wide limit.
func TenantScope(tenantID uuid.UUID) string {
	return fmt.Sprintf("tenant:%s", tenantID)
}

// RouteScope builds the limiter scope for a per-route limit.
func RouteScope(tenantID, routeID uuid.UUID) string {
	return fmt.Sprintf("tenant:%s:route:%s", tenantID, routeID)
}

// Check records one candidate request under the scope and decides admission.
// The eviction, count, and insert run as one atomic pipeline so concurrent
// callers observe a window-exact count; a denied request's member is removed
// again so it does not consume future quota.
func (l *Limiter) Check(ctx context.Context, scope string, cfg Config) (*Result, error) {
	key := "ratelimit:" + scope
	now := l.now().UnixMilli()
	member := fmt.Sprintf("%d:%s", now, uuid.NewString())
	limit := cfg.Limit()

	pipe := l.redis.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", "("+strconv.FormatInt(now-windowMs, 10))
	card := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: member})
	pipe.Expire(ctx, key, (windowMs/1000+1)*time.Second)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("rate limit pipeline: %w", err)
	}

	// Count before this request was recorded.
	currentCount := int(card.Val())

	resetAt := time.UnixMilli(now + windowMs)
	if entries := oldest.Val(); len(entries) > 0 {
		resetAt = time.UnixMilli(int64(entries[0].Score) + windowMs)
	}

	if currentCount >= limit {
		if err := l.redis.ZRem(ctx, key, member).Err(); err != nil {
			return nil, fmt.Errorf("removing denied rate limit member: %w", err)
		}
		return &Result{Allowed: false, Remaining: 0, ResetAt: resetAt, Limit: limit}, nil
	}

	remaining := limit - currentCount - 1
	if remaining < 0 {
		remaining = 0
	}
	return &Result{Allowed: true, Remaining: remaining, ResetAt: resetAt, Limit: limit}, nil
}
