// Package breaker implements a distributed three-state circuit breaker whose
// state is shared across gateway processes through Redis.
package breaker

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/gatehouse/internal/telemetry"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Defaults applied when the corresponding config field is zero.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultTimeoutMs        = 30000
)

// Config is a route's circuit breaker configuration.
type Config struct {
	Enabled          bool  `json:"enabled"`
	FailureThreshold int   `json:"failureThreshold,omitempty"`
	SuccessThreshold int   `json:"successThreshold,omitempty"`
	TimeoutMs        int64 `json:"timeout,omitempty"`
}

func (c *Config) failureThreshold() int {
	if c == nil || c.FailureThreshold <= 0 {
		return DefaultFailureThreshold
	}
	return c.FailureThreshold
}

func (c *Config) successThreshold() int {
	if c == nil || c.SuccessThreshold <= 0 {
		return DefaultSuccessThreshold
	}
	return c.SuccessThreshold
}

func (c *Config) timeout() time.Duration {
	if c == nil || c.TimeoutMs <= 0 {
		return DefaultTimeoutMs * time.Millisecond
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Status is the persisted breaker state for one (tenant, route, upstream)
// triple. Times are Unix milliseconds.
type Status struct {
	State           State  `json:"state"`
	Failures        int    `json:"failures"`
	Successes       int    `json:"successes"`
	LastFailureTime *int64 `json:"lastFailureTime"`
	LastStateChange int64  `json:"lastStateChange"`
}

func defaultStatus(now int64) *Status {
	return &Status{State: StateClosed, LastStateChange: now}
}

// Breaker manages breaker statuses in Redis. All methods are safe for
// concurrent use; writes are full-record last-writer-wins replacements.
type Breaker struct {
	redis  *redis.Client
	logger *slog.Logger

	now func() time.Time
}

// New creates a Breaker backed by the given Redis client.
func New(rdb *redis.Client, logger *slog.Logger) *Breaker {
	return &Breaker{redis: rdb, logger: logger, now: time.Now}
}

// Key returns the Redis key for a breaker triple.
func Key(tenantID, routeID, upstreamURL string) string {
	return fmt.Sprintf("cb:%s:%s:%s", tenantID, routeID, urlHash8(upstreamURL))
}

func urlHash8(url string) string {
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:])[:8]
}

// CanExecute reports whether a request may proceed for the triple. An OPEN
// breaker transitions to HALF_OPEN once its timeout has elapsed. Redis errors
// fail open so the breaker cannot cause its own outage.
func (b *Breaker) CanExecute(ctx context.Context, tenantID, routeID, upstreamURL string, cfg *Config) bool {
	now := b.now().UnixMilli()
	status, err := b.load(ctx, tenantID, routeID, upstreamURL, now)
	if err != nil {
		b.logger.Warn("circuit breaker read failed, failing open", "error", err)
		return true
	}

	switch status.State {
	case StateOpen:
		if now-status.LastStateChange >= cfg.timeout().Milliseconds() {
			b.transition(ctx, tenantID, routeID, upstreamURL, status, StateHalfOpen, now, cfg)
			return true
		}
		return false
	default: // CLOSED, HALF_OPEN
		return true
	}
}

// RecordSuccess notes a successful upstream response for the triple.
func (b *Breaker) RecordSuccess(ctx context.Context, tenantID, routeID, upstreamURL string, cfg *Config) {
	now := b.now().UnixMilli()
	status, err := b.load(ctx, tenantID, routeID, upstreamURL, now)
	if err != nil {
		b.logger.Warn("circuit breaker read failed, dropping success", "error", err)
		return
	}

	switch status.State {
	case StateHalfOpen:
		status.Successes++
		if status.Successes >= cfg.successThreshold() {
			b.transition(ctx, tenantID, routeID, upstreamURL, status, StateClosed, now, cfg)
			return
		}
	case StateClosed:
		if status.Failures == 0 {
			return
		}
		status.Failures = 0
	default:
		return
	}
	b.save(ctx, tenantID, routeID, upstreamURL, status, cfg)
}

// RecordFailure notes a failed upstream response for the triple. Any failure
// in HALF_OPEN reopens the breaker.
func (b *Breaker) RecordFailure(ctx context.Context, tenantID, routeID, upstreamURL string, cfg *Config) {
	now := b.now().UnixMilli()
	status, err := b.load(ctx, tenantID, routeID, upstreamURL, now)
	if err != nil {
		b.logger.Warn("circuit breaker read failed, dropping failure", "error", err)
		return
	}

	status.LastFailureTime = &now

	switch status.State {
	case StateClosed:
		status.Failures++
		if status.Failures >= cfg.failureThreshold() {
			b.transition(ctx, tenantID, routeID, upstreamURL, status, StateOpen, now, cfg)
			return
		}
	case StateHalfOpen:
		b.transition(ctx, tenantID, routeID, upstreamURL, status, StateOpen, now, cfg)
		return
	}
	b.save(ctx, tenantID, routeID, upstreamURL, status, cfg)
}

// Status returns the current persisted status for the triple.
func (b *Breaker) Status(ctx context.Context, tenantID, routeID, upstreamURL string) (*Status, error) {
	return b.load(ctx, tenantID, routeID, upstreamURL, b.now().UnixMilli())
}

// load reads the triple's status, mapping a missing key or corrupt payload to
// the default CLOSED status.
func (b *Breaker) load(ctx context.Context, tenantID, routeID, upstreamURL string, now int64) (*Status, error) {
	raw, err := b.redis.Get(ctx, Key(tenantID, routeID, upstreamURL)).Result()
	if err != nil {
		if err == redis.Nil {
			return defaultStatus(now), nil
		}
		return nil, fmt.Errorf("reading circuit breaker status: %w", err)
	}

	var status Status
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		b.logger.Warn("corrupt circuit breaker status, resetting to closed",
			"key", Key(tenantID, routeID, upstreamURL), "error", err)
		return defaultStatus(now), nil
	}
	return &status, nil
}

// transition moves the triple to a new state, resetting counters per the
// state machine, and persists the result.
func (b *Breaker) transition(ctx context.Context, tenantID, routeID, upstreamURL string, status *Status, to State, now int64, cfg *Config) {
	from := status.State
	status.State = to
	status.LastStateChange = now

	switch to {
	case StateHalfOpen:
		status.Successes = 0
	case StateClosed:
		status.Failures = 0
		status.Successes = 0
	}

	b.save(ctx, tenantID, routeID, upstreamURL, status, cfg)

	upstream := telemetry.NormalizeUpstream(upstreamURL)
	telemetry.CircuitBreakerTransitionsTotal.WithLabelValues(tenantID, routeID, upstream, string(from), string(to)).Inc()
	telemetry.CircuitBreakerState.WithLabelValues(tenantID, routeID, upstream).Set(stateValue(to))

	b.logger.Info("circuit breaker state change",
		"tenant_id", tenantID, "route_id", routeID, "upstream", upstream,
		"from", from, "to", to)
}

// save persists the status with TTL timeout+60s, refreshed on every write so
// the key survives a long outage.
func (b *Breaker) save(ctx context.Context, tenantID, routeID, upstreamURL string, status *Status, cfg *Config) {
	raw, err := json.Marshal(status)
	if err != nil {
		b.logger.Error("marshaling circuit breaker status", "error", err)
		return
	}

	ttl := cfg.timeout() + 60*time.Second
	if err := b.redis.Set(ctx, Key(tenantID, routeID, upstreamURL), raw, ttl).Err(); err != nil {
		b.logger.Warn("writing circuit breaker status", "error", err)
	}
}

func stateValue(s State) float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}
