// Package route defines the routing model tenants configure: path matching
// rules, upstream sets, and per-route resilience policies.
package route

import (
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/gatehouse/pkg/breaker"
	"github.com/wisbric/gatehouse/pkg/health"
	"github.com/wisbric/gatehouse/pkg/retry"
	"github.com/wisbric/gatehouse/pkg/transform"
)

// PathType selects how a route's path is matched against a request path.
type PathType string

const (
	PathExact  PathType = "exact"
	PathPrefix PathType = "prefix"
	PathRegex  PathType = "regex"
)

// Strategy selects how an upstream is picked from a route's upstream list.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round-robin"
	StrategyWeighted   Strategy = "weighted"
	StrategyRandom     Strategy = "random"
)

// Upstream is one origin a route can forward to.
type Upstream struct {
	URL string `json:"url" validate:"required,url"`
	// Weight is only consulted by the weighted strategy. Zero means 1.
	Weight    int   `json:"weight,omitempty" validate:"omitempty,gte=1"`
	TimeoutMs int64 `json:"timeoutMs,omitempty" validate:"omitempty,gt=0"`
}

// EffectiveWeight returns the upstream's weight with the default applied.
func (u Upstream) EffectiveWeight() int {
	if u.Weight < 1 {
		return 1
	}
	return u.Weight
}

// TimeoutConfig resolves the per-attempt upstream timeout. ByMethod overrides
// Default for specific HTTP methods.
type TimeoutConfig struct {
	DefaultMs int64            `json:"default,omitempty"`
	ByMethod  map[string]int64 `json:"byMethod,omitempty"`
}

// FallbackConfig is a static response served when the upstream path fails.
type FallbackConfig struct {
	Enabled     bool   `json:"enabled"`
	StatusCode  int    `json:"statusCode"`
	ContentType string `json:"contentType"`
	Body        string `json:"body"`
}

// Resilience groups the five opt-in resilience policies of a route.
type Resilience struct {
	CircuitBreaker *breaker.Config `json:"circuitBreaker,omitempty"`
	Retry          *retry.Config   `json:"retry,omitempty"`
	Timeout        *TimeoutConfig  `json:"timeout,omitempty"`
	HealthCheck    *health.Config  `json:"healthCheck,omitempty"`
	Fallback       *FallbackConfig `json:"fallback,omitempty"`
}

// Route is one tenant-owned forwarding rule. The gateway core treats routes
// as immutable snapshots; mutation happens through the admin API only.
type Route struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	Method        string // HTTP verb or "*"
	Path          string
	PathType      PathType
	Upstreams     []Upstream
	LoadBalancing Strategy
	Transform     *transform.Config
	Resilience    *Resilience
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CircuitBreaker returns the route's breaker config, nil when absent.
func (r *Route) CircuitBreaker() *breaker.Config {
	if r.Resilience == nil {
		return nil
	}
	return r.Resilience.CircuitBreaker
}

// Retry returns the route's retry config, nil when absent.
func (r *Route) Retry() *retry.Config {
	if r.Resilience == nil {
		return nil
	}
	return r.Resilience.Retry
}

// HealthCheck returns the route's health check config, nil when absent.
func (r *Route) HealthCheck() *health.Config {
	if r.Resilience == nil {
		return nil
	}
	return r.Resilience.HealthCheck
}

// Fallback returns the route's fallback config, nil when absent.
func (r *Route) Fallback() *FallbackConfig {
	if r.Resilience == nil {
		return nil
	}
	return r.Resilience.Fallback
}

// ResolveTimeout picks the per-attempt upstream timeout for method:
// the method override, then the route default, then the upstream's own
// timeout, then 30 seconds.
func (r *Route) ResolveTimeout(method string, upstream Upstream) time.Duration {
	if r.Resilience != nil && r.Resilience.Timeout != nil {
		tc := r.Resilience.Timeout
		if ms, ok := tc.ByMethod[method]; ok && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
		if tc.DefaultMs > 0 {
			return time.Duration(tc.DefaultMs) * time.Millisecond
		}
	}
	if upstream.TimeoutMs > 0 {
		return time.Duration(upstream.TimeoutMs) * time.Millisecond
	}
	return 30 * time.Second
}
