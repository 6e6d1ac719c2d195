// Package health runs background probes against upstreams and shares the
// observed status with all gateway processes through Redis.
package health

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/gatehouse/internal/telemetry"
)

// Defaults applied when the corresponding config field is zero.
const (
	MinInterval               = 5000 * time.Millisecond
	DefaultTimeout            = 5000 * time.Millisecond
	DefaultHealthyThreshold   = 2
	DefaultUnhealthyThreshold = 3
)

// Config is a route's health check configuration.
type Config struct {
	Enabled            bool   `json:"enabled"`
	Endpoint           string `json:"endpoint,omitempty"`
	IntervalMs         int64  `json:"intervalMs,omitempty"`
	TimeoutMs          int64  `json:"timeoutMs,omitempty"`
	HealthyThreshold   int    `json:"healthyThreshold,omitempty"`
	UnhealthyThreshold int    `json:"unhealthyThreshold,omitempty"`
}

// Interval returns the probe interval, clamped to the 5 s floor.
func (c *Config) Interval() time.Duration {
	if c == nil {
		return MinInterval
	}
	d := time.Duration(c.IntervalMs) * time.Millisecond
	if d < MinInterval {
		return MinInterval
	}
	return d
}

func (c *Config) timeout() time.Duration {
	if c == nil || c.TimeoutMs <= 0 {
		return DefaultTimeout
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c *Config) healthyThreshold() int {
	if c == nil || c.HealthyThreshold <= 0 {
		return DefaultHealthyThreshold
	}
	return c.HealthyThreshold
}

func (c *Config) unhealthyThreshold() int {
	if c == nil || c.UnhealthyThreshold <= 0 {
		return DefaultUnhealthyThreshold
	}
	return c.UnhealthyThreshold
}

// Status is the persisted health state for one (tenant, route, upstream)
// triple. Times are Unix milliseconds. Healthy starts true and flips only
// once a consecutive threshold is crossed.
type Status struct {
	Healthy              bool   `json:"healthy"`
	ConsecutiveSuccesses int    `json:"consecutiveSuccesses"`
	ConsecutiveFailures  int    `json:"consecutiveFailures"`
	LastCheckTime        *int64 `json:"lastCheckTime"`
	LastSuccessTime      *int64 `json:"lastSuccessTime"`
	LastFailureTime      *int64 `json:"lastFailureTime"`
}

// Target identifies one probed upstream. The manager holds these identity
// tuples rather than owning references into route data.
type Target struct {
	TenantID    string
	RouteID     string
	UpstreamURL string
	Config      *Config
}

// Key returns the Redis key for a health triple.
func Key(tenantID, routeID, upstreamURL string) string {
	return fmt.Sprintf("health:%s:%s:%s", tenantID, routeID, urlHash8(upstreamURL))
}

func urlHash8(url string) string {
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:])[:8]
}

type prober struct {
	target Target
	cancel context.CancelFunc
}

// Manager owns the background probers. Registrations are de-duplicated per
// (tenant, route, upstream) triple.
type Manager struct {
	redis  *redis.Client
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	probers map[string]*prober
	runCtx  context.Context
	started bool

	now func() time.Time
}

// NewManager creates a health check manager.
func NewManager(rdb *redis.Client, logger *slog.Logger) *Manager {
	return &Manager{
		redis:   rdb,
		client:  &http.Client{},
		logger:  logger,
		probers: make(map[string]*prober),
		now:     time.Now,
	}
}

// Register adds a probe target. Registering an already-known triple is a
// no-op. If the manager has started, the prober begins immediately.
func (m *Manager) Register(t Target) {
	if t.Config == nil || !t.Config.Enabled {
		return
	}
	key := Key(t.TenantID, t.RouteID, t.UpstreamURL)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.probers[key]; ok {
		return
	}
	p := &prober{target: t}
	m.probers[key] = p
	if m.started {
		m.startProber(p)
	}
}

// Unregister stops and removes the probe for the triple.
func (m *Manager) Unregister(tenantID, routeID, upstreamURL string) {
	key := Key(tenantID, routeID, upstreamURL)

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.probers[key]; ok {
		if p.cancel != nil {
			p.cancel()
		}
		delete(m.probers, key)
	}
}

// Start launches all registered probers. Targets registered later start on
// registration.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.runCtx = ctx
	for _, p := range m.probers {
		m.startProber(p)
	}
	m.logger.Info("health check manager started", "targets", len(m.probers))
}

// Stop cancels all probers. Registered targets are kept so a later Start
// resumes them.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.probers {
		if p.cancel != nil {
			p.cancel()
			p.cancel = nil
		}
	}
	m.started = false
	m.logger.Info("health check manager stopped")
}

// startProber launches the probe loop. Caller holds m.mu.
func (m *Manager) startProber(p *prober) {
	ctx, cancel := context.WithCancel(m.runCtx)
	p.cancel = cancel

	go func(t Target) {
		ticker := time.NewTicker(t.Config.Interval())
		defer ticker.Stop()

		m.probeOnce(ctx, t)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probeOnce(ctx, t)
			}
		}
	}(p.target)
}

// probeOnce performs one GET probe and folds the result into the shared
// status. Any network error or non-2xx response counts as a failure.
func (m *Manager) probeOnce(ctx context.Context, t Target) {
	probeCtx, cancel := context.WithTimeout(ctx, t.Config.timeout())
	defer cancel()

	ok := false
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, t.UpstreamURL+t.Config.Endpoint, nil)
	if err == nil {
		resp, doErr := m.client.Do(req)
		if doErr == nil {
			ok = resp.StatusCode >= 200 && resp.StatusCode < 300
			resp.Body.Close()
		}
	}

	m.record(ctx, t, ok)
}

// record applies one probe result to the persisted status.
func (m *Manager) record(ctx context.Context, t Target, success bool) {
	status, err := m.load(ctx, t)
	if err != nil {
		m.logger.Warn("health status read failed", "upstream", t.UpstreamURL, "error", err)
		return
	}

	now := m.now().UnixMilli()
	status.LastCheckTime = &now
	if success {
		status.ConsecutiveSuccesses++
		status.ConsecutiveFailures = 0
		status.LastSuccessTime = &now
		if status.ConsecutiveSuccesses >= t.Config.healthyThreshold() {
			status.Healthy = true
		}
	} else {
		status.ConsecutiveFailures++
		status.ConsecutiveSuccesses = 0
		status.LastFailureTime = &now
		if status.ConsecutiveFailures >= t.Config.unhealthyThreshold() {
			status.Healthy = false
		}
	}

	raw, err := json.Marshal(status)
	if err != nil {
		m.logger.Error("marshaling health status", "error", err)
		return
	}
	ttl := 3 * t.Config.Interval()
	key := Key(t.TenantID, t.RouteID, t.UpstreamURL)
	if err := m.redis.Set(ctx, key, raw, ttl).Err(); err != nil {
		m.logger.Warn("writing health status", "key", key, "error", err)
	}

	value := 0.0
	if status.Healthy {
		value = 1
	}
	telemetry.HealthCheckStatus.WithLabelValues(t.TenantID, t.RouteID, telemetry.NormalizeUpstream(t.UpstreamURL)).Set(value)
}

func (m *Manager) load(ctx context.Context, t Target) (*Status, error) {
	raw, err := m.redis.Get(ctx, Key(t.TenantID, t.RouteID, t.UpstreamURL)).Result()
	if err != nil {
		if err == redis.Nil {
			return &Status{Healthy: true}, nil
		}
		return nil, err
	}
	var status Status
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return &Status{Healthy: true}, nil
	}
	return &status, nil
}

// IsHealthy reads the shared status for the triple. Missing status or a
// Redis error reads as healthy: probes are eventually consistent and the
// checker must not take the request path down with it.
func (m *Manager) IsHealthy(ctx context.Context, tenantID, routeID, upstreamURL string) bool {
	raw, err := m.redis.Get(ctx, Key(tenantID, routeID, upstreamURL)).Result()
	if err != nil {
		return true
	}
	var status Status
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return true
	}
	return status.Healthy
}
