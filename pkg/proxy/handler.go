package proxy

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/wisbric/gatehouse/internal/httpserver"
	"github.com/wisbric/gatehouse/internal/telemetry"
	"github.com/wisbric/gatehouse/pkg/ratelimit"
	"github.com/wisbric/gatehouse/pkg/tenant"
)

// Pipeline is the per-request hook chain for proxied traffic:
// authenticate, rate limit, then forward. Operational endpoints and the
// admin API are mounted outside it.
type Pipeline struct {
	auth    *tenant.Authenticator
	limiter *ratelimit.Limiter
	proxy   *Proxy
	logger  *slog.Logger
}

// NewPipeline creates the proxied-traffic handler.
func NewPipeline(auth *tenant.Authenticator, limiter *ratelimit.Limiter, proxy *Proxy, logger *slog.Logger) *Pipeline {
	return &Pipeline{auth: auth, limiter: limiter, proxy: proxy, logger: logger}
}

// ServeHTTP implements http.Handler.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	telemetry.ActiveConnections.Inc()
	defer telemetry.ActiveConnections.Dec()

	sw := &httpserver.StatusWriter{ResponseWriter: w, Status: http.StatusOK}
	tenantID := "unknown"
	routeLabel := "unmatched"
	defer func() {
		telemetry.HTTPRequestsTotal.WithLabelValues(tenantID, r.Method, routeLabel, strconv.Itoa(sw.Status)).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(tenantID, r.Method, routeLabel).Observe(time.Since(start).Seconds())
	}()

	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		httpserver.RespondError(sw, http.StatusUnauthorized, "unauthorized", "Missing API key")
		return
	}

	t, err := p.auth.ValidateAPIKey(r.Context(), apiKey)
	switch {
	case errors.Is(err, tenant.ErrTenantInactive):
		httpserver.RespondError(sw, http.StatusForbidden, "forbidden", "Tenant is inactive")
		return
	case err != nil:
		p.logger.Error("validating api key", "error", err)
		httpserver.RespondError(sw, http.StatusInternalServerError, "internal_error", "Authentication failed")
		return
	case t == nil:
		httpserver.RespondError(sw, http.StatusUnauthorized, "unauthorized", "Invalid API key")
		return
	}
	tenantID = t.ID.String()

	if t.RateLimit != nil {
		res, err := p.limiter.Check(r.Context(), ratelimit.TenantScope(t.ID), *t.RateLimit)
		if err != nil {
			p.logger.Error("rate limit check failed", "tenant_id", tenantID, "error", err)
			httpserver.RespondError(sw, http.StatusInternalServerError, "internal_error", "Rate limit check failed")
			return
		}

		sw.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		sw.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		sw.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		telemetry.RateLimitRemaining.WithLabelValues(tenantID).Set(float64(res.Remaining))

		if !res.Allowed {
			telemetry.RateLimitHitsTotal.WithLabelValues(tenantID).Inc()
			retryAfter := res.RetryAfter(time.Now())
			sw.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httpserver.Respond(sw, http.StatusTooManyRequests, httpserver.ErrorResponse{
				Error:      "rate_limited",
				Message:    "Rate limit exceeded",
				RetryAfter: retryAfter,
			})
			return
		}
	}

	if matched := p.proxy.Forward(sw, r, t); matched != "" {
		routeLabel = matched
	}
}
