// Package proxy composes authentication, rate limiting, routing, health,
// circuit breaking, retries, and transformation into the request path.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wisbric/gatehouse/internal/httpserver"
	"github.com/wisbric/gatehouse/internal/telemetry"
	"github.com/wisbric/gatehouse/pkg/breaker"
	"github.com/wisbric/gatehouse/pkg/health"
	"github.com/wisbric/gatehouse/pkg/retry"
	"github.com/wisbric/gatehouse/pkg/route"
	"github.com/wisbric/gatehouse/pkg/router"
	"github.com/wisbric/gatehouse/pkg/tenant"
	"github.com/wisbric/gatehouse/pkg/transform"
)

// forwardedHeaders is the allowlist copied from the client request.
var forwardedHeaders = []string{
	"Content-Type",
	"Accept",
	"Accept-Language",
	"Accept-Encoding",
	"User-Agent",
	"Authorization",
}

// hopByHopHeaders are stripped in both directions.
var hopByHopHeaders = []string{"Connection", "Keep-Alive", "Transfer-Encoding"}

// Proxy forwards authenticated, rate-allowed requests to upstreams.
// It is re-entrant; all per-request state is local.
type Proxy struct {
	matcher *router.Matcher
	breaker *breaker.Breaker
	health  *health.Manager
	client  *http.Client
	logger  *slog.Logger
}

// New creates a Proxy. The shared HTTP client carries no global timeout;
// every attempt runs under its own deadline.
func New(matcher *router.Matcher, cb *breaker.Breaker, hm *health.Manager, logger *slog.Logger) *Proxy {
	return &Proxy{
		matcher: matcher,
		breaker: cb,
		health:  hm,
		client:  &http.Client{},
		logger:  logger,
	}
}

// Forward resolves the route for r and proxies it for the tenant. It returns
// the matched route path for metric labelling, or "" when nothing matched.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, t *tenant.Tenant) string {
	ctx := r.Context()

	match, err := p.matcher.MatchRoute(ctx, t.ID, r.Method, r.URL.Path)
	if err != nil {
		p.logger.Error("matching route", "tenant_id", t.ID, "path", r.URL.Path, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "Failed to resolve route")
		return ""
	}
	if match == nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "No route matched the request")
		return ""
	}

	rt := match.Route
	upstream := match.Upstream
	tenantID := t.ID.String()
	routeID := rt.ID.String()

	if hc := rt.HealthCheck(); hc != nil && hc.Enabled {
		if !p.health.IsHealthy(ctx, tenantID, routeID, upstream.URL) {
			p.respondFailure(w, rt, http.StatusServiceUnavailable, "upstream_unhealthy", "Upstream service is unhealthy")
			return rt.Path
		}
	}

	cb := rt.CircuitBreaker()
	breakerOn := cb != nil && cb.Enabled
	if breakerOn && !p.breaker.CanExecute(ctx, tenantID, routeID, upstream.URL, cb) {
		p.respondFailure(w, rt, http.StatusServiceUnavailable, "upstream_unhealthy", "Circuit breaker is open")
		return rt.Path
	}

	target := buildTargetURL(rt, upstream, r.URL.Path, r.URL.RawQuery)
	outHeaders := p.buildUpstreamHeaders(r, t, rt)

	// Bodies are buffered once and replayed per attempt.
	var body []byte
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "Failed to read request body")
			return rt.Path
		}
	}

	statusCodes := rt.Retry().StatusCodes()
	timeout := rt.ResolveTimeout(r.Method, upstream)
	upstreamLabel := telemetry.NormalizeUpstream(upstream.URL)

	var finalResp *http.Response
	var finalBody []byte

	attempt := func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(attemptCtx, r.Method, target, reader)
		if err != nil {
			return fmt.Errorf("building upstream request: %w", err)
		}
		req.Header = outHeaders.Clone()

		start := time.Now()
		resp, err := p.client.Do(req)
		telemetry.UpstreamRequestDuration.WithLabelValues(tenantID, upstreamLabel, r.Method).Observe(time.Since(start).Seconds())
		if err != nil {
			telemetry.UpstreamRequestsTotal.WithLabelValues(tenantID, upstreamLabel, r.Method, "error").Inc()
			return err
		}
		telemetry.UpstreamRequestsTotal.WithLabelValues(tenantID, upstreamLabel, r.Method, strconv.Itoa(resp.StatusCode)).Inc()

		if statusRetryable(resp.StatusCode, statusCodes) {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return &retry.StatusError{StatusCode: resp.StatusCode}
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("reading upstream body: %w", err)
		}
		finalResp = resp
		finalBody = respBody
		return nil
	}

	err = retry.Do(ctx, rt.Retry(), attempt, func(attemptNum int, delay time.Duration) {
		telemetry.RetryAttemptsTotal.WithLabelValues(tenantID, routeID, strconv.Itoa(attemptNum)).Inc()
		p.logger.Debug("retrying upstream request",
			"tenant_id", tenantID, "route_id", routeID, "upstream", upstreamLabel,
			"attempt", attemptNum, "delay_ms", delay.Milliseconds())
	})

	if err != nil {
		if breakerOn {
			p.breaker.RecordFailure(ctx, tenantID, routeID, upstream.URL, cb)
		}
		p.logger.Warn("upstream request failed",
			"tenant_id", tenantID, "route_id", routeID, "upstream", upstreamLabel, "error", err)
		if isTimeout(err) {
			p.respondFailure(w, rt, http.StatusGatewayTimeout, "upstream_timeout", "Upstream request timed out")
		} else {
			p.respondFailure(w, rt, http.StatusBadGateway, "upstream_unreachable", "Failed to reach upstream service")
		}
		return rt.Path
	}

	if breakerOn {
		switch {
		case finalResp.StatusCode >= 200 && finalResp.StatusCode < 300:
			p.breaker.RecordSuccess(ctx, tenantID, routeID, upstream.URL, cb)
		case finalResp.StatusCode >= 500:
			p.breaker.RecordFailure(ctx, tenantID, routeID, upstream.URL, cb)
		}
	}

	p.writeResponse(w, rt, finalResp, finalBody)
	return rt.Path
}

// buildUpstreamHeaders assembles the outbound header set: the allowlisted
// client headers, the forwarding headers, then the route's request transform.
func (p *Proxy) buildUpstreamHeaders(r *http.Request, t *tenant.Tenant, rt *route.Route) http.Header {
	h := http.Header{}
	for _, name := range forwardedHeaders {
		for _, v := range r.Header.Values(name) {
			h.Add(name, v)
		}
	}

	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientIP = host
	}
	h.Set("X-Forwarded-For", clientIP)
	h.Set("X-Forwarded-Host", r.Host)
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
	h.Set("X-Tenant-Id", t.ID.String())

	if rt.Transform != nil && rt.Transform.Request != nil {
		transform.ApplyHeaders(h, rt.Transform.Request.Headers)
	}
	return h
}

// writeResponse forwards the upstream response: hop-by-hop headers stripped,
// response transform applied, body verbatim.
func (p *Proxy) writeResponse(w http.ResponseWriter, rt *route.Route, resp *http.Response, body []byte) {
	headers := resp.Header.Clone()
	for _, name := range hopByHopHeaders {
		headers.Del(name)
	}
	if rt.Transform != nil && rt.Transform.Response != nil {
		transform.ApplyHeaders(headers, rt.Transform.Response.Headers)
	}

	dst := w.Header()
	for name, values := range headers {
		dst[name] = values
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		p.logger.Debug("writing response body", "error", err)
	}
}

// respondFailure serves the route's fallback when configured, the terminal
// error otherwise.
func (p *Proxy) respondFailure(w http.ResponseWriter, rt *route.Route, status int, code, message string) {
	if fb := rt.Fallback(); ShouldUseFallback(fb) {
		WriteFallback(w, fb)
		return
	}
	httpserver.RespondError(w, status, code, message)
}

// buildTargetURL computes the upstream URL: the request path is rewritten,
// then for prefix routes the remainder after the route path is appended to
// the upstream base; the original query string is carried verbatim.
func buildTargetURL(rt *route.Route, upstream route.Upstream, path, rawQuery string) string {
	if rt.Transform != nil && rt.Transform.Request != nil {
		path = transform.RewritePath(path, rt.Transform.Request.PathRewrite)
	}

	target := upstream.URL
	if rt.PathType == route.PathPrefix {
		target += strings.TrimPrefix(path, rt.Path)
	}
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

func statusRetryable(status int, statusCodes []int) bool {
	for _, code := range statusCodes {
		if status == code {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
