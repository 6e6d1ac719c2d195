package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/gatehouse/pkg/balancer"
	"github.com/wisbric/gatehouse/pkg/breaker"
	"github.com/wisbric/gatehouse/pkg/health"
	"github.com/wisbric/gatehouse/pkg/retry"
	"github.com/wisbric/gatehouse/pkg/route"
	"github.com/wisbric/gatehouse/pkg/router"
	"github.com/wisbric/gatehouse/pkg/tenant"
	"github.com/wisbric/gatehouse/pkg/transform"
)

type routeSource struct {
	routes []route.Route
}

func (s *routeSource) FindActiveByTenantID(context.Context, uuid.UUID) ([]route.Route, error) {
	return s.routes, nil
}

func newTestProxy(t *testing.T, routes ...route.Route) (*Proxy, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.DiscardHandler)
	matcher := router.NewMatcher(&routeSource{routes: routes}, balancer.New())
	return New(matcher, breaker.New(rdb, logger), health.NewManager(rdb, logger), logger), rdb
}

func testTenant() *tenant.Tenant {
	return &tenant.Tenant{ID: uuid.New(), Name: "acme", IsActive: true}
}

func exactRoute(path, upstreamURL string) route.Route {
	return route.Route{
		ID:        uuid.New(),
		Method:    "*",
		Path:      path,
		PathType:  route.PathExact,
		Upstreams: []route.Upstream{{URL: upstreamURL}},
		IsActive:  true,
	}
}

func TestForwardHappyPath(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello from upstream"))
	}))
	defer srv.Close()

	p, _ := newTestProxy(t, exactRoute("/echo", srv.URL))
	tn := testTenant()

	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("X-Internal-Secret", "leak")
	rec := httptest.NewRecorder()

	label := p.Forward(rec, req, tn)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); body != "hello from upstream" {
		t.Errorf("body = %q", body)
	}
	if label != "/echo" {
		t.Errorf("route label = %q, want /echo", label)
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Error("upstream headers should be forwarded")
	}

	// Allowlist and injected headers.
	if gotHeaders.Get("Authorization") != "Bearer tok" {
		t.Error("Authorization should pass the allowlist")
	}
	if gotHeaders.Get("X-Internal-Secret") != "" {
		t.Error("non-allowlisted headers must not reach the upstream")
	}
	if gotHeaders.Get("X-Tenant-Id") != tn.ID.String() {
		t.Error("X-Tenant-Id should be injected")
	}
	if gotHeaders.Get("X-Forwarded-Proto") != "http" {
		t.Error("X-Forwarded-Proto should be injected")
	}
	if gotHeaders.Get("X-Forwarded-Host") == "" || gotHeaders.Get("X-Forwarded-For") == "" {
		t.Error("forwarding headers should be injected")
	}
}

func TestForwardNoRoute(t *testing.T) {
	p, _ := newTestProxy(t)
	rec := httptest.NewRecorder()

	label := p.Forward(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil), testTenant())

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if label != "" {
		t.Errorf("label = %q, want empty", label)
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Error != "not_found" {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestForwardPrefixWithRewriteAndQuery(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rt := route.Route{
		ID:        uuid.New(),
		Method:    "GET",
		Path:      "/api",
		PathType:  route.PathPrefix,
		Upstreams: []route.Upstream{{URL: srv.URL + "/v2"}},
		Transform: &transform.Config{
			Request: &transform.Request{
				PathRewrite: &transform.PathRewrite{Pattern: "^/api", Replacement: ""},
			},
		},
		IsActive: true,
	}
	p, _ := newTestProxy(t, rt)

	rec := httptest.NewRecorder()
	p.Forward(rec, httptest.NewRequest(http.MethodGet, "/api/users?x=1", nil), testTenant())

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotPath != "/v2/users" {
		t.Errorf("upstream path = %q, want /v2/users", gotPath)
	}
	if gotQuery != "x=1" {
		t.Errorf("upstream query = %q, want x=1", gotQuery)
	}
}

func TestForwardBuffersRequestBody(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p, _ := newTestProxy(t, exactRoute("/items", srv.URL))

	req := httptest.NewRequest(http.MethodPost, "/items", strings.NewReader(`{"name":"x"}`))
	rec := httptest.NewRecorder()
	p.Forward(rec, req, testTenant())

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if gotBody != `{"name":"x"}` {
		t.Errorf("upstream body = %q", gotBody)
	}
}

func TestForwardRetryableStatusBecomes502(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// No retry config: one attempt, retryable status maps to 502.
	p, _ := newTestProxy(t, exactRoute("/flaky", srv.URL))
	rec := httptest.NewRecorder()
	p.Forward(rec, httptest.NewRequest(http.MethodGet, "/flaky", nil), testTenant())

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502 for retryable upstream status", rec.Code)
	}
	if calls.Load() != 1 {
		t.Errorf("upstream called %d times, want 1", calls.Load())
	}
}

func TestForwardNonRetryableStatusForwarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("teapot"))
	}))
	defer srv.Close()

	p, _ := newTestProxy(t, exactRoute("/tea", srv.URL))
	rec := httptest.NewRecorder()
	p.Forward(rec, httptest.NewRequest(http.MethodGet, "/tea", nil), testTenant())

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418 forwarded verbatim", rec.Code)
	}
	if rec.Body.String() != "teapot" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestForwardRetrySucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	rt := exactRoute("/retry", srv.URL)
	rt.Resilience = &route.Resilience{
		Retry: &retry.Config{Enabled: true, MaxRetries: 2, BaseDelayMs: 1, MaxDelayMs: 2},
	}
	p, _ := newTestProxy(t, rt)

	rec := httptest.NewRecorder()
	p.Forward(rec, httptest.NewRequest(http.MethodGet, "/retry", nil), testTenant())

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after retry", rec.Code)
	}
	if rec.Body.String() != "recovered" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if calls.Load() != 2 {
		t.Errorf("upstream called %d times, want 2", calls.Load())
	}
}

func TestForwardTimeoutReturns504(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rt := exactRoute("/slow", srv.URL)
	rt.Upstreams[0].TimeoutMs = 50
	p, _ := newTestProxy(t, rt)

	rec := httptest.NewRecorder()
	p.Forward(rec, httptest.NewRequest(http.MethodGet, "/slow", nil), testTenant())

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rec.Code)
	}
}

func TestForwardUnreachableReturns502(t *testing.T) {
	p, _ := newTestProxy(t, exactRoute("/down", "http://127.0.0.1:1"))

	rec := httptest.NewRecorder()
	p.Forward(rec, httptest.NewRequest(http.MethodGet, "/down", nil), testTenant())

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestForwardCircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rt := exactRoute("/guarded", srv.URL)
	rt.Resilience = &route.Resilience{
		CircuitBreaker: &breaker.Config{Enabled: true, FailureThreshold: 3, TimeoutMs: 60000},
	}
	p, _ := newTestProxy(t, rt)
	tn := testTenant()

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		p.Forward(rec, httptest.NewRequest(http.MethodGet, "/guarded", nil), tn)
		if rec.Code != http.StatusBadGateway {
			t.Fatalf("request %d: status = %d, want 502", i+1, rec.Code)
		}
	}
	if calls.Load() != 3 {
		t.Fatalf("upstream called %d times, want 3", calls.Load())
	}

	// Fourth request observes the open breaker; no upstream call is made.
	rec := httptest.NewRecorder()
	p.Forward(rec, httptest.NewRequest(http.MethodGet, "/guarded", nil), tn)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 with breaker open", rec.Code)
	}
	if calls.Load() != 3 {
		t.Errorf("upstream called %d times after open, want still 3", calls.Load())
	}
}

func TestForwardFallbackOnOpenBreaker(t *testing.T) {
	rt := exactRoute("/fb", "http://127.0.0.1:1")
	rt.Resilience = &route.Resilience{
		CircuitBreaker: &breaker.Config{Enabled: true, FailureThreshold: 1, TimeoutMs: 60000},
		Fallback: &route.FallbackConfig{
			Enabled:     true,
			StatusCode:  http.StatusServiceUnavailable,
			ContentType: "application/json",
			Body:        `{"down":true}`,
		},
	}
	p, _ := newTestProxy(t, rt)
	tn := testTenant()

	// First request fails and trips the breaker; the fallback already serves it.
	rec := httptest.NewRecorder()
	p.Forward(rec, httptest.NewRequest(http.MethodGet, "/fb", nil), tn)

	// Second request observes OPEN and must serve the exact fallback.
	rec = httptest.NewRecorder()
	p.Forward(rec, httptest.NewRequest(http.MethodGet, "/fb", nil), tn)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	if rec.Body.String() != `{"down":true}` {
		t.Errorf("body = %q, want the configured fallback verbatim", rec.Body.String())
	}
}

func TestForwardUnhealthyUpstream(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rt := exactRoute("/checked", srv.URL)
	rt.Resilience = &route.Resilience{
		HealthCheck: &health.Config{Enabled: true, Endpoint: "/healthz", IntervalMs: 5000},
	}
	p, rdb := newTestProxy(t, rt)
	tn := testTenant()

	// Persist an unhealthy status for the triple.
	status := `{"healthy":false,"consecutiveSuccesses":0,"consecutiveFailures":3,"lastCheckTime":null,"lastSuccessTime":null,"lastFailureTime":null}`
	if err := rdb.Set(context.Background(), health.Key(tn.ID.String(), rt.ID.String(), srv.URL), status, time.Minute).Err(); err != nil {
		t.Fatalf("seeding health status: %v", err)
	}

	rec := httptest.NewRecorder()
	p.Forward(rec, httptest.NewRequest(http.MethodGet, "/checked", nil), tn)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 for unhealthy upstream", rec.Code)
	}
	if calls.Load() != 0 {
		t.Error("unhealthy upstream must not be called")
	}
}

func TestForwardStripsHopByHopHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Keep", "1")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, _ := newTestProxy(t, exactRoute("/h", srv.URL))
	rec := httptest.NewRecorder()
	p.Forward(rec, httptest.NewRequest(http.MethodGet, "/h", nil), testTenant())

	if rec.Header().Get("Keep-Alive") != "" {
		t.Error("hop-by-hop headers must be stripped")
	}
	if rec.Header().Get("X-Keep") != "1" {
		t.Error("end-to-end headers must be kept")
	}
}

func TestForwardResponseTransform(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Powered-By", "secret-stack")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rt := exactRoute("/t", srv.URL)
	rt.Transform = &transform.Config{
		Response: &transform.Response{
			Headers: &transform.HeaderOps{
				Remove: []string{"X-Powered-By"},
				Set:    map[string]string{"X-Gateway": "gatehouse"},
			},
		},
	}
	p, _ := newTestProxy(t, rt)

	rec := httptest.NewRecorder()
	p.Forward(rec, httptest.NewRequest(http.MethodGet, "/t", nil), testTenant())

	if rec.Header().Get("X-Powered-By") != "" {
		t.Error("response transform remove should apply")
	}
	if rec.Header().Get("X-Gateway") != "gatehouse" {
		t.Error("response transform set should apply")
	}
}
