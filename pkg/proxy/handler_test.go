package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/wisbric/gatehouse/pkg/balancer"
	"github.com/wisbric/gatehouse/pkg/breaker"
	"github.com/wisbric/gatehouse/pkg/health"
	"github.com/wisbric/gatehouse/pkg/ratelimit"
	"github.com/wisbric/gatehouse/pkg/route"
	"github.com/wisbric/gatehouse/pkg/router"
	"github.com/wisbric/gatehouse/pkg/tenant"
)

type tenantSource struct {
	tenants []tenant.Tenant
}

func (s *tenantSource) FindActiveTenants(ctx context.Context) ([]tenant.Tenant, error) {
	return s.tenants, nil
}

func newTestPipeline(t *testing.T, tn tenant.Tenant, routes ...route.Route) *Pipeline {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.DiscardHandler)
	auth := tenant.NewAuthenticator(&tenantSource{tenants: []tenant.Tenant{tn}}, rdb, logger)
	matcher := router.NewMatcher(&routeSource{routes: routes}, balancer.New())
	p := New(matcher, breaker.New(rdb, logger), health.NewManager(rdb, logger), logger)
	return NewPipeline(auth, ratelimit.NewLimiter(rdb), p, logger)
}

func seededTenant(t *testing.T, apiKey string, rl *ratelimit.Config) tenant.Tenant {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashing key: %v", err)
	}
	return tenant.Tenant{
		ID:         uuid.New(),
		Name:       "acme",
		IsActive:   true,
		RateLimit:  rl,
		APIKeyHash: string(hash),
	}
}

func TestPipelineMissingKey(t *testing.T) {
	pl := newTestPipeline(t, seededTenant(t, "k", nil))

	rec := httptest.NewRecorder()
	pl.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/echo", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestPipelineInvalidKey(t *testing.T) {
	pl := newTestPipeline(t, seededTenant(t, "k", nil))

	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec := httptest.NewRecorder()
	pl.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestPipelineHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	pl := newTestPipeline(t,
		seededTenant(t, "k", &ratelimit.Config{RequestsPerSecond: 100}),
		exactRoute("/echo", srv.URL))

	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	req.Header.Set("X-API-Key", "k")
	rec := httptest.NewRecorder()
	pl.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("X-RateLimit-Limit") != "100" {
		t.Errorf("X-RateLimit-Limit = %q, want 100", rec.Header().Get("X-RateLimit-Limit"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "99" {
		t.Errorf("X-RateLimit-Remaining = %q, want 99", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("X-RateLimit-Reset should be set")
	}
}

func TestPipelineRateLimitBreach(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pl := newTestPipeline(t,
		seededTenant(t, "k", &ratelimit.Config{RequestsPerSecond: 2, BurstSize: 2}),
		exactRoute("/echo", srv.URL))

	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/echo", nil)
		req.Header.Set("X-API-Key", "k")
		rec := httptest.NewRecorder()
		pl.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		last = rec
	}

	if codes[0] != 200 || codes[1] != 200 || codes[2] != 429 {
		t.Fatalf("codes = %v, want [200 200 429]", codes)
	}
	if last.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", last.Header().Get("Retry-After"))
	}
	if last.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", last.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestPipelineNoRateLimitConfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pl := newTestPipeline(t, seededTenant(t, "k", nil), exactRoute("/echo", srv.URL))

	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	req.Header.Set("X-API-Key", "k")
	rec := httptest.NewRecorder()
	pl.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("rate limit headers should be absent when the tenant has no limit")
	}
}
