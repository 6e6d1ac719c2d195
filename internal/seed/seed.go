package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/wisbric/gatehouse/pkg/breaker"
	"github.com/wisbric/gatehouse/pkg/ratelimit"
	"github.com/wisbric/gatehouse/pkg/retry"
	"github.com/wisbric/gatehouse/pkg/route"
	"github.com/wisbric/gatehouse/pkg/tenant"
	"github.com/wisbric/gatehouse/pkg/transform"
)

// DevAPIKey is the raw API key seeded for development/testing.
// It is only created by the seed command and should never be used in production.
const DevAPIKey = "gh_dev_seed_key_do_not_use_in_production"

// Run provisions the "acme" development tenant with example routes. It is
// idempotent: if the tenant already exists it logs a message and returns nil.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	tenants := tenant.NewStore(pool)
	routes := route.NewStore(pool)

	existing, err := tenants.List(ctx)
	if err != nil {
		return fmt.Errorf("listing tenants: %w", err)
	}
	for _, t := range existing {
		if t.Name == "acme" {
			logger.Info("seed: tenant 'acme' already exists, skipping")
			return nil
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(DevAPIKey), 12)
	if err != nil {
		return fmt.Errorf("hashing seed api key: %w", err)
	}

	created, err := tenants.Create(ctx, tenant.CreateParams{
		Name:       "acme",
		APIKeyHash: string(hash),
		IsActive:   true,
		RateLimit:  &ratelimit.Config{RequestsPerSecond: 50, BurstSize: 100},
	})
	if err != nil {
		return fmt.Errorf("creating seed tenant: %w", err)
	}
	logger.Info("seed: created tenant", "tenant_id", created.ID, "api_key", DevAPIKey)

	seedRoutes := []route.CreateParams{
		{
			TenantID:      created.ID,
			Method:        "GET",
			Path:          "/echo",
			PathType:      route.PathExact,
			Upstreams:     []route.Upstream{{URL: "http://localhost:9001/echo"}},
			LoadBalancing: route.StrategyRoundRobin,
			IsActive:      true,
		},
		{
			TenantID:      created.ID,
			Method:        "*",
			Path:          "/api",
			PathType:      route.PathPrefix,
			Upstreams:     []route.Upstream{{URL: "http://localhost:9001/v2"}},
			LoadBalancing: route.StrategyRoundRobin,
			Transform: &transform.Config{
				Request: &transform.Request{
					PathRewrite: &transform.PathRewrite{Pattern: "^/api", Replacement: ""},
					Headers:     &transform.HeaderOps{Set: map[string]string{"X-Gateway": "gatehouse"}},
				},
			},
			Resilience: &route.Resilience{
				Retry:          &retry.Config{Enabled: true, MaxRetries: 2, BaseDelayMs: 100, MaxDelayMs: 2000},
				CircuitBreaker: &breaker.Config{Enabled: true},
			},
			IsActive: true,
		},
		{
			TenantID: created.ID,
			Method:   "GET",
			Path:     "/balanced",
			PathType: route.PathExact,
			Upstreams: []route.Upstream{
				{URL: "http://localhost:9001", Weight: 3},
				{URL: "http://localhost:9002", Weight: 1},
			},
			LoadBalancing: route.StrategyWeighted,
			Resilience: &route.Resilience{
				Fallback: &route.FallbackConfig{
					Enabled:     true,
					StatusCode:  503,
					ContentType: "application/json",
					Body:        `{"error":"service temporarily unavailable"}`,
				},
			},
			IsActive: true,
		},
	}

	for _, p := range seedRoutes {
		rt, err := routes.Create(ctx, p)
		if err != nil {
			return fmt.Errorf("creating seed route %s: %w", p.Path, err)
		}
		logger.Info("seed: created route", "route_id", rt.ID, "method", rt.Method, "path", rt.Path)
	}

	return nil
}
