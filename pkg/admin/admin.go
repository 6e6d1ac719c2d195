// Package admin exposes the tenant and route management API. It is guarded
// by the static admin key and never shares handlers with proxied traffic.
package admin

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/wisbric/gatehouse/internal/httpserver"
	"github.com/wisbric/gatehouse/pkg/ratelimit"
	"github.com/wisbric/gatehouse/pkg/route"
	"github.com/wisbric/gatehouse/pkg/tenant"
	"github.com/wisbric/gatehouse/pkg/transform"
)

// keyPrefix marks gateway-issued api keys.
const keyPrefix = "gh_"

// bcryptCost is the cost factor for api-key hashes.
const bcryptCost = 12

// generateAPIKey returns a fresh random tenant api key.
func generateAPIKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return keyPrefix + hex.EncodeToString(buf), nil
}

// hashAPIKey hashes a raw api key for storage.
func hashAPIKey(raw string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing api key: %w", err)
	}
	return string(hash), nil
}

// RequireKey rejects requests whose X-Admin-Key does not match adminKey.
// The comparison is constant-time.
func RequireKey(adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Admin-Key")
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(adminKey)) != 1 {
				httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitPayload mirrors ratelimit.Config with validation tags.
type rateLimitPayload struct {
	RequestsPerSecond int `json:"requestsPerSecond" validate:"required,gt=0"`
	BurstSize         int `json:"burstSize" validate:"omitempty,gt=0"`
}

func (p *rateLimitPayload) toConfig() *ratelimit.Config {
	if p == nil {
		return nil
	}
	return &ratelimit.Config{RequestsPerSecond: p.RequestsPerSecond, BurstSize: p.BurstSize}
}

type createTenantRequest struct {
	Name      string            `json:"name" validate:"required,min=1,max=255"`
	IsActive  *bool             `json:"isActive"`
	RateLimit *rateLimitPayload `json:"rateLimit" validate:"omitempty"`
}

type updateTenantRequest struct {
	Name      string            `json:"name" validate:"required,min=1,max=255"`
	IsActive  bool              `json:"isActive"`
	RateLimit *rateLimitPayload `json:"rateLimit" validate:"omitempty"`
}

// tenantResponse is the tenant view returned to admins. The key hash is
// never serialized.
type tenantResponse struct {
	ID        uuid.UUID         `json:"id"`
	Name      string            `json:"name"`
	IsActive  bool              `json:"isActive"`
	RateLimit *ratelimit.Config `json:"rateLimit,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

func toTenantResponse(t tenant.Tenant) tenantResponse {
	return tenantResponse{
		ID:        t.ID,
		Name:      t.Name,
		IsActive:  t.IsActive,
		RateLimit: t.RateLimit,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

// createTenantResponse carries the raw api key, shown exactly once.
type createTenantResponse struct {
	tenantResponse
	APIKey string `json:"apiKey"`
}

type upstreamPayload struct {
	URL       string `json:"url" validate:"required,url"`
	Weight    int    `json:"weight" validate:"omitempty,gte=1"`
	TimeoutMs int64  `json:"timeoutMs" validate:"omitempty,gt=0"`
}

type routePayload struct {
	Method        string            `json:"method" validate:"required"`
	Path          string            `json:"path" validate:"required,max=1024"`
	PathType      string            `json:"pathType" validate:"required,oneof=exact prefix regex"`
	Upstreams     []upstreamPayload `json:"upstreams" validate:"required,min=1,dive"`
	LoadBalancing string            `json:"loadBalancing" validate:"omitempty,oneof=round-robin weighted random"`
	Transform     *transform.Config `json:"transform"`
	Resilience    *route.Resilience `json:"resilience"`
	IsActive      *bool             `json:"isActive"`
}

func (p *routePayload) upstreams() []route.Upstream {
	out := make([]route.Upstream, 0, len(p.Upstreams))
	for _, u := range p.Upstreams {
		out = append(out, route.Upstream{URL: u.URL, Weight: u.Weight, TimeoutMs: u.TimeoutMs})
	}
	return out
}

func (p *routePayload) strategy() route.Strategy {
	if p.LoadBalancing == "" {
		return route.StrategyRoundRobin
	}
	return route.Strategy(p.LoadBalancing)
}

func (p *routePayload) active() bool {
	return p.IsActive == nil || *p.IsActive
}

type routeResponse struct {
	ID            uuid.UUID         `json:"id"`
	TenantID      uuid.UUID         `json:"tenantId"`
	Method        string            `json:"method"`
	Path          string            `json:"path"`
	PathType      route.PathType    `json:"pathType"`
	Upstreams     []route.Upstream  `json:"upstreams"`
	LoadBalancing route.Strategy    `json:"loadBalancing"`
	Transform     *transform.Config `json:"transform,omitempty"`
	Resilience    *route.Resilience `json:"resilience,omitempty"`
	IsActive      bool              `json:"isActive"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

func toRouteResponse(r route.Route) routeResponse {
	return routeResponse{
		ID:            r.ID,
		TenantID:      r.TenantID,
		Method:        r.Method,
		Path:          r.Path,
		PathType:      r.PathType,
		Upstreams:     r.Upstreams,
		LoadBalancing: r.LoadBalancing,
		Transform:     r.Transform,
		Resilience:    r.Resilience,
		IsActive:      r.IsActive,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}
