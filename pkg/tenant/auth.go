package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

// cacheTTL bounds how long a validated api-key stays warm. A tenant
// deactivated inside this window keeps authenticating from its cached entry
// until the entry expires; a cached entry that carries isActive=false is
// denied with ErrTenantInactive, which the pipeline maps to 403.
const cacheTTL = 5 * time.Second

// ErrTenantInactive marks an api-key that resolved to a deactivated tenant
// from the cache. The pipeline maps it to 403 rather than 401.
var ErrTenantInactive = errors.New("tenant is inactive")

// Source loads tenants eligible for api-key verification.
type Source interface {
	FindActiveTenants(ctx context.Context) ([]Tenant, error)
}

// Authenticator validates api-keys against bcrypt hashes, fronted by a
// short-lived Redis cache so the warm path never touches the store.
type Authenticator struct {
	source Source
	redis  *redis.Client
	logger *slog.Logger
}

// NewAuthenticator creates an api-key authenticator.
func NewAuthenticator(source Source, rdb *redis.Client, logger *slog.Logger) *Authenticator {
	return &Authenticator{source: source, redis: rdb, logger: logger}
}

func cacheKey(apiKey string) string {
	return "tenant:apikey:" + apiKey
}

// ValidateAPIKey resolves an api-key to its tenant. It returns (nil, nil) for
// an unknown key, ErrTenantInactive for a cached-but-deactivated tenant, and
// any other non-nil error only when the store itself failed. Cache errors
// degrade to a store scan.
func (a *Authenticator) ValidateAPIKey(ctx context.Context, apiKey string) (*Tenant, error) {
	if apiKey == "" {
		return nil, nil
	}

	raw, err := a.redis.Get(ctx, cacheKey(apiKey)).Result()
	switch {
	case err == nil:
		var cached cachedTenant
		if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr == nil {
			if !cached.IsActive {
				return nil, ErrTenantInactive
			}
			return cached.toTenant(), nil
		}
		a.logger.Warn("corrupt tenant cache entry, falling through to store")
	case err != redis.Nil:
		a.logger.Warn("tenant cache read failed, falling through to store", "error", err)
	}

	tenants, err := a.source.FindActiveTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading active tenants: %w", err)
	}

	// Linear scan with a constant-time compare per tenant. Fine at hundreds
	// of tenants; the 5 s cache keeps this off the hot path.
	for i := range tenants {
		t := tenants[i]
		if bcrypt.CompareHashAndPassword([]byte(t.APIKeyHash), []byte(apiKey)) == nil {
			a.cache(ctx, apiKey, &t)
			return &t, nil
		}
	}
	return nil, nil
}

// Invalidate drops the cache entry for an api-key, if present.
func (a *Authenticator) Invalidate(ctx context.Context, apiKey string) {
	if err := a.redis.Del(ctx, cacheKey(apiKey)).Err(); err != nil {
		a.logger.Warn("invalidating tenant cache entry", "error", err)
	}
}

func (a *Authenticator) cache(ctx context.Context, apiKey string, t *Tenant) {
	raw, err := json.Marshal(toCached(t))
	if err != nil {
		a.logger.Error("encoding tenant cache entry", "error", err)
		return
	}
	if err := a.redis.Set(ctx, cacheKey(apiKey), raw, cacheTTL).Err(); err != nil {
		a.logger.Warn("writing tenant cache entry", "error", err)
	}
}
