// Package tenant holds the tenant model and api-key authentication.
package tenant

import (
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/gatehouse/pkg/ratelimit"
)

// Tenant is one isolation unit of the gateway. APIKeyHash is a bcrypt hash
// of the tenant's secret and is never serialized to clients or the cache.
type Tenant struct {
	ID         uuid.UUID
	Name       string
	IsActive   bool
	RateLimit  *ratelimit.Config
	APIKeyHash string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// cachedTenant is the JSON view stored under tenant:apikey:* keys. It is the
// full tenant minus the key hash.
type cachedTenant struct {
	ID        uuid.UUID         `json:"id"`
	Name      string            `json:"name"`
	IsActive  bool              `json:"isActive"`
	RateLimit *ratelimit.Config `json:"rateLimit,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

func toCached(t *Tenant) cachedTenant {
	return cachedTenant{
		ID:        t.ID,
		Name:      t.Name,
		IsActive:  t.IsActive,
		RateLimit: t.RateLimit,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func (c cachedTenant) toTenant() *Tenant {
	return &Tenant{
		ID:        c.ID,
		Name:      c.Name,
		IsActive:  c.IsActive,
		RateLimit: c.RateLimit,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}
