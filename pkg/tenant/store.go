package tenant

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/gatehouse/pkg/ratelimit"
)

const tenantColumns = `id, name, api_key_hash, is_active, rate_limit, created_at, updated_at`

// Store provides database operations for tenants.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a tenant Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanTenantRow(row pgx.Row) (Tenant, error) {
	var t Tenant
	var rateLimit []byte
	err := row.Scan(&t.ID, &t.Name, &t.APIKeyHash, &t.IsActive, &rateLimit, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	if len(rateLimit) > 0 {
		var cfg ratelimit.Config
		if err := json.Unmarshal(rateLimit, &cfg); err != nil {
			return t, fmt.Errorf("decoding tenant rate limit: %w", err)
		}
		t.RateLimit = &cfg
	}
	return t, nil
}

func scanTenantRows(rows pgx.Rows) ([]Tenant, error) {
	defer rows.Close()
	var items []Tenant
	for rows.Next() {
		t, err := scanTenantRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tenant row: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenant rows: %w", err)
	}
	return items, nil
}

// FindActiveTenants returns all active tenants including their key hashes,
// in creation order. This is the iteration order api-key verification scans.
func (s *Store) FindActiveTenants(ctx context.Context) ([]Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE is_active ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing active tenants: %w", err)
	}
	return scanTenantRows(rows)
}

// List returns all tenants.
func (s *Store) List(ctx context.Context) ([]Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	return scanTenantRows(rows)
}

// GetByID returns one tenant. Returns pgx.ErrNoRows when absent.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	return scanTenantRow(s.pool.QueryRow(ctx, query, id))
}

// CreateParams holds parameters for creating a tenant.
type CreateParams struct {
	Name       string
	APIKeyHash string
	IsActive   bool
	RateLimit  *ratelimit.Config
}

// Create inserts a new tenant and returns the created row.
func (s *Store) Create(ctx context.Context, p CreateParams) (Tenant, error) {
	rateLimit, err := marshalRateLimit(p.RateLimit)
	if err != nil {
		return Tenant{}, err
	}
	query := `INSERT INTO tenants (name, api_key_hash, is_active, rate_limit)
	VALUES ($1, $2, $3, $4)
	RETURNING ` + tenantColumns
	return scanTenantRow(s.pool.QueryRow(ctx, query, p.Name, p.APIKeyHash, p.IsActive, rateLimit))
}

// UpdateParams holds parameters for updating a tenant.
type UpdateParams struct {
	Name      string
	IsActive  bool
	RateLimit *ratelimit.Config
}

// Update replaces a tenant's mutable fields and returns the updated row.
func (s *Store) Update(ctx context.Context, id uuid.UUID, p UpdateParams) (Tenant, error) {
	rateLimit, err := marshalRateLimit(p.RateLimit)
	if err != nil {
		return Tenant{}, err
	}
	query := `UPDATE tenants SET name = $2, is_active = $3, rate_limit = $4, updated_at = now()
	WHERE id = $1
	RETURNING ` + tenantColumns
	return scanTenantRow(s.pool.QueryRow(ctx, query, id, p.Name, p.IsActive, rateLimit))
}

// UpdateKeyHash stores a freshly rotated api-key hash.
func (s *Store) UpdateKeyHash(ctx context.Context, id uuid.UUID, hash string) error {
	query := `UPDATE tenants SET api_key_hash = $2, updated_at = now() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, hash)
	if err != nil {
		return fmt.Errorf("rotating tenant key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Delete removes a tenant; routes cascade at the schema level.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func marshalRateLimit(cfg *ratelimit.Config) ([]byte, error) {
	if cfg == nil {
		return nil, nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding tenant rate limit: %w", err)
	}
	return raw, nil
}
