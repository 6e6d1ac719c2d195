package route

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/gatehouse/pkg/transform"
)

const routeColumns = `id, tenant_id, method, path, path_type, upstreams, load_balancing, transform, resilience, is_active, created_at, updated_at`

// Store provides database operations for routes.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a route Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanRouteRow(row pgx.Row) (Route, error) {
	var r Route
	var upstreams, transformRaw, resilience []byte
	err := row.Scan(&r.ID, &r.TenantID, &r.Method, &r.Path, &r.PathType, &upstreams,
		&r.LoadBalancing, &transformRaw, &resilience, &r.IsActive, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(upstreams, &r.Upstreams); err != nil {
		return r, fmt.Errorf("decoding route upstreams: %w", err)
	}
	if len(transformRaw) > 0 {
		var cfg transform.Config
		if err := json.Unmarshal(transformRaw, &cfg); err != nil {
			return r, fmt.Errorf("decoding route transform: %w", err)
		}
		r.Transform = &cfg
	}
	if len(resilience) > 0 {
		var cfg Resilience
		if err := json.Unmarshal(resilience, &cfg); err != nil {
			return r, fmt.Errorf("decoding route resilience: %w", err)
		}
		r.Resilience = &cfg
	}
	return r, nil
}

func scanRouteRows(rows pgx.Rows) ([]Route, error) {
	defer rows.Close()
	var items []Route
	for rows.Next() {
		r, err := scanRouteRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning route row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating route rows: %w", err)
	}
	return items, nil
}

// FindActiveByTenantID returns a tenant's active routes in creation order.
// This order is authoritative for matching; callers must not re-sort.
func (s *Store) FindActiveByTenantID(ctx context.Context, tenantID uuid.UUID) ([]Route, error) {
	query := `SELECT ` + routeColumns + ` FROM routes WHERE tenant_id = $1 AND is_active ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing active routes: %w", err)
	}
	return scanRouteRows(rows)
}

// ListByTenantID returns all of a tenant's routes in creation order.
func (s *Store) ListByTenantID(ctx context.Context, tenantID uuid.UUID) ([]Route, error) {
	query := `SELECT ` + routeColumns + ` FROM routes WHERE tenant_id = $1 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing routes: %w", err)
	}
	return scanRouteRows(rows)
}

// ListActive returns every active route across tenants, in creation order.
// Used at startup to register health probes.
func (s *Store) ListActive(ctx context.Context) ([]Route, error) {
	query := `SELECT ` + routeColumns + ` FROM routes WHERE is_active ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing active routes: %w", err)
	}
	return scanRouteRows(rows)
}

// GetByID returns one route. Returns pgx.ErrNoRows when absent.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (Route, error) {
	query := `SELECT ` + routeColumns + ` FROM routes WHERE id = $1`
	return scanRouteRow(s.pool.QueryRow(ctx, query, id))
}

// CreateParams holds parameters for creating a route.
type CreateParams struct {
	TenantID      uuid.UUID
	Method        string
	Path          string
	PathType      PathType
	Upstreams     []Upstream
	LoadBalancing Strategy
	Transform     *transform.Config
	Resilience    *Resilience
	IsActive      bool
}

// Create inserts a new route and returns the created row.
func (s *Store) Create(ctx context.Context, p CreateParams) (Route, error) {
	upstreams, transformRaw, resilience, err := marshalConfigs(p.Upstreams, p.Transform, p.Resilience)
	if err != nil {
		return Route{}, err
	}
	query := `INSERT INTO routes (tenant_id, method, path, path_type, upstreams, load_balancing, transform, resilience, is_active)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	RETURNING ` + routeColumns
	return scanRouteRow(s.pool.QueryRow(ctx, query,
		p.TenantID, p.Method, p.Path, p.PathType, upstreams, p.LoadBalancing, transformRaw, resilience, p.IsActive))
}

// UpdateParams holds parameters for updating a route.
type UpdateParams struct {
	Method        string
	Path          string
	PathType      PathType
	Upstreams     []Upstream
	LoadBalancing Strategy
	Transform     *transform.Config
	Resilience    *Resilience
	IsActive      bool
}

// Update replaces a route's configuration and returns the updated row.
func (s *Store) Update(ctx context.Context, id uuid.UUID, p UpdateParams) (Route, error) {
	upstreams, transformRaw, resilience, err := marshalConfigs(p.Upstreams, p.Transform, p.Resilience)
	if err != nil {
		return Route{}, err
	}
	query := `UPDATE routes SET method = $2, path = $3, path_type = $4, upstreams = $5,
	load_balancing = $6, transform = $7, resilience = $8, is_active = $9, updated_at = now()
	WHERE id = $1
	RETURNING ` + routeColumns
	return scanRouteRow(s.pool.QueryRow(ctx, query,
		id, p.Method, p.Path, p.PathType, upstreams, p.LoadBalancing, transformRaw, resilience, p.IsActive))
}

// Delete removes a route.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM routes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting route: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func marshalConfigs(upstreams []Upstream, t *transform.Config, r *Resilience) ([]byte, []byte, []byte, error) {
	upstreamsRaw, err := json.Marshal(upstreams)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encoding upstreams: %w", err)
	}
	var transformRaw, resilienceRaw []byte
	if t != nil {
		if transformRaw, err = json.Marshal(t); err != nil {
			return nil, nil, nil, fmt.Errorf("encoding transform: %w", err)
		}
	}
	if r != nil {
		if resilienceRaw, err = json.Marshal(r); err != nil {
			return nil, nil, nil, fmt.Errorf("encoding resilience: %w", err)
		}
	}
	return upstreamsRaw, transformRaw, resilienceRaw, nil
}
