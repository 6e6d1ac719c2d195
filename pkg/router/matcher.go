// Package router matches inbound requests to a tenant's configured routes
// and picks an upstream for the match.
package router

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/wisbric/gatehouse/pkg/balancer"
	"github.com/wisbric/gatehouse/pkg/route"
)

// Source loads a tenant's active routes in their authoritative order.
type Source interface {
	FindActiveByTenantID(ctx context.Context, tenantID uuid.UUID) ([]route.Route, error)
}

// Match is a resolved route plus the upstream selected for this request.
type Match struct {
	Route    *route.Route
	Upstream route.Upstream
}

// Matcher resolves requests against the route store.
type Matcher struct {
	source Source
	lb     *balancer.Balancer
}

// NewMatcher creates a Matcher.
func NewMatcher(source Source, lb *balancer.Balancer) *Matcher {
	return &Matcher{source: source, lb: lb}
}

// MatchRoute returns the first active route of the tenant matching method and
// path, with an upstream selected, or nil when nothing matches. Store order
// is the tie-break; there is no specificity ranking.
func (m *Matcher) MatchRoute(ctx context.Context, tenantID uuid.UUID, method, path string) (*Match, error) {
	routes, err := m.source.FindActiveByTenantID(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("loading routes for tenant %s: %w", tenantID, err)
	}

	for i := range routes {
		rt := &routes[i]
		if !methodMatches(rt.Method, method) || !PathMatches(rt, path) {
			continue
		}
		upstream, err := m.lb.Select(rt.Upstreams, rt.LoadBalancing, rt.ID.String())
		if err != nil {
			return nil, fmt.Errorf("selecting upstream for route %s: %w", rt.ID, err)
		}
		return &Match{Route: rt, Upstream: upstream}, nil
	}
	return nil, nil
}

func methodMatches(routeMethod, method string) bool {
	return routeMethod == "*" || routeMethod == method
}

// PathMatches reports whether path satisfies the route's path rule.
func PathMatches(rt *route.Route, path string) bool {
	switch rt.PathType {
	case route.PathExact:
		return path == rt.Path
	case route.PathPrefix:
		// "/api" matches "/api" and "/api/x" but not "/apix".
		return path == rt.Path || strings.HasPrefix(path, rt.Path+"/")
	case route.PathRegex:
		re, err := regexp.Compile("^" + rt.Path + "$")
		if err != nil {
			return false
		}
		return re.MatchString(path)
	default:
		return false
	}
}
