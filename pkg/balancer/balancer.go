// Package balancer selects an upstream from a route's configured list.
// Health filtering is not applied here; the proxy consults the health
// checker separately.
package balancer

import (
	"errors"
	"math/rand/v2"
	"sync"

	"github.com/wisbric/gatehouse/pkg/route"
)

// ErrNoUpstreams is returned when a route has an empty upstream list.
var ErrNoUpstreams = errors.New("no upstreams configured")

// Balancer holds the process-local round-robin cursors, keyed by route ID.
// Cursors are created lazily and never reset; different gateway processes
// observe independent cursors.
type Balancer struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

// New creates a Balancer.
func New() *Balancer {
	return &Balancer{cursors: make(map[string]uint64)}
}

// Select picks an upstream using the given strategy.
func (b *Balancer) Select(upstreams []route.Upstream, strategy route.Strategy, routeID string) (route.Upstream, error) {
	if len(upstreams) == 0 {
		return route.Upstream{}, ErrNoUpstreams
	}
	if len(upstreams) == 1 {
		return upstreams[0], nil
	}

	switch strategy {
	case route.StrategyWeighted:
		return selectWeighted(upstreams), nil
	case route.StrategyRandom:
		return upstreams[rand.IntN(len(upstreams))], nil
	default:
		return b.selectRoundRobin(upstreams, routeID), nil
	}
}

func (b *Balancer) selectRoundRobin(upstreams []route.Upstream, routeID string) route.Upstream {
	b.mu.Lock()
	cursor := b.cursors[routeID]
	b.cursors[routeID] = cursor + 1
	b.mu.Unlock()

	return upstreams[cursor%uint64(len(upstreams))]
}

func selectWeighted(upstreams []route.Upstream) route.Upstream {
	total := 0
	for _, u := range upstreams {
		total += u.EffectiveWeight()
	}

	r := rand.Float64() * float64(total)
	for _, u := range upstreams {
		r -= float64(u.EffectiveWeight())
		if r <= 0 {
			return u
		}
	}
	// Numerical drift: fall back to the last upstream.
	return upstreams[len(upstreams)-1]
}

// ResetCursors clears all round-robin cursors. Test hook only.
func (b *Balancer) ResetCursors() {
	b.mu.Lock()
	b.cursors = make(map[string]uint64)
	b.mu.Unlock()
}
