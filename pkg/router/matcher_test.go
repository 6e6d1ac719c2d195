package router

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/gatehouse/pkg/balancer"
	"github.com/wisbric/gatehouse/pkg/route"
)

type fakeSource struct {
	routes []route.Route
}

func (f *fakeSource) FindActiveByTenantID(context.Context, uuid.UUID) ([]route.Route, error) {
	return f.routes, nil
}

func newRoute(method, path string, pathType route.PathType) route.Route {
	return route.Route{
		ID:        uuid.New(),
		Method:    method,
		Path:      path,
		PathType:  pathType,
		Upstreams: []route.Upstream{{URL: "http://svc:80"}},
		IsActive:  true,
	}
}

func TestPathMatchesExact(t *testing.T) {
	rt := newRoute("GET", "/echo", route.PathExact)
	if !PathMatches(&rt, "/echo") {
		t.Error("exact should match identical path")
	}
	if PathMatches(&rt, "/echo/x") || PathMatches(&rt, "/echox") {
		t.Error("exact should not match extended paths")
	}
}

func TestPathMatchesPrefix(t *testing.T) {
	rt := newRoute("GET", "/api", route.PathPrefix)
	tests := []struct {
		path string
		want bool
	}{
		{"/api", true},
		{"/api/x", true},
		{"/api/x/y", true},
		{"/apix", false},
		{"/other", false},
	}
	for _, tt := range tests {
		if got := PathMatches(&rt, tt.path); got != tt.want {
			t.Errorf("PathMatches(/api prefix, %q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestPathMatchesRegex(t *testing.T) {
	rt := newRoute("GET", "/users/\\d+", route.PathRegex)
	if !PathMatches(&rt, "/users/42") {
		t.Error("regex should full-match /users/42")
	}
	if PathMatches(&rt, "/users/42/posts") {
		t.Error("regex is anchored; partial match must not count")
	}

	bad := newRoute("GET", "(", route.PathRegex)
	if PathMatches(&bad, "/anything") {
		t.Error("uncompilable regex should never match")
	}
}

func TestMatchRouteMethodWildcard(t *testing.T) {
	m := NewMatcher(&fakeSource{routes: []route.Route{
		newRoute("*", "/any", route.PathExact),
	}}, balancer.New())

	for _, method := range []string{"GET", "POST", "DELETE"} {
		match, err := m.MatchRoute(context.Background(), uuid.New(), method, "/any")
		if err != nil {
			t.Fatalf("MatchRoute error: %v", err)
		}
		if match == nil {
			t.Errorf("wildcard route should match method %s", method)
		}
	}
}

func TestMatchRouteMethodMismatch(t *testing.T) {
	m := NewMatcher(&fakeSource{routes: []route.Route{
		newRoute("GET", "/echo", route.PathExact),
	}}, balancer.New())

	match, err := m.MatchRoute(context.Background(), uuid.New(), "POST", "/echo")
	if err != nil {
		t.Fatalf("MatchRoute error: %v", err)
	}
	if match != nil {
		t.Error("POST must not match a GET route")
	}
}

func TestMatchRouteFirstWins(t *testing.T) {
	first := newRoute("GET", "/api", route.PathPrefix)
	second := newRoute("GET", "/api/users", route.PathExact)
	m := NewMatcher(&fakeSource{routes: []route.Route{first, second}}, balancer.New())

	match, err := m.MatchRoute(context.Background(), uuid.New(), "GET", "/api/users")
	if err != nil {
		t.Fatalf("MatchRoute error: %v", err)
	}
	if match == nil || match.Route.ID != first.ID {
		t.Error("store order is authoritative; the prefix route listed first must win")
	}
}

func TestMatchRouteNone(t *testing.T) {
	m := NewMatcher(&fakeSource{}, balancer.New())
	match, err := m.MatchRoute(context.Background(), uuid.New(), "GET", "/nowhere")
	if err != nil {
		t.Fatalf("MatchRoute error: %v", err)
	}
	if match != nil {
		t.Errorf("MatchRoute = %+v, want nil", match)
	}
}

func TestMatchRouteSelectsUpstream(t *testing.T) {
	rt := newRoute("GET", "/echo", route.PathExact)
	rt.Upstreams = []route.Upstream{{URL: "http://a:80"}, {URL: "http://b:80"}}
	rt.LoadBalancing = route.StrategyRoundRobin
	m := NewMatcher(&fakeSource{routes: []route.Route{rt}}, balancer.New())

	m1, _ := m.MatchRoute(context.Background(), uuid.New(), "GET", "/echo")
	m2, _ := m.MatchRoute(context.Background(), uuid.New(), "GET", "/echo")
	if m1.Upstream.URL == m2.Upstream.URL {
		t.Error("round-robin should alternate between the two upstreams")
	}
}
