package admin

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/gatehouse/internal/httpserver"
	"github.com/wisbric/gatehouse/pkg/health"
	"github.com/wisbric/gatehouse/pkg/route"
	"github.com/wisbric/gatehouse/pkg/tenant"
)

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true, "HEAD": true, "*": true,
}

var allowedFallbackContentTypes = map[string]bool{
	"application/json": true,
	"text/plain":       true,
	"text/html":        true,
}

// Handler provides HTTP handlers for the admin API.
type Handler struct {
	logger  *slog.Logger
	tenants *tenant.Store
	routes  *route.Store
	health  *health.Manager
}

// NewHandler creates an admin Handler.
func NewHandler(logger *slog.Logger, tenants *tenant.Store, routes *route.Store, hm *health.Manager) *Handler {
	return &Handler{logger: logger, tenants: tenants, routes: routes, health: hm}
}

// Routes returns a chi.Router with all admin routes mounted. adminKey guards
// every endpoint.
func (h *Handler) Routes(adminKey string) chi.Router {
	r := chi.NewRouter()
	r.Use(RequireKey(adminKey))

	r.Route("/tenants", func(r chi.Router) {
		r.Post("/", h.handleCreateTenant)
		r.Get("/", h.handleListTenants)
		r.Get("/{id}", h.handleGetTenant)
		r.Put("/{id}", h.handleUpdateTenant)
		r.Delete("/{id}", h.handleDeleteTenant)
		r.Post("/{id}/rotate-key", h.handleRotateKey)

		r.Post("/{id}/routes", h.handleCreateRoute)
		r.Get("/{id}/routes", h.handleListRoutes)
	})

	r.Route("/routes", func(r chi.Router) {
		r.Get("/{id}", h.handleGetRoute)
		r.Put("/{id}", h.handleUpdateRoute)
		r.Delete("/{id}", h.handleDeleteRoute)
	})

	return r
}

func (h *Handler) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	rawKey, err := generateAPIKey()
	if err != nil {
		h.logger.Error("generating tenant api key", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create tenant")
		return
	}
	hash, err := hashAPIKey(rawKey)
	if err != nil {
		h.logger.Error("hashing tenant api key", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create tenant")
		return
	}

	created, err := h.tenants.Create(r.Context(), tenant.CreateParams{
		Name:       req.Name,
		APIKeyHash: hash,
		IsActive:   req.IsActive == nil || *req.IsActive,
		RateLimit:  req.RateLimit.toConfig(),
	})
	if err != nil {
		h.logger.Error("creating tenant", "name", req.Name, "error", err)
		httpserver.RespondError(w, http.StatusConflict, "conflict", "tenant name already exists or is invalid")
		return
	}

	httpserver.Respond(w, http.StatusCreated, createTenantResponse{
		tenantResponse: toTenantResponse(created),
		APIKey:         rawKey,
	})
}

func (h *Handler) handleListTenants(w http.ResponseWriter, r *http.Request) {
	items, err := h.tenants.List(r.Context())
	if err != nil {
		h.logger.Error("listing tenants", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list tenants")
		return
	}
	out := make([]tenantResponse, 0, len(items))
	for _, t := range items {
		out = append(out, toTenantResponse(t))
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"tenants": out, "count": len(out)})
}

func (h *Handler) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	t, err := h.tenants.GetByID(r.Context(), id)
	if err != nil {
		h.respondStoreError(w, err, "tenant")
		return
	}
	httpserver.Respond(w, http.StatusOK, toTenantResponse(t))
}

func (h *Handler) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req updateTenantRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	updated, err := h.tenants.Update(r.Context(), id, tenant.UpdateParams{
		Name:      req.Name,
		IsActive:  req.IsActive,
		RateLimit: req.RateLimit.toConfig(),
	})
	if err != nil {
		h.respondStoreError(w, err, "tenant")
		return
	}
	httpserver.Respond(w, http.StatusOK, toTenantResponse(updated))
}

func (h *Handler) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	// Stop probes for the tenant's routes before the cascade removes them.
	routes, err := h.routes.ListByTenantID(r.Context(), id)
	if err == nil {
		for _, rt := range routes {
			h.unregisterProbes(rt)
		}
	}

	if err := h.tenants.Delete(r.Context(), id); err != nil {
		h.respondStoreError(w, err, "tenant")
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	rawKey, err := generateAPIKey()
	if err != nil {
		h.logger.Error("generating rotated api key", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to rotate key")
		return
	}
	hash, err := hashAPIKey(rawKey)
	if err != nil {
		h.logger.Error("hashing rotated api key", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to rotate key")
		return
	}

	if err := h.tenants.UpdateKeyHash(r.Context(), id, hash); err != nil {
		h.respondStoreError(w, err, "tenant")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"apiKey": rawKey})
}

func (h *Handler) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := parseID(w, r)
	if !ok {
		return
	}
	var req routePayload
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if msg := validateRoutePayload(&req); msg != "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", msg)
		return
	}

	if _, err := h.tenants.GetByID(r.Context(), tenantID); err != nil {
		h.respondStoreError(w, err, "tenant")
		return
	}

	created, err := h.routes.Create(r.Context(), route.CreateParams{
		TenantID:      tenantID,
		Method:        req.Method,
		Path:          req.Path,
		PathType:      route.PathType(req.PathType),
		Upstreams:     req.upstreams(),
		LoadBalancing: req.strategy(),
		Transform:     req.Transform,
		Resilience:    req.Resilience,
		IsActive:      req.active(),
	})
	if err != nil {
		h.logger.Error("creating route", "tenant_id", tenantID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create route")
		return
	}

	h.registerProbes(created)
	httpserver.Respond(w, http.StatusCreated, toRouteResponse(created))
}

func (h *Handler) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := parseID(w, r)
	if !ok {
		return
	}
	items, err := h.routes.ListByTenantID(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("listing routes", "tenant_id", tenantID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list routes")
		return
	}
	out := make([]routeResponse, 0, len(items))
	for _, rt := range items {
		out = append(out, toRouteResponse(rt))
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"routes": out, "count": len(out)})
}

func (h *Handler) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	rt, err := h.routes.GetByID(r.Context(), id)
	if err != nil {
		h.respondStoreError(w, err, "route")
		return
	}
	httpserver.Respond(w, http.StatusOK, toRouteResponse(rt))
}

func (h *Handler) handleUpdateRoute(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req routePayload
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if msg := validateRoutePayload(&req); msg != "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", msg)
		return
	}

	// Drop probes for the old upstream set; the new one re-registers below.
	if old, err := h.routes.GetByID(r.Context(), id); err == nil {
		h.unregisterProbes(old)
	}

	updated, err := h.routes.Update(r.Context(), id, route.UpdateParams{
		Method:        req.Method,
		Path:          req.Path,
		PathType:      route.PathType(req.PathType),
		Upstreams:     req.upstreams(),
		LoadBalancing: req.strategy(),
		Transform:     req.Transform,
		Resilience:    req.Resilience,
		IsActive:      req.active(),
	})
	if err != nil {
		h.respondStoreError(w, err, "route")
		return
	}

	h.registerProbes(updated)
	httpserver.Respond(w, http.StatusOK, toRouteResponse(updated))
}

func (h *Handler) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if old, err := h.routes.GetByID(r.Context(), id); err == nil {
		h.unregisterProbes(old)
	}

	if err := h.routes.Delete(r.Context(), id); err != nil {
		h.respondStoreError(w, err, "route")
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

// registerProbes registers health probes for every upstream of the route
// when its health check is enabled and the route is active.
func (h *Handler) registerProbes(rt route.Route) {
	hc := rt.HealthCheck()
	if hc == nil || !hc.Enabled || !rt.IsActive {
		return
	}
	for _, u := range rt.Upstreams {
		h.health.Register(health.Target{
			TenantID:    rt.TenantID.String(),
			RouteID:     rt.ID.String(),
			UpstreamURL: u.URL,
			Config:      hc,
		})
	}
}

func (h *Handler) unregisterProbes(rt route.Route) {
	for _, u := range rt.Upstreams {
		h.health.Unregister(rt.TenantID.String(), rt.ID.String(), u.URL)
	}
}

// validateRoutePayload runs the admission checks validator tags cannot
// express. Returns an empty string when the payload is admissible.
func validateRoutePayload(p *routePayload) string {
	if !allowedMethods[p.Method] {
		return fmt.Sprintf("method %q is not a supported HTTP verb", p.Method)
	}
	if p.PathType == string(route.PathRegex) {
		if _, err := regexp.Compile(p.Path); err != nil {
			return fmt.Sprintf("path is not a valid regular expression: %v", err)
		}
	}
	if p.Resilience != nil && p.Resilience.Fallback != nil && p.Resilience.Fallback.Enabled {
		if !allowedFallbackContentTypes[p.Resilience.Fallback.ContentType] {
			return fmt.Sprintf("fallback content type %q is not supported", p.Resilience.Fallback.ContentType)
		}
	}
	return ""
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid ID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondStoreError(w http.ResponseWriter, err error, kind string) {
	if errors.Is(err, pgx.ErrNoRows) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", kind+" not found")
		return
	}
	h.logger.Error("store operation failed", "kind", kind, "error", err)
	httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "operation failed")
}
