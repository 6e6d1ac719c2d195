package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Server holds the HTTP server dependencies. Everything except /health,
// /ready, /metrics, and the admin prefix is handed to the proxy pipeline.
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	startedAt time.Time
}

// Options configures NewServer.
type Options struct {
	Logger         *slog.Logger
	DB             *pgxpool.Pool
	Redis          *redis.Client
	Metrics        *prometheus.Registry
	MetricsEnabled bool
	// Pipeline serves all proxied traffic.
	Pipeline http.Handler
	// Admin is mounted under /admin/api/v1.
	Admin http.Handler
}

// NewServer creates the gateway HTTP server with middleware, operational
// endpoints, the admin API, and the proxy catch-all.
func NewServer(opts Options) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    opts.Logger,
		DB:        opts.DB,
		Redis:     opts.Redis,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(opts.Logger))
	s.Router.Use(middleware.Recoverer)

	s.Router.Get("/health", s.handleHealth)
	s.Router.Get("/ready", s.handleReady)

	if opts.MetricsEnabled && opts.Metrics != nil {
		s.Router.Handle("/metrics", promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{}))
	}

	if opts.Admin != nil {
		s.Router.Route("/admin/api/v1", func(r chi.Router) {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Accept", "Content-Type", "X-Admin-Key", "X-Request-ID"},
				ExposedHeaders: []string{"X-Request-ID"},
				MaxAge:         300,
			}))
			r.Mount("/", opts.Admin)
		})
	}

	// Everything else is tenant traffic.
	s.Router.Handle("/*", opts.Pipeline)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
		return
	}

	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}
