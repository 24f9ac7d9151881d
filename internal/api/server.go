package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bookqa/internal/auth"
	"bookqa/internal/config"
	"bookqa/internal/engine"
	"bookqa/internal/provider"
)

// Server is the HTTP API for the query engine.
type Server struct {
	router   chi.Router
	registry *engine.Registry
	keys     *auth.Manager
	stats    *provider.CallStats
	log      *slog.Logger
	cfg      config.Config
}

// NewServer creates and configures the HTTP server.
func NewServer(registry *engine.Registry, keys *auth.Manager, stats *provider.CallStats, log *slog.Logger, cfg config.Config) *Server {
	s := &Server{
		registry: registry,
		keys:     keys,
		stats:    stats,
		log:      log,
		cfg:      cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	// Public endpoints.
	r.Get("/health", s.handleHealth)

	// Authenticated endpoints.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.keys, s.log))

		r.Post("/v1/query", s.handleQuery)
		r.Get("/api/stats/llm", s.handleLLMStats)
	})

	s.router = r
}
