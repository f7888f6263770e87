// Package server wires the HTTP surface: chi router, middleware stack,
// huma typed operations, and the WebSocket event streams.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/gosuda/toolgate/internal/api/ws"
	"github.com/gosuda/toolgate/internal/approval"
	"github.com/gosuda/toolgate/internal/config"
	"github.com/gosuda/toolgate/internal/policy"
	"github.com/gosuda/toolgate/internal/run"
	"github.com/gosuda/toolgate/internal/server/middleware"
	"github.com/gosuda/toolgate/internal/store/postgres"
	redisstore "github.com/gosuda/toolgate/internal/store/redis"
)

// Server is the HTTP server that wires all application routes and middleware.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	store      *postgres.Store
	pubsub     *redisstore.PubSub
	wsHub      *ws.Hub
	cfg        *config.Config
}

// New creates a Server with all routes wired.
func New(cfg *config.Config, store *postgres.Store, pubsub *redisstore.PubSub,
	engine *policy.Engine, runs *run.Manager, approvals *approval.Workflow) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Logger)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)

	hub := ws.NewHub(pubsub)

	s := &Server{
		router: router,
		store:  store,
		pubsub: pubsub,
		wsHub:  hub,
		cfg:    cfg,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	// Mount API routes on /api/v1. All groups require authentication;
	// the privileged groups additionally require a management scope.
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT.Secret))
		r.Use(middleware.RateLimit(context.Background(), 100, 200))

		// General surface: runs, tool catalog, approval listing.
		r.Group(func(r chi.Router) {
			api := newHumaAPI(r, "Toolgate API")
			registerAPIRoutes(api, store, runs, approvals)
		})

		// Tool management requires tool:manage.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeToolManage))
			api := newHumaAPI(r, "Toolgate Tool Management API")
			registerToolAdminRoutes(api, store, engine)
		})

		// Approve/deny requires approval:decide.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeApprovalDecide))
			api := newHumaAPI(r, "Toolgate Approval Decision API")
			registerApprovalDecisionRoutes(api, approvals)
		})

		// Ledger queries require audit:read.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeAuditRead))
			api := newHumaAPI(r, "Toolgate Audit API")
			registerAuditRoutes(api, store)
		})
	})

	// WebSocket routes.
	router.Route("/ws", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT.Secret))
		registerWSRoutes(r, hub)
	})

	// Health check (unauthenticated).
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return s
}

func newHumaAPI(r chi.Router, title string) huma.API {
	cfg := huma.DefaultConfig(title, "1.0.0")
	cfg.Servers = []*huma.Server{
		{URL: "/api/v1"},
	}
	return humachi.New(r, cfg)
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
