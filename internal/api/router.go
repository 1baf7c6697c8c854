package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bifrost-io/bifrost/internal/auth"
	"github.com/bifrost-io/bifrost/internal/cache"
	"github.com/bifrost-io/bifrost/internal/events"
	"github.com/bifrost-io/bifrost/internal/intake"
	"github.com/bifrost-io/bifrost/internal/metrics"
	"github.com/bifrost-io/bifrost/internal/repositories"
	"github.com/bifrost-io/bifrost/internal/websocket"
)

// Broadcaster is the broker surface the API needs: fanout publishes for
// cache invalidation and package installs. *broker.Pool satisfies it.
type Broadcaster interface {
	PublishBroadcast(ctx context.Context, exchange string, body []byte) error
}

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	AuthService *auth.Service
	Intake      *intake.Service
	Events      *events.Service
	WS          *websocket.Handler
	Broadcaster Broadcaster
	Cache       *cache.Client
	DB          *gorm.DB
	Logger      *zap.Logger

	// Repositories — used directly by handlers that do not need service-layer logic.
	Workflows     repositories.WorkflowRepository
	Executions    repositories.ExecutionRepository
	ExecutionLogs repositories.ExecutionLogRepository
	EventStore    repositories.EventRepository
	Config        repositories.ConfigRepository
}

// NewRouter builds and returns the fully configured Chi router.
// The webhook ingress, the WebSocket endpoints, the health check and the
// Prometheus endpoint are registered outside the auth middleware; everything
// under /api requires credentials.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy. The webhook
	// pipeline records it as the event's source IP.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and size.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	executionHandler := NewExecutionHandler(cfg.Intake, cfg.Executions, cfg.ExecutionLogs, cfg.Logger)
	workflowHandler := NewWorkflowHandler(cfg.Workflows, cfg.Broadcaster, cfg.Logger)
	eventHandler := NewEventHandler(cfg.EventStore, cfg.Workflows, cfg.Logger)
	hookHandler := NewHookHandler(cfg.Events, cfg.Logger)
	packageHandler := NewPackageHandler(cfg.Config, cfg.Cache, cfg.Broadcaster, cfg.Logger)
	healthHandler := NewHealthHandler(cfg.DB, cfg.Cache)

	// --- Public routes (no authentication middleware) ---
	// Webhook endpoints are addressable only by UUID and carry their own
	// admission rules (active flags, adapter signature checks).
	r.Post("/api/hooks/{webhookID}", hookHandler.Serve)

	// WebSocket endpoints authenticate after the upgrade (accept-then-close)
	// so browser clients can pass the token as the first frame.
	r.Get("/ws/connect", cfg.WS.ServeConnect)
	r.Get("/ws/execution/{id}", func(w http.ResponseWriter, req *http.Request) {
		id, ok := parseUUID(w, req, "id")
		if !ok {
			return
		}
		cfg.WS.ServeExecution(w, req, id)
	})

	r.Get("/healthz", healthHandler.Serve)
	r.Handle("/metrics", metrics.Handler())

	// --- Authenticated routes ---
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.AuthService))

			// Executions
			r.Post("/executions", executionHandler.Submit)
			r.Get("/executions", executionHandler.List)
			r.Get("/executions/{id}", executionHandler.GetByID)
			r.Get("/executions/{id}/logs", executionHandler.GetLogs)
			r.Post("/executions/{id}/cancel", executionHandler.Cancel)

			// Workflows (read side; the indexer owns the write side)
			r.Get("/workflows", workflowHandler.List)
			r.Get("/workflows/{id}", workflowHandler.GetByID)

			// --- Admin-only routes ---
			r.Group(func(r chi.Router) {
				r.Use(RequireAdmin())

				r.Put("/workflows/{id}/active", workflowHandler.SetActive)

				// Event ingress administration
				r.Post("/event-sources", eventHandler.CreateSource)
				r.Post("/event-sources/{id}/subscriptions", eventHandler.CreateSubscription)
				r.Get("/events", eventHandler.ListEvents)
				r.Get("/events/{id}/deliveries", eventHandler.ListDeliveries)

				// Package management
				r.Post("/admin/packages/install", packageHandler.Install)
			})
		})
	})

	return r
}
