/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Secure:     Security headers; HTTPS redirect in production
  5. CORS:       Cross-origin requests for frontend
  6. Metrics:    Prometheus request count and latency per route
  Write routes are additionally rate limited per client IP.

ROUTE GROUPS:
  /api/students/*       Students, statements, credit
  /api/obligations/*    Outstanding balances
  /api/payments/*       Payment allocation
  /api/definitions/*    Fee definitions and schedule import/export
  /api/exceptions       Discounts
  /api/audit            Audit trail
  /api/admin/*          Admin operations
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/warp/fee-engine/config"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg *config.Config) *chi.Mux {
	r := chi.NewRouter()

	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'self'",
		SSLRedirect:           cfg.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(secureMiddleware.Handler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))
	r.Use(h.Metrics.Middleware)

	writeLimiter := httprate.Limit(cfg.RateLimitPerMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded", nil)
		}),
	)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Read routes
		r.Get("/students", h.ListStudents)
		r.Get("/students/{id}", h.GetStudent)
		r.Get("/students/{id}/statement", h.GetStatement)
		r.Get("/students/{id}/credit", h.GetCreditBalance)
		r.Get("/obligations/unpaid", h.GetUnpaidObligations)
		r.Get("/definitions", h.ListDefinitions)
		r.Get("/definitions/export", h.ExportSchedule)
		r.Get("/audit", h.QueryAudit)

		// Write routes
		r.Group(func(r chi.Router) {
			r.Use(writeLimiter)

			r.Post("/students", h.SaveStudent)
			r.Post("/payments", h.CreatePayment)
			r.Post("/payments/batch", h.CreatePaymentBatch)
			r.Post("/definitions", h.CreateDefinition)
			r.Put("/definitions/{id}", h.UpdateDefinition)
			r.Post("/definitions/import", h.ImportSchedule)
			r.Post("/exceptions", h.CreateException)
			r.Post("/admin/overdue-sweep", h.TriggerOverdueSweep)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.With(writeLimiter).Post("/load", h.LoadScenario)
		})
	})

	r.Handle("/metrics", h.Metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
