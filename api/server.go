/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend
  5. Auth:       Bearer token on /api only

ROUTE GROUPS:
  /health               Liveness plus database ping (public)
  /metrics              Prometheus exposition (public)
  /api/sections/*       Section management
  /api/credit-notes/*   Credit notes and their movements
  /api/commitments/*    Commitments and annulments
  /api/balance-returns  Balance returns
  /api/dashboard/*      Summary and deadline warnings
  /api/audit-logs       Audit trail (admin)
  /api/scenarios/*      Demo scenarios

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token verification
  - cli/serve.go: Server startup
*/
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the router's outer dependencies.
type RouterConfig struct {
	AllowedOrigins []string
	Auth           *Authenticator
	// Ping checks the database for /health. Optional.
	Ping func(context.Context) error
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ping != nil {
			if err := cfg.Ping(r.Context()); err != nil {
				writeError(w, http.StatusServiceUnavailable, "database unavailable", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(cfg.Auth.Middleware)

		r.Route("/sections", func(r chi.Router) {
			r.Get("/", h.ListSections)
			r.Post("/", h.CreateSection)
			r.Get("/{id}", h.GetSection)
			r.Put("/{id}", h.RenameSection)
			r.Delete("/{id}", h.DeleteSection)
		})

		r.Route("/credit-notes", func(r chi.Router) {
			r.Get("/", h.ListCreditNotes)
			r.Post("/", h.CreateCreditNote)
			r.Get("/{id}", h.GetCreditNote)
			r.Put("/{id}", h.UpdateCreditNote)
			r.Delete("/{id}", h.DeleteCreditNote)
			r.Get("/{id}/commitments", h.ListNoteCommitments)
			r.Get("/{id}/balance-returns", h.ListBalanceReturns)
			r.Get("/{id}/reconciliation", h.ReconcileCreditNote)
		})

		r.Route("/commitments", func(r chi.Router) {
			r.Get("/", h.ListCommitments)
			r.Post("/", h.CreateCommitment)
			r.Get("/{id}", h.GetCommitment)
			r.Delete("/{id}", h.DeleteCommitment)
			r.Get("/{id}/annulments", h.ListAnnulments)
			r.Post("/{id}/annulments", h.CreateAnnulment)
		})

		r.Post("/balance-returns", h.CreateBalanceReturn)

		r.Route("/dashboard", func(r chi.Router) {
			r.Get("/summary", h.GetSummary)
			r.Get("/warnings", h.GetDeadlineWarnings)
		})

		r.Get("/audit-logs", h.ListAuditRecords)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
