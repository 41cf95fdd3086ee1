/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, logged with internal errors
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests from back-office and POS frontends

ROUTE GROUPS:
  /api/items/*          Catalog
  /api/stores/*         Stores and per-store stock
  /api/stock/*          Derived stock and history
  /api/transactions/*   Ledger
  /api/operations/*     Stock operations
  /api/transfers/*      Transfer approval workflow
  /api/sync             Offline terminal batches
  /healthz              Liveness and database reachability

SECURITY NOTE:
  No authentication middleware. Deploy behind the gateway that
  authenticates terminals and operators.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Route("/items", func(r chi.Router) {
			r.Get("/", h.ListItems)
			r.Post("/", h.CreateItem)
			r.Get("/{id}", h.GetItem)
			r.Delete("/{id}", h.DeactivateItem)
		})

		r.Route("/stores", func(r chi.Router) {
			r.Get("/", h.ListStores)
			r.Post("/", h.CreateStore)
			r.Get("/{no}/stock", h.GetStoreStock)
		})

		r.Route("/stock", func(r chi.Router) {
			r.Get("/", h.GetStock)
			r.Get("/history", h.GetStockHistory)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", h.RecordTransaction)
			r.Get("/{id}", h.GetTransaction)
			r.Post("/{id}/deactivate", h.DeactivateTransaction)
			r.Post("/{id}/reverse", h.ReverseTransaction)
		})

		r.Route("/operations", func(r chi.Router) {
			r.Get("/", h.ListOperations)
			r.Post("/", h.ApplyOperation)
			r.Get("/{id}", h.GetOperation)
			r.Post("/{id}/reverse", h.ReverseOperation)
		})

		r.Route("/transfers", func(r chi.Router) {
			r.Get("/", h.ListTransfers)
			r.Post("/", h.CreateTransfer)
			r.Post("/auto-approve", h.AutoApproveTransfer)
			r.Get("/{id}", h.GetTransfer)
			r.Post("/{id}/approve", h.ApproveTransfer)
			r.Post("/{id}/decline", h.DeclineTransfer)
		})

		r.Post("/sync", h.Sync)
	})

	return r
}
