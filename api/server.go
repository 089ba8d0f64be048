/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the app frontend

SECURITY NOTE:
  No authentication middleware here; the engine runs behind the app's API
  gateway, which owns auth.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdempotencyHeader},
		AllowCredentials: false,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/packages", h.ListPackages)

		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccount)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetAccount)
				r.Put("/tier", h.SetTier)

				r.Route("/wallet", func(r chi.Router) {
					r.Post("/credit", h.CreditWallet)
					r.Post("/debit", h.DebitWallet)
					r.Put("/balance", h.SetBalance)
					r.Post("/refund", h.RefundWallet)
					r.Get("/history", h.WalletHistory)
				})

				r.Route("/inventory", func(r chi.Router) {
					r.Post("/add", h.AddInventory)
					r.Post("/consume", h.ConsumeInventory)
				})
				r.Post("/packages", h.PurchasePackage)

				r.Route("/reservations", func(r chi.Router) {
					r.Post("/", h.Reserve)
					r.Post("/confirm", h.ConfirmReservation)
					r.Post("/rollback", h.RollbackReservation)
				})

				r.Route("/potions", func(r chi.Router) {
					r.Post("/purchase", h.PurchasePotion)
					r.Post("/activate", h.ActivatePotion)
				})
				r.Get("/effects", h.ListEffects)

				r.Route("/gifts", func(r chi.Router) {
					r.Post("/", h.SendGift)
					r.Get("/", h.GiftHistory)
					r.Get("/stats", h.GiftStats)
				})
			})
		})
	})

	return r
}
