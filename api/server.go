/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:      Unique ID per request for tracing
  2. RequestLogger:  zerolog request line, request-scoped logger in context
  3. Recover:        Panic recovery (500 instead of crash)
  4. CORS:           Cross-origin requests for the member portal

ROUTE GROUPS:
  /api/settle/*     Atomic settlements (idempotent)
  /api/wallets/*    Wallet reads
  /api/promos/*     Promo quotes
  /api/freezes/*    Staff freeze decisions
  /api/bookings/*   Staff booking transitions
  /api/admin/*      Restock and sweep
  /health           Liveness

SECURITY NOTE:
  No authentication middleware. The engine sits behind the portal backend,
  which authenticates members and passes member_id through.

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

	r.Use(middleware.RequestID)
	r.Use(RequestLogger)
	r.Use(Recover)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdempotencyKeyHeader},
		ExposedHeaders:   []string{ReplayedHeader, "Retry-After"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/settle", func(r chi.Router) {
			r.Post("/booking", h.CreateBooking)
			r.Post("/booking-cancel", h.CancelBooking)
			r.Post("/freeze", h.RequestFreeze)
			r.Post("/checkout", h.Checkout)
			r.Post("/reward-redeem", h.RedeemReward)
			r.Post("/wallet-topup", h.TopUp)
		})

		r.Route("/wallets/{id}", func(r chi.Router) {
			r.Get("/", h.GetWallet)
			r.Get("/entries", h.GetEntries)
			r.Get("/statement", h.GetStatement)
		})

		r.Get("/promos/{code}", h.QuotePromo)

		r.Route("/freezes/{id}", func(r chi.Router) {
			r.Post("/approve", h.ApproveFreeze)
			r.Post("/reject", h.RejectFreeze)
		})

		r.Post("/bookings/{id}/complete", h.CompleteBooking)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/products/{id}/restock", h.Restock)
			r.Post("/sweep", h.Sweep)
		})
	})

	return r
}
