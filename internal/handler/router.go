package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/paymart-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса paymart.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/payments", func(r chi.Router) {
		r.Post("/verify", h.VerifyPayment)
		r.Post("/webhook", h.Webhook)
	})

	r.Route("/api/user", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/orders", h.GetOrders)

		r.Post("/offers/{offerID}/accept", h.AcceptOffer)
		r.Post("/offers/{offerID}/decline", h.DeclineOffer)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
