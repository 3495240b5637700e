package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mydisha/inveet-next-sub003/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса заказов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	// Вебхук шлюза защищён собственным токеном, а не пользовательской сессией.
	r.Post("/payment/webhook", h.Webhook)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/orders", h.Checkout)
			r.Get("/orders", h.GetOrders)
			r.Get("/orders/{orderID}", h.GetOrder)
			r.Post("/orders/{orderID}/cancel", h.CancelOrder)

			r.Post("/coupons/preview", h.PreviewCoupon)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(custommiddleware.AdminGuard(h.adminToken))

			r.Post("/orders/{orderID}/mark-paid", h.AdminMarkPaid)
			r.Post("/orders/{orderID}/mark-void", h.AdminMarkVoid)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
