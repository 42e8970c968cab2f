package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/printapic-backend/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса printapic.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/photos", h.UploadPhoto)
			r.Get("/photos/{photoID}/image", h.GetPhotoImage)

			r.Post("/edits", h.SubmitEdit)
			r.Get("/edits/{editID}", h.GetEditStatus)

			r.Get("/user/balance", h.GetBalance)
			r.Get("/user/transactions", h.GetTransactions)

			r.Post("/orders", h.CreateOrder)
			r.Get("/orders", h.GetOrders)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", http.StatusText(http.StatusNotFound))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", http.StatusText(http.StatusMethodNotAllowed))
	})

	return r
}
