package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes mounts every ledger endpoint. mutate wraps the state-changing
// routes, ws serves the notification socket.
func (h *LedgerHandler) Routes(mutate func(http.Handler) http.Handler, ws http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/health", Health)
	if ws != nil {
		r.Handle("/ws", ws)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/boxes", h.ListBoxes)
		r.Get("/boxes/{box}", h.GetBox)

		r.Group(func(r chi.Router) {
			if mutate != nil {
				r.Use(mutate)
			}
			r.Post("/boxes/{box}/deposits", h.Deposit)
			r.Post("/boxes/{box}/withdrawals", h.Withdraw)
			r.Post("/boxes/{box}/movements/{id}/delete-requests", h.RequestDelete)

			r.Post("/confirmations/{token}/clear", h.RequestClear)
			r.Post("/confirmations/{token}/type", h.Type)
			r.Post("/confirmations/{token}/confirm", h.Confirm)
			r.Delete("/confirmations/{token}", h.Dismiss)

			r.Post("/sync", h.Sync)
			r.Post("/lifecycle/{event}", h.Lifecycle)
		})
	})
	return r
}
