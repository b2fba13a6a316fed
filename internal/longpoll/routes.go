package longpoll

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts the event queue endpoints. registerLimiter guards
// only queue allocation; polling and cleanup stay unthrottled so a healthy
// client's ack loop never trips it.
func RegisterRoutes(r chi.Router, handler *Handler, registerLimiter func(next http.Handler) http.Handler) {
	// POST /api/v1/register - allocate a fresh event queue
	r.With(registerLimiter).Post("/register", handler.Register)

	// GET /api/v1/events - acknowledge and long-poll for events
	r.Get("/events", handler.GetEvents)

	// DELETE /api/v1/events - explicitly destroy a queue
	r.Delete("/events", handler.DeleteQueue)
}
