package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/mmuslimabdulj/board-presence/internal/middleware"
)

// NewRouter wires the routes. wsLimiter guards upgrades per client IP;
// metrics may be nil to skip the scrape endpoint.
func NewRouter(h *Handler, wsLimiter *middleware.IPRateLimiter, metrics http.Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.SecurityHeaders)

	r.Get("/healthz", h.HandleHealth)
	r.Get("/boards/{boardID}/presence", h.HandleBoardPresence)

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	// WebSocket route with rate limiting
	r.With(middleware.RateLimitMiddleware(wsLimiter)).Get("/ws", h.HandleWebSocket)

	return r
}
