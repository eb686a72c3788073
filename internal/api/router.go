package api

import (
	"net/http"

	"github.com/clackbot/clackbot/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the dashboard router: global middleware, /health, the
// /api routes and, when spa is non-nil, the frontend as a catch-all.
func NewRouter(h *Handler, corsOrigins []string, spa http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(corsOrigins))

	h.RegisterRoutes(r)

	if spa != nil {
		r.Handle("/*", spa)
	}
	return r
}
