// internal/app/features/triplock/routes.go
package triplock

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/transitcore/buscoord/internal/app/system/auth"
)

// Routes returns the router for the trip endpoints, mounted under /api/trips.
func Routes(h *Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(auth.RequireRole(auth.RoleDriver, auth.RoleAdmin))

	r.Post("/acquire", h.ServeAcquire)
	r.Post("/{tripID}/heartbeat", h.ServeHeartbeat)
	r.Post("/{tripID}/release", h.ServeRelease)

	return r
}

func pathParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}
