// internal/app/features/swaps/routes.go
package swaps

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/transitcore/buscoord/internal/app/system/auth"
)

// Routes returns the router for swap endpoints, mounted under /api/swaps.
func Routes(h *Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(auth.RequireRole(auth.RoleDriver, auth.RoleAdmin))

	r.Post("/", h.ServeCreate)
	r.Get("/", h.ServeList)
	r.Get("/{id}", h.ServeGet)
	r.Post("/{id}/accept", h.ServeAccept)
	r.Post("/{id}/reject", h.ServeReject)
	r.Post("/{id}/cancel", h.ServeCancel)

	return r
}

func pathParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}
