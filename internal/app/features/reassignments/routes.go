// internal/app/features/reassignments/routes.go
package reassignments

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/transitcore/buscoord/internal/app/system/auth"
)

// Routes returns the router for reassignment endpoints, mounted under
// /api/reassignments. Admin only.
func Routes(h *Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(auth.RequireRole(auth.RoleAdmin))

	r.Post("/", h.ServeRecord)
	r.Get("/latest", h.ServeLatest)
	r.Get("/{op}", h.ServeGet)
	r.Get("/{op}/validate", h.ServeValidate)
	r.Post("/{op}/rollback", h.ServeRollback)

	return r
}

func pathParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}
