// internal/app/features/cron/routes.go
package cron

import (
	"github.com/go-chi/chi/v5"

	"github.com/transitcore/buscoord/internal/app/system/cronauth"
)

// Routes returns the router for the scheduler endpoints, mounted under
// /cron. Every route requires the shared-secret header.
func Routes(h *Handler, secret string) chi.Router {
	r := chi.NewRouter()

	r.Use(cronauth.Require(secret))

	r.Post("/reap-locks", h.ServeReapLocks)
	r.Post("/sweep-swaps", h.ServeSweepSwaps)
	r.Post("/prune", h.ServePrune)

	return r
}
