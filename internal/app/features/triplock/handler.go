// Package triplock exposes the trip lifecycle endpoints drivers call:
// acquire a bus, renew the lease with heartbeats, release at end of trip.
package triplock

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/transitcore/buscoord/internal/app/store/triplocks"
	"github.com/transitcore/buscoord/internal/app/system/auth"
	"github.com/transitcore/buscoord/internal/app/system/geo"
	"github.com/transitcore/buscoord/internal/app/system/httperr"
	"github.com/transitcore/buscoord/internal/app/system/locks"
	"github.com/transitcore/buscoord/internal/app/system/timeouts"
)

// Service is the trip-lock manager surface the handlers call.
type Service interface {
	Acquire(ctx context.Context, p locks.AcquireParams) (*triplocks.TripLock, error)
	Heartbeat(ctx context.Context, p locks.HeartbeatParams) error
	Release(ctx context.Context, tripID, busID string) error
}

// Handler holds dependencies for the trip endpoints.
type Handler struct {
	Trips Service
	Log   *zap.Logger
}

// NewHandler constructs a trip-lock Handler.
func NewHandler(trips Service, logger *zap.Logger) *Handler {
	return &Handler{Trips: trips, Log: logger}
}

// acquireRequest is the JSON body for POST /api/trips/acquire.
type acquireRequest struct {
	BusID   string `json:"bus_id"`
	RouteID string `json:"route_id,omitempty"`
	Shift   string `json:"shift,omitempty"`
}

// ServeAcquire handles POST /api/trips/acquire. The authenticated driver
// takes the exclusive operating lock on a bus; 409 with reason lock_held
// when another driver's lease is still live.
func (h *Handler) ServeAcquire(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		httperr.Write(w, httperr.Authorizationf("missing identity"))
		return
	}

	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.Write(w, httperr.Validationf("invalid JSON body"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Medium())
	defer cancel()

	lock, err := h.Trips.Acquire(ctx, locks.AcquireParams{
		BusID:    req.BusID,
		DriverID: id.UID,
		RouteID:  req.RouteID,
		Shift:    req.Shift,
	})
	if err != nil {
		httperr.Write(w, err)
		return
	}

	writeJSON(w, http.StatusOK, lock)
}

// heartbeatRequest is the JSON body for POST /api/trips/{tripID}/heartbeat.
// Position is optional; when present it is validated for plausibility.
type heartbeatRequest struct {
	BusID    string     `json:"bus_id"`
	Position *geo.Point `json:"position,omitempty"`
}

// ServeHeartbeat handles POST /api/trips/{tripID}/heartbeat. Renews the
// caller's lease; 404 once the lease was reaped or released, 409 when the
// bus passed to another driver.
func (h *Handler) ServeHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		httperr.Write(w, httperr.Authorizationf("missing identity"))
		return
	}
	tripID := pathParam(r, "tripID")

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.Write(w, httperr.Validationf("invalid JSON body"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Short())
	defer cancel()

	err := h.Trips.Heartbeat(ctx, locks.HeartbeatParams{
		TripID:   tripID,
		BusID:    req.BusID,
		DriverID: id.UID,
		Position: req.Position,
	})
	if err != nil {
		httperr.Write(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "trip_id": tripID})
}

// releaseRequest is the JSON body for POST /api/trips/{tripID}/release.
type releaseRequest struct {
	BusID string `json:"bus_id"`
}

// ServeRelease handles POST /api/trips/{tripID}/release. Idempotent: an
// already-expired or already-released lease still answers 200.
func (h *Handler) ServeRelease(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.FromContext(r.Context()); !ok {
		httperr.Write(w, httperr.Authorizationf("missing identity"))
		return
	}
	tripID := pathParam(r, "tripID")

	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.Write(w, httperr.Validationf("invalid JSON body"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Medium())
	defer cancel()

	if err := h.Trips.Release(ctx, tripID, req.BusID); err != nil {
		httperr.Write(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "released", "trip_id": tripID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
