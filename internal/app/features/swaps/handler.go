// Package swaps exposes the driver swap request endpoints: create, accept,
// reject, cancel, and the driver's request feed.
package swaps

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/transitcore/buscoord/internal/app/system/auth"
	"github.com/transitcore/buscoord/internal/app/system/httperr"
	"github.com/transitcore/buscoord/internal/app/system/swapflow"
	"github.com/transitcore/buscoord/internal/app/system/timeouts"
	"github.com/transitcore/buscoord/internal/domain/models"
)

// Service is the swap workflow surface the handlers call.
type Service interface {
	Create(ctx context.Context, actor primitive.ObjectID, p swapflow.CreateParams) (models.SwapRequest, error)
	Accept(ctx context.Context, actor, requestID primitive.ObjectID) (models.SwapRequest, error)
	Reject(ctx context.Context, actor, requestID primitive.ObjectID) (models.SwapRequest, error)
	Cancel(ctx context.Context, actor, requestID primitive.ObjectID) (models.SwapRequest, error)
}

// Lister is the read-side store surface for the request feed.
type Lister interface {
	GetByID(ctx context.Context, id primitive.ObjectID) (models.SwapRequest, error)
	ListByDriver(ctx context.Context, driverID primitive.ObjectID, limit int64) ([]models.SwapRequest, error)
}

// Handler holds dependencies for the swap endpoints.
type Handler struct {
	Flow  Service
	Store Lister
	Log   *zap.Logger
}

// NewHandler constructs a swaps Handler.
func NewHandler(flow Service, store Lister, logger *zap.Logger) *Handler {
	return &Handler{Flow: flow, Store: store, Log: logger}
}

// createRequest is the JSON body for POST /api/swaps.
type createRequest struct {
	ToDriverID string    `json:"to_driver_id"`
	BusID      string    `json:"bus_id"`
	RouteID    string    `json:"route_id,omitempty"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	PeriodType string    `json:"period_type,omitempty"`
}

// ServeCreate handles POST /api/swaps. The authenticated driver is the
// requester; the swap type is detected server-side.
func (h *Handler) ServeCreate(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(r)
	if !ok {
		httperr.Write(w, httperr.Authorizationf("missing identity"))
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.Write(w, httperr.Validationf("invalid JSON body"))
		return
	}
	toDriver, err := primitive.ObjectIDFromHex(req.ToDriverID)
	if err != nil {
		httperr.Write(w, httperr.Validationf("invalid to_driver_id"))
		return
	}
	busID, err := primitive.ObjectIDFromHex(req.BusID)
	if err != nil {
		httperr.Write(w, httperr.Validationf("invalid bus_id"))
		return
	}
	var routeID primitive.ObjectID
	if req.RouteID != "" {
		if routeID, err = primitive.ObjectIDFromHex(req.RouteID); err != nil {
			httperr.Write(w, httperr.Validationf("invalid route_id"))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Medium())
	defer cancel()

	created, err := h.Flow.Create(ctx, actor, swapflow.CreateParams{
		ToDriverID: toDriver,
		BusID:      busID,
		RouteID:    routeID,
		Period: models.TimePeriod{
			Start:      req.Start,
			End:        req.End,
			PeriodType: req.PeriodType,
		},
	})
	if err != nil {
		httperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

// ServeAccept handles POST /api/swaps/{id}/accept.
func (h *Handler) ServeAccept(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Flow.Accept)
}

// ServeReject handles POST /api/swaps/{id}/reject.
func (h *Handler) ServeReject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Flow.Reject)
}

// ServeCancel handles POST /api/swaps/{id}/cancel.
func (h *Handler) ServeCancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Flow.Cancel)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, primitive.ObjectID, primitive.ObjectID) (models.SwapRequest, error)) {
	actor, ok := actorID(r)
	if !ok {
		httperr.Write(w, httperr.Authorizationf("missing identity"))
		return
	}
	requestID, err := primitive.ObjectIDFromHex(pathParam(r, "id"))
	if err != nil {
		httperr.Write(w, httperr.Validationf("invalid request id"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Medium())
	defer cancel()

	updated, err := op(ctx, actor, requestID)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// ServeGet handles GET /api/swaps/{id}. Requester and recipient only.
func (h *Handler) ServeGet(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(r)
	if !ok {
		httperr.Write(w, httperr.Authorizationf("missing identity"))
		return
	}
	requestID, err := primitive.ObjectIDFromHex(pathParam(r, "id"))
	if err != nil {
		httperr.Write(w, httperr.Validationf("invalid request id"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Short())
	defer cancel()

	req, err := h.Store.GetByID(ctx, requestID)
	if err != nil {
		httperr.Write(w, httperr.NotFoundf("swap request %s not found", requestID.Hex()))
		return
	}
	if req.FromDriverID != actor && req.ToDriverID != actor {
		httperr.Write(w, httperr.Authorizationf("not a party to this request"))
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ServeList handles GET /api/swaps: the caller's requests, newest first.
func (h *Handler) ServeList(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(r)
	if !ok {
		httperr.Write(w, httperr.Authorizationf("missing identity"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Short())
	defer cancel()

	reqs, err := h.Store.ListByDriver(ctx, actor, 100)
	if err != nil {
		httperr.Write(w, httperr.Storef("list swap requests", err))
		return
	}
	if reqs == nil {
		reqs = []models.SwapRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

func actorID(r *http.Request) (primitive.ObjectID, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return primitive.NilObjectID, false
	}
	oid, err := primitive.ObjectIDFromHex(id.UID)
	if err != nil {
		return primitive.NilObjectID, false
	}
	return oid, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
