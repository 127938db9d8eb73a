// Package reassignments exposes the admin endpoints over the reassignment
// log: record an operation, dry-run a rollback, and execute it.
package reassignments

import (
	"context"
	"encoding/json"
	"net/http"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/transitcore/buscoord/internal/app/system/auth"
	"github.com/transitcore/buscoord/internal/app/system/changelog"
	"github.com/transitcore/buscoord/internal/app/system/httperr"
	"github.com/transitcore/buscoord/internal/app/system/timeouts"
	"github.com/transitcore/buscoord/internal/domain/models"
)

// Service is the changelog engine surface the handlers call.
type Service interface {
	Record(ctx context.Context, actor primitive.ObjectID, p changelog.RecordParams) (models.ChangeLog, error)
	ValidateRollback(ctx context.Context, operationID string) (changelog.Validation, error)
	ExecuteRollback(ctx context.Context, operationID string, actor primitive.ObjectID) (changelog.Result, error)
	Get(ctx context.Context, operationID string) (models.ChangeLog, error)
	Latest(ctx context.Context, typ string) (models.ChangeLog, bool, error)
}

// Handler holds dependencies for the reassignment endpoints.
type Handler struct {
	Engine Service
	Log    *zap.Logger
}

// NewHandler constructs a reassignments Handler.
func NewHandler(engine Service, logger *zap.Logger) *Handler {
	return &Handler{Engine: engine, Log: logger}
}

// recordRequest is the JSON body for POST /api/reassignments.
type recordRequest struct {
	OperationID string          `json:"operation_id,omitempty"`
	Type        string          `json:"type"`
	Status      string          `json:"status,omitempty"`
	Changes     []models.Change `json:"changes"`
}

// ServeRecord handles POST /api/reassignments. Logs a performed
// reassignment, superseding the previous log of the same type.
func (h *Handler) ServeRecord(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(r)
	if !ok {
		httperr.Write(w, httperr.Authorizationf("missing identity"))
		return
	}

	var req recordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.Write(w, httperr.Validationf("invalid JSON body"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Medium())
	defer cancel()

	recorded, err := h.Engine.Record(ctx, actor, changelog.RecordParams{
		OperationID: req.OperationID,
		Type:        req.Type,
		Status:      req.Status,
		Changes:     req.Changes,
	})
	if err != nil {
		httperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recorded)
}

// ServeValidate handles GET /api/reassignments/{op}/validate: a rollback
// dry run listing concrete field-level conflicts.
func (h *Handler) ServeValidate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Medium())
	defer cancel()

	v, err := h.Engine.ValidateRollback(ctx, pathParam(r, "op"))
	if err != nil {
		httperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ServeRollback handles POST /api/reassignments/{op}/rollback. Partial
// failure is reported in the result body, not as an HTTP error.
func (h *Handler) ServeRollback(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(r)
	if !ok {
		httperr.Write(w, httperr.Authorizationf("missing identity"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Long())
	defer cancel()

	res, err := h.Engine.ExecuteRollback(ctx, pathParam(r, "op"), actor)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ServeGet handles GET /api/reassignments/{op}.
func (h *Handler) ServeGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Short())
	defer cancel()

	log, err := h.Engine.Get(ctx, pathParam(r, "op"))
	if err != nil {
		httperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

// ServeLatest handles GET /api/reassignments/latest?type=...: the retained
// undo candidate for one operation type.
func (h *Handler) ServeLatest(w http.ResponseWriter, r *http.Request) {
	typ := r.URL.Query().Get("type")
	if typ == "" {
		httperr.Write(w, httperr.Validationf("type query parameter is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Short())
	defer cancel()

	log, found, err := h.Engine.Latest(ctx, typ)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	if !found {
		httperr.Write(w, httperr.NotFoundf("no retained log for type %q", typ))
		return
	}
	writeJSON(w, http.StatusOK, log)
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
