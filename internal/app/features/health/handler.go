package health

import (
	"context"
	"encoding/json"
	"net/http"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/transitcore/buscoord/internal/app/system/timeouts"
)

// Handler holds dependencies needed for health checks.
type Handler struct {
	Mongo *mongo.Client
	PG    *gorm.DB
	Log   *zap.Logger
}

// NewHandler constructs a health Handler over both backing stores.
func NewHandler(mongoClient *mongo.Client, pg *gorm.DB, logger *zap.Logger) *Handler {
	return &Handler{Mongo: mongoClient, PG: pg, Log: logger}
}

// healthResponse is the JSON structure for the health check response.
type healthResponse struct {
	Status       string `json:"status"`
	Primary      string `json:"primary_store"`
	Coordination string `json:"coordination_store"`
	Error        string `json:"error,omitempty"`
}

// Serve handles GET /health.
//
// On success: 200 and
//
//	{ "status":"ok", "primary_store":"connected", "coordination_store":"connected" }
//
// Either store failing its ping turns the response into a 503; the body
// names which store is down.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Ping())
	defer cancel()

	resp := healthResponse{
		Status:       "ok",
		Primary:      "connected",
		Coordination: "connected",
	}

	if err := h.Mongo.Ping(ctx, readpref.Primary()); err != nil {
		h.Log.Error("health-check: mongo ping failed", zap.Error(err))
		resp.Status = "error"
		resp.Primary = "disconnected"
		resp.Error = err.Error()
	}

	if sqlDB, err := h.PG.DB(); err != nil {
		h.Log.Error("health-check: postgres handle unavailable", zap.Error(err))
		resp.Status = "error"
		resp.Coordination = "disconnected"
		resp.Error = err.Error()
	} else if err := sqlDB.PingContext(ctx); err != nil {
		h.Log.Error("health-check: postgres ping failed", zap.Error(err))
		resp.Status = "error"
		resp.Coordination = "disconnected"
		resp.Error = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
