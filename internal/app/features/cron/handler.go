// Package cron exposes the scheduler-facing endpoints: the lock reaper
// sweep, the swap expire/revert sweeps, and retention pruning. An external
// scheduler calls these with a shared-secret header on ~1-minute,
// ~15-minute, and daily cadences.
//
// Once the secret validates, every endpoint answers 200 with a structured
// stats body — even when individual items failed — so the scheduler never
// mistakes partial failure for a failed trigger.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/transitcore/buscoord/internal/app/system/httperr"
	"github.com/transitcore/buscoord/internal/app/system/reaper"
	"github.com/transitcore/buscoord/internal/app/system/swapflow"
	"github.com/transitcore/buscoord/internal/app/system/timeouts"
)

// DefaultRetention is how long resolved swap requests, released leases, and
// rollback logs are kept before the daily prune removes them.
const DefaultRetention = 30 * 24 * time.Hour

// Reaper is the stale-lock sweep surface.
type Reaper interface {
	Sweep(ctx context.Context) (reaper.Summary, error)
}

// SwapSweeper runs the expire and revert passes.
type SwapSweeper interface {
	ExpireSweep(ctx context.Context) (swapflow.SweepSummary, error)
	RevertSweep(ctx context.Context) (swapflow.SweepSummary, error)
}

// Pruners collects the per-store retention hooks the daily prune calls.
type Pruners struct {
	Locks   interface {
		PruneReleased(ctx context.Context, cutoff time.Time) (int64, error)
	}
	Assigns interface {
		PruneInactive(ctx context.Context, cutoff time.Time) (int64, error)
	}
	Swaps interface {
		PruneResolved(ctx context.Context, cutoff time.Time) (int64, error)
	}
	Logs interface {
		PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	}
}

// Handler holds dependencies for the cron endpoints.
type Handler struct {
	Reaper    Reaper
	Swaps     SwapSweeper
	Prune     Pruners
	Retention time.Duration
	Log       *zap.Logger
}

// NewHandler constructs a cron Handler. A non-positive retention falls back
// to DefaultRetention.
func NewHandler(rp Reaper, swaps SwapSweeper, prune Pruners, retention time.Duration, logger *zap.Logger) *Handler {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Handler{Reaper: rp, Swaps: swaps, Prune: prune, Retention: retention, Log: logger}
}

// ServeReapLocks handles POST /cron/reap-locks.
func (h *Handler) ServeReapLocks(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Batch())
	defer cancel()

	sum, err := h.Reaper.Sweep(ctx)
	h.writeSweep(w, "reap-locks", sum, err)
}

// sweepSwapsResponse is the body for POST /cron/sweep-swaps.
type sweepSwapsResponse struct {
	Status string               `json:"status"`
	Expire swapflow.SweepSummary `json:"expire"`
	Revert swapflow.SweepSummary `json:"revert"`
}

// ServeSweepSwaps handles POST /cron/sweep-swaps: the expire pass, then the
// revert pass. A failure in one pass never skips the other.
func (h *Handler) ServeSweepSwaps(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Batch())
	defer cancel()

	resp := sweepSwapsResponse{Status: "ok"}

	expire, err := h.Swaps.ExpireSweep(ctx)
	resp.Expire = expire
	if err != nil && !isPartial(err) {
		resp.Status = "error"
		resp.Expire.Errors = append(resp.Expire.Errors, swapflow.ItemError{Err: err.Error()})
		h.Log.Error("expire sweep failed", zap.Error(err))
	}

	revert, err := h.Swaps.RevertSweep(ctx)
	resp.Revert = revert
	if err != nil && !isPartial(err) {
		resp.Status = "error"
		resp.Revert.Errors = append(resp.Revert.Errors, swapflow.ItemError{Err: err.Error()})
		h.Log.Error("revert sweep failed", zap.Error(err))
	}

	if resp.Status == "ok" && (len(resp.Expire.Errors) > 0 || len(resp.Revert.Errors) > 0) {
		resp.Status = "partial"
	}
	writeJSON(w, resp)
}

// pruneResponse is the body for POST /cron/prune.
type pruneResponse struct {
	Status         string            `json:"status"`
	RetentionHours float64           `json:"retention_hours"`
	Pruned         map[string]int64  `json:"pruned"`
	Errors         map[string]string `json:"errors,omitempty"`
}

// ServePrune handles POST /cron/prune: drops resolved swap requests,
// released lease rows, inactive assignments, and old rollback logs past the
// retention window. Each target is pruned independently.
func (h *Handler) ServePrune(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Batch())
	defer cancel()

	cutoff := time.Now().UTC().Add(-h.Retention)
	resp := pruneResponse{
		Status:         "ok",
		RetentionHours: h.Retention.Hours(),
		Pruned:         map[string]int64{},
		Errors:         map[string]string{},
	}

	targets := []struct {
		name  string
		prune func(context.Context, time.Time) (int64, error)
	}{
		{"trip_locks", h.Prune.Locks.PruneReleased},
		{"temporary_assignments", h.Prune.Assigns.PruneInactive},
		{"swap_requests", h.Prune.Swaps.PruneResolved},
		{"reassignment_logs", h.Prune.Logs.PruneOlderThan},
	}
	for _, t := range targets {
		n, err := t.prune(ctx, cutoff)
		if err != nil {
			resp.Status = "partial"
			resp.Errors[t.name] = err.Error()
			h.Log.Warn("prune target failed", zap.String("target", t.name), zap.Error(err))
			continue
		}
		resp.Pruned[t.name] = n
	}
	if len(resp.Errors) == 0 {
		resp.Errors = nil
	}

	writeJSON(w, resp)
}

// sweepResponse wraps a reaper summary.
type sweepResponse struct {
	Status  string         `json:"status"`
	Summary reaper.Summary `json:"summary"`
	Error   string         `json:"error,omitempty"`
}

func (h *Handler) writeSweep(w http.ResponseWriter, name string, sum reaper.Summary, err error) {
	resp := sweepResponse{Status: "ok", Summary: sum}
	switch {
	case err == nil:
	case isPartial(err):
		resp.Status = "partial"
	default:
		resp.Status = "error"
		resp.Error = err.Error()
		h.Log.Error("cron sweep failed", zap.String("job", name), zap.Error(err))
	}
	writeJSON(w, resp)
}

func isPartial(err error) bool {
	var pf *httperr.PartialFailure
	return errors.As(err, &pf)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
