// Package reaper contains the stale-lock sweep. It runs two passes: retire
// coordination-store leases whose heartbeat has lapsed, then reconcile
// primary-store mirrors that point at leases which no longer exist. Each
// item is handled independently; one bad row never aborts the sweep.
package reaper

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/transitcore/buscoord/internal/app/realtime"
	"github.com/transitcore/buscoord/internal/app/store/triplocks"
	"github.com/transitcore/buscoord/internal/app/system/httperr"
	"github.com/transitcore/buscoord/internal/app/system/metrics"
	"github.com/transitcore/buscoord/internal/domain/models"
)

// LockStore is the coordination-store surface the reaper needs.
type LockStore interface {
	ListStale(ctx context.Context, now time.Time) ([]triplocks.TripLock, error)
	Deactivate(ctx context.Context, tripID string, lastHeartbeatAt time.Time, reason string) (bool, error)
	ActiveTripExists(ctx context.Context, tripID string) (bool, error)
}

// BusStore is the primary-store surface the reaper needs.
type BusStore interface {
	ListWithActiveLock(ctx context.Context) ([]models.Bus, error)
	ClearLock(ctx context.Context, busID primitive.ObjectID, tripID string) error
}

// StatusStore cleans up driver live-status rows for reaped trips.
type StatusStore interface {
	DeleteByTrip(ctx context.Context, tripID string) error
}

// Summary reports one sweep's outcome. Errors holds per-item failures; the
// sweep as a whole still counts as having run.
type Summary struct {
	Scanned    int         `json:"scanned"`
	Reaped     int         `json:"reaped"`
	Reconciled int         `json:"reconciled"`
	Errors     []ItemError `json:"errors,omitempty"`
}

// ItemError is one failed item inside a sweep.
type ItemError struct {
	TripID string `json:"trip_id"`
	Err    string `json:"error"`
}

// Reaper sweeps stale trip leases and divergent bus mirrors.
type Reaper struct {
	locks  LockStore
	buses  BusStore
	status StatusStore
	rt     realtime.Broadcaster
	log    *zap.Logger

	now func() time.Time
}

// New builds a Reaper.
func New(locks LockStore, buses BusStore, status StatusStore, rt realtime.Broadcaster, logger *zap.Logger) *Reaper {
	return &Reaper{
		locks:  locks,
		buses:  buses,
		status: status,
		rt:     rt,
		log:    logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the reaper's clock. Test hook.
func (r *Reaper) SetClock(now func() time.Time) { r.now = now }

// Sweep runs both passes and returns a summary. A failure listing the
// candidates is returned as an error; per-item failures are collected into
// the summary and a PartialFailure error alongside it.
func (r *Reaper) Sweep(ctx context.Context) (Summary, error) {
	var sum Summary
	now := r.now()

	stale, err := r.locks.ListStale(ctx, now)
	if err != nil {
		return sum, httperr.Storef("list stale leases", err)
	}
	sum.Scanned = len(stale)

	for _, l := range stale {
		if err := r.reapOne(ctx, l); err != nil {
			sum.Errors = append(sum.Errors, ItemError{TripID: l.TripID, Err: err.Error()})
			r.log.Warn("reap failed", zap.String("trip_id", l.TripID), zap.Error(err))
			continue
		}
		sum.Reaped++
	}
	metrics.LocksReaped.WithLabelValues("stale").Add(float64(sum.Reaped))

	reconciled, recErrs := r.reconcileMirrors(ctx)
	sum.Reconciled = reconciled
	sum.Errors = append(sum.Errors, recErrs...)
	metrics.LocksReaped.WithLabelValues("orphan").Add(float64(reconciled))

	if len(sum.Errors) > 0 {
		pf := &httperr.PartialFailure{Op: "reap sweep", Succeeded: sum.Reaped + sum.Reconciled}
		for _, e := range sum.Errors {
			pf.Errors = append(pf.Errors, httperr.ItemError{ID: e.TripID, Err: e.Err})
		}
		return sum, pf
	}

	r.log.Info("reap sweep complete",
		zap.Int("scanned", sum.Scanned),
		zap.Int("reaped", sum.Reaped),
		zap.Int("reconciled", sum.Reconciled))
	return sum, nil
}

// reapOne retires a single stale lease. The deactivate is keyed on the
// heartbeat read by ListStale, so a heartbeat that lands mid-sweep saves the
// lease: the guard misses and the lease is skipped, not reaped.
func (r *Reaper) reapOne(ctx context.Context, l triplocks.TripLock) error {
	ok, err := r.locks.Deactivate(ctx, l.TripID, l.LastHeartbeatAt, triplocks.ReleasedByReaper)
	if err != nil {
		return err
	}
	if !ok {
		// Renewed (or released) between the list and the CAS. Not an error.
		return nil
	}

	if busOID, err := primitive.ObjectIDFromHex(l.BusID); err == nil {
		if err := r.buses.ClearLock(ctx, busOID, l.TripID); err != nil {
			return err
		}
	}
	if err := r.status.DeleteByTrip(ctx, l.TripID); err != nil {
		r.log.Warn("driver status cleanup failed", zap.String("trip_id", l.TripID), zap.Error(err))
	}

	r.rt.Publish(realtime.BusChannel(l.BusID), realtime.EventTripEnded, map[string]string{
		"trip_id": l.TripID,
		"reason":  realtime.ReasonHeartbeatTimeout,
	})
	return nil
}

// reconcileMirrors clears bus-document mirrors whose trip has no active
// lease row. This repairs partial failures from acquire/release paths where
// the coordination-store write landed but the mirror write did not.
func (r *Reaper) reconcileMirrors(ctx context.Context) (int, []ItemError) {
	buses, err := r.buses.ListWithActiveLock(ctx)
	if err != nil {
		return 0, []ItemError{{TripID: "", Err: "list mirrored locks: " + err.Error()}}
	}

	var reconciled int
	var errs []ItemError
	for _, b := range buses {
		tripID := b.ActiveTripLock.TripID
		if tripID == "" {
			continue
		}
		live, err := r.locks.ActiveTripExists(ctx, tripID)
		if err != nil {
			errs = append(errs, ItemError{TripID: tripID, Err: err.Error()})
			continue
		}
		if live {
			continue
		}
		if err := r.buses.ClearLock(ctx, b.ID, tripID); err != nil {
			errs = append(errs, ItemError{TripID: tripID, Err: err.Error()})
			continue
		}
		reconciled++
		r.rt.Publish(realtime.BusChannel(b.ID.Hex()), realtime.EventTripEnded, map[string]string{
			"trip_id": tripID,
			"reason":  realtime.ReasonOrphaned,
		})
	}
	return reconciled, errs
}
