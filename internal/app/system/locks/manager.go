// Package locks implements the trip-lock manager: acquire, heartbeat, and
// release of the per-bus exclusive operating lease.
//
// The coordination store is authoritative. Mutual exclusion comes from its
// conditional writes (one-active-row-per-bus insert, identity-keyed
// deactivate), so two concurrent acquires for one bus resolve to exactly one
// winner without any in-process locking. The bus document's mirror and the
// driver live-status row are written best-effort; the reaper's
// reconciliation pass repairs them after a partial failure.
package locks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/transitcore/buscoord/internal/app/realtime"
	"github.com/transitcore/buscoord/internal/app/store/driverstatus"
	"github.com/transitcore/buscoord/internal/app/store/triplocks"
	"github.com/transitcore/buscoord/internal/app/system/geo"
	"github.com/transitcore/buscoord/internal/app/system/httperr"
	"github.com/transitcore/buscoord/internal/app/system/metrics"
	"github.com/transitcore/buscoord/internal/domain/models"
)

// DefaultLeaseTimeout is the lease length when none is configured: five
// missed 60-second heartbeats.
const DefaultLeaseTimeout = 300 * time.Second

// LockStore is the coordination-store surface the manager needs.
type LockStore interface {
	Insert(ctx context.Context, l *triplocks.TripLock) error
	GetActiveByBus(ctx context.Context, busID string) (*triplocks.TripLock, error)
	GetByTripID(ctx context.Context, tripID string) (*triplocks.TripLock, error)
	Deactivate(ctx context.Context, tripID string, lastHeartbeatAt time.Time, reason string) (bool, error)
	Release(ctx context.Context, tripID, reason string) error
	Heartbeat(ctx context.Context, tripID, busID, driverID string, at time.Time) (bool, error)
}

// BusStore is the primary-store mirror surface.
type BusStore interface {
	MirrorLock(ctx context.Context, busID primitive.ObjectID, prevTripID string, lock models.BusLock) (bool, error)
	ClearLock(ctx context.Context, busID primitive.ObjectID, tripID string) error
}

// StatusStore maintains driver live-status rows.
type StatusStore interface {
	Upsert(ctx context.Context, st *driverstatus.DriverStatus) error
	Get(ctx context.Context, driverID string) (*driverstatus.DriverStatus, error)
	DeleteByTrip(ctx context.Context, tripID string) error
}

// Manager coordinates the trip-lock lease lifecycle.
type Manager struct {
	locks  LockStore
	buses  BusStore
	status StatusStore
	rt     realtime.Broadcaster
	geo    *geo.Checker
	lease  time.Duration
	log    *zap.Logger

	// now is injectable so lease-expiry tests don't sleep.
	now func() time.Time
}

// NewManager builds a Manager. A non-positive leaseTimeout falls back to
// DefaultLeaseTimeout.
func NewManager(locks LockStore, buses BusStore, status StatusStore, rt realtime.Broadcaster, checker *geo.Checker, leaseTimeout time.Duration, logger *zap.Logger) *Manager {
	if leaseTimeout <= 0 {
		leaseTimeout = DefaultLeaseTimeout
	}
	if checker == nil {
		checker = geo.NewChecker(0, 0)
	}
	return &Manager{
		locks:  locks,
		buses:  buses,
		status: status,
		rt:     rt,
		geo:    checker,
		lease:  leaseTimeout,
		log:    logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the manager's clock. Test hook.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// AcquireParams identifies the bus, driver, and shift for a new trip.
type AcquireParams struct {
	BusID    string
	DriverID string
	RouteID  string
	Shift    string
}

// Acquire takes the exclusive operating lock on a bus. A live lock held by a
// different driver is a conflict; a stale or absent lock is overwritten with
// a compare-and-swap keyed on the previous lock's identity. Re-acquiring a
// live lock the same driver already holds returns that lock (reconnection
// after an app restart).
func (m *Manager) Acquire(ctx context.Context, p AcquireParams) (*triplocks.TripLock, error) {
	busOID, err := primitive.ObjectIDFromHex(p.BusID)
	if err != nil {
		return nil, httperr.Validationf("invalid bus id %q", p.BusID)
	}
	if p.DriverID == "" {
		return nil, httperr.Validationf("driver id is required")
	}

	now := m.now()

	existing, err := m.locks.GetActiveByBus(ctx, p.BusID)
	if err != nil {
		metrics.LockAcquires.WithLabelValues("error").Inc()
		return nil, httperr.Storef("read active lock", err)
	}

	prevTripID := ""
	if existing != nil {
		if !existing.Stale(now) {
			if existing.DriverID == p.DriverID {
				return existing, nil
			}
			metrics.LockAcquires.WithLabelValues("conflict").Inc()
			return nil, httperr.Conflictf(httperr.ReasonLockHeld,
				"This bus is currently being operated by another driver. The lock expires at %s unless renewed.",
				existing.ExpiresAt().Format(time.RFC3339))
		}

		// Stale lease: retire it keyed on the heartbeat we read, so a
		// concurrently renewed lease survives and we lose the race instead.
		ok, err := m.locks.Deactivate(ctx, existing.TripID, existing.LastHeartbeatAt, triplocks.ReleasedByTakeover)
		if err != nil {
			metrics.LockAcquires.WithLabelValues("error").Inc()
			return nil, httperr.Storef("deactivate stale lock", err)
		}
		if !ok {
			metrics.LockAcquires.WithLabelValues("conflict").Inc()
			return nil, httperr.Conflictf(httperr.ReasonLockHeld,
				"This bus is currently being operated by another driver.")
		}
		prevTripID = existing.TripID
	}

	lock := &triplocks.TripLock{
		TripID:           uuid.NewString(),
		BusID:            p.BusID,
		DriverID:         p.DriverID,
		RouteID:          p.RouteID,
		Shift:            p.Shift,
		Active:           true,
		AcquiredAt:       now,
		LastHeartbeatAt:  now,
		LeaseTimeoutSecs: int(m.lease.Seconds()),
	}

	if err := m.locks.Insert(ctx, lock); err != nil {
		if err == triplocks.ErrActiveExists {
			metrics.LockAcquires.WithLabelValues("conflict").Inc()
			return nil, httperr.Conflictf(httperr.ReasonLockHeld,
				"This bus is currently being operated by another driver.")
		}
		metrics.LockAcquires.WithLabelValues("error").Inc()
		return nil, httperr.Storef("insert lock", err)
	}

	// From here on the lease is held; mirror and status writes are
	// best-effort and the reaper reconciles any that fail.
	mirror := models.BusLock{
		Active:     true,
		TripID:     lock.TripID,
		DriverID:   lock.DriverID,
		Shift:      lock.Shift,
		AcquiredAt: lock.AcquiredAt,
		ExpiresAt:  lock.ExpiresAt(),
	}
	if matched, err := m.buses.MirrorLock(ctx, busOID, prevTripID, mirror); err != nil {
		m.log.Warn("bus lock mirror write failed, reaper will reconcile",
			zap.String("bus_id", p.BusID), zap.String("trip_id", lock.TripID), zap.Error(err))
	} else if !matched {
		m.log.Warn("bus lock mirror guard did not match",
			zap.String("bus_id", p.BusID), zap.String("trip_id", lock.TripID))
	}

	if err := m.status.Upsert(ctx, &driverstatus.DriverStatus{
		DriverID:   p.DriverID,
		BusID:      p.BusID,
		TripID:     lock.TripID,
		Online:     true,
		RecordedAt: now,
	}); err != nil {
		m.log.Warn("driver status upsert failed",
			zap.String("driver_id", p.DriverID), zap.Error(err))
	}

	m.rt.Publish(realtime.BusChannel(p.BusID), realtime.EventTripStarted, map[string]string{
		"trip_id":   lock.TripID,
		"driver_id": p.DriverID,
		"shift":     p.Shift,
	})
	metrics.LockAcquires.WithLabelValues("acquired").Inc()

	return lock, nil
}

// HeartbeatParams renews a lease, optionally carrying the driver's position.
type HeartbeatParams struct {
	TripID   string
	BusID    string
	DriverID string
	Position *geo.Point
}

// Heartbeat extends the lease. Returns NotFound when the lease has been
// reaped or released, and Conflict when the bus's lease has passed to
// another driver — either way the caller's session is over. Clients renew
// every ~60s and treat three consecutive failures as a lost session.
func (m *Manager) Heartbeat(ctx context.Context, p HeartbeatParams) error {
	now := m.now()

	var prev *driverstatus.DriverStatus
	if p.Position != nil {
		var err error
		prev, err = m.status.Get(ctx, p.DriverID)
		if err != nil {
			return httperr.Storef("read driver status", err)
		}
		if prev != nil && prev.TripID == p.TripID && (prev.Lat != 0 || prev.Lng != 0) {
			elapsed := now.Sub(prev.RecordedAt)
			if !m.geo.PlausibleMove(geo.Point{Lat: prev.Lat, Lng: prev.Lng}, *p.Position, elapsed) {
				return httperr.Validationf("reported position is not plausible for the elapsed time")
			}
		}
	}

	ok, err := m.locks.Heartbeat(ctx, p.TripID, p.BusID, p.DriverID, now)
	if err != nil {
		return httperr.Storef("extend lease", err)
	}
	if !ok {
		// Distinguish a reaped/released lease from one another driver took.
		current, err := m.locks.GetActiveByBus(ctx, p.BusID)
		if err == nil && current != nil && current.TripID != p.TripID {
			return httperr.Conflictf(httperr.ReasonLockHeld,
				"the trip lock has passed to another driver")
		}
		return httperr.NotFoundf("trip lock %s is no longer held", p.TripID)
	}

	if p.Position != nil {
		if err := m.status.Upsert(ctx, &driverstatus.DriverStatus{
			DriverID:   p.DriverID,
			BusID:      p.BusID,
			TripID:     p.TripID,
			Lat:        p.Position.Lat,
			Lng:        p.Position.Lng,
			Online:     true,
			RecordedAt: now,
		}); err != nil {
			m.log.Warn("driver status update failed",
				zap.String("driver_id", p.DriverID), zap.Error(err))
		}
		m.rt.Publish(realtime.BusChannel(p.BusID), realtime.EventDriverPosition, map[string]any{
			"trip_id": p.TripID,
			"lat":     p.Position.Lat,
			"lng":     p.Position.Lng,
		})
	}

	// Keep the mirror's expiry roughly current so primary-store reads see a
	// live lock. Guarded on our own trip id; failure is harmless.
	busOID, oidErr := primitive.ObjectIDFromHex(p.BusID)
	if oidErr == nil {
		_, _ = m.buses.MirrorLock(ctx, busOID, p.TripID, models.BusLock{
			Active:     true,
			TripID:     p.TripID,
			DriverID:   p.DriverID,
			AcquiredAt: now, // best available; authoritative copy lives in the lease row
			ExpiresAt:  now.Add(m.lease),
		})
	}

	return nil
}

// Release ends a trip and clears the lease from both stores. Idempotent:
// releasing an expired or already-released lease still succeeds.
func (m *Manager) Release(ctx context.Context, tripID, busID string) error {
	busOID, err := primitive.ObjectIDFromHex(busID)
	if err != nil {
		return httperr.Validationf("invalid bus id %q", busID)
	}

	if err := m.locks.Release(ctx, tripID, triplocks.ReleasedByDriver); err != nil {
		return httperr.Storef("release lease", err)
	}

	if err := m.buses.ClearLock(ctx, busOID, tripID); err != nil {
		m.log.Warn("bus lock mirror clear failed, reaper will reconcile",
			zap.String("bus_id", busID), zap.String("trip_id", tripID), zap.Error(err))
	}
	if err := m.status.DeleteByTrip(ctx, tripID); err != nil {
		m.log.Warn("driver status delete failed",
			zap.String("trip_id", tripID), zap.Error(err))
	}

	m.rt.Publish(realtime.BusChannel(busID), realtime.EventTripEnded, map[string]string{
		"trip_id": tripID,
		"reason":  realtime.ReasonCompleted,
	})

	return nil
}
