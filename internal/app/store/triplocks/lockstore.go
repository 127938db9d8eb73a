// internal/app/store/triplocks/lockstore.go
package triplocks

// The coordination store is authoritative for trip leases. Mutual exclusion
// rests on two mechanisms: a partial unique index on (bus_id) WHERE active,
// so two inserts for the same bus cannot both land, and guarded UPDATEs keyed
// on the previous lock's identity, so a takeover cannot clobber a lock that
// was concurrently renewed.

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Release reasons recorded on deactivated lease rows.
const (
	ReleasedByDriver   = "released"
	ReleasedByReaper   = "heartbeat_timeout"
	ReleasedByTakeover = "stale_takeover"
	ReleasedOrphaned   = "orphaned"
)

// TripLock is one lease row in the trip_locks table. Exactly one active row
// may exist per bus at a time.
type TripLock struct {
	TripID           string    `gorm:"primaryKey;size:36" json:"trip_id"`
	BusID            string    `gorm:"size:24;not null;index" json:"bus_id"`
	DriverID         string    `gorm:"size:24;not null;index" json:"driver_id"`
	RouteID          string    `gorm:"size:24" json:"route_id,omitempty"`
	Shift            string    `gorm:"size:16" json:"shift,omitempty"`
	Active           bool      `gorm:"not null;default:true" json:"active"`
	AcquiredAt       time.Time `gorm:"not null" json:"acquired_at"`
	LastHeartbeatAt  time.Time `gorm:"not null" json:"last_heartbeat_at"`
	LeaseTimeoutSecs int       `gorm:"not null" json:"lease_timeout_secs"`
	ReleasedAt       *time.Time `json:"released_at,omitempty"`
	ReleasedReason   string    `gorm:"size:32" json:"released_reason,omitempty"`
}

// ExpiresAt is the instant the lease lapses unless renewed.
func (l *TripLock) ExpiresAt() time.Time {
	return l.LastHeartbeatAt.Add(time.Duration(l.LeaseTimeoutSecs) * time.Second)
}

// Stale reports whether the lease has lapsed at the given instant.
func (l *TripLock) Stale(now time.Time) bool {
	return !now.Before(l.ExpiresAt())
}

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the table and the partial unique index that enforces
// one active lease per bus.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&TripLock{}); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_trip_locks_active_bus
		 ON trip_locks (bus_id) WHERE active`,
	).Error
}

// ErrActiveExists is returned by Insert when another active lease already
// holds the bus (the partial unique index rejected the row).
var ErrActiveExists = errors.New("an active trip lock already exists for this bus")

// Insert adds a new active lease row. The partial unique index makes this the
// linearization point for acquire: of two concurrent inserts for one bus,
// exactly one succeeds and the other gets ErrActiveExists.
func (s *Store) Insert(ctx context.Context, l *TripLock) error {
	err := s.db.WithContext(ctx).Create(l).Error
	if err != nil && isUniqueViolation(err) {
		return ErrActiveExists
	}
	return err
}

// GetActiveByBus returns the active lease for a bus, or (nil, nil) when the
// bus is unlocked.
func (s *Store) GetActiveByBus(ctx context.Context, busID string) (*TripLock, error) {
	var l TripLock
	err := s.db.WithContext(ctx).
		Where("bus_id = ? AND active = ?", busID, true).
		First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetByTripID returns a lease by trip id regardless of active state.
func (s *Store) GetByTripID(ctx context.Context, tripID string) (*TripLock, error) {
	var l TripLock
	err := s.db.WithContext(ctx).Where("trip_id = ?", tripID).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// Deactivate retires a lease row keyed on the previous holder's identity:
// the update only lands if the row is still active AND its heartbeat has not
// moved since the caller read it. Returns false when the guard missed, which
// means a renew or another writer won the race.
func (s *Store) Deactivate(ctx context.Context, tripID string, lastHeartbeatAt time.Time, reason string) (bool, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&TripLock{}).
		Where("trip_id = ? AND active = ? AND last_heartbeat_at = ?", tripID, true, lastHeartbeatAt).
		Updates(map[string]any{
			"active":          false,
			"released_at":     now,
			"released_reason": reason,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Release unconditionally deactivates a lease by trip id. Idempotent: a lease
// that is already inactive (or was reaped) still reports success.
func (s *Store) Release(ctx context.Context, tripID, reason string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&TripLock{}).
		Where("trip_id = ? AND active = ?", tripID, true).
		Updates(map[string]any{
			"active":          false,
			"released_at":     now,
			"released_reason": reason,
		}).Error
}

// Heartbeat extends the lease if it is still held by the given driver.
// Returns false when the lease is gone, inactive, or held by someone else —
// the caller surfaces that as a lost session.
func (s *Store) Heartbeat(ctx context.Context, tripID, busID, driverID string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&TripLock{}).
		Where("trip_id = ? AND bus_id = ? AND driver_id = ? AND active = ?", tripID, busID, driverID, true).
		Update("last_heartbeat_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RetargetDriver repoints an active lease at a new driver. Used when an
// accepted swap applies to a trip that is already running.
func (s *Store) RetargetDriver(ctx context.Context, busID, newDriverID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&TripLock{}).
		Where("bus_id = ? AND active = ?", busID, true).
		Update("driver_id", newDriverID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListStale returns active leases whose heartbeat lapsed before now.
func (s *Store) ListStale(ctx context.Context, now time.Time) ([]TripLock, error) {
	var out []TripLock
	err := s.db.WithContext(ctx).
		Where("active = ? AND last_heartbeat_at + make_interval(secs => lease_timeout_secs) < ?", true, now).
		Find(&out).Error
	return out, err
}

// ActiveTripExists reports whether an active lease row exists for the trip.
// The reaper uses it to detect orphaned primary-store mirrors.
func (s *Store) ActiveTripExists(ctx context.Context, tripID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&TripLock{}).
		Where("trip_id = ? AND active = ?", tripID, true).
		Count(&n).Error
	return n > 0, err
}

// PruneReleased deletes inactive lease rows older than the cutoff.
func (s *Store) PruneReleased(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("active = ? AND released_at < ?", false, cutoff).
		Delete(&TripLock{})
	return res.RowsAffected, res.Error
}

// isUniqueViolation matches Postgres duplicate-key failures without binding
// to a specific driver error type.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "23505")
}
