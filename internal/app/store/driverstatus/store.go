// internal/app/store/driverstatus/store.go
package driverstatus

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DriverStatus is the live-presence row for a driver on an active trip:
// last reported position and the trip it belongs to. Rows are created on
// acquire, refreshed by heartbeats carrying a position, and removed when the
// trip ends or the lease is reaped.
type DriverStatus struct {
	DriverID   string    `gorm:"primaryKey;size:24" json:"driver_id"`
	BusID      string    `gorm:"size:24;not null" json:"bus_id"`
	TripID     string    `gorm:"size:36;not null;index" json:"trip_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Online     bool      `gorm:"not null;default:true" json:"online"`
	RecordedAt time.Time `gorm:"not null" json:"recorded_at"`
}

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the driver_statuses table.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&DriverStatus{})
}

// Upsert writes the driver's current status, replacing any previous row.
func (s *Store) Upsert(ctx context.Context, st *DriverStatus) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "driver_id"}},
		UpdateAll: true,
	}).Create(st).Error
}

// Get returns the status row for a driver, or (nil, nil).
func (s *Store) Get(ctx context.Context, driverID string) (*DriverStatus, error) {
	var st DriverStatus
	err := s.db.WithContext(ctx).Where("driver_id = ?", driverID).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// DeleteByTrip removes the status row tied to a trip. Called on release and
// by the reaper; deleting a row that is already gone is fine.
func (s *Store) DeleteByTrip(ctx context.Context, tripID string) error {
	return s.db.WithContext(ctx).
		Where("trip_id = ?", tripID).
		Delete(&DriverStatus{}).Error
}
