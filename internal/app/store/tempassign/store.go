// internal/app/store/tempassign/store.go
package tempassign

// At most one active temporary assignment may exist per bus. As with trip
// leases, the invariant is enforced by a partial unique index rather than a
// row lock, so a concurrent duplicate insert fails cleanly instead of
// blocking.

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// TemporaryAssignment is one substitute driver/bus pairing created by an
// accepted swap. It stays active until its end time passes and the revert
// sweep restores the original driver.
type TemporaryAssignment struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	BusID            string     `gorm:"size:24;not null;index" json:"bus_id"`
	OriginalDriverID string     `gorm:"size:24;not null" json:"original_driver_id"`
	CurrentDriverID  string     `gorm:"size:24;not null;index" json:"current_driver_id"`
	RouteID          string     `gorm:"size:24" json:"route_id,omitempty"`
	StartsAt         time.Time  `gorm:"not null" json:"starts_at"`
	EndsAt           time.Time  `gorm:"not null" json:"ends_at"`
	Active           bool       `gorm:"not null;default:true" json:"active"`
	SourceRequestID  string     `gorm:"size:24;not null" json:"source_request_id"`
	CreatedAt        time.Time  `json:"created_at"`
	RevertedAt       *time.Time `json:"reverted_at,omitempty"`
}

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the table and the one-active-row-per-bus index.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&TemporaryAssignment{}); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_temp_assignments_active_bus
		 ON temporary_assignments (bus_id) WHERE active`,
	).Error
}

// ErrActiveExists is returned by Create when the bus already has an active
// temporary assignment.
var ErrActiveExists = errors.New("an active temporary assignment already exists for this bus")

// Create inserts a new active assignment row.
func (s *Store) Create(ctx context.Context, a *TemporaryAssignment) error {
	err := s.db.WithContext(ctx).Create(a).Error
	if err != nil && isUniqueViolation(err) {
		return ErrActiveExists
	}
	return err
}

// Delete removes an assignment row outright. This is the compensating action
// for a failed swap accept, not the normal end of life (Deactivate is).
func (s *Store) Delete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&TemporaryAssignment{}, id).Error
}

// ActiveByBus returns the active assignment for a bus, or (nil, nil).
func (s *Store) ActiveByBus(ctx context.Context, busID string) (*TemporaryAssignment, error) {
	var a TemporaryAssignment
	err := s.db.WithContext(ctx).
		Where("bus_id = ? AND active = ?", busID, true).
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetBySourceRequest returns the assignment created by a swap request,
// or (nil, nil).
func (s *Store) GetBySourceRequest(ctx context.Context, requestID string) (*TemporaryAssignment, error) {
	var a TemporaryAssignment
	err := s.db.WithContext(ctx).
		Where("source_request_id = ?", requestID).
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Deactivate marks an assignment reverted. Returns false if the row was
// already inactive.
func (s *Store) Deactivate(ctx context.Context, id uint) (bool, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&TemporaryAssignment{}).
		Where("id = ? AND active = ?", id, true).
		Updates(map[string]any{
			"active":      false,
			"reverted_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListEnded returns active assignments whose end time has passed — the revert
// sweep's work list.
func (s *Store) ListEnded(ctx context.Context, now time.Time) ([]TemporaryAssignment, error) {
	var out []TemporaryAssignment
	err := s.db.WithContext(ctx).
		Where("active = ? AND ends_at < ?", true, now).
		Find(&out).Error
	return out, err
}

// PruneInactive deletes reverted rows older than the cutoff.
func (s *Store) PruneInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("active = ? AND reverted_at < ?", false, cutoff).
		Delete(&TemporaryAssignment{})
	return res.RowsAffected, res.Error
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "23505")
}
