// internal/domain/models/bus.go
package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Bus statuses
const (
	BusStatusActive      = "active"
	BusStatusMaintenance = "maintenance"
	BusStatusRetired     = "retired"
)

// BusLock is the trip-lock mirror embedded in a bus document. The
// authoritative lease lives in the coordination store; this copy exists so
// admin reads and the driver app can see "who is driving" without a second
// round trip. The reaper reconciles it when the two stores diverge.
type BusLock struct {
	Active     bool      `bson:"active" json:"active"`
	TripID     string    `bson:"trip_id,omitempty" json:"trip_id,omitempty"`
	DriverID   string    `bson:"driver_id,omitempty" json:"driver_id,omitempty"`
	Shift      string    `bson:"shift,omitempty" json:"shift,omitempty"`
	AcquiredAt time.Time `bson:"acquired_at,omitempty" json:"acquired_at,omitempty"`
	ExpiresAt  time.Time `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
}

// Bus models a document in the `buses` collection.
//
// AssignedDriverID is the nominal driver for the bus; CurrentOperatorID is
// whoever is authorized to operate it right now (differs from the assigned
// driver while a temporary assignment is active).
type Bus struct {
	ID       primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Number   string             `bson:"number" json:"number"`
	RouteID  primitive.ObjectID `bson:"route_id,omitempty" json:"route_id,omitempty"`
	Status   string             `bson:"status" json:"status"`
	Capacity int                `bson:"capacity,omitempty" json:"capacity,omitempty"`

	AssignedDriverID  primitive.ObjectID `bson:"assigned_driver_id,omitempty" json:"assigned_driver_id,omitempty"`
	CurrentOperatorID primitive.ObjectID `bson:"current_operator_id,omitempty" json:"current_operator_id,omitempty"`

	ActiveTripLock BusLock `bson:"active_trip_lock" json:"active_trip_lock"`

	CreatedAt time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt *time.Time `bson:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// LockIsLive reports whether the mirrored lock is active and not yet expired
// at the given instant.
func (b *Bus) LockIsLive(now time.Time) bool {
	return b.ActiveTripLock.Active && now.Before(b.ActiveTripLock.ExpiresAt)
}
