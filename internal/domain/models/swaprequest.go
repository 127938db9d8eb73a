// internal/domain/models/swaprequest.go
package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Swap request statuses.
//
// Lifecycle: a request is created pending and moves to exactly one of
// accepted, rejected, cancelled, or expired. An accepted request whose time
// period has ended becomes completed, passing through pending_revert when a
// live trip lock prevents immediate reversion.
const (
	SwapStatusPending       = "pending"
	SwapStatusAccepted      = "accepted"
	SwapStatusRejected      = "rejected"
	SwapStatusCancelled     = "cancelled"
	SwapStatusExpired       = "expired"
	SwapStatusPendingRevert = "pending_revert"
	SwapStatusCompleted     = "completed"
)

// Swap types. An assignment hands one bus to the candidate; a swap exchanges
// buses between both drivers and carries a secondary bus/route pair.
const (
	SwapTypeAssignment = "assignment"
	SwapTypeSwap       = "swap"
)

// TimePeriod bounds a swap request. PeriodType distinguishes a single-shift
// substitution from a multi-day one.
type TimePeriod struct {
	Start      time.Time `bson:"start" json:"start"`
	End        time.Time `bson:"end" json:"end"`
	PeriodType string    `bson:"period_type,omitempty" json:"period_type,omitempty"` // "shift" or "days"
}

// SwapSecondary is present only on bidirectional swaps: the bus/route the
// requesting driver takes over in exchange.
type SwapSecondary struct {
	BusID   primitive.ObjectID `bson:"bus_id" json:"bus_id"`
	RouteID primitive.ObjectID `bson:"route_id,omitempty" json:"route_id,omitempty"`
}

// SwapRequest models a document in the `swap_requests` collection.
type SwapRequest struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	FromDriverID primitive.ObjectID `bson:"from_driver_id" json:"from_driver_id"`
	ToDriverID   primitive.ObjectID `bson:"to_driver_id" json:"to_driver_id"`
	BusID        primitive.ObjectID `bson:"bus_id" json:"bus_id"`
	RouteID      primitive.ObjectID `bson:"route_id,omitempty" json:"route_id,omitempty"`

	TimePeriod TimePeriod     `bson:"time_period" json:"time_period"`
	SwapType   string         `bson:"swap_type" json:"swap_type"`
	Secondary  *SwapSecondary `bson:"secondary,omitempty" json:"secondary,omitempty"`

	Status string `bson:"status" json:"status"`

	CreatedAt  time.Time  `bson:"created_at" json:"created_at"`
	ResolvedAt *time.Time `bson:"resolved_at,omitempty" json:"resolved_at,omitempty"`
}

// IsBidirectional reports whether both drivers exchange buses.
func (s *SwapRequest) IsBidirectional() bool {
	return s.SwapType == SwapTypeSwap && s.Secondary != nil
}

// Terminal reports whether the request can no longer change state.
func (s *SwapRequest) Terminal() bool {
	switch s.Status {
	case SwapStatusRejected, SwapStatusCancelled, SwapStatusExpired, SwapStatusCompleted:
		return true
	}
	return false
}
