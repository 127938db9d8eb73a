package testutil

import (
	"context"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/transitcore/buscoord/internal/domain/models"
)

// Fixtures provides helper methods for creating test data in the primary
// store.
type Fixtures struct {
	db *mongo.Database
	t  *testing.T
}

// NewFixtures creates a Fixtures instance for the given test database.
func NewFixtures(t *testing.T, db *mongo.Database) *Fixtures {
	t.Helper()
	return &Fixtures{db: db, t: t}
}

// DB returns the underlying database for direct access in tests.
func (f *Fixtures) DB() *mongo.Database {
	return f.db
}

// CreateBus inserts a bus document with no active lock.
func (f *Fixtures) CreateBus(ctx context.Context, number string, driverID primitive.ObjectID) models.Bus {
	f.t.Helper()

	bus := models.Bus{
		ID:                primitive.NewObjectID(),
		Number:            number,
		Status:            models.BusStatusActive,
		Capacity:          40,
		AssignedDriverID:  driverID,
		CurrentOperatorID: driverID,
		CreatedAt:         time.Now().UTC(),
	}
	if _, err := f.db.Collection("buses").InsertOne(ctx, bus); err != nil {
		f.t.Fatalf("create test bus: %v", err)
	}
	return bus
}

// CreateLockedBus inserts a bus whose mirror shows a live trip lock held by
// the given driver.
func (f *Fixtures) CreateLockedBus(ctx context.Context, number, tripID string, driverID primitive.ObjectID, expiresAt time.Time) models.Bus {
	f.t.Helper()

	bus := f.CreateBus(ctx, number, driverID)
	bus.ActiveTripLock = models.BusLock{
		Active:     true,
		TripID:     tripID,
		DriverID:   driverID.Hex(),
		Shift:      "morning",
		AcquiredAt: time.Now().UTC(),
		ExpiresAt:  expiresAt,
	}
	_, err := f.db.Collection("buses").UpdateByID(ctx, bus.ID, map[string]any{
		"$set": map[string]any{"active_trip_lock": bus.ActiveTripLock},
	})
	if err != nil {
		f.t.Fatalf("set test bus lock: %v", err)
	}
	return bus
}

// CreateSwapRequest inserts a pending swap request between two drivers.
func (f *Fixtures) CreateSwapRequest(ctx context.Context, from, to, busID primitive.ObjectID, start, end time.Time) models.SwapRequest {
	f.t.Helper()

	req := models.SwapRequest{
		ID:           primitive.NewObjectID(),
		FromDriverID: from,
		ToDriverID:   to,
		BusID:        busID,
		TimePeriod:   models.TimePeriod{Start: start, End: end, PeriodType: "shift"},
		SwapType:     models.SwapTypeAssignment,
		Status:       models.SwapStatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := f.db.Collection("swap_requests").InsertOne(ctx, req); err != nil {
		f.t.Fatalf("create test swap request: %v", err)
	}
	return req
}

// CreateChangeLog inserts a committed reassignment log.
func (f *Fixtures) CreateChangeLog(ctx context.Context, operationID, typ string, changes []models.Change) models.ChangeLog {
	f.t.Helper()

	log := models.ChangeLog{
		ID:          primitive.NewObjectID(),
		OperationID: operationID,
		Type:        typ,
		ActorID:     primitive.NewObjectID(),
		Status:      models.ChangeStatusCommitted,
		Changes:     changes,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := f.db.Collection("reassignment_logs").InsertOne(ctx, log); err != nil {
		f.t.Fatalf("create test change log: %v", err)
	}
	return log
}
