// internal/app/store/buses/busstore.go
package buses

// Terminology: the bus document's active_trip_lock is a *mirror* of the
// authoritative lease row in the coordination store. Writes here are guarded
// by the previous lock's trip_id so a concurrently renewed lock is never
// clobbered, but the mirror is still best-effort: the reaper's reconciliation
// pass is what restores consistency after a partial failure.

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/transitcore/buscoord/internal/domain/models"
)

type Store struct {
	c *mongo.Collection
}

func New(db *mongo.Database) *Store {
	return &Store{c: db.Collection("buses")}
}

// EnsureIndexes creates the indexes the coordination engine queries against.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "number", Value: 1}},
			Options: options.Index().SetName("idx_buses_number").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "current_operator_id", Value: 1}},
			Options: options.Index().SetName("idx_buses_operator"),
		},
		{
			Keys:    bson.D{{Key: "active_trip_lock.active", Value: 1}},
			Options: options.Index().SetName("idx_buses_lock_active"),
		},
	}
	_, err := s.c.Indexes().CreateMany(ctx, indexes)
	return err
}

// Create inserts a bus document. Used by fixtures and fleet provisioning.
func (s *Store) Create(ctx context.Context, b models.Bus) (models.Bus, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	if b.Status == "" {
		b.Status = models.BusStatusActive
	}
	res, err := s.c.InsertOne(ctx, b)
	if err != nil {
		return b, err
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		b.ID = oid
	}
	return b, nil
}

// GetByID returns a single bus by its _id.
func (s *Store) GetByID(ctx context.Context, id primitive.ObjectID) (models.Bus, error) {
	var b models.Bus
	err := s.c.FindOne(ctx, bson.M{"_id": id}).Decode(&b)
	return b, err
}

// FindByOperator returns the bus the given driver currently operates, if any.
// Used by the swap workflow to decide whether a request is a one-directional
// assignment or a bidirectional swap.
func (s *Store) FindByOperator(ctx context.Context, driverID primitive.ObjectID) (models.Bus, bool, error) {
	var b models.Bus
	err := s.c.FindOne(ctx, bson.M{"current_operator_id": driverID}).Decode(&b)
	if err == mongo.ErrNoDocuments {
		return models.Bus{}, false, nil
	}
	if err != nil {
		return models.Bus{}, false, err
	}
	return b, true, nil
}

// MirrorLock writes the trip-lock mirror onto the bus document. When
// prevTripID is non-empty the write only lands if the mirror still shows that
// trip; an empty prevTripID additionally matches a bus with no active mirror.
// Returns false when the guard did not match (a concurrent writer won).
func (s *Store) MirrorLock(ctx context.Context, busID primitive.ObjectID, prevTripID string, lock models.BusLock) (bool, error) {
	filter := bson.M{"_id": busID}
	if prevTripID != "" {
		filter["active_trip_lock.trip_id"] = prevTripID
	} else {
		filter["$or"] = bson.A{
			bson.M{"active_trip_lock.active": false},
			bson.M{"active_trip_lock.active": bson.M{"$exists": false}},
			// A stale mirror may still read active; the expiry guard lets a
			// fresh acquire replace it without a reaper pass in between.
			bson.M{"active_trip_lock.expires_at": bson.M{"$lt": time.Now().UTC()}},
		}
	}

	res, err := s.c.UpdateOne(ctx, filter, bson.M{
		"$set": bson.M{
			"active_trip_lock": lock,
			"updated_at":       time.Now().UTC(),
		},
	})
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

// ClearLock removes the trip-lock mirror. When tripID is non-empty only a
// mirror for that trip is cleared, so a release racing a fresh acquire cannot
// wipe the new lock. Clearing an already-clear mirror is a no-op.
func (s *Store) ClearLock(ctx context.Context, busID primitive.ObjectID, tripID string) error {
	filter := bson.M{"_id": busID}
	if tripID != "" {
		filter["active_trip_lock.trip_id"] = tripID
	}
	_, err := s.c.UpdateOne(ctx, filter, bson.M{
		"$set": bson.M{
			"active_trip_lock": models.BusLock{Active: false},
			"updated_at":       time.Now().UTC(),
		},
	})
	return err
}

// SetOperator repoints current_operator_id, typically when a temporary
// assignment starts or reverts.
func (s *Store) SetOperator(ctx context.Context, busID, driverID primitive.ObjectID) error {
	_, err := s.c.UpdateOne(ctx, bson.M{"_id": busID}, bson.M{
		"$set": bson.M{
			"current_operator_id": driverID,
			"updated_at":          time.Now().UTC(),
		},
	})
	return err
}

// ListWithActiveLock returns every bus whose mirror claims an active lock.
// The reaper cross-checks these against the coordination store to find
// orphans left behind by partial writes.
func (s *Store) ListWithActiveLock(ctx context.Context) ([]models.Bus, error) {
	cur, err := s.c.Find(ctx, bson.M{"active_trip_lock.active": true})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.Bus
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
