// internal/app/store/swaps/swapstore.go
package swaps

// Status transitions are guarded compare-and-swaps: every mutation names the
// state it expects to find, so two racing transitions on one request resolve
// to exactly one winner. The loser sees matched=false and reports a
// wrong-state conflict.

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
	return &Store{c: db.Collection("swap_requests")}
}

// EnsureIndexes creates the indexes the workflow and sweeps query against.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "time_period.end", Value: 1}},
			Options: options.Index().SetName("idx_swaps_status_end"),
		},
		{
			Keys:    bson.D{{Key: "from_driver_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_swaps_from"),
		},
		{
			Keys:    bson.D{{Key: "to_driver_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_swaps_to"),
		},
	}
	_, err := s.c.Indexes().CreateMany(ctx, indexes)
	return err
}

// Create inserts a new request in pending state.
func (s *Store) Create(ctx context.Context, req models.SwapRequest) (models.SwapRequest, error) {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.Status == "" {
		req.Status = models.SwapStatusPending
	}
	res, err := s.c.InsertOne(ctx, req)
	if err != nil {
		return req, err
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		req.ID = oid
	}
	return req, nil
}

// GetByID returns a single request by its _id.
func (s *Store) GetByID(ctx context.Context, id primitive.ObjectID) (models.SwapRequest, error) {
	var req models.SwapRequest
	err := s.c.FindOne(ctx, bson.M{"_id": id}).Decode(&req)
	return req, err
}

// TransitionStatus moves a request from one status to another, but only if it
// is still in the expected state. Returns the updated request and whether the
// guard matched. A terminal transition also stamps resolved_at.
func (s *Store) TransitionStatus(ctx context.Context, id primitive.ObjectID, from, to string) (models.SwapRequest, bool, error) {
	set := bson.M{"status": to}
	switch to {
	case models.SwapStatusRejected, models.SwapStatusCancelled,
		models.SwapStatusExpired, models.SwapStatusCompleted:
		set["resolved_at"] = time.Now().UTC()
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var req models.SwapRequest
	err := s.c.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": from},
		bson.M{"$set": set},
		opts,
	).Decode(&req)

	if err == mongo.ErrNoDocuments {
		return models.SwapRequest{}, false, nil
	}
	if err != nil {
		return models.SwapRequest{}, false, err
	}
	return req, true, nil
}

// ListByDriver returns requests where the driver is requester or recipient,
// newest first.
func (s *Store) ListByDriver(ctx context.Context, driverID primitive.ObjectID, limit int64) ([]models.SwapRequest, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(limit)

	cur, err := s.c.Find(ctx, bson.M{
		"$or": bson.A{
			bson.M{"from_driver_id": driverID},
			bson.M{"to_driver_id": driverID},
		},
	}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.SwapRequest
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListPendingBefore returns pending requests created before the cutoff —
// candidates for expiry.
func (s *Store) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]models.SwapRequest, error) {
	cur, err := s.c.Find(ctx, bson.M{
		"status":     models.SwapStatusPending,
		"created_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.SwapRequest
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListPendingEnded returns pending requests whose whole time period has
// already elapsed — cancelled outright by the sweep.
func (s *Store) ListPendingEnded(ctx context.Context, now time.Time) ([]models.SwapRequest, error) {
	cur, err := s.c.Find(ctx, bson.M{
		"status":          models.SwapStatusPending,
		"time_period.end": bson.M{"$lt": now},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.SwapRequest
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListRevertDue returns accepted or pending_revert requests whose time period
// has ended — the revert sweep's work list.
func (s *Store) ListRevertDue(ctx context.Context, now time.Time) ([]models.SwapRequest, error) {
	cur, err := s.c.Find(ctx, bson.M{
		"status":          bson.M{"$in": bson.A{models.SwapStatusAccepted, models.SwapStatusPendingRevert}},
		"time_period.end": bson.M{"$lt": now},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.SwapRequest
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PruneResolved deletes terminal requests resolved before the cutoff.
func (s *Store) PruneResolved(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.c.DeleteMany(ctx, bson.M{
		"status": bson.M{"$in": bson.A{
			models.SwapStatusRejected, models.SwapStatusCancelled,
			models.SwapStatusExpired, models.SwapStatusCompleted,
		}},
		"resolved_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
