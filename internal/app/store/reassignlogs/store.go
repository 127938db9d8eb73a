// internal/app/store/reassignlogs/store.go
package reassignlogs

// Only the latest non-rollback log per operation type is retained: Record
// deletes its predecessors of the same type in the same call. This makes the
// log a keyed latest-pointer (type → operation), a last-operation undo
// buffer rather than a history. Concurrent recordings of the same type are
// last-writer-wins.

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
	return &Store{c: db.Collection("reassignment_logs")}
}

// EnsureIndexes creates the operation-id lookup and type indexes.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "operation_id", Value: 1}},
			Options: options.Index().SetName("idx_reassign_op").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "type", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_reassign_type"),
		},
	}
	_, err := s.c.Indexes().CreateMany(ctx, indexes)
	return err
}

// Record inserts a change log. A non-rollback log first deletes any earlier
// non-rollback logs of the same type (single retained log per type).
func (s *Store) Record(ctx context.Context, log models.ChangeLog) (models.ChangeLog, error) {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	if log.Type != models.ChangeTypeRollback {
		_, err := s.c.DeleteMany(ctx, bson.M{
			"type":         log.Type,
			"operation_id": bson.M{"$ne": log.OperationID},
		})
		if err != nil {
			return log, err
		}
	}

	res, err := s.c.InsertOne(ctx, log)
	if err != nil {
		return log, err
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		log.ID = oid
	}
	return log, nil
}

// GetByOperationID returns a log by its operation id.
func (s *Store) GetByOperationID(ctx context.Context, operationID string) (models.ChangeLog, error) {
	var log models.ChangeLog
	err := s.c.FindOne(ctx, bson.M{"operation_id": operationID}).Decode(&log)
	return log, err
}

// LatestByType returns the most recent log of the given type, if any.
func (s *Store) LatestByType(ctx context.Context, typ string) (models.ChangeLog, bool, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var log models.ChangeLog
	err := s.c.FindOne(ctx, bson.M{"type": typ}, opts).Decode(&log)
	if err == mongo.ErrNoDocuments {
		return models.ChangeLog{}, false, nil
	}
	if err != nil {
		return models.ChangeLog{}, false, err
	}
	return log, true, nil
}

// TransitionStatus moves a log between statuses with a state guard, stamping
// resolved_at on terminal states. Returns whether the guard matched.
func (s *Store) TransitionStatus(ctx context.Context, operationID, from, to string) (bool, error) {
	set := bson.M{"status": to}
	switch to {
	case models.ChangeStatusCommitted, models.ChangeStatusRolledBack,
		models.ChangeStatusFailed, models.ChangeStatusNoop:
		set["resolved_at"] = time.Now().UTC()
	}

	res, err := s.c.UpdateOne(ctx,
		bson.M{"operation_id": operationID, "status": from},
		bson.M{"$set": set},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

// PruneOlderThan deletes resolved rollback logs older than the cutoff.
// Non-rollback logs are already capped at one per type by Record.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.c.DeleteMany(ctx, bson.M{
		"type":       models.ChangeTypeRollback,
		"created_at": bson.M{"$lt": cutoff},
		"status": bson.M{"$in": bson.A{
			models.ChangeStatusCommitted, models.ChangeStatusFailed, models.ChangeStatusNoop,
		}},
	})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
