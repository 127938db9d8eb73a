// internal/app/store/documents/store.go
package documents

// The rollback engine works on arbitrary documents by collection name and id,
// so it goes through this small adapter instead of an entity store. Updates
// are always field-level ($set per named field), never whole-document
// replaces, so fields a reassignment never touched are preserved.

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Store struct {
	db *mongo.Database
}

func New(db *mongo.Database) *Store {
	return &Store{db: db}
}

// idFilter accepts both ObjectID hex strings and plain string _id values.
func idFilter(docID string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(docID); err == nil {
		return bson.M{"_id": oid}
	}
	return bson.M{"_id": docID}
}

// ReadFields returns the named fields of one document. A missing field is
// simply absent from the result; a missing document returns
// mongo.ErrNoDocuments.
func (s *Store) ReadFields(ctx context.Context, collection, docID string, fields []string) (map[string]any, error) {
	projection := bson.M{"_id": 0}
	for _, f := range fields {
		projection[f] = 1
	}

	var doc bson.M
	err := s.db.Collection(collection).
		FindOne(ctx, idFilter(docID), options.FindOne().SetProjection(projection)).
		Decode(&doc)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out, nil
}

// ApplyFields sets the given fields on one document. Returns
// mongo.ErrNoDocuments if the document does not exist.
func (s *Store) ApplyFields(ctx context.Context, collection, docID string, fields map[string]any) error {
	set := bson.M{}
	for k, v := range fields {
		set[k] = v
	}

	res, err := s.db.Collection(collection).UpdateOne(ctx, idFilter(docID), bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}
