// internal/domain/models/changelog.go
package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Change-log operation types. Only one non-rollback log per type is retained:
// recording a new operation of a type supersedes the previous one, so the log
// is a last-operation undo buffer, not a full history.
const (
	ChangeTypeDriverReassignment  = "driver_reassignment"
	ChangeTypeStudentReassignment = "student_reassignment"
	ChangeTypeRouteReassignment   = "route_reassignment"
	ChangeTypeRollback            = "rollback"
)

// Change-log statuses.
const (
	ChangeStatusPending    = "pending"
	ChangeStatusCommitted  = "committed"
	ChangeStatusRolledBack = "rolled_back"
	ChangeStatusFailed     = "failed"
	ChangeStatusNoop       = "noop"
)

// Change records one document touched by a reassignment operation. Before and
// After hold field-level snapshots; a nil Before means the document cannot be
// reverted (it is skipped during rollback, not treated as an error).
type Change struct {
	Collection   string         `bson:"collection" json:"collection"`
	DocID        string         `bson:"doc_id" json:"doc_id"`
	Before       map[string]any `bson:"before,omitempty" json:"before,omitempty"`
	After        map[string]any `bson:"after,omitempty" json:"after,omitempty"`
	Precondition map[string]any `bson:"precondition,omitempty" json:"precondition,omitempty"`
}

// ChangeLog models a document in the `reassignment_logs` collection: one
// batch of cross-document changes, replayable in reverse for rollback.
type ChangeLog struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	OperationID string             `bson:"operation_id" json:"operation_id"`
	Type        string             `bson:"type" json:"type"`
	ActorID     primitive.ObjectID `bson:"actor_id" json:"actor_id"`
	Status      string             `bson:"status" json:"status"`
	Changes     []Change           `bson:"changes" json:"changes"`

	// RollbackOf is set only on rollback entries: the operation_id of the
	// log being undone.
	RollbackOf string `bson:"rollback_of,omitempty" json:"rollback_of,omitempty"`

	CreatedAt  time.Time  `bson:"created_at" json:"created_at"`
	ResolvedAt *time.Time `bson:"resolved_at,omitempty" json:"resolved_at,omitempty"`
}
