// Package changelog implements the reassignment log and its rollback engine.
//
// The log is a last-operation undo buffer: one retained non-rollback entry
// per operation type, each holding field-level before/after snapshots of
// every document the operation touched. Rollback is a compensating
// transaction, not an atomic one — it applies the before snapshots in
// reverse order, isolates per-document failures, and reports partial
// failure as a legitimate end state.
package changelog

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/transitcore/buscoord/internal/app/system/httperr"
	"github.com/transitcore/buscoord/internal/app/system/metrics"
	"github.com/transitcore/buscoord/internal/domain/models"
)

// LogStore is the change-log persistence surface.
type LogStore interface {
	Record(ctx context.Context, log models.ChangeLog) (models.ChangeLog, error)
	GetByOperationID(ctx context.Context, operationID string) (models.ChangeLog, error)
	LatestByType(ctx context.Context, typ string) (models.ChangeLog, bool, error)
	TransitionStatus(ctx context.Context, operationID, from, to string) (bool, error)
}

// DocumentApplier reads and writes named fields on arbitrary documents.
// Field-level only: a rollback never replaces a whole document.
type DocumentApplier interface {
	ReadFields(ctx context.Context, collection, docID string, fields []string) (map[string]any, error)
	ApplyFields(ctx context.Context, collection, docID string, fields map[string]any) error
}

// Engine records reassignment operations and rolls them back.
type Engine struct {
	logs LogStore
	docs DocumentApplier
	log  *zap.Logger
}

// NewEngine builds an Engine.
func NewEngine(logs LogStore, docs DocumentApplier, logger *zap.Logger) *Engine {
	return &Engine{logs: logs, docs: docs, log: logger}
}

// RecordParams describes one reassignment operation to log.
type RecordParams struct {
	OperationID string // generated when empty
	Type        string
	Status      string // defaults to committed
	Changes     []models.Change
}

var recordableTypes = map[string]bool{
	models.ChangeTypeDriverReassignment:  true,
	models.ChangeTypeStudentReassignment: true,
	models.ChangeTypeRouteReassignment:   true,
}

// Record logs a reassignment operation, superseding any earlier log of the
// same type. Rollback entries cannot be recorded directly; they are only
// created by ExecuteRollback.
func (e *Engine) Record(ctx context.Context, actor primitive.ObjectID, p RecordParams) (models.ChangeLog, error) {
	if !recordableTypes[p.Type] {
		return models.ChangeLog{}, httperr.Validationf("unknown operation type %q", p.Type)
	}
	if len(p.Changes) == 0 {
		return models.ChangeLog{}, httperr.Validationf("changes must not be empty")
	}
	for i, ch := range p.Changes {
		if ch.Collection == "" || ch.DocID == "" {
			return models.ChangeLog{}, httperr.Validationf("change %d: collection and doc_id are required", i)
		}
	}

	entry := models.ChangeLog{
		OperationID: p.OperationID,
		Type:        p.Type,
		ActorID:     actor,
		Status:      p.Status,
		Changes:     p.Changes,
		CreatedAt:   time.Now().UTC(),
	}
	if entry.OperationID == "" {
		entry.OperationID = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = models.ChangeStatusCommitted
	}

	recorded, err := e.logs.Record(ctx, entry)
	if err != nil {
		return models.ChangeLog{}, httperr.Storef("record change log", err)
	}
	return recorded, nil
}

// FieldConflict is one live-document field that no longer matches the
// recorded after snapshot.
type FieldConflict struct {
	Collection string `json:"collection"`
	DocID      string `json:"doc_id"`
	Field      string `json:"field"`
	Expected   any    `json:"expected"`
	Actual     any    `json:"actual,omitempty"`
}

// Validation is the result of a rollback dry run.
type Validation struct {
	OperationID string          `json:"operation_id"`
	CanRollback bool            `json:"can_rollback"`
	Reason      string          `json:"reason,omitempty"`
	Conflicts   []FieldConflict `json:"conflicts,omitempty"`
}

// ValidateRollback re-reads every document the operation touched and
// compares it field-by-field against the stored after snapshot. Any drift —
// a later operation moved a field, or a document vanished — is reported as
// a concrete conflict and blocks rollback.
func (e *Engine) ValidateRollback(ctx context.Context, operationID string) (Validation, error) {
	log, err := e.getLog(ctx, operationID)
	if err != nil {
		return Validation{}, err
	}

	v := Validation{OperationID: operationID}
	if log.Type == models.ChangeTypeRollback {
		v.Reason = "rollback entries cannot themselves be rolled back"
		return v, nil
	}
	if log.Status != models.ChangeStatusCommitted {
		v.Reason = fmt.Sprintf("log is %s, only committed operations can be rolled back", log.Status)
		return v, nil
	}

	for _, ch := range log.Changes {
		if len(ch.After) == 0 {
			continue
		}
		fields := make([]string, 0, len(ch.After))
		for f := range ch.After {
			fields = append(fields, f)
		}

		live, err := e.docs.ReadFields(ctx, ch.Collection, ch.DocID, fields)
		if errors.Is(err, mongo.ErrNoDocuments) {
			v.Conflicts = append(v.Conflicts, FieldConflict{
				Collection: ch.Collection,
				DocID:      ch.DocID,
				Field:      "_id",
				Expected:   ch.DocID,
				Actual:     "document missing",
			})
			continue
		}
		if err != nil {
			return Validation{}, httperr.Storef("read live document", err)
		}

		for field, want := range ch.After {
			got, ok := live[field]
			if !ok || !equalValue(want, got) {
				v.Conflicts = append(v.Conflicts, FieldConflict{
					Collection: ch.Collection,
					DocID:      ch.DocID,
					Field:      field,
					Expected:   want,
					Actual:     got,
				})
			}
		}
	}

	v.CanRollback = len(v.Conflicts) == 0
	return v, nil
}

// ItemError is one document that failed during a rollback.
type ItemError struct {
	Collection string `json:"collection"`
	DocID      string `json:"doc_id"`
	Err        string `json:"error"`
}

// Result reports one rollback execution. Partial failure is a reportable end
// state: Errors lists the documents that could not be reverted while
// RevertedDocs counts those that were.
type Result struct {
	RollbackOperationID string      `json:"rollback_operation_id"`
	Status              string      `json:"status"`
	RevertedDocs        int         `json:"reverted_docs"`
	Skipped             int         `json:"skipped"`
	Errors              []ItemError `json:"errors,omitempty"`
}

// ExecuteRollback undoes a committed operation by applying each change's
// before snapshot in strict reverse order as field updates. Per-document
// failures are accumulated, never aborting the remaining iterations. With
// zero errors the rollback commits and the original is marked rolled_back;
// with any error the rollback is marked failed and the original stays
// committed — never assumed reverted.
func (e *Engine) ExecuteRollback(ctx context.Context, operationID string, actor primitive.ObjectID) (Result, error) {
	log, err := e.getLog(ctx, operationID)
	if err != nil {
		return Result{}, err
	}
	if log.Type == models.ChangeTypeRollback {
		return Result{}, httperr.Validationf("rollback entries cannot themselves be rolled back")
	}
	if log.Status != models.ChangeStatusCommitted {
		return Result{}, httperr.Conflictf(httperr.ReasonWrongState,
			"log is %s, only committed operations can be rolled back", log.Status)
	}

	rbEntry := models.ChangeLog{
		OperationID: uuid.NewString(),
		Type:        models.ChangeTypeRollback,
		ActorID:     actor,
		Status:      models.ChangeStatusPending,
		Changes:     log.Changes,
		RollbackOf:  log.OperationID,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := e.logs.Record(ctx, rbEntry); err != nil {
		return Result{}, httperr.Storef("record rollback log", err)
	}

	res := Result{RollbackOperationID: rbEntry.OperationID}
	for i := len(log.Changes) - 1; i >= 0; i-- {
		ch := log.Changes[i]
		if len(ch.Before) == 0 {
			// No before snapshot means the document cannot be reverted.
			res.Skipped++
			continue
		}
		if err := e.docs.ApplyFields(ctx, ch.Collection, ch.DocID, ch.Before); err != nil {
			res.Errors = append(res.Errors, ItemError{
				Collection: ch.Collection,
				DocID:      ch.DocID,
				Err:        err.Error(),
			})
			continue
		}
		res.RevertedDocs++
	}

	if len(res.Errors) == 0 {
		res.Status = models.ChangeStatusCommitted
		if _, err := e.logs.TransitionStatus(ctx, rbEntry.OperationID, models.ChangeStatusPending, models.ChangeStatusCommitted); err != nil {
			e.log.Error("rollback log commit failed", zap.String("operation_id", rbEntry.OperationID), zap.Error(err))
		}
		if _, err := e.logs.TransitionStatus(ctx, log.OperationID, models.ChangeStatusCommitted, models.ChangeStatusRolledBack); err != nil {
			e.log.Error("original log status flip failed", zap.String("operation_id", log.OperationID), zap.Error(err))
		}
		metrics.Rollbacks.WithLabelValues("committed").Inc()
	} else {
		res.Status = models.ChangeStatusFailed
		if _, err := e.logs.TransitionStatus(ctx, rbEntry.OperationID, models.ChangeStatusPending, models.ChangeStatusFailed); err != nil {
			e.log.Error("rollback log failure flip failed", zap.String("operation_id", rbEntry.OperationID), zap.Error(err))
		}
		metrics.Rollbacks.WithLabelValues("failed").Inc()
		e.log.Warn("rollback completed with errors",
			zap.String("operation_id", log.OperationID),
			zap.Int("reverted", res.RevertedDocs),
			zap.Int("failed", len(res.Errors)))
	}

	return res, nil
}

// Get returns a change log by operation id.
func (e *Engine) Get(ctx context.Context, operationID string) (models.ChangeLog, error) {
	return e.getLog(ctx, operationID)
}

// Latest returns the retained log for an operation type, if any.
func (e *Engine) Latest(ctx context.Context, typ string) (models.ChangeLog, bool, error) {
	log, found, err := e.logs.LatestByType(ctx, typ)
	if err != nil {
		return models.ChangeLog{}, false, httperr.Storef("read latest log", err)
	}
	return log, found, nil
}

func (e *Engine) getLog(ctx context.Context, operationID string) (models.ChangeLog, error) {
	log, err := e.logs.GetByOperationID(ctx, operationID)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.ChangeLog{}, httperr.NotFoundf("operation %s not found", operationID)
	}
	if err != nil {
		return models.ChangeLog{}, httperr.Storef("load change log", err)
	}
	return log, nil
}

// equalValue compares a snapshot value with a live BSON value, tolerating
// numeric type drift (int32 vs int64 vs float64) across the driver boundary.
func equalValue(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
