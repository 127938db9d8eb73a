package changelog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/transitcore/buscoord/internal/app/system/httperr"
	"github.com/transitcore/buscoord/internal/domain/models"
)

type fakeLogStore struct {
	logs map[string]*models.ChangeLog
}

func newFakeLogStore() *fakeLogStore {
	return &fakeLogStore{logs: map[string]*models.ChangeLog{}}
}

func (f *fakeLogStore) Record(_ context.Context, log models.ChangeLog) (models.ChangeLog, error) {
	if log.Type != models.ChangeTypeRollback {
		for op, l := range f.logs {
			if l.Type == log.Type && op != log.OperationID {
				delete(f.logs, op)
			}
		}
	}
	cp := log
	f.logs[log.OperationID] = &cp
	return log, nil
}

func (f *fakeLogStore) GetByOperationID(_ context.Context, operationID string) (models.ChangeLog, error) {
	if l, ok := f.logs[operationID]; ok {
		return *l, nil
	}
	return models.ChangeLog{}, mongo.ErrNoDocuments
}

func (f *fakeLogStore) LatestByType(_ context.Context, typ string) (models.ChangeLog, bool, error) {
	var best *models.ChangeLog
	for _, l := range f.logs {
		if l.Type == typ && (best == nil || l.CreatedAt.After(best.CreatedAt)) {
			best = l
		}
	}
	if best == nil {
		return models.ChangeLog{}, false, nil
	}
	return *best, true, nil
}

func (f *fakeLogStore) TransitionStatus(_ context.Context, operationID, from, to string) (bool, error) {
	l, ok := f.logs[operationID]
	if !ok || l.Status != from {
		return false, nil
	}
	l.Status = to
	return true, nil
}

// fakeDocs is an in-memory document set keyed by collection/doc id, with an
// optional per-document write failure and a record of apply order.
type fakeDocs struct {
	docs       map[string]map[string]any
	failWrites map[string]error
	applied    []string
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		docs:       map[string]map[string]any{},
		failWrites: map[string]error{},
	}
}

func key(collection, docID string) string { return collection + "/" + docID }

func (f *fakeDocs) set(collection, docID string, fields map[string]any) {
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	f.docs[key(collection, docID)] = cp
}

func (f *fakeDocs) ReadFields(_ context.Context, collection, docID string, fields []string) (map[string]any, error) {
	doc, ok := f.docs[key(collection, docID)]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	out := map[string]any{}
	for _, field := range fields {
		if v, ok := doc[field]; ok {
			out[field] = v
		}
	}
	return out, nil
}

func (f *fakeDocs) ApplyFields(_ context.Context, collection, docID string, fields map[string]any) error {
	k := key(collection, docID)
	if err := f.failWrites[k]; err != nil {
		return err
	}
	doc, ok := f.docs[k]
	if !ok {
		return mongo.ErrNoDocuments
	}
	for field, v := range fields {
		doc[field] = v
	}
	f.applied = append(f.applied, k)
	return nil
}

var actor = primitive.NewObjectID()

// committedReassignment seeds two bus documents and a committed
// driver-reassignment log that moved their assigned drivers.
func committedReassignment(t *testing.T, logs *fakeLogStore, docs *fakeDocs) models.ChangeLog {
	t.Helper()
	docs.set("buses", "bus-1", map[string]any{"assigned_driver_id": "d2"})
	docs.set("buses", "bus-2", map[string]any{"assigned_driver_id": "d1"})

	e := NewEngine(logs, docs, zap.NewNop())
	log, err := e.Record(context.Background(), actor, RecordParams{
		Type: models.ChangeTypeDriverReassignment,
		Changes: []models.Change{
			{
				Collection: "buses", DocID: "bus-1",
				Before: map[string]any{"assigned_driver_id": "d1"},
				After:  map[string]any{"assigned_driver_id": "d2"},
			},
			{
				Collection: "buses", DocID: "bus-2",
				Before: map[string]any{"assigned_driver_id": "d2"},
				After:  map[string]any{"assigned_driver_id": "d1"},
			},
		},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	return log
}

func TestRecordSupersedesSameType(t *testing.T) {
	logs := newFakeLogStore()
	e := NewEngine(logs, newFakeDocs(), zap.NewNop())

	change := []models.Change{{Collection: "buses", DocID: "bus-1", After: map[string]any{"x": 1}}}

	first, err := e.Record(context.Background(), actor, RecordParams{Type: models.ChangeTypeDriverReassignment, Changes: change})
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	time.Sleep(time.Millisecond)
	second, err := e.Record(context.Background(), actor, RecordParams{Type: models.ChangeTypeDriverReassignment, Changes: change})
	if err != nil {
		t.Fatalf("second record: %v", err)
	}

	if _, err := e.Get(context.Background(), first.OperationID); err == nil {
		t.Fatal("superseded log still present")
	}
	latest, found, err := e.Latest(context.Background(), models.ChangeTypeDriverReassignment)
	if err != nil || !found {
		t.Fatalf("latest: %v found=%v", err, found)
	}
	if latest.OperationID != second.OperationID {
		t.Fatalf("latest = %s, want %s", latest.OperationID, second.OperationID)
	}
}

func TestRecordRejectsBadInput(t *testing.T) {
	e := NewEngine(newFakeLogStore(), newFakeDocs(), zap.NewNop())

	var v *httperr.Validation
	if _, err := e.Record(context.Background(), actor, RecordParams{Type: "repaint", Changes: []models.Change{{Collection: "c", DocID: "d"}}}); !errors.As(err, &v) {
		t.Fatalf("unknown type accepted: %v", err)
	}
	if _, err := e.Record(context.Background(), actor, RecordParams{Type: models.ChangeTypeRollback, Changes: []models.Change{{Collection: "c", DocID: "d"}}}); !errors.As(err, &v) {
		t.Fatalf("direct rollback record accepted: %v", err)
	}
	if _, err := e.Record(context.Background(), actor, RecordParams{Type: models.ChangeTypeRouteReassignment}); !errors.As(err, &v) {
		t.Fatalf("empty changes accepted: %v", err)
	}
}

func TestValidateRollbackCleanState(t *testing.T) {
	logs, docs := newFakeLogStore(), newFakeDocs()
	log := committedReassignment(t, logs, docs)
	e := NewEngine(logs, docs, zap.NewNop())

	v, err := e.ValidateRollback(context.Background(), log.OperationID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !v.CanRollback || len(v.Conflicts) != 0 {
		t.Fatalf("validation = %+v, want clean", v)
	}
}

func TestValidateRollbackReportsDrift(t *testing.T) {
	logs, docs := newFakeLogStore(), newFakeDocs()
	log := committedReassignment(t, logs, docs)

	// A later change moved one of the fields the snapshot recorded.
	docs.set("buses", "bus-1", map[string]any{"assigned_driver_id": "d9"})

	e := NewEngine(logs, docs, zap.NewNop())
	v, err := e.ValidateRollback(context.Background(), log.OperationID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if v.CanRollback {
		t.Fatal("drifted state validated as rollbackable")
	}
	if len(v.Conflicts) != 1 {
		t.Fatalf("conflicts = %+v, want exactly one", v.Conflicts)
	}
	c := v.Conflicts[0]
	if c.DocID != "bus-1" || c.Field != "assigned_driver_id" || fmt.Sprint(c.Actual) != "d9" {
		t.Fatalf("conflict = %+v", c)
	}
}

func TestValidateRollbackMissingDocument(t *testing.T) {
	logs, docs := newFakeLogStore(), newFakeDocs()
	log := committedReassignment(t, logs, docs)
	delete(docs.docs, key("buses", "bus-2"))

	e := NewEngine(logs, docs, zap.NewNop())
	v, err := e.ValidateRollback(context.Background(), log.OperationID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if v.CanRollback || len(v.Conflicts) != 1 || v.Conflicts[0].DocID != "bus-2" {
		t.Fatalf("validation = %+v", v)
	}
}

func TestValidateRollbackNonCommitted(t *testing.T) {
	logs, docs := newFakeLogStore(), newFakeDocs()
	log := committedReassignment(t, logs, docs)
	logs.logs[log.OperationID].Status = models.ChangeStatusRolledBack

	e := NewEngine(logs, docs, zap.NewNop())
	v, err := e.ValidateRollback(context.Background(), log.OperationID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if v.CanRollback || v.Reason == "" {
		t.Fatalf("validation = %+v, want blocked with reason", v)
	}
}

func TestExecuteRollbackRestoresInReverseOrder(t *testing.T) {
	logs, docs := newFakeLogStore(), newFakeDocs()
	log := committedReassignment(t, logs, docs)

	e := NewEngine(logs, docs, zap.NewNop())
	res, err := e.ExecuteRollback(context.Background(), log.OperationID, actor)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if res.Status != models.ChangeStatusCommitted || res.RevertedDocs != 2 || len(res.Errors) != 0 {
		t.Fatalf("result = %+v", res)
	}

	// Before snapshots applied, last change first.
	if docs.docs[key("buses", "bus-1")]["assigned_driver_id"] != "d1" {
		t.Fatal("bus-1 not restored")
	}
	if docs.docs[key("buses", "bus-2")]["assigned_driver_id"] != "d2" {
		t.Fatal("bus-2 not restored")
	}
	want := []string{key("buses", "bus-2"), key("buses", "bus-1")}
	if len(docs.applied) != 2 || docs.applied[0] != want[0] || docs.applied[1] != want[1] {
		t.Fatalf("apply order = %v, want %v", docs.applied, want)
	}

	// Original marked rolled_back; rollback log committed.
	orig, _ := e.Get(context.Background(), log.OperationID)
	if orig.Status != models.ChangeStatusRolledBack {
		t.Fatalf("original status = %s", orig.Status)
	}
	rb, _ := e.Get(context.Background(), res.RollbackOperationID)
	if rb.Status != models.ChangeStatusCommitted || rb.RollbackOf != log.OperationID {
		t.Fatalf("rollback log = %+v", rb)
	}

	// A second rollback of the same operation is a wrong-state conflict.
	if _, err := e.ExecuteRollback(context.Background(), log.OperationID, actor); !httperr.IsConflict(err, httperr.ReasonWrongState) {
		t.Fatalf("expected wrong_state conflict, got %v", err)
	}
}

func TestExecuteRollbackPartialFailureLeavesOriginalCommitted(t *testing.T) {
	logs, docs := newFakeLogStore(), newFakeDocs()
	log := committedReassignment(t, logs, docs)
	docs.failWrites[key("buses", "bus-1")] = errors.New("write concern timeout")

	e := NewEngine(logs, docs, zap.NewNop())
	res, err := e.ExecuteRollback(context.Background(), log.OperationID, actor)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if res.Status != models.ChangeStatusFailed || res.RevertedDocs != 1 || len(res.Errors) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Errors[0].DocID != "bus-1" {
		t.Fatalf("errors = %+v", res.Errors)
	}

	// The healthy document was still reverted; the original log is not
	// assumed reverted.
	if docs.docs[key("buses", "bus-2")]["assigned_driver_id"] != "d2" {
		t.Fatal("bus-2 not reverted despite bus-1 failure")
	}
	orig, _ := e.Get(context.Background(), log.OperationID)
	if orig.Status != models.ChangeStatusCommitted {
		t.Fatalf("original status = %s, want committed", orig.Status)
	}
	rb, _ := e.Get(context.Background(), res.RollbackOperationID)
	if rb.Status != models.ChangeStatusFailed {
		t.Fatalf("rollback log status = %s, want failed", rb.Status)
	}
}

func TestExecuteRollbackSkipsMissingBeforeSnapshot(t *testing.T) {
	logs, docs := newFakeLogStore(), newFakeDocs()
	docs.set("audit", "note-1", map[string]any{"text": "created"})

	e := NewEngine(logs, docs, zap.NewNop())
	log, err := e.Record(context.Background(), actor, RecordParams{
		Type: models.ChangeTypeStudentReassignment,
		Changes: []models.Change{
			// Created fresh by the operation: nothing to restore.
			{Collection: "audit", DocID: "note-1", After: map[string]any{"text": "created"}},
		},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	res, err := e.ExecuteRollback(context.Background(), log.OperationID, actor)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if res.Skipped != 1 || res.RevertedDocs != 0 || len(res.Errors) != 0 {
		t.Fatalf("result = %+v, want 1 skipped and no errors", res)
	}
	if res.Status != models.ChangeStatusCommitted {
		t.Fatalf("status = %s, want committed (skips are not errors)", res.Status)
	}
}

func TestRollbackMissingOperationIsNotFound(t *testing.T) {
	e := NewEngine(newFakeLogStore(), newFakeDocs(), zap.NewNop())
	var nf *httperr.NotFound
	if _, err := e.ExecuteRollback(context.Background(), "nope", actor); !errors.As(err, &nf) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := e.ValidateRollback(context.Background(), "nope"); !errors.As(err, &nf) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
