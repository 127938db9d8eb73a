package swaps_test

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/transitcore/buscoord/internal/app/store/swaps"
	"github.com/transitcore/buscoord/internal/domain/models"
	"github.com/transitcore/buscoord/internal/testutil"
)

func TestStore_TransitionStatus_Guarded(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := swaps.New(db)
	fx := testutil.NewFixtures(t, db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	start := time.Now().UTC()
	req := fx.CreateSwapRequest(ctx, primitive.NewObjectID(), primitive.NewObjectID(),
		primitive.NewObjectID(), start, start.Add(8*time.Hour))

	got, ok, err := store.TransitionStatus(ctx, req.ID, models.SwapStatusPending, models.SwapStatusAccepted)
	if err != nil {
		t.Fatalf("TransitionStatus failed: %v", err)
	}
	if !ok {
		t.Fatal("expected pending->accepted to land")
	}
	if got.Status != models.SwapStatusAccepted {
		t.Errorf("status: got %q, want %q", got.Status, models.SwapStatusAccepted)
	}

	// A second accept races the first and loses.
	_, ok, err = store.TransitionStatus(ctx, req.ID, models.SwapStatusPending, models.SwapStatusAccepted)
	if err != nil {
		t.Fatalf("TransitionStatus failed: %v", err)
	}
	if ok {
		t.Fatal("expected second pending->accepted to miss the guard")
	}
}

func TestStore_TransitionStatus_StampsResolvedAt(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := swaps.New(db)
	fx := testutil.NewFixtures(t, db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	start := time.Now().UTC()
	req := fx.CreateSwapRequest(ctx, primitive.NewObjectID(), primitive.NewObjectID(),
		primitive.NewObjectID(), start, start.Add(8*time.Hour))

	got, ok, err := store.TransitionStatus(ctx, req.ID, models.SwapStatusPending, models.SwapStatusRejected)
	if err != nil {
		t.Fatalf("TransitionStatus failed: %v", err)
	}
	if !ok {
		t.Fatal("expected pending->rejected to land")
	}
	if got.ResolvedAt == nil {
		t.Error("expected resolved_at to be stamped on a terminal transition")
	}
}

func TestStore_ListByDriver(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := swaps.New(db)
	fx := testutil.NewFixtures(t, db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	driver := primitive.NewObjectID()
	other := primitive.NewObjectID()
	start := time.Now().UTC()
	end := start.Add(8 * time.Hour)

	asRequester := fx.CreateSwapRequest(ctx, driver, other, primitive.NewObjectID(), start, end)
	asRecipient := fx.CreateSwapRequest(ctx, other, driver, primitive.NewObjectID(), start, end)
	fx.CreateSwapRequest(ctx, primitive.NewObjectID(), primitive.NewObjectID(), primitive.NewObjectID(), start, end)

	got, err := store.ListByDriver(ctx, driver, 50)
	if err != nil {
		t.Fatalf("ListByDriver failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(got))
	}
	ids := map[primitive.ObjectID]bool{got[0].ID: true, got[1].ID: true}
	if !ids[asRequester.ID] || !ids[asRecipient.ID] {
		t.Errorf("expected both the requester-side and recipient-side requests, got %v", ids)
	}
}

func TestStore_SweepWorkLists(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := swaps.New(db)
	fx := testutil.NewFixtures(t, db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	now := time.Now().UTC()

	// Pending with its whole period already elapsed.
	endedPending := fx.CreateSwapRequest(ctx, primitive.NewObjectID(), primitive.NewObjectID(),
		primitive.NewObjectID(), now.Add(-10*time.Hour), now.Add(-2*time.Hour))

	// Accepted with the period over: due for revert.
	acceptedEnded := fx.CreateSwapRequest(ctx, primitive.NewObjectID(), primitive.NewObjectID(),
		primitive.NewObjectID(), now.Add(-10*time.Hour), now.Add(-time.Hour))
	if _, ok, err := store.TransitionStatus(ctx, acceptedEnded.ID, models.SwapStatusPending, models.SwapStatusAccepted); err != nil || !ok {
		t.Fatalf("TransitionStatus failed: ok=%v err=%v", ok, err)
	}

	// Pending for a future period; belongs to no work list.
	fx.CreateSwapRequest(ctx, primitive.NewObjectID(), primitive.NewObjectID(),
		primitive.NewObjectID(), now.Add(time.Hour), now.Add(9*time.Hour))

	ended, err := store.ListPendingEnded(ctx, now)
	if err != nil {
		t.Fatalf("ListPendingEnded failed: %v", err)
	}
	if len(ended) != 1 || ended[0].ID != endedPending.ID {
		t.Errorf("ListPendingEnded: got %d entries, want the ended pending request", len(ended))
	}

	due, err := store.ListRevertDue(ctx, now)
	if err != nil {
		t.Fatalf("ListRevertDue failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != acceptedEnded.ID {
		t.Errorf("ListRevertDue: got %d entries, want the ended accepted request", len(due))
	}

	stale, err := store.ListPendingBefore(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ListPendingBefore failed: %v", err)
	}
	// Both pending requests were created before the cutoff.
	if len(stale) != 2 {
		t.Errorf("ListPendingBefore: got %d entries, want 2", len(stale))
	}
}

func TestStore_PruneResolved(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := swaps.New(db)
	fx := testutil.NewFixtures(t, db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	start := time.Now().UTC()
	end := start.Add(8 * time.Hour)

	resolved := fx.CreateSwapRequest(ctx, primitive.NewObjectID(), primitive.NewObjectID(),
		primitive.NewObjectID(), start, end)
	if _, ok, err := store.TransitionStatus(ctx, resolved.ID, models.SwapStatusPending, models.SwapStatusRejected); err != nil || !ok {
		t.Fatalf("TransitionStatus failed: ok=%v err=%v", ok, err)
	}

	pending := fx.CreateSwapRequest(ctx, primitive.NewObjectID(), primitive.NewObjectID(),
		primitive.NewObjectID(), start, end)

	n, err := store.PruneResolved(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneResolved failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned: got %d, want 1", n)
	}

	if _, err := store.GetByID(ctx, pending.ID); err != nil {
		t.Errorf("expected pending request to survive the prune: %v", err)
	}
}
