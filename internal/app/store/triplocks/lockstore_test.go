package triplocks_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/transitcore/buscoord/internal/app/store/triplocks"
	"github.com/transitcore/buscoord/internal/testutil"
)

func newStore(t *testing.T) *triplocks.Store {
	t.Helper()
	pg := testutil.SetupTestPG(t)
	store := triplocks.New(pg)
	ctx, cancel := testutil.TestContext()
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return store
}

func newLock(busID string) *triplocks.TripLock {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &triplocks.TripLock{
		TripID:           uuid.NewString(),
		BusID:            busID,
		DriverID:         primitive.NewObjectID().Hex(),
		RouteID:          primitive.NewObjectID().Hex(),
		Shift:            "morning",
		Active:           true,
		AcquiredAt:       now,
		LastHeartbeatAt:  now,
		LeaseTimeoutSecs: 300,
	}
}

func TestStore_Insert_OneActivePerBus(t *testing.T) {
	store := newStore(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	busID := primitive.NewObjectID().Hex()

	first := newLock(busID)
	if err := store.Insert(ctx, first); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	second := newLock(busID)
	err := store.Insert(ctx, second)
	if !errors.Is(err, triplocks.ErrActiveExists) {
		t.Fatalf("second Insert: got %v, want ErrActiveExists", err)
	}

	// A released lease frees the slot.
	if err := store.Release(ctx, first.TripID, triplocks.ReleasedByDriver); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := store.Insert(ctx, second); err != nil {
		t.Fatalf("Insert after release failed: %v", err)
	}
}

func TestStore_GetActiveByBus(t *testing.T) {
	store := newStore(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	busID := primitive.NewObjectID().Hex()

	got, err := store.GetActiveByBus(ctx, busID)
	if err != nil {
		t.Fatalf("GetActiveByBus failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no active lease, got %+v", got)
	}

	l := newLock(busID)
	if err := store.Insert(ctx, l); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err = store.GetActiveByBus(ctx, busID)
	if err != nil {
		t.Fatalf("GetActiveByBus failed: %v", err)
	}
	if got == nil || got.TripID != l.TripID {
		t.Fatalf("expected lease %s, got %+v", l.TripID, got)
	}
}

func TestStore_Heartbeat_GuardedByHolder(t *testing.T) {
	store := newStore(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	l := newLock(primitive.NewObjectID().Hex())
	if err := store.Insert(ctx, l); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	at := time.Now().UTC().Add(30 * time.Second).Truncate(time.Millisecond)
	ok, err := store.Heartbeat(ctx, l.TripID, l.BusID, l.DriverID, at)
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if !ok {
		t.Fatal("expected heartbeat from holder to land")
	}

	// A different driver's heartbeat misses the guard.
	ok, err = store.Heartbeat(ctx, l.TripID, l.BusID, primitive.NewObjectID().Hex(), at)
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if ok {
		t.Fatal("expected heartbeat from non-holder to miss")
	}

	got, err := store.GetByTripID(ctx, l.TripID)
	if err != nil {
		t.Fatalf("GetByTripID failed: %v", err)
	}
	if !got.LastHeartbeatAt.Equal(at) {
		t.Errorf("last_heartbeat_at: got %v, want %v", got.LastHeartbeatAt, at)
	}
}

func TestStore_Deactivate_MissesAfterRenewal(t *testing.T) {
	store := newStore(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	l := newLock(primitive.NewObjectID().Hex())
	if err := store.Insert(ctx, l); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	staleRead := l.LastHeartbeatAt

	// The holder renews between the reader's snapshot and the takeover.
	renewed := staleRead.Add(10 * time.Second)
	if _, err := store.Heartbeat(ctx, l.TripID, l.BusID, l.DriverID, renewed); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	ok, err := store.Deactivate(ctx, l.TripID, staleRead, triplocks.ReleasedByTakeover)
	if err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}
	if ok {
		t.Fatal("expected guarded deactivate to miss after renewal")
	}

	ok, err = store.Deactivate(ctx, l.TripID, renewed, triplocks.ReleasedByTakeover)
	if err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}
	if !ok {
		t.Fatal("expected deactivate keyed on the current heartbeat to land")
	}

	got, err := store.GetByTripID(ctx, l.TripID)
	if err != nil {
		t.Fatalf("GetByTripID failed: %v", err)
	}
	if got.Active {
		t.Error("expected lease to be inactive")
	}
	if got.ReleasedReason != triplocks.ReleasedByTakeover {
		t.Errorf("released_reason: got %q, want %q", got.ReleasedReason, triplocks.ReleasedByTakeover)
	}
}

func TestStore_ListStale(t *testing.T) {
	store := newStore(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	fresh := newLock(primitive.NewObjectID().Hex())
	if err := store.Insert(ctx, fresh); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	stale := newLock(primitive.NewObjectID().Hex())
	stale.LastHeartbeatAt = time.Now().UTC().Add(-10 * time.Minute)
	stale.LeaseTimeoutSecs = 300
	if err := store.Insert(ctx, stale); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.ListStale(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ListStale failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 stale lease, got %d", len(got))
	}
	if got[0].TripID != stale.TripID {
		t.Errorf("stale lease: got %s, want %s", got[0].TripID, stale.TripID)
	}
}

func TestStore_RetargetDriver(t *testing.T) {
	store := newStore(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	l := newLock(primitive.NewObjectID().Hex())
	if err := store.Insert(ctx, l); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	substitute := primitive.NewObjectID().Hex()
	ok, err := store.RetargetDriver(ctx, l.BusID, substitute)
	if err != nil {
		t.Fatalf("RetargetDriver failed: %v", err)
	}
	if !ok {
		t.Fatal("expected retarget to land on the active lease")
	}

	got, err := store.GetActiveByBus(ctx, l.BusID)
	if err != nil {
		t.Fatalf("GetActiveByBus failed: %v", err)
	}
	if got.DriverID != substitute {
		t.Errorf("driver_id: got %s, want %s", got.DriverID, substitute)
	}

	// No active lease, nothing to retarget.
	ok, err = store.RetargetDriver(ctx, primitive.NewObjectID().Hex(), substitute)
	if err != nil {
		t.Fatalf("RetargetDriver failed: %v", err)
	}
	if ok {
		t.Fatal("expected retarget of an unlocked bus to miss")
	}
}

func TestStore_PruneReleased(t *testing.T) {
	store := newStore(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	old := newLock(primitive.NewObjectID().Hex())
	if err := store.Insert(ctx, old); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.Release(ctx, old.TripID, triplocks.ReleasedByDriver); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	live := newLock(primitive.NewObjectID().Hex())
	if err := store.Insert(ctx, live); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	n, err := store.PruneReleased(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneReleased failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned: got %d, want 1", n)
	}

	got, err := store.GetActiveByBus(ctx, live.BusID)
	if err != nil {
		t.Fatalf("GetActiveByBus failed: %v", err)
	}
	if got == nil {
		t.Error("expected active lease to survive the prune")
	}
}
