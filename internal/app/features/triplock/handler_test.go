package triplock_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/transitcore/buscoord/internal/app/features/triplock"
	"github.com/transitcore/buscoord/internal/app/store/triplocks"
	"github.com/transitcore/buscoord/internal/app/system/auth"
	"github.com/transitcore/buscoord/internal/app/system/httperr"
	"github.com/transitcore/buscoord/internal/app/system/locks"
)

type fakeService struct {
	acquireErr   error
	heartbeatErr error
	releaseErr   error

	lastAcquire   locks.AcquireParams
	lastHeartbeat locks.HeartbeatParams
}

func (f *fakeService) Acquire(_ context.Context, p locks.AcquireParams) (*triplocks.TripLock, error) {
	f.lastAcquire = p
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return &triplocks.TripLock{TripID: "trip-1", BusID: p.BusID, DriverID: p.DriverID, Active: true}, nil
}

func (f *fakeService) Heartbeat(_ context.Context, p locks.HeartbeatParams) error {
	f.lastHeartbeat = p
	return f.heartbeatErr
}

func (f *fakeService) Release(context.Context, string, string) error {
	return nil
}

func doRequest(t *testing.T, svc *fakeService, identity *auth.Identity, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	h := triplock.NewHandler(svc, zap.NewNop())
	router := triplock.Routes(h)

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if identity != nil {
		req = auth.WithIdentity(req, *identity)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

var driver = &auth.Identity{UID: "64a000000000000000000011", Role: auth.RoleDriver}

func TestAcquireReturnsLock(t *testing.T) {
	svc := &fakeService{}
	rec := doRequest(t, svc, driver, "POST", "/acquire",
		`{"bus_id":"64a000000000000000000001","shift":"morning"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var lock triplocks.TripLock
	if err := json.Unmarshal(rec.Body.Bytes(), &lock); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if lock.TripID != "trip-1" {
		t.Fatalf("trip_id = %q", lock.TripID)
	}
	// The driver comes from the verified identity, never the body.
	if svc.lastAcquire.DriverID != driver.UID {
		t.Fatalf("driver_id = %q, want %q", svc.lastAcquire.DriverID, driver.UID)
	}
}

func TestAcquireConflictRendersReason(t *testing.T) {
	svc := &fakeService{
		acquireErr: httperr.Conflictf(httperr.ReasonLockHeld,
			"This bus is currently being operated by another driver."),
	}
	rec := doRequest(t, svc, driver, "POST", "/acquire", `{"bus_id":"64a000000000000000000001"}`)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var body struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if body.Reason != httperr.ReasonLockHeld || body.Error == "" {
		t.Fatalf("body = %+v", body)
	}
}

func TestAcquireRequiresIdentity(t *testing.T) {
	rec := doRequest(t, &fakeService{}, nil, "POST", "/acquire", `{"bus_id":"x"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHeartbeatPassesTripAndPosition(t *testing.T) {
	svc := &fakeService{}
	rec := doRequest(t, svc, driver, "POST", "/trip-9/heartbeat",
		`{"bus_id":"64a000000000000000000001","position":{"lat":38.95,"lng":-92.33}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	hb := svc.lastHeartbeat
	if hb.TripID != "trip-9" || hb.DriverID != driver.UID {
		t.Fatalf("heartbeat params = %+v", hb)
	}
	if hb.Position == nil || hb.Position.Lat != 38.95 {
		t.Fatalf("position = %+v", hb.Position)
	}
}

func TestHeartbeatLostSessionIs404(t *testing.T) {
	svc := &fakeService{heartbeatErr: httperr.NotFoundf("trip lock trip-9 is no longer held")}
	rec := doRequest(t, svc, driver, "POST", "/trip-9/heartbeat", `{"bus_id":"b"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestReleaseAnswersOK(t *testing.T) {
	rec := doRequest(t, &fakeService{}, driver, "POST", "/trip-9/release",
		`{"bus_id":"64a000000000000000000001"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}
