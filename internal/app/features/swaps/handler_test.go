package swaps_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/transitcore/buscoord/internal/app/features/swaps"
	"github.com/transitcore/buscoord/internal/app/system/auth"
	"github.com/transitcore/buscoord/internal/app/system/httperr"
	"github.com/transitcore/buscoord/internal/app/system/swapflow"
	"github.com/transitcore/buscoord/internal/domain/models"
)

type fakeFlow struct {
	created   models.SwapRequest
	createErr error
	acceptErr error

	lastActor primitive.ObjectID
}

func (f *fakeFlow) Create(_ context.Context, actor primitive.ObjectID, p swapflow.CreateParams) (models.SwapRequest, error) {
	f.lastActor = actor
	if f.createErr != nil {
		return models.SwapRequest{}, f.createErr
	}
	f.created = models.SwapRequest{
		ID:           primitive.NewObjectID(),
		FromDriverID: actor,
		ToDriverID:   p.ToDriverID,
		BusID:        p.BusID,
		TimePeriod:   p.Period,
		SwapType:     models.SwapTypeAssignment,
		Status:       models.SwapStatusPending,
	}
	return f.created, nil
}

func (f *fakeFlow) Accept(_ context.Context, actor, requestID primitive.ObjectID) (models.SwapRequest, error) {
	f.lastActor = actor
	if f.acceptErr != nil {
		return models.SwapRequest{}, f.acceptErr
	}
	return models.SwapRequest{ID: requestID, Status: models.SwapStatusAccepted}, nil
}

func (f *fakeFlow) Reject(_ context.Context, _, requestID primitive.ObjectID) (models.SwapRequest, error) {
	return models.SwapRequest{ID: requestID, Status: models.SwapStatusRejected}, nil
}

func (f *fakeFlow) Cancel(_ context.Context, _, requestID primitive.ObjectID) (models.SwapRequest, error) {
	return models.SwapRequest{ID: requestID, Status: models.SwapStatusCancelled}, nil
}

type fakeLister struct {
	byID map[primitive.ObjectID]models.SwapRequest
}

func (f *fakeLister) GetByID(_ context.Context, id primitive.ObjectID) (models.SwapRequest, error) {
	if req, ok := f.byID[id]; ok {
		return req, nil
	}
	return models.SwapRequest{}, mongo.ErrNoDocuments
}

func (f *fakeLister) ListByDriver(_ context.Context, driverID primitive.ObjectID, _ int64) ([]models.SwapRequest, error) {
	var out []models.SwapRequest
	for _, req := range f.byID {
		if req.FromDriverID == driverID || req.ToDriverID == driverID {
			out = append(out, req)
		}
	}
	return out, nil
}

func newRouter(flow *fakeFlow, lister *fakeLister) http.Handler {
	if lister == nil {
		lister = &fakeLister{byID: map[primitive.ObjectID]models.SwapRequest{}}
	}
	h := swaps.NewHandler(flow, lister, zap.NewNop())
	return swaps.Routes(h)
}

func asDriver(req *http.Request, uid primitive.ObjectID) *http.Request {
	return auth.WithIdentity(req, auth.Identity{UID: uid.Hex(), Role: auth.RoleDriver})
}

func TestCreateUsesIdentityAsRequester(t *testing.T) {
	flow := &fakeFlow{}
	router := newRouter(flow, nil)
	me := primitive.NewObjectID()

	body := fmt.Sprintf(`{"to_driver_id":%q,"bus_id":%q,"start":"2026-03-02T10:00:00Z","end":"2026-03-02T12:00:00Z"}`,
		primitive.NewObjectID().Hex(), primitive.NewObjectID().Hex())
	req := asDriver(httptest.NewRequest("POST", "/", strings.NewReader(body)), me)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if flow.lastActor != me {
		t.Fatalf("actor = %s, want identity %s", flow.lastActor.Hex(), me.Hex())
	}
	var got models.SwapRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if got.Status != models.SwapStatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
}

func TestCreateRejectsBadIDs(t *testing.T) {
	router := newRouter(&fakeFlow{}, nil)
	req := asDriver(httptest.NewRequest("POST", "/", strings.NewReader(`{"to_driver_id":"nope","bus_id":"x"}`)), primitive.NewObjectID())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAcceptWrongStateIs409(t *testing.T) {
	flow := &fakeFlow{acceptErr: httperr.Conflictf(httperr.ReasonWrongState, "request is rejected")}
	router := newRouter(flow, nil)

	req := asDriver(httptest.NewRequest("POST", "/"+primitive.NewObjectID().Hex()+"/accept", nil), primitive.NewObjectID())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Reason != httperr.ReasonWrongState {
		t.Fatalf("reason = %q", body.Reason)
	}
}

func TestGetLimitedToParties(t *testing.T) {
	me, other := primitive.NewObjectID(), primitive.NewObjectID()
	reqDoc := models.SwapRequest{
		ID:           primitive.NewObjectID(),
		FromDriverID: other,
		ToDriverID:   primitive.NewObjectID(),
		Status:       models.SwapStatusPending,
	}
	lister := &fakeLister{byID: map[primitive.ObjectID]models.SwapRequest{reqDoc.ID: reqDoc}}
	router := newRouter(&fakeFlow{}, lister)

	req := asDriver(httptest.NewRequest("GET", "/"+reqDoc.ID.Hex(), nil), me)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 for a stranger", rec.Code)
	}

	req = asDriver(httptest.NewRequest("GET", "/"+reqDoc.ID.Hex(), nil), other)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for the requester", rec.Code)
	}
}

func TestListReturnsOwnRequests(t *testing.T) {
	me := primitive.NewObjectID()
	mine := models.SwapRequest{ID: primitive.NewObjectID(), FromDriverID: me, Status: models.SwapStatusPending}
	theirs := models.SwapRequest{ID: primitive.NewObjectID(), FromDriverID: primitive.NewObjectID()}
	lister := &fakeLister{byID: map[primitive.ObjectID]models.SwapRequest{mine.ID: mine, theirs.ID: theirs}}
	router := newRouter(&fakeFlow{}, lister)

	req := asDriver(httptest.NewRequest("GET", "/", nil), me)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Requests []models.SwapRequest `json:"requests"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if len(body.Requests) != 1 || body.Requests[0].ID != mine.ID {
		t.Fatalf("requests = %+v", body.Requests)
	}
}
