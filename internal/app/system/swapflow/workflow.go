// Package swapflow implements the driver swap request state machine:
// create → accept/reject/cancel/expire, temporary-assignment creation on
// accept, and sweep-driven reversion when the swap's time period ends.
//
// Accept is the only multi-store step. It is ordered so the coordination
// store commits first and everything after it is repairable: insert the
// temporary assignment, flip the request status, then best-effort mirror
// writes. A status-flip failure deletes the just-inserted assignment before
// returning, so a failed accept leaves no active assignment behind.
package swapflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/transitcore/buscoord/internal/app/notify"
	"github.com/transitcore/buscoord/internal/app/realtime"
	"github.com/transitcore/buscoord/internal/app/store/tempassign"
	"github.com/transitcore/buscoord/internal/app/store/triplocks"
	"github.com/transitcore/buscoord/internal/app/system/httperr"
	"github.com/transitcore/buscoord/internal/app/system/metrics"
	"github.com/transitcore/buscoord/internal/domain/models"
)

// DefaultAcceptWindow is how long a pending request waits for a response
// before the expire sweep retires it.
const DefaultAcceptWindow = 48 * time.Hour

// SwapStore is the request-document surface the workflow needs.
type SwapStore interface {
	Create(ctx context.Context, req models.SwapRequest) (models.SwapRequest, error)
	GetByID(ctx context.Context, id primitive.ObjectID) (models.SwapRequest, error)
	TransitionStatus(ctx context.Context, id primitive.ObjectID, from, to string) (models.SwapRequest, bool, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]models.SwapRequest, error)
	ListPendingEnded(ctx context.Context, now time.Time) ([]models.SwapRequest, error)
	ListRevertDue(ctx context.Context, now time.Time) ([]models.SwapRequest, error)
}

// BusStore is the primary-store surface the workflow needs.
type BusStore interface {
	GetByID(ctx context.Context, id primitive.ObjectID) (models.Bus, error)
	FindByOperator(ctx context.Context, driverID primitive.ObjectID) (models.Bus, bool, error)
	SetOperator(ctx context.Context, busID, driverID primitive.ObjectID) error
}

// AssignmentStore manages temporary-assignment rows in the coordination store.
type AssignmentStore interface {
	Create(ctx context.Context, a *tempassign.TemporaryAssignment) error
	Delete(ctx context.Context, id uint) error
	ActiveByBus(ctx context.Context, busID string) (*tempassign.TemporaryAssignment, error)
	GetBySourceRequest(ctx context.Context, requestID string) (*tempassign.TemporaryAssignment, error)
	Deactivate(ctx context.Context, id uint) (bool, error)
}

// LockStore exposes the trip-lease reads and the live-trip retarget used on
// accept and revert.
type LockStore interface {
	GetActiveByBus(ctx context.Context, busID string) (*triplocks.TripLock, error)
	RetargetDriver(ctx context.Context, busID, newDriverID string) (bool, error)
}

// Workflow drives the swap request lifecycle.
type Workflow struct {
	swaps   SwapStore
	buses   BusStore
	assigns AssignmentStore
	locks   LockStore
	rt      realtime.Broadcaster
	notif   notify.Notifier
	log     *zap.Logger

	acceptWindow time.Duration
	now          func() time.Time
}

// NewWorkflow builds a Workflow. A non-positive acceptWindow falls back to
// DefaultAcceptWindow.
func NewWorkflow(swaps SwapStore, buses BusStore, assigns AssignmentStore, locks LockStore, rt realtime.Broadcaster, notif notify.Notifier, acceptWindow time.Duration, logger *zap.Logger) *Workflow {
	if acceptWindow <= 0 {
		acceptWindow = DefaultAcceptWindow
	}
	if notif == nil {
		notif = notify.NopNotifier{}
	}
	return &Workflow{
		swaps:        swaps,
		buses:        buses,
		assigns:      assigns,
		locks:        locks,
		rt:           rt,
		notif:        notif,
		log:          logger,
		acceptWindow: acceptWindow,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the workflow's clock. Test hook.
func (w *Workflow) SetClock(now func() time.Time) { w.now = now }

// CreateParams describes a new swap request. The requester is the
// authenticated actor; the candidate is ToDriverID.
type CreateParams struct {
	ToDriverID primitive.ObjectID
	BusID      primitive.ObjectID
	RouteID    primitive.ObjectID
	Period     models.TimePeriod
}

// Create opens a pending request. The swap type is detected from the
// candidate's current situation: a candidate who is operating a bus of their
// own makes this a bidirectional swap, with their bus captured as the
// secondary side; otherwise it is a one-way assignment.
func (w *Workflow) Create(ctx context.Context, actor primitive.ObjectID, p CreateParams) (models.SwapRequest, error) {
	switch {
	case p.ToDriverID.IsZero():
		return models.SwapRequest{}, httperr.Validationf("to_driver_id is required")
	case p.BusID.IsZero():
		return models.SwapRequest{}, httperr.Validationf("bus_id is required")
	case p.ToDriverID == actor:
		return models.SwapRequest{}, httperr.Validationf("cannot request a swap with yourself")
	case p.Period.Start.IsZero() || p.Period.End.IsZero():
		return models.SwapRequest{}, httperr.Validationf("time_period start and end are required")
	case !p.Period.Start.Before(p.Period.End):
		return models.SwapRequest{}, httperr.Validationf("time_period start must be before end")
	case p.Period.End.Before(w.now()):
		return models.SwapRequest{}, httperr.Validationf("time_period has already ended")
	}

	req := models.SwapRequest{
		FromDriverID: actor,
		ToDriverID:   p.ToDriverID,
		BusID:        p.BusID,
		RouteID:      p.RouteID,
		TimePeriod:   p.Period,
		SwapType:     models.SwapTypeAssignment,
		Status:       models.SwapStatusPending,
		CreatedAt:    w.now(),
	}

	if other, found, err := w.buses.FindByOperator(ctx, p.ToDriverID); err != nil {
		return models.SwapRequest{}, httperr.Storef("detect swap type", err)
	} else if found && other.ID != p.BusID {
		req.SwapType = models.SwapTypeSwap
		req.Secondary = &models.SwapSecondary{BusID: other.ID, RouteID: other.RouteID}
	}

	created, err := w.swaps.Create(ctx, req)
	if err != nil {
		return models.SwapRequest{}, httperr.Storef("create swap request", err)
	}

	w.notifyAsync(created.ToDriverID, "Swap request", fmt.Sprintf("A driver has requested a %s for bus %s.", created.SwapType, created.BusID.Hex()), created.ID.Hex())
	metrics.SwapTransitions.WithLabelValues(models.SwapStatusPending).Inc()

	return created, nil
}

// Accept moves a pending request to accepted and creates the temporary
// assignment that makes the candidate the bus's operator.
func (w *Workflow) Accept(ctx context.Context, actor primitive.ObjectID, requestID primitive.ObjectID) (models.SwapRequest, error) {
	req, err := w.getRequest(ctx, requestID)
	if err != nil {
		return models.SwapRequest{}, err
	}
	if req.ToDriverID != actor {
		return models.SwapRequest{}, httperr.Authorizationf("only the recipient may accept this request")
	}
	if req.Status != models.SwapStatusPending {
		return models.SwapRequest{}, httperr.Conflictf(httperr.ReasonWrongState,
			"request is %s, only pending requests can be accepted", req.Status)
	}

	busID := req.BusID.Hex()
	if existing, err := w.assigns.ActiveByBus(ctx, busID); err != nil {
		return models.SwapRequest{}, httperr.Storef("check active assignment", err)
	} else if existing != nil {
		return models.SwapRequest{}, httperr.Conflictf(httperr.ReasonDuplicateAssignment,
			"bus %s already has an active temporary assignment", busID)
	}

	ta := &tempassign.TemporaryAssignment{
		BusID:            busID,
		OriginalDriverID: req.FromDriverID.Hex(),
		CurrentDriverID:  req.ToDriverID.Hex(),
		RouteID:          req.RouteID.Hex(),
		StartsAt:         req.TimePeriod.Start,
		EndsAt:           req.TimePeriod.End,
		Active:           true,
		SourceRequestID:  req.ID.Hex(),
	}
	if err := w.assigns.Create(ctx, ta); err != nil {
		if errors.Is(err, tempassign.ErrActiveExists) {
			return models.SwapRequest{}, httperr.Conflictf(httperr.ReasonDuplicateAssignment,
				"bus %s already has an active temporary assignment", busID)
		}
		return models.SwapRequest{}, httperr.Storef("create temporary assignment", err)
	}

	updated, ok, err := w.swaps.TransitionStatus(ctx, req.ID, models.SwapStatusPending, models.SwapStatusAccepted)
	if err != nil || !ok {
		// Compensate: the assignment must not outlive a failed accept.
		if delErr := w.assigns.Delete(ctx, ta.ID); delErr != nil {
			w.log.Error("compensating assignment delete failed",
				zap.Uint("assignment_id", ta.ID), zap.Error(delErr))
		}
		if err != nil {
			return models.SwapRequest{}, httperr.Storef("accept swap request", err)
		}
		return models.SwapRequest{}, httperr.Conflictf(httperr.ReasonWrongState,
			"request was resolved concurrently")
	}

	// The coordination store is now authoritative. Mirror writes below are
	// best-effort; the revert sweep and reaper repair divergence.
	if err := w.buses.SetOperator(ctx, req.BusID, req.ToDriverID); err != nil {
		w.log.Warn("operator mirror update failed",
			zap.String("bus_id", busID), zap.Error(err))
	}
	if updated.IsBidirectional() {
		if err := w.buses.SetOperator(ctx, updated.Secondary.BusID, req.FromDriverID); err != nil {
			w.log.Warn("secondary operator mirror update failed",
				zap.String("bus_id", updated.Secondary.BusID.Hex()), zap.Error(err))
		}
	}

	// A trip already running on the bus passes to the substitute driver.
	if lock, err := w.locks.GetActiveByBus(ctx, busID); err == nil && lock != nil && lock.DriverID == req.FromDriverID.Hex() {
		if _, err := w.locks.RetargetDriver(ctx, busID, req.ToDriverID.Hex()); err != nil {
			w.log.Warn("live trip retarget failed",
				zap.String("bus_id", busID), zap.Error(err))
		}
	}

	w.rt.Publish(realtime.SwapChannel(req.ID.Hex()), realtime.EventSwapAccepted, updated)
	w.rt.Publish(realtime.BusChannel(busID), realtime.EventAssignmentCreated, map[string]string{
		"bus_id":    busID,
		"driver_id": req.ToDriverID.Hex(),
		"ends_at":   req.TimePeriod.End.Format(time.RFC3339),
	})
	w.notifyAsync(req.FromDriverID, "Swap accepted",
		fmt.Sprintf("Your swap request for bus %s was accepted.", busID), req.ID.Hex())
	metrics.SwapTransitions.WithLabelValues(models.SwapStatusAccepted).Inc()

	return updated, nil
}

// Reject declines a pending request. Recipient only.
func (w *Workflow) Reject(ctx context.Context, actor primitive.ObjectID, requestID primitive.ObjectID) (models.SwapRequest, error) {
	req, err := w.getRequest(ctx, requestID)
	if err != nil {
		return models.SwapRequest{}, err
	}
	if req.ToDriverID != actor {
		return models.SwapRequest{}, httperr.Authorizationf("only the recipient may reject this request")
	}
	updated, err := w.resolvePending(ctx, req, models.SwapStatusRejected)
	if err != nil {
		return models.SwapRequest{}, err
	}
	w.notifyAsync(req.FromDriverID, "Swap rejected",
		fmt.Sprintf("Your swap request for bus %s was rejected.", req.BusID.Hex()), req.ID.Hex())
	return updated, nil
}

// Cancel withdraws a pending request. Requester only.
func (w *Workflow) Cancel(ctx context.Context, actor primitive.ObjectID, requestID primitive.ObjectID) (models.SwapRequest, error) {
	req, err := w.getRequest(ctx, requestID)
	if err != nil {
		return models.SwapRequest{}, err
	}
	if req.FromDriverID != actor {
		return models.SwapRequest{}, httperr.Authorizationf("only the requester may cancel this request")
	}
	updated, err := w.resolvePending(ctx, req, models.SwapStatusCancelled)
	if err != nil {
		return models.SwapRequest{}, err
	}
	w.notifyAsync(req.ToDriverID, "Swap cancelled",
		fmt.Sprintf("The swap request for bus %s was withdrawn.", req.BusID.Hex()), req.ID.Hex())
	return updated, nil
}

func (w *Workflow) resolvePending(ctx context.Context, req models.SwapRequest, to string) (models.SwapRequest, error) {
	updated, ok, err := w.swaps.TransitionStatus(ctx, req.ID, models.SwapStatusPending, to)
	if err != nil {
		return models.SwapRequest{}, httperr.Storef("resolve swap request", err)
	}
	if !ok {
		return models.SwapRequest{}, httperr.Conflictf(httperr.ReasonWrongState,
			"request is %s, only pending requests can be %s", req.Status, to)
	}
	metrics.SwapTransitions.WithLabelValues(to).Inc()
	return updated, nil
}

// SweepSummary reports one expire or revert pass.
type SweepSummary struct {
	Expired   int         `json:"expired,omitempty"`
	Cancelled int         `json:"cancelled,omitempty"`
	Reverted  int         `json:"reverted,omitempty"`
	Deferred  int         `json:"deferred,omitempty"`
	Errors    []ItemError `json:"errors,omitempty"`
}

// ItemError is one failed request inside a sweep.
type ItemError struct {
	RequestID string `json:"request_id"`
	Err       string `json:"error"`
}

// ExpireSweep retires pending requests that ran out of time: past the
// acceptance window → expired; whole time period already over → cancelled.
// Requests resolved concurrently mid-sweep are skipped, not errors.
func (w *Workflow) ExpireSweep(ctx context.Context) (SweepSummary, error) {
	var sum SweepSummary
	now := w.now()

	stale, err := w.swaps.ListPendingBefore(ctx, now.Add(-w.acceptWindow))
	if err != nil {
		return sum, httperr.Storef("list expirable requests", err)
	}
	for _, req := range stale {
		_, ok, err := w.swaps.TransitionStatus(ctx, req.ID, models.SwapStatusPending, models.SwapStatusExpired)
		if err != nil {
			sum.Errors = append(sum.Errors, ItemError{RequestID: req.ID.Hex(), Err: err.Error()})
			continue
		}
		if ok {
			sum.Expired++
			metrics.SwapTransitions.WithLabelValues(models.SwapStatusExpired).Inc()
		}
	}

	ended, err := w.swaps.ListPendingEnded(ctx, now)
	if err != nil {
		return sum, httperr.Storef("list ended pending requests", err)
	}
	for _, req := range ended {
		_, ok, err := w.swaps.TransitionStatus(ctx, req.ID, models.SwapStatusPending, models.SwapStatusCancelled)
		if err != nil {
			sum.Errors = append(sum.Errors, ItemError{RequestID: req.ID.Hex(), Err: err.Error()})
			continue
		}
		if ok {
			sum.Cancelled++
			metrics.SwapTransitions.WithLabelValues(models.SwapStatusCancelled).Inc()
		}
	}

	if len(sum.Errors) > 0 {
		return sum, w.partial("expire sweep", sum.Expired+sum.Cancelled, sum.Errors)
	}
	return sum, nil
}

// RevertSweep completes accepted swaps whose time period has ended: the
// temporary assignment is deactivated and the bus's operator pointer is
// restored. A substitute driver still holding a live trip lease defers the
// request to pending_revert; the next sweep retries it. Reversion never
// interrupts a trip in progress.
func (w *Workflow) RevertSweep(ctx context.Context) (SweepSummary, error) {
	var sum SweepSummary
	now := w.now()

	due, err := w.swaps.ListRevertDue(ctx, now)
	if err != nil {
		return sum, httperr.Storef("list revert-due requests", err)
	}

	for _, req := range due {
		deferred, err := w.revertOne(ctx, req, now)
		if err != nil {
			sum.Errors = append(sum.Errors, ItemError{RequestID: req.ID.Hex(), Err: err.Error()})
			continue
		}
		if deferred {
			sum.Deferred++
		} else {
			sum.Reverted++
		}
	}

	if len(sum.Errors) > 0 {
		return sum, w.partial("revert sweep", sum.Reverted+sum.Deferred, sum.Errors)
	}
	return sum, nil
}

// revertOne reverts a single ended swap, or defers it when the substitute
// driver is mid-trip. Returns deferred=true in the latter case.
func (w *Workflow) revertOne(ctx context.Context, req models.SwapRequest, now time.Time) (bool, error) {
	busID := req.BusID.Hex()

	lock, err := w.locks.GetActiveByBus(ctx, busID)
	if err != nil {
		return false, err
	}
	if lock != nil && lock.DriverID == req.ToDriverID.Hex() && !lock.Stale(now) {
		if req.Status == models.SwapStatusAccepted {
			if _, _, err := w.swaps.TransitionStatus(ctx, req.ID, models.SwapStatusAccepted, models.SwapStatusPendingRevert); err != nil {
				return false, err
			}
			metrics.SwapTransitions.WithLabelValues(models.SwapStatusPendingRevert).Inc()
		}
		return true, nil
	}

	if ta, err := w.assigns.GetBySourceRequest(ctx, req.ID.Hex()); err != nil {
		return false, err
	} else if ta != nil && ta.Active {
		if _, err := w.assigns.Deactivate(ctx, ta.ID); err != nil {
			return false, err
		}
	}

	if err := w.buses.SetOperator(ctx, req.BusID, req.FromDriverID); err != nil {
		return false, err
	}
	if req.IsBidirectional() {
		if err := w.buses.SetOperator(ctx, req.Secondary.BusID, req.ToDriverID); err != nil {
			w.log.Warn("secondary operator restore failed",
				zap.String("bus_id", req.Secondary.BusID.Hex()), zap.Error(err))
		}
	}

	if _, ok, err := w.swaps.TransitionStatus(ctx, req.ID, req.Status, models.SwapStatusCompleted); err != nil {
		return false, err
	} else if !ok {
		w.log.Warn("revert status flip missed, request moved concurrently",
			zap.String("request_id", req.ID.Hex()), zap.String("status", req.Status))
	}

	w.rt.Publish(realtime.BusChannel(busID), realtime.EventAssignmentReverted, map[string]string{
		"bus_id":    busID,
		"driver_id": req.FromDriverID.Hex(),
	})
	w.notifyAsync(req.ToDriverID, "Assignment ended",
		fmt.Sprintf("Your temporary assignment on bus %s has ended.", busID), req.ID.Hex())
	metrics.SwapTransitions.WithLabelValues(models.SwapStatusCompleted).Inc()

	return false, nil
}

func (w *Workflow) getRequest(ctx context.Context, id primitive.ObjectID) (models.SwapRequest, error) {
	req, err := w.swaps.GetByID(ctx, id)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.SwapRequest{}, httperr.NotFoundf("swap request %s not found", id.Hex())
	}
	if err != nil {
		return models.SwapRequest{}, httperr.Storef("load swap request", err)
	}
	return req, nil
}

// notifyAsync fires a notification without blocking the request path.
// Failures are the notifier's to log.
func (w *Workflow) notifyAsync(recipient primitive.ObjectID, title, body, requestID string) {
	n := notify.Notification{
		RecipientID: recipient.Hex(),
		Title:       title,
		Body:        body,
		Data:        map[string]string{"request_id": requestID},
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.notif.Send(ctx, n)
	}()
}

func (w *Workflow) partial(op string, succeeded int, items []ItemError) error {
	pf := &httperr.PartialFailure{Op: op, Succeeded: succeeded}
	for _, e := range items {
		pf.Errors = append(pf.Errors, httperr.ItemError{ID: e.RequestID, Err: e.Err})
	}
	return pf
}
