package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staybook/internal/domain"
)

func newWebhookService(repo *fakeRepo, notifier *fakeNotifier) *WebhookService {
	svc := NewWebhookService(repo, testDispatcher(notifier))
	svc.now = func() time.Time { return date(2026, 2, 1) }
	return svc
}

func TestHandleAuthorizedEvent(t *testing.T) {
	repo := newFakeRepo()
	notifier := &fakeNotifier{}
	repo.put(domain.Reservation{ID: "r1", ReferenceCode: "BK-AAA11111", Status: domain.StatusPending})
	svc := newWebhookService(repo, notifier)

	err := svc.HandleEvent(context.Background(), ProcessorEvent{
		ID: "evt_1", Type: EventHoldAuthorized, HoldRef: "hold_1", ReservationID: "r1",
	})
	require.NoError(t, err)

	got := repo.get("r1")
	assert.Equal(t, domain.StatusPendingReview, got.Status)
	assert.Equal(t, domain.PaymentAuthorized, got.PaymentStatus)
	require.NotNil(t, got.HoldRef)
	assert.Equal(t, "hold_1", *got.HoldRef)
	require.NotNil(t, got.HoldAuthorizedAt)

	svc.notify.Wait()
	assert.Equal(t, []string{domain.NotifyAdminReview}, notifier.kinds())
}

func TestHandleEventDuplicateDelivery(t *testing.T) {
	repo := newFakeRepo()
	repo.put(domain.Reservation{ID: "r1", Status: domain.StatusPending})
	svc := newWebhookService(repo, &fakeNotifier{})

	ev := ProcessorEvent{ID: "evt_1", Type: EventHoldAuthorized, HoldRef: "hold_1", ReservationID: "r1"}
	require.NoError(t, svc.HandleEvent(context.Background(), ev))
	first := repo.get("r1")

	// Redelivery of the same event id is swallowed before any state change.
	require.NoError(t, svc.HandleEvent(context.Background(), ev))
	assert.Equal(t, first, repo.get("r1"))
	assert.Len(t, repo.events, 1)
}

func TestHandleAuthorizedAlreadyAttached(t *testing.T) {
	repo := newFakeRepo()
	hold := "hold_1"
	at := date(2026, 1, 30)
	repo.put(domain.Reservation{ID: "r1", Status: domain.StatusPendingReview, HoldRef: &hold, HoldAuthorizedAt: &at})
	svc := newWebhookService(repo, &fakeNotifier{})

	// Different event id, same semantic content: target-state no-op.
	err := svc.HandleEvent(context.Background(), ProcessorEvent{
		ID: "evt_2", Type: EventHoldAuthorized, HoldRef: "hold_other", ReservationID: "r1",
	})
	require.NoError(t, err)
	assert.Equal(t, "hold_1", *repo.get("r1").HoldRef)
}

func TestHandleAuthorizedUnknownReservation(t *testing.T) {
	svc := newWebhookService(newFakeRepo(), &fakeNotifier{})
	err := svc.HandleEvent(context.Background(), ProcessorEvent{
		ID: "evt_1", Type: EventHoldAuthorized, HoldRef: "hold_1", ReservationID: "ghost",
	})
	assert.NoError(t, err)
}

func TestHandleSucceededEvent(t *testing.T) {
	repo := newFakeRepo()
	repo.put(pendingReview("r1", "hold_1", date(2026, 1, 30)))
	svc := newWebhookService(repo, &fakeNotifier{})

	err := svc.HandleEvent(context.Background(), ProcessorEvent{
		ID: "evt_3", Type: EventHoldSucceeded, HoldRef: "hold_1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, repo.get("r1").Status)
}

func TestHandleCanceledEvent(t *testing.T) {
	repo := newFakeRepo()
	repo.put(pendingReview("r1", "hold_1", date(2026, 1, 30)))
	svc := newWebhookService(repo, &fakeNotifier{})

	err := svc.HandleEvent(context.Background(), ProcessorEvent{
		ID: "evt_4", Type: EventHoldCanceled, HoldRef: "hold_1",
	})
	require.NoError(t, err)

	got := repo.get("r1")
	assert.Equal(t, domain.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelReason)
	assert.Equal(t, "processor_canceled", *got.CancelReason)
}

func TestHandleRefundedEvent(t *testing.T) {
	repo := newFakeRepo()
	r := pendingReview("r1", "hold_1", date(2026, 1, 30))
	r.Status = domain.StatusConfirmed
	r.PaymentStatus = domain.PaymentPaid
	repo.put(r)
	svc := newWebhookService(repo, &fakeNotifier{})

	err := svc.HandleEvent(context.Background(), ProcessorEvent{
		ID: "evt_5", Type: EventHoldRefunded, HoldRef: "hold_1",
	})
	require.NoError(t, err)

	got := repo.get("r1")
	assert.Equal(t, domain.StatusRefunded, got.Status)
	assert.Equal(t, domain.PaymentRefunded, got.PaymentStatus)
}

func TestHandleEventTargetStateNoop(t *testing.T) {
	repo := newFakeRepo()
	r := pendingReview("r1", "hold_1", date(2026, 1, 30))
	r.Status = domain.StatusConfirmed
	repo.put(r)
	svc := newWebhookService(repo, &fakeNotifier{})

	err := svc.HandleEvent(context.Background(), ProcessorEvent{
		ID: "evt_6", Type: EventHoldSucceeded, HoldRef: "hold_1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, repo.get("r1").Status)
}

func TestHandleEventGuardFailureIsNotAnError(t *testing.T) {
	repo := newFakeRepo()
	r := pendingReview("r1", "hold_1", date(2026, 1, 30))
	r.Status = domain.StatusRejected
	repo.put(r)
	svc := newWebhookService(repo, &fakeNotifier{})

	// Succeeded event against a rejected reservation cannot transition; the
	// mismatch is left for the reconciler.
	err := svc.HandleEvent(context.Background(), ProcessorEvent{
		ID: "evt_7", Type: EventHoldSucceeded, HoldRef: "hold_1",
	})
	assert.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, repo.get("r1").Status)
}

func TestHandleEventUnknownTypeAndHold(t *testing.T) {
	svc := newWebhookService(newFakeRepo(), &fakeNotifier{})

	assert.NoError(t, svc.HandleEvent(context.Background(), ProcessorEvent{ID: "evt_8", Type: "hold.someday"}))
	assert.NoError(t, svc.HandleEvent(context.Background(), ProcessorEvent{ID: "evt_9", Type: EventHoldSucceeded, HoldRef: "ghost"}))
}

// brokenConfirmRepo simulates a store outage on the confirm write only.
type brokenConfirmRepo struct {
	*fakeRepo
	confirmErr error
}

func (b *brokenConfirmRepo) ConfirmReservation(ctx context.Context, id, actor string, at time.Time) error {
	return b.confirmErr
}

func TestHandleEventRecordsProcessingOutcome(t *testing.T) {
	repo := newFakeRepo()
	repo.put(pendingReview("r1", "hold_1", date(2026, 1, 30)))
	svc := newWebhookService(repo, &fakeNotifier{})

	require.NoError(t, svc.HandleEvent(context.Background(), ProcessorEvent{
		ID: "evt_ok", Type: EventHoldSucceeded, HoldRef: "hold_1",
	}))
	assert.Equal(t, "ok", repo.events["evt_ok"].Outcome)

	// A transient store failure must not be logged as a success; the event
	// row keeps the error so the audit trail matches what happened.
	broken := &brokenConfirmRepo{fakeRepo: repo, confirmErr: errors.New("connection reset")}
	repo.put(pendingReview("r2", "hold_2", date(2026, 1, 30)))
	svc = newWebhookService(repo, &fakeNotifier{})
	svc.repo = broken

	err := svc.HandleEvent(context.Background(), ProcessorEvent{
		ID: "evt_bad", Type: EventHoldSucceeded, HoldRef: "hold_2",
	})
	require.Error(t, err)
	assert.Contains(t, repo.events["evt_bad"].Outcome, "connection reset")
}
