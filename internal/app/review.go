package app

import (
	"context"
	"fmt"
	"time"

	"staybook/internal/adapters/observability"
	"staybook/internal/domain"
)

// ReviewService applies the admin-driven hold transitions: approve (capture)
// and reject (release). Both are guarded by the store's conditional update on
// status pending_review, so a race with the expiration watchdog resolves to
// exactly one winner.
type ReviewService struct {
	repo   domain.ReservationRepository
	proc   domain.PaymentProcessor
	notify *Dispatcher
	now    func() time.Time
}

func NewReviewService(repo domain.ReservationRepository, proc domain.PaymentProcessor, notify *Dispatcher) *ReviewService {
	return &ReviewService{repo: repo, proc: proc, notify: notify, now: time.Now}
}

// Approve captures the payment hold and confirms the reservation. Capture
// happens first: on capture failure nothing changes and the processor error
// is surfaced. The store write after a successful capture is still
// conditional; losing that race leaves a captured hold with a non-confirmed
// reservation, which the reconciler detects and reports.
func (s *ReviewService) Approve(ctx context.Context, id, actor string) error {
	r, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return err
	}
	if r.Status != domain.StatusPendingReview || r.HoldRef == nil {
		return fmt.Errorf("%w: approval requires an authorized hold under review", domain.ErrStateConflict)
	}

	if err := s.proc.CaptureHold(ctx, *r.HoldRef); err != nil {
		observability.ObserveTransition("approve", "error")
		return err
	}

	if err := s.repo.ConfirmReservation(ctx, id, actor, s.now()); err != nil {
		observability.ObserveTransition("approve", transitionOutcome(err))
		return err
	}
	observability.ObserveTransition("approve", "ok")

	s.notify.Dispatch(domain.Notification{
		Kind:          domain.NotifyApproved,
		ReservationID: r.ID,
		ReferenceCode: r.ReferenceCode,
		GuestEmail:    r.GuestEmail,
	})
	return nil
}

// Reject releases the hold without charging and records the rejection. The
// processor treating the hold as already released counts as success, so
// repeated rejects and races with processor-side expiry do not error here;
// the state guard is what makes the transition happen at most once.
func (s *ReviewService) Reject(ctx context.Context, id, actor, reason string) error {
	r, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return err
	}
	if r.Status != domain.StatusPendingReview || r.HoldRef == nil {
		return fmt.Errorf("%w: rejection requires an authorized hold under review", domain.ErrStateConflict)
	}

	if err := s.proc.ReleaseHold(ctx, *r.HoldRef); err != nil {
		observability.ObserveTransition("reject", "error")
		return err
	}

	if err := s.repo.RejectReservation(ctx, id, actor, reason, s.now()); err != nil {
		observability.ObserveTransition("reject", transitionOutcome(err))
		return err
	}
	observability.ObserveTransition("reject", "ok")

	s.notify.Dispatch(domain.Notification{
		Kind:          domain.NotifyRejected,
		ReservationID: r.ID,
		ReferenceCode: r.ReferenceCode,
		GuestEmail:    r.GuestEmail,
		Detail:        reason,
	})
	return nil
}
