package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"staybook/internal/domain"
)

// ProcessorEvent is one decoded webhook delivery from the payment processor.
type ProcessorEvent struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	HoldRef       string `json:"hold_ref"`
	ReservationID string `json:"reservation_id"`
	Amount        int64  `json:"amount"`
	Raw           []byte `json:"-"`
}

const (
	EventHoldAuthorized = "hold.authorized"
	EventHoldSucceeded  = "hold.succeeded"
	EventHoldCanceled   = "hold.canceled"
	EventHoldRefunded   = "hold.refunded"
)

// WebhookService applies processor events to the store through the same
// conditional transitions as the synchronous path. Processing is idempotent
// twice over: the unique event-id insert rejects redeliveries before any
// state is touched, and each transition no-ops when the reservation already
// sits in the target state.
type WebhookService struct {
	repo   domain.ReservationRepository
	notify *Dispatcher
	now    func() time.Time
}

func NewWebhookService(repo domain.ReservationRepository, notify *Dispatcher) *WebhookService {
	return &WebhookService{repo: repo, notify: notify, now: time.Now}
}

// HandleEvent ingests one verified event. Every delivery lands in the event
// log before any state is touched; once processed, the row's outcome is
// updated to what actually happened. Errors are returned for logging only;
// the HTTP handler answers 200 either way so the processor does not
// redeliver in a storm.
func (s *WebhookService) HandleEvent(ctx context.Context, ev ProcessorEvent) error {
	err := s.repo.AppendWebhookEvent(ctx, domain.WebhookEvent{
		EventID:    ev.ID,
		Type:       ev.Type,
		HoldRef:    ev.HoldRef,
		Payload:    ev.Raw,
		ReceivedAt: s.now(),
		Outcome:    "received",
	})
	if errors.Is(err, domain.ErrDuplicateEvent) {
		log.Info().Str("event_id", ev.ID).Msg("webhook event already processed; skipping")
		return nil
	}
	if err != nil {
		return err
	}

	procErr := s.process(ctx, ev)
	outcome := "ok"
	if procErr != nil {
		outcome = "error: " + procErr.Error()
		if len(outcome) > 255 {
			outcome = outcome[:255]
		}
	}
	if err := s.repo.SetWebhookOutcome(ctx, ev.ID, outcome); err != nil {
		log.Error().Err(err).Str("event_id", ev.ID).Msg("record webhook outcome")
	}
	return procErr
}

func (s *WebhookService) process(ctx context.Context, ev ProcessorEvent) error {
	switch ev.Type {
	case EventHoldAuthorized:
		return s.applyAuthorized(ctx, ev)
	case EventHoldSucceeded:
		return s.syncStatus(ctx, ev, domain.StatusConfirmed)
	case EventHoldCanceled:
		return s.syncStatus(ctx, ev, domain.StatusCancelled)
	case EventHoldRefunded:
		return s.syncStatus(ctx, ev, domain.StatusRefunded)
	default:
		log.Warn().Str("type", ev.Type).Str("event_id", ev.ID).Msg("unknown webhook event type")
		return nil
	}
}

// applyAuthorized attaches the hold to its reservation and moves it to
// pending_review. The event carries the reservation id because the store has
// no hold reference for it yet.
func (s *WebhookService) applyAuthorized(ctx context.Context, ev ProcessorEvent) error {
	r, err := s.repo.GetReservation(ctx, ev.ReservationID)
	if errors.Is(err, domain.ErrNotFound) {
		// May reference a test or foreign-environment hold; not an error.
		log.Warn().Str("event_id", ev.ID).Str("reservation_id", ev.ReservationID).
			Msg("authorized event for unknown reservation")
		return nil
	}
	if err != nil {
		return err
	}
	if r.HoldRef != nil {
		log.Info().Str("reservation_id", r.ID).Msg("hold already attached; no-op")
		return nil
	}
	if err := s.repo.MarkAuthorized(ctx, r.ID, ev.HoldRef, s.now()); err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			log.Info().Str("reservation_id", r.ID).Msg("authorize guard failed; no-op")
			return nil
		}
		return err
	}
	s.notify.Dispatch(domain.Notification{
		Kind:          domain.NotifyAdminReview,
		ReservationID: r.ID,
		ReferenceCode: r.ReferenceCode,
	})
	return nil
}

// syncStatus reconciles terminal hold outcomes reported by the processor.
// Already-in-target-state is a no-op; any other guard failure is logged and
// left for the reconciliation engine rather than fought over here.
func (s *WebhookService) syncStatus(ctx context.Context, ev ProcessorEvent, target domain.Status) error {
	r, err := s.repo.GetByHoldRef(ctx, ev.HoldRef)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn().Str("event_id", ev.ID).Str("hold_ref", ev.HoldRef).
			Msg("webhook references unknown hold; ignoring")
		return nil
	}
	if err != nil {
		return err
	}
	if r.Status == target {
		return nil
	}

	switch target {
	case domain.StatusConfirmed:
		err = s.repo.ConfirmReservation(ctx, r.ID, "processor", s.now())
	case domain.StatusCancelled:
		err = s.repo.ExpireReservation(ctx, r.ID, "processor_canceled", s.now())
	case domain.StatusRefunded:
		err = s.repo.MarkRefunded(ctx, r.ID)
	}
	if errors.Is(err, domain.ErrStateConflict) {
		log.Warn().Str("reservation_id", r.ID).Str("store_status", string(r.Status)).
			Str("target", string(target)).Msg("webhook sync guard failed; reconciler will flag any drift")
		return nil
	}
	return err
}
