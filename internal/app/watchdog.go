package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"staybook/internal/adapters/observability"
	"staybook/internal/domain"
)

// WatchdogService sweeps reservations stuck in pending_review before their
// payment hold self-releases at the processor. One warning per reservation,
// then a forced cancellation with the hold released on our side first so the
// guest is never charged for a booking nobody approved.
type WatchdogService struct {
	repo        domain.ReservationRepository
	proc        domain.PaymentProcessor
	notify      *Dispatcher
	warnAfter   time.Duration
	expireAfter time.Duration
	now         func() time.Time
}

func NewWatchdogService(repo domain.ReservationRepository, proc domain.PaymentProcessor, notify *Dispatcher, warnAfter, expireAfter time.Duration) *WatchdogService {
	return &WatchdogService{
		repo:        repo,
		proc:        proc,
		notify:      notify,
		warnAfter:   warnAfter,
		expireAfter: expireAfter,
		now:         time.Now,
	}
}

type SweepResult struct {
	Scanned   int
	Warned    int
	Cancelled int
	Errors    []string
}

// Sweep runs one watchdog pass. Per-reservation failures are collected and
// the pass continues; a reservation that races with a concurrent approve or
// reject simply loses the conditional write and is skipped.
func (s *WatchdogService) Sweep(ctx context.Context) (SweepResult, error) {
	var out SweepResult

	list, err := s.repo.ListPendingReview(ctx)
	if err != nil {
		return out, err
	}
	out.Scanned = len(list)
	now := s.now()

	for _, res := range list {
		age, ok := res.HoldAge(now)
		if !ok {
			continue
		}
		switch {
		case age >= s.expireAfter:
			if err := s.expire(ctx, res, now); err != nil {
				out.Errors = append(out.Errors, fmt.Sprintf("expire %s: %v", res.ID, err))
				continue
			}
			out.Cancelled++
		case age >= s.warnAfter && !res.ExpiryWarned:
			if err := s.warn(ctx, res, age); err != nil {
				out.Errors = append(out.Errors, fmt.Sprintf("warn %s: %v", res.ID, err))
				continue
			}
			out.Warned++
		}
	}

	log.Info().
		Int("scanned", out.Scanned).
		Int("warned", out.Warned).
		Int("cancelled", out.Cancelled).
		Int("errors", len(out.Errors)).
		Msg("watchdog sweep finished")
	return out, nil
}

// expire releases the hold first and only then flips the reservation. If the
// release reports the hold already gone that counts as released; any other
// processor failure aborts so the next sweep retries with the hold intact.
func (s *WatchdogService) expire(ctx context.Context, res domain.Reservation, now time.Time) error {
	if res.HoldRef != nil {
		if err := s.proc.ReleaseHold(ctx, *res.HoldRef); err != nil {
			return fmt.Errorf("release hold: %w", err)
		}
	}
	err := s.repo.ExpireReservation(ctx, res.ID, domain.CancelReasonAuthorizationExpired, now)
	if errors.Is(err, domain.ErrStateConflict) {
		log.Info().Str("reservation_id", res.ID).Msg("expire lost to a concurrent transition")
		return nil
	}
	if err != nil {
		return err
	}
	observability.ObserveTransition("expire", "ok")
	s.notify.Dispatch(domain.Notification{
		Kind:          domain.NotifyExpired,
		ReservationID: res.ID,
		ReferenceCode: res.ReferenceCode,
		GuestEmail:    res.GuestEmail,
		Detail:        "cancelled: the payment authorization lapsed before review",
	})
	return nil
}

func (s *WatchdogService) warn(ctx context.Context, res domain.Reservation, age time.Duration) error {
	err := s.repo.MarkExpiryWarned(ctx, res.ID)
	if errors.Is(err, domain.ErrStateConflict) {
		// Another sweep got here first; the warning is already out.
		return nil
	}
	if err != nil {
		return err
	}
	s.notify.Dispatch(domain.Notification{
		Kind:          domain.NotifyExpiryWarning,
		ReservationID: res.ID,
		ReferenceCode: res.ReferenceCode,
		Detail:        fmt.Sprintf("reservation %s has waited %s for review", res.ReferenceCode, age.Round(time.Hour)),
	})
	return nil
}
