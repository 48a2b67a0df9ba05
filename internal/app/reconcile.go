package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"staybook/internal/adapters/observability"
	"staybook/internal/domain"
)

// validProcessorStates maps each store status to the processor hold states it
// may legitimately coexist with. Anything outside the table is a mismatch.
var validProcessorStates = map[domain.Status][]domain.HoldStatus{
	domain.StatusPending:       {},
	domain.StatusPendingReview: {domain.HoldAuthorized},
	domain.StatusConfirmed:     {domain.HoldSucceeded},
	domain.StatusRejected:      {domain.HoldCanceled},
	domain.StatusCancelled:     {domain.HoldCanceled},
	domain.StatusRefunded:      {domain.HoldRefunded},
}

// ReconcileService diffs processor truth against the booking store and
// repairs the two whitelisted safe drifts. Everything else is reported for
// humans; the engine never writes outside the same conditional-transition
// guards the synchronous path uses, so it cannot clobber a concurrent
// legitimate transition.
type ReconcileService struct {
	repo       domain.ReservationRepository
	proc       domain.PaymentProcessor
	notify     *Dispatcher
	workers    int64
	staleAfter time.Duration
	now        func() time.Time
}

func NewReconcileService(repo domain.ReservationRepository, proc domain.PaymentProcessor, notify *Dispatcher, workers int, staleAfter time.Duration) *ReconcileService {
	if workers <= 0 {
		workers = 4
	}
	return &ReconcileService{
		repo:       repo,
		proc:       proc,
		notify:     notify,
		workers:    int64(workers),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

type Scope struct {
	From    time.Time
	To      time.Time
	AutoFix bool
}

type holdLookup struct {
	res  domain.Reservation
	hold domain.Hold
	err  error
}

// Check runs one reconciliation pass and persists an immutable report.
// Per-reservation failures are accumulated, never fatal to the batch.
func (s *ReconcileService) Check(ctx context.Context, scope Scope) (domain.ConsistencyReport, error) {
	report := domain.ConsistencyReport{
		ID:      uuid.NewString(),
		RanAt:   s.now(),
		From:    scope.From,
		To:      scope.To,
		AutoFix: scope.AutoFix,
	}

	list, err := s.repo.ListWithHolds(ctx, scope.From, scope.To)
	if err != nil {
		return domain.ConsistencyReport{}, err
	}
	report.Checked = len(list)

	// Bounded fan-out for the processor lookups; classification and fixes
	// stay serial for a deterministic report.
	sem := semaphore.NewWeighted(s.workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	lookups := make([]holdLookup, 0, len(list))

	for _, res := range list {
		res := res
		if err := sem.Acquire(ctx, 1); err != nil {
			return domain.ConsistencyReport{}, err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			hold, herr := s.proc.GetHold(ctx, *res.HoldRef)
			mu.Lock()
			lookups = append(lookups, holdLookup{res: res, hold: hold, err: herr})
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, lu := range lookups {
		s.classify(ctx, scope, lu, &report)
	}
	report.Mismatched = len(report.Inconsistencies)

	for _, inc := range report.Inconsistencies {
		observability.ObserveFinding(string(inc.Kind), inc.AutoFixed)
	}

	if err := s.repo.SaveConsistencyReport(ctx, report); err != nil {
		return domain.ConsistencyReport{}, err
	}
	if report.HasHighSeverity() {
		s.notify.Dispatch(domain.Notification{
			Kind:   domain.NotifyReportAlert,
			Detail: fmt.Sprintf("consistency report %s: %d mismatches need attention", report.ID, report.Mismatched),
		})
	}
	return report, nil
}

func (s *ReconcileService) classify(ctx context.Context, scope Scope, lu holdLookup, report *domain.ConsistencyReport) {
	res := lu.res

	if errors.Is(lu.err, domain.ErrHoldNotFound) {
		report.Inconsistencies = append(report.Inconsistencies, domain.Inconsistency{
			ReservationID: res.ID,
			Kind:          domain.KindMissingPayment,
			Severity:      domain.SeverityHigh,
			Description:   fmt.Sprintf("store references hold %s but the processor no longer knows it", *res.HoldRef),
			HoldRef:       *res.HoldRef,
		})
		return
	}
	if lu.err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("reservation %s: %v", res.ID, lu.err))
		return
	}
	hold := lu.hold

	amountOK := hold.Amount == res.TotalAmount
	if !amountOK {
		report.Inconsistencies = append(report.Inconsistencies, domain.Inconsistency{
			ReservationID:   res.ID,
			Kind:            domain.KindAmountMismatch,
			Severity:        domain.SeverityHigh,
			Description:     fmt.Sprintf("stored total %d differs from authorized amount %d", res.TotalAmount, hold.Amount),
			StoreAmount:     res.TotalAmount,
			ProcessorAmount: hold.Amount,
		})
	}

	if !statusPairValid(res.Status, hold.Status) {
		inc := domain.Inconsistency{
			ReservationID:   res.ID,
			Kind:            domain.KindStatusMismatch,
			Severity:        domain.SeverityMedium,
			Description:     fmt.Sprintf("store says %s, processor says %s", res.Status, hold.Status),
			StoreStatus:     res.Status,
			ProcessorStatus: hold.Status,
		}
		fix := fixFor(res.Status, hold.Status)
		inc.AutoFixable = fix != fixNone
		if fix == fixNone {
			inc.Severity = domain.SeverityHigh
		}
		// Never write when the amounts disagree: a wrong charge must not be
		// laundered into a confirmed booking.
		if scope.AutoFix && inc.AutoFixable && amountOK {
			if err := s.applyFix(ctx, res, hold, fix); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("auto-fix reservation %s: %v", res.ID, err))
			} else {
				inc.AutoFixed = true
				report.AutoFixed++
			}
		}
		report.Inconsistencies = append(report.Inconsistencies, inc)
	}

	if res.Status == domain.StatusPendingReview {
		if age, ok := res.HoldAge(s.now()); ok && age >= s.staleAfter {
			report.Inconsistencies = append(report.Inconsistencies, domain.Inconsistency{
				ReservationID: res.ID,
				Kind:          domain.KindStaleAuthorization,
				Severity:      domain.SeverityHigh,
				Description:   fmt.Sprintf("still pending review after %s; the hold will self-release soon", age.Round(time.Hour)),
				StoreStatus:   res.Status,
				HoldAge:       age.Round(time.Minute).String(),
			})
		}
	}
}

type fixKind int

const (
	fixNone fixKind = iota
	fixConfirm
	fixCancel
)

// fixFor whitelists the only two safe repairs: processor succeeded but the
// store never confirmed, and processor canceled but the store never
// cancelled. Every other combination is report-only.
func fixFor(store domain.Status, proc domain.HoldStatus) fixKind {
	switch {
	case proc == domain.HoldSucceeded && (store == domain.StatusPending || store == domain.StatusPendingReview):
		return fixConfirm
	case proc == domain.HoldCanceled && (store == domain.StatusPending || store == domain.StatusPendingReview):
		return fixCancel
	default:
		return fixNone
	}
}

// applyFix writes through the same guarded transitions as every other actor.
// A reservation still in pending (authorize never landed) is first moved
// through authorize so the repair uses only the standard primitives.
func (s *ReconcileService) applyFix(ctx context.Context, res domain.Reservation, hold domain.Hold, fix fixKind) error {
	if res.Status == domain.StatusPending {
		if err := s.repo.MarkAuthorized(ctx, res.ID, hold.Ref, hold.CreatedAt); err != nil && !errors.Is(err, domain.ErrStateConflict) {
			return err
		}
	}
	switch fix {
	case fixConfirm:
		return s.repo.ConfirmReservation(ctx, res.ID, "reconciler", s.now())
	case fixCancel:
		return s.repo.ExpireReservation(ctx, res.ID, "processor_canceled", s.now())
	default:
		return nil
	}
}

func statusPairValid(store domain.Status, proc domain.HoldStatus) bool {
	for _, v := range validProcessorStates[store] {
		if v == proc {
			return true
		}
	}
	return false
}
