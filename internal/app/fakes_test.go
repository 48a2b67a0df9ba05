package app

import (
	"context"
	"sync"
	"time"

	"staybook/internal/domain"
)

// fakeRepo mirrors the store's conditional-transition semantics in memory so
// the services' race behavior can be exercised without MySQL.
type fakeRepo struct {
	mu           sync.Mutex
	reservations map[string]*domain.Reservation
	coupons      map[string]domain.Coupon
	events       map[string]domain.WebhookEvent
	reports      []domain.ConsistencyReport
	reviews      []domain.ReviewLog

	createErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		reservations: map[string]*domain.Reservation{},
		coupons:      map[string]domain.Coupon{},
		events:       map[string]domain.WebhookEvent{},
	}
}

func (f *fakeRepo) CreateReservation(ctx context.Context, r domain.Reservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	for _, ex := range f.reservations {
		if !blocking(ex.Status) {
			continue
		}
		if domain.Overlaps(r.CheckIn, r.CheckOut, ex.CheckIn, ex.CheckOut) {
			return domain.ErrPeriodConflict
		}
	}
	cp := r
	f.reservations[r.ID] = &cp
	return nil
}

func blocking(s domain.Status) bool {
	for _, b := range domain.BlockingStatuses() {
		if b == s {
			return true
		}
	}
	return false
}

func (f *fakeRepo) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound
	}
	return *r, nil
}

func (f *fakeRepo) GetByHoldRef(ctx context.Context, holdRef string) (domain.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reservations {
		if r.HoldRef != nil && *r.HoldRef == holdRef {
			return *r, nil
		}
	}
	return domain.Reservation{}, domain.ErrNotFound
}

func (f *fakeRepo) MarkAuthorized(ctx context.Context, id, holdRef string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok {
		return domain.ErrNotFound
	}
	if (r.Status != domain.StatusPending && r.Status != domain.StatusPendingReview) || r.HoldRef != nil {
		return domain.ErrStateConflict
	}
	r.Status = domain.StatusPendingReview
	r.PaymentStatus = domain.PaymentAuthorized
	r.HoldRef = &holdRef
	r.HoldAuthorizedAt = &at
	return nil
}

func (f *fakeRepo) ConfirmReservation(ctx context.Context, id, actor string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status != domain.StatusPendingReview {
		return domain.ErrStateConflict
	}
	r.Status = domain.StatusConfirmed
	r.PaymentStatus = domain.PaymentPaid
	r.ReviewedAt = &at
	r.ReviewedBy = &actor
	f.reviews = append(f.reviews, domain.ReviewLog{ReservationID: id, Action: domain.ReviewApproved, Actor: actor, CreatedAt: at})
	return nil
}

func (f *fakeRepo) RejectReservation(ctx context.Context, id, actor, reason string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status != domain.StatusPendingReview {
		return domain.ErrStateConflict
	}
	r.Status = domain.StatusRejected
	r.PaymentStatus = domain.PaymentReleased
	r.ReviewedAt = &at
	r.ReviewedBy = &actor
	f.reviews = append(f.reviews, domain.ReviewLog{ReservationID: id, Action: domain.ReviewRejected, Actor: actor, Reason: reason, CreatedAt: at})
	return nil
}

func (f *fakeRepo) ExpireReservation(ctx context.Context, id, reason string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status != domain.StatusPendingReview {
		return domain.ErrStateConflict
	}
	r.Status = domain.StatusCancelled
	r.PaymentStatus = domain.PaymentReleased
	r.CancelReason = &reason
	r.CancelledAt = &at
	return nil
}

func (f *fakeRepo) MarkRefunded(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status != domain.StatusConfirmed {
		return domain.ErrStateConflict
	}
	r.Status = domain.StatusRefunded
	r.PaymentStatus = domain.PaymentRefunded
	return nil
}

func (f *fakeRepo) MarkExpiryWarned(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status != domain.StatusPendingReview || r.ExpiryWarned {
		return domain.ErrStateConflict
	}
	r.ExpiryWarned = true
	return nil
}

func (f *fakeRepo) ListPendingReview(ctx context.Context) ([]domain.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Reservation
	for _, r := range f.reservations {
		if r.Status == domain.StatusPendingReview {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListWithHolds(ctx context.Context, from, to time.Time) ([]domain.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Reservation
	for _, r := range f.reservations {
		if r.HoldRef == nil || r.HoldAuthorizedAt == nil {
			continue
		}
		if r.HoldAuthorizedAt.Before(from) || r.HoldAuthorizedAt.After(to) {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeRepo) GetCouponByCode(ctx context.Context, code string) (domain.Coupon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.coupons[code]
	if !ok {
		return domain.Coupon{}, domain.ErrNotFound
	}
	return c, nil
}

func (f *fakeRepo) AppendWebhookEvent(ctx context.Context, ev domain.WebhookEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[ev.EventID]; ok {
		return domain.ErrDuplicateEvent
	}
	f.events[ev.EventID] = ev
	return nil
}

func (f *fakeRepo) SetWebhookOutcome(ctx context.Context, eventID, outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[eventID]
	if !ok {
		return domain.ErrNotFound
	}
	ev.Outcome = outcome
	f.events[eventID] = ev
	return nil
}

func (f *fakeRepo) SaveConsistencyReport(ctx context.Context, rep domain.ConsistencyReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, rep)
	return nil
}

func (f *fakeRepo) put(r domain.Reservation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := r
	f.reservations[r.ID] = &cp
}

func (f *fakeRepo) get(id string) domain.Reservation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.reservations[id]
}

// fakeLocker is a real in-process mutual exclusion keyed like the Redis lock.
type fakeLocker struct {
	mu      sync.Mutex
	holders map[string]string

	acquires int
	failures int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{holders: map[string]string{}}
}

func (l *fakeLocker) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	if _, held := l.holders[key]; held {
		l.failures++
		return false, nil
	}
	l.holders[key] = holder
	return true, nil
}

func (l *fakeLocker) Release(ctx context.Context, key, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders[key] == holder {
		delete(l.holders, key)
	}
	return nil
}

// fakeProcessor serves canned holds and records capture/release calls.
type fakeProcessor struct {
	mu       sync.Mutex
	holds    map[string]domain.Hold
	captures []string
	releases []string

	captureErr error
	releaseErr error
	getErr     error
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{holds: map[string]domain.Hold{}}
}

func (p *fakeProcessor) GetHold(ctx context.Context, ref string) (domain.Hold, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return domain.Hold{}, p.getErr
	}
	h, ok := p.holds[ref]
	if !ok {
		return domain.Hold{}, domain.ErrHoldNotFound
	}
	return h, nil
}

func (p *fakeProcessor) CaptureHold(ctx context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.captureErr != nil {
		return p.captureErr
	}
	p.captures = append(p.captures, ref)
	return nil
}

func (p *fakeProcessor) ReleaseHold(ctx context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.releaseErr != nil {
		return p.releaseErr
	}
	p.releases = append(p.releases, ref)
	return nil
}

// fakeNotifier records published notifications.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
	err  error
}

func (n *fakeNotifier) Publish(ctx context.Context, note domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, note)
	return nil
}

func (n *fakeNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, s := range n.sent {
		out[i] = s.Kind
	}
	return out
}

func testDispatcher(n domain.Notifier) *Dispatcher {
	return NewDispatcherWithRetry(n, 2, time.Millisecond, 5*time.Millisecond)
}
