package domain

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors; the HTTP layer maps these onto status codes.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrPeriodConflict  = errors.New("period already reserved")
	ErrLockBusy        = errors.New("period is being processed")
	ErrStateConflict   = errors.New("reservation is not in the required state")
	ErrAmountMismatch  = errors.New("client amount does not match server computation")
	ErrCouponInvalid   = errors.New("coupon is not active")
	ErrCouponExpired   = errors.New("coupon has expired")
	ErrCouponExhausted = errors.New("coupon usage limit reached")
	ErrDuplicateEvent  = errors.New("event already processed")

	// ErrHoldNotFound is returned by GetHold when the processor no longer
	// knows the reference; the reconciler classifies it as missing_payment.
	ErrHoldNotFound = errors.New("processor hold not found")
	// ErrProcessor wraps capture/release failures surfaced to admins as 502.
	ErrProcessor = errors.New("payment processor error")
)

// ReservationRepository is the booking store port. All mutations go through
// atomic transactions or single conditional updates; nothing reads-then-writes
// reservation state outside them. Conditional transition methods return
// ErrStateConflict when the guard no longer holds, which is how concurrent
// approve/reject/expire races resolve to exactly one winner.
type ReservationRepository interface {
	// CreateReservation runs the booking transaction: re-checks the period
	// for overlap against blocking statuses (locking the matching rows),
	// inserts the reservation, and increments the coupon usage counter in
	// the same transaction when CouponID is set. Returns ErrPeriodConflict
	// or ErrCouponExhausted on guard failure.
	CreateReservation(ctx context.Context, r Reservation) error

	GetReservation(ctx context.Context, id string) (Reservation, error)
	GetByHoldRef(ctx context.Context, holdRef string) (Reservation, error)

	// MarkAuthorized attaches the processor hold and moves the reservation
	// to pending_review. Guard: status pending/pending_review and no hold
	// reference yet.
	MarkAuthorized(ctx context.Context, id, holdRef string, at time.Time) error
	// ConfirmReservation finalizes an approval: status confirmed, payment
	// paid, review audit recorded. Guard: status pending_review.
	ConfirmReservation(ctx context.Context, id, actor string, at time.Time) error
	// RejectReservation records a rejection after the hold was released.
	// Guard: status pending_review.
	RejectReservation(ctx context.Context, id, actor, reason string, at time.Time) error
	// ExpireReservation force-cancels a reservation whose hold aged out.
	// Guard: status pending_review.
	ExpireReservation(ctx context.Context, id, reason string, at time.Time) error
	// MarkRefunded records a processor refund. Guard: status confirmed.
	MarkRefunded(ctx context.Context, id string) error
	// MarkExpiryWarned sets the one-time warning flag. Guard: status
	// pending_review and not yet warned, so repeated sweeps stay silent.
	MarkExpiryWarned(ctx context.Context, id string) error

	ListPendingReview(ctx context.Context) ([]Reservation, error)
	// ListWithHolds returns reservations carrying a hold reference created
	// inside [from, to], the reconciliation scope.
	ListWithHolds(ctx context.Context, from, to time.Time) ([]Reservation, error)

	GetCouponByCode(ctx context.Context, code string) (Coupon, error)

	// AppendWebhookEvent writes the inbound event to the event log.
	// Returns ErrDuplicateEvent when the event id was seen before.
	AppendWebhookEvent(ctx context.Context, ev WebhookEvent) error
	// SetWebhookOutcome records how processing the event ended up, so the
	// log reflects what actually happened rather than mere receipt.
	SetWebhookOutcome(ctx context.Context, eventID, outcome string) error
	SaveConsistencyReport(ctx context.Context, rep ConsistencyReport) error
}

// HoldStatus is the processor's view of a payment hold.
type HoldStatus string

const (
	HoldAuthorized HoldStatus = "authorized"
	HoldSucceeded  HoldStatus = "succeeded"
	HoldCanceled   HoldStatus = "canceled"
	HoldRefunded   HoldStatus = "refunded"
)

// Hold is the processor-side record backing a reservation's authorization.
type Hold struct {
	Ref       string
	Status    HoldStatus
	Amount    int64
	CreatedAt time.Time
}

// PaymentProcessor is the external processor port. ReleaseHold must treat
// "already released/canceled" as success so retries and races with the
// processor's own expiry never fail a transition.
type PaymentProcessor interface {
	GetHold(ctx context.Context, ref string) (Hold, error)
	CaptureHold(ctx context.Context, ref string) error
	ReleaseHold(ctx context.Context, ref string) error
}

// Locker serializes concurrent booking attempts for the same period. Acquire
// is a single atomic conditional write; a false return means a live lock is
// held elsewhere. Correctness does not depend on Release succeeding: orphaned
// locks self-heal via TTL.
type Locker interface {
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, holder string) error
}

// WebhookEvent is one inbound processor event, logged regardless of outcome.
type WebhookEvent struct {
	EventID    string
	Type       string
	HoldRef    string
	Payload    []byte
	ReceivedAt time.Time
	Outcome    string
}

// Notification is a post-commit side effect. Delivery is at-least-once with
// retry; failures never affect the primary operation.
type Notification struct {
	Kind          string `json:"kind"`
	ReservationID string `json:"reservation_id,omitempty"`
	ReferenceCode string `json:"reference_code,omitempty"`
	GuestEmail    string `json:"guest_email,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

const (
	NotifyReservationCreated = "reservation.created"
	NotifyAdminReview        = "reservation.admin_review"
	NotifyApproved           = "reservation.approved"
	NotifyRejected           = "reservation.rejected"
	NotifyExpired            = "reservation.expired"
	NotifyExpiryWarning      = "reservation.expiry_warning"
	NotifyReportAlert        = "reconciliation.alert"
)

type Notifier interface {
	Publish(ctx context.Context, n Notification) error
}
