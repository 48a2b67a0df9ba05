package domain

import "time"

// Status is the reservation lifecycle state. A reservation is never hard
// deleted; cancellation and rejection are statuses.
type Status string

const (
	StatusPending       Status = "pending"
	StatusPendingReview Status = "pending_review"
	StatusConfirmed     Status = "confirmed"
	StatusRejected      Status = "rejected"
	StatusCancelled     Status = "cancelled"
	StatusRefunded      Status = "refunded"
)

// PaymentStatus tracks the payment-authorization hold independently of the
// booking lifecycle. The two must stay consistent; the reconciler audits that.
type PaymentStatus string

const (
	PaymentRequiresAuthorization PaymentStatus = "requires_authorization"
	PaymentAuthorized            PaymentStatus = "authorized"
	PaymentPaid                  PaymentStatus = "paid"
	PaymentReleased              PaymentStatus = "released"
	PaymentRefunded              PaymentStatus = "refunded"
)

// CancelReasonAuthorizationExpired marks reservations force-cancelled by the
// expiration watchdog after the processor's maximum hold duration elapsed.
const CancelReasonAuthorizationExpired = "authorization_expired"

type Reservation struct {
	ID            string
	ReferenceCode string
	// AccessToken allows unauthenticated guest lookup. Single-use per
	// reservation, unguessable, compared in constant time.
	AccessToken string

	// CheckIn/CheckOut are calendar dates at UTC midnight. CheckOut is
	// exclusive: a check-in equal to another reservation's check-out does
	// not conflict.
	CheckIn  time.Time
	CheckOut time.Time

	GuestCount int
	GuestName  string
	GuestEmail string
	GuestPhone string

	// Amounts are integer minor units, currency-agnostic.
	BaseAmount     int64
	TotalAmount    int64
	CouponID       *string
	CouponDiscount int64

	Status        Status
	PaymentStatus PaymentStatus
	CancelReason  *string

	// HoldRef is the opaque processor id of the payment hold; nil until
	// authorization succeeds.
	HoldRef          *string
	HoldAuthorizedAt *time.Time
	ExpiryWarned     bool

	ReviewedAt  *time.Time
	ReviewedBy  *string
	CancelledAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Nights returns the stay length; CheckOut is exclusive.
func (r Reservation) Nights() int {
	return int(r.CheckOut.Sub(r.CheckIn).Hours() / 24)
}

// HoldAge reports how long the payment hold has been outstanding, or false if
// no hold has been authorized yet.
func (r Reservation) HoldAge(now time.Time) (time.Duration, bool) {
	if r.HoldAuthorizedAt == nil {
		return 0, false
	}
	return now.Sub(*r.HoldAuthorizedAt), true
}

// blockingStatuses are the statuses that make a period unavailable to new
// requests. Terminal rejections/cancellations free the dates.
var blockingStatuses = []Status{StatusPending, StatusPendingReview, StatusConfirmed}

func BlockingStatuses() []Status {
	out := make([]Status, len(blockingStatuses))
	copy(out, blockingStatuses)
	return out
}

// Overlaps is the half-open interval test used everywhere a conflict is
// decided: [aIn, aOut) intersects [bIn, bOut).
func Overlaps(aIn, aOut, bIn, bOut time.Time) bool {
	return aIn.Before(bOut) && aOut.After(bIn)
}

// PeriodLockKey normalizes a requested period into the mutual-exclusion key
// used by the lock manager. Identical period requests serialize on it;
// overlapping-but-different periods rely on the transaction engine's re-check.
func PeriodLockKey(checkIn, checkOut time.Time) string {
	return "period:" + checkIn.Format("2006-01-02") + ":" + checkOut.Format("2006-01-02")
}
