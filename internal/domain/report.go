package domain

import "time"

// ReviewLog is one append-only entry per approve/reject decision.
type ReviewLog struct {
	ID            int64
	ReservationID string
	Action        ReviewAction
	Actor         string
	Reason        string
	CreatedAt     time.Time
}

type ReviewAction string

const (
	ReviewApproved ReviewAction = "approved"
	ReviewRejected ReviewAction = "rejected"
)

// InconsistencyKind is a closed enum of processor/store mismatch variants.
// Each kind has a fixed payload shape inside Inconsistency; the reconciler
// switches exhaustively over it.
type InconsistencyKind string

const (
	// KindStatusMismatch: processor and store disagree on the hold outcome.
	// Auto-fixable only for the whitelisted safe pairs.
	KindStatusMismatch InconsistencyKind = "status_mismatch"
	// KindAmountMismatch: stored total differs from the authorized amount.
	KindAmountMismatch InconsistencyKind = "amount_mismatch"
	// KindMissingPayment: the store references a hold the processor no
	// longer knows about.
	KindMissingPayment InconsistencyKind = "missing_payment"
	// KindStaleAuthorization: still pending_review with a hold old enough
	// to be at risk of the processor's hard self-release.
	KindStaleAuthorization InconsistencyKind = "stale_authorization"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Inconsistency struct {
	ReservationID string            `json:"reservation_id"`
	Kind          InconsistencyKind `json:"kind"`
	Severity      Severity          `json:"severity"`
	Description   string            `json:"description"`
	AutoFixable   bool              `json:"auto_fixable"`
	AutoFixed     bool              `json:"auto_fixed"`

	// Kind-specific payload.
	StoreStatus     Status     `json:"store_status,omitempty"`     // status_mismatch, stale_authorization
	ProcessorStatus HoldStatus `json:"processor_status,omitempty"` // status_mismatch
	StoreAmount     int64      `json:"store_amount,omitempty"`     // amount_mismatch
	ProcessorAmount int64      `json:"processor_amount,omitempty"` // amount_mismatch
	HoldRef         string     `json:"hold_ref,omitempty"`         // missing_payment
	HoldAge         string     `json:"hold_age,omitempty"`         // stale_authorization
}

// ConsistencyReport is one immutable record per reconciliation run.
type ConsistencyReport struct {
	ID              string
	RanAt           time.Time
	From, To        time.Time
	AutoFix         bool
	Checked         int
	Mismatched      int
	AutoFixed       int
	Errors          []string
	Inconsistencies []Inconsistency
}

// HasHighSeverity reports whether any finding needs urgent human action; such
// runs trigger an administrator notification.
func (r ConsistencyReport) HasHighSeverity() bool {
	for _, inc := range r.Inconsistencies {
		if inc.Severity == SeverityHigh {
			return true
		}
	}
	return false
}
