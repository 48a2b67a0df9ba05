package mysql

// -----------------------------------------------------------------------------
// BOOKING TRANSACTION
// -----------------------------------------------------------------------------

// Overlap re-check executed inside the booking transaction while the period
// lock is held. FOR UPDATE locks matching rows so a concurrent transaction
// that slipped past its own lock key (overlapping-but-different period) blocks
// here instead of double booking. Check-out is exclusive on both sides.
const overlapCheckSQL = `
SELECT id FROM reservations
WHERE status IN ('pending','pending_review','confirmed')
  AND check_in < ? AND check_out > ?
LIMIT 1
FOR UPDATE
`

const insertReservationSQL = `
INSERT INTO reservations
  (id, reference_code, access_token, check_in, check_out,
   guest_count, guest_name, guest_email, guest_phone,
   base_amount, total_amount, coupon_id, coupon_discount,
   status, payment_status)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// Same-transaction coupon redemption; the usage guard re-checks the limit so
// concurrent redemptions of the last slot cannot both succeed.
const redeemCouponSQL = `
UPDATE coupons
SET usage_count = usage_count + 1
WHERE id = ? AND active = 1
  AND (usage_limit = 0 OR usage_count < usage_limit)
`

// -----------------------------------------------------------------------------
// CONDITIONAL STATE TRANSITIONS
//
// Each transition is a single conditional UPDATE keyed on the current status.
// Zero affected rows means the guard no longer holds (another actor won the
// race); the repo surfaces that as domain.ErrStateConflict.
// -----------------------------------------------------------------------------

const markAuthorizedSQL = `
UPDATE reservations
SET status = 'pending_review',
    payment_status = 'authorized',
    hold_ref = ?,
    hold_authorized_at = ?,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status IN ('pending','pending_review') AND hold_ref IS NULL
`

const confirmReservationSQL = `
UPDATE reservations
SET status = 'confirmed',
    payment_status = 'paid',
    reviewed_at = ?,
    reviewed_by = ?,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status = 'pending_review'
`

const rejectReservationSQL = `
UPDATE reservations
SET status = 'rejected',
    payment_status = 'released',
    reviewed_at = ?,
    reviewed_by = ?,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status = 'pending_review'
`

const expireReservationSQL = `
UPDATE reservations
SET status = 'cancelled',
    payment_status = 'released',
    cancel_reason = ?,
    cancelled_at = ?,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status = 'pending_review'
`

const markRefundedSQL = `
UPDATE reservations
SET status = 'refunded',
    payment_status = 'refunded',
    updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status = 'confirmed'
`

const markExpiryWarnedSQL = `
UPDATE reservations
SET expiry_warned = 1,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status = 'pending_review' AND expiry_warned = 0
`

// -----------------------------------------------------------------------------
// READS
// -----------------------------------------------------------------------------

const reservationColumns = `
  id, reference_code, access_token, check_in, check_out,
  guest_count, guest_name, guest_email, guest_phone,
  base_amount, total_amount, coupon_id, coupon_discount,
  status, payment_status, cancel_reason,
  hold_ref, hold_authorized_at, expiry_warned,
  reviewed_at, reviewed_by, cancelled_at, created_at, updated_at
`

const getReservationSQL = `SELECT ` + reservationColumns + ` FROM reservations WHERE id = ?`

const getByHoldRefSQL = `SELECT ` + reservationColumns + ` FROM reservations WHERE hold_ref = ?`

const listPendingReviewSQL = `
SELECT ` + reservationColumns + `
FROM reservations
WHERE status = 'pending_review'
ORDER BY created_at
`

const listWithHoldsSQL = `
SELECT ` + reservationColumns + `
FROM reservations
WHERE hold_ref IS NOT NULL AND hold_authorized_at BETWEEN ? AND ?
ORDER BY hold_authorized_at
`

const getCouponByCodeSQL = `
SELECT id, code, percent_off, amount_off, active, expires_at, usage_limit, usage_count
FROM coupons
WHERE code = ?
`

// -----------------------------------------------------------------------------
// APPEND-ONLY AUDIT
// -----------------------------------------------------------------------------

const insertReviewLogSQL = `
INSERT INTO review_logs (reservation_id, action, actor, reason)
VALUES (?, ?, ?, ?)
`

// event_id carries a UNIQUE index; a duplicate insert is the idempotency
// signal for webhook redelivery.
const insertWebhookEventSQL = `
INSERT INTO webhook_events (event_id, type, hold_ref, payload, received_at, outcome)
VALUES (?, ?, ?, ?, ?, ?)
`

const setWebhookOutcomeSQL = `
UPDATE webhook_events SET outcome = ? WHERE event_id = ?
`

const insertReportSQL = `
INSERT INTO consistency_reports
  (id, ran_at, scope_from, scope_to, auto_fix, checked, mismatched, auto_fixed, errors, findings)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`
