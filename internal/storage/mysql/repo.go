package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"staybook/internal/domain"
)

func valStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

type Repo struct{ db *sql.DB }

func New(db *sql.DB) *Repo { return &Repo{db: db} }

// dupKey reports whether err is a MySQL duplicate-entry violation (1062).
func dupKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

// CreateReservation runs the atomic booking transaction: lock-and-recheck the
// period, insert the reservation, and redeem the coupon, all or nothing. The
// caller holds the period lock; the FOR UPDATE re-check is the correctness
// backstop for overlapping-but-different periods that do not share a lock key.
func (r *Repo) CreateReservation(ctx context.Context, res domain.Reservation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, overlapCheckSQL, res.CheckOut, res.CheckIn).Scan(&existing)
	switch {
	case err == nil:
		return domain.ErrPeriodConflict
	case err != sql.ErrNoRows:
		return err
	}

	_, err = tx.ExecContext(ctx, insertReservationSQL,
		res.ID,
		res.ReferenceCode,
		res.AccessToken,
		res.CheckIn,
		res.CheckOut,
		res.GuestCount,
		res.GuestName,
		res.GuestEmail,
		res.GuestPhone,
		res.BaseAmount,
		res.TotalAmount,
		valStr(res.CouponID),
		res.CouponDiscount,
		string(res.Status),
		string(res.PaymentStatus),
	)
	if err != nil {
		return err
	}

	if res.CouponID != nil {
		out, err := tx.ExecContext(ctx, redeemCouponSQL, *res.CouponID)
		if err != nil {
			return err
		}
		n, err := out.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Limit reached between validation and redemption.
			return domain.ErrCouponExhausted
		}
	}

	return tx.Commit()
}

func (r *Repo) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, getReservationSQL, id))
}

func (r *Repo) GetByHoldRef(ctx context.Context, holdRef string) (domain.Reservation, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, getByHoldRefSQL, holdRef))
}

func (r *Repo) MarkAuthorized(ctx context.Context, id, holdRef string, at time.Time) error {
	return r.conditional(ctx, markAuthorizedSQL, holdRef, at, id)
}

// ConfirmReservation applies the confirmed/paid transition and writes the
// review audit entry in the same transaction, so a recorded approval always
// corresponds to a successful transition.
func (r *Repo) ConfirmReservation(ctx context.Context, id, actor string, at time.Time) error {
	return r.reviewTx(ctx, confirmReservationSQL, id, actor, "", domain.ReviewApproved, at)
}

func (r *Repo) RejectReservation(ctx context.Context, id, actor, reason string, at time.Time) error {
	return r.reviewTx(ctx, rejectReservationSQL, id, actor, reason, domain.ReviewRejected, at)
}

func (r *Repo) reviewTx(ctx context.Context, query, id, actor, reason string, action domain.ReviewAction, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	out, err := tx.ExecContext(ctx, query, at, actor, id)
	if err != nil {
		return err
	}
	n, err := out.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrStateConflict
	}
	if _, err := tx.ExecContext(ctx, insertReviewLogSQL, id, string(action), actor, reason); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repo) ExpireReservation(ctx context.Context, id, reason string, at time.Time) error {
	return r.conditional(ctx, expireReservationSQL, reason, at, id)
}

func (r *Repo) MarkRefunded(ctx context.Context, id string) error {
	return r.conditional(ctx, markRefundedSQL, id)
}

func (r *Repo) MarkExpiryWarned(ctx context.Context, id string) error {
	return r.conditional(ctx, markExpiryWarnedSQL, id)
}

// conditional executes a guarded UPDATE; zero affected rows means the guard
// failed and another actor already transitioned the reservation.
func (r *Repo) conditional(ctx context.Context, query string, args ...any) error {
	out, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := out.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrStateConflict
	}
	return nil
}

func (r *Repo) ListPendingReview(ctx context.Context) ([]domain.Reservation, error) {
	return r.list(ctx, listPendingReviewSQL)
}

func (r *Repo) ListWithHolds(ctx context.Context, from, to time.Time) ([]domain.Reservation, error) {
	return r.list(ctx, listWithHoldsSQL, from, to)
}

func (r *Repo) GetCouponByCode(ctx context.Context, code string) (domain.Coupon, error) {
	var c domain.Coupon
	var expires sql.NullTime
	err := r.db.QueryRowContext(ctx, getCouponByCodeSQL, code).Scan(
		&c.ID, &c.Code, &c.PercentOff, &c.AmountOff, &c.Active, &expires, &c.UsageLimit, &c.UsageCount,
	)
	if err == sql.ErrNoRows {
		return domain.Coupon{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Coupon{}, err
	}
	if expires.Valid {
		t := expires.Time
		c.ExpiresAt = &t
	}
	return c, nil
}

func (r *Repo) AppendWebhookEvent(ctx context.Context, ev domain.WebhookEvent) error {
	_, err := r.db.ExecContext(ctx, insertWebhookEventSQL,
		ev.EventID, ev.Type, ev.HoldRef, string(ev.Payload), ev.ReceivedAt, ev.Outcome,
	)
	if dupKey(err) {
		return domain.ErrDuplicateEvent
	}
	return err
}

func (r *Repo) SetWebhookOutcome(ctx context.Context, eventID, outcome string) error {
	_, err := r.db.ExecContext(ctx, setWebhookOutcomeSQL, outcome, eventID)
	return err
}

func (r *Repo) SaveConsistencyReport(ctx context.Context, rep domain.ConsistencyReport) error {
	findings, err := json.Marshal(rep.Inconsistencies)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, insertReportSQL,
		rep.ID,
		rep.RanAt,
		rep.From,
		rep.To,
		rep.AutoFix,
		rep.Checked,
		rep.Mismatched,
		rep.AutoFixed,
		strings.Join(rep.Errors, "\n"),
		string(findings),
	)
	return err
}

// ---- scanning ----

type rowScanner interface{ Scan(dest ...any) error }

func (r *Repo) scanOne(row rowScanner) (domain.Reservation, error) {
	res, err := scanReservation(row)
	if err == sql.ErrNoRows {
		return domain.Reservation{}, domain.ErrNotFound
	}
	return res, err
}

func (r *Repo) list(ctx context.Context, query string, args ...any) ([]domain.Reservation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func scanReservation(row rowScanner) (domain.Reservation, error) {
	var res domain.Reservation
	var couponID, cancelReason, holdRef, reviewedBy sql.NullString
	var holdAt, reviewedAt, cancelledAt sql.NullTime
	var status, payStatus string

	if err := row.Scan(
		&res.ID,
		&res.ReferenceCode,
		&res.AccessToken,
		&res.CheckIn,
		&res.CheckOut,
		&res.GuestCount,
		&res.GuestName,
		&res.GuestEmail,
		&res.GuestPhone,
		&res.BaseAmount,
		&res.TotalAmount,
		&couponID,
		&res.CouponDiscount,
		&status,
		&payStatus,
		&cancelReason,
		&holdRef,
		&holdAt,
		&res.ExpiryWarned,
		&reviewedAt,
		&reviewedBy,
		&cancelledAt,
		&res.CreatedAt,
		&res.UpdatedAt,
	); err != nil {
		return domain.Reservation{}, err
	}

	res.Status = domain.Status(status)
	res.PaymentStatus = domain.PaymentStatus(payStatus)
	if couponID.Valid {
		s := couponID.String
		res.CouponID = &s
	}
	if cancelReason.Valid {
		s := cancelReason.String
		res.CancelReason = &s
	}
	if holdRef.Valid {
		s := holdRef.String
		res.HoldRef = &s
	}
	if holdAt.Valid {
		t := holdAt.Time
		res.HoldAuthorizedAt = &t
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		res.ReviewedAt = &t
	}
	if reviewedBy.Valid {
		s := reviewedBy.String
		res.ReviewedBy = &s
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		res.CancelledAt = &t
	}
	return res, nil
}
