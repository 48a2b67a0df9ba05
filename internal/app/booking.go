package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"staybook/internal/adapters/observability"
	"staybook/internal/domain"
)

// BookingService owns the synchronous reservation-creation path: amount
// verification, period-lock serialization, and the atomic booking transaction,
// followed by post-commit notification dispatch.
type BookingService struct {
	repo        domain.ReservationRepository
	locker      domain.Locker
	notify      *Dispatcher
	rules       domain.PricingRules
	lockTTL     time.Duration
	lockRetries int
	lockBackoff time.Duration
	now         func() time.Time
}

func NewBookingService(repo domain.ReservationRepository, locker domain.Locker, notify *Dispatcher, rules domain.PricingRules, lockTTL time.Duration, lockRetries int) *BookingService {
	if lockRetries <= 0 {
		lockRetries = 3
	}
	return &BookingService{
		repo:        repo,
		locker:      locker,
		notify:      notify,
		rules:       rules,
		lockTTL:     lockTTL,
		lockRetries: lockRetries,
		lockBackoff: time.Second,
		now:         time.Now,
	}
}

type CreateReservationInput struct {
	CheckIn      time.Time
	CheckOut     time.Time
	GuestCount   int
	GuestName    string
	GuestEmail   string
	GuestPhone   string
	CouponCode   string
	ClientAmount *int64
}

type CreateReservationResult struct {
	ID            string
	ReferenceCode string
	Amount        int64
}

type PriceQuote struct {
	Amount     int64
	BaseAmount int64
	Discount   int64
}

func (in CreateReservationInput) validate() error {
	if !in.CheckIn.Before(in.CheckOut) {
		return fmt.Errorf("%w: check-out must be after check-in", domain.ErrInvalidInput)
	}
	if in.GuestCount < 1 {
		return fmt.Errorf("%w: guest count must be at least 1", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(in.GuestName) == "" || strings.TrimSpace(in.GuestEmail) == "" {
		return fmt.Errorf("%w: guest name and email are required", domain.ErrInvalidInput)
	}
	return nil
}

// Quote computes the price for a period without touching reservation state.
// It uses the exact same computation as CreateReservation, so a client that
// previews a price and books with it can never trip the tamper check against
// unchanged pricing data.
func (s *BookingService) Quote(ctx context.Context, checkIn, checkOut time.Time, guests int, couponCode string) (PriceQuote, error) {
	if !checkIn.Before(checkOut) {
		return PriceQuote{}, fmt.Errorf("%w: check-out must be after check-in", domain.ErrInvalidInput)
	}
	base := domain.ComputeAmount(checkIn, checkOut, guests, s.rules, 0)
	var discount int64
	if couponCode != "" {
		c, err := s.coupon(ctx, couponCode)
		if err != nil {
			return PriceQuote{}, err
		}
		discount = c.Discount(base)
	}
	return PriceQuote{
		Amount:     domain.ComputeAmount(checkIn, checkOut, guests, s.rules, discount),
		BaseAmount: base,
		Discount:   discount,
	}, nil
}

// CreateReservation is the booking path. The period lock only reduces
// contention on identical period requests; the transaction's own overlap
// re-check is the correctness backstop. The lock is held only around the
// store transaction, never across a processor call.
func (s *BookingService) CreateReservation(ctx context.Context, in CreateReservationInput) (CreateReservationResult, error) {
	if err := in.validate(); err != nil {
		return CreateReservationResult{}, err
	}

	base := domain.ComputeAmount(in.CheckIn, in.CheckOut, in.GuestCount, s.rules, 0)
	var coupon *domain.Coupon
	var discount int64
	if in.CouponCode != "" {
		c, err := s.coupon(ctx, in.CouponCode)
		if err != nil {
			return CreateReservationResult{}, err
		}
		coupon = &c
		discount = c.Discount(base)
	}
	total := domain.ComputeAmount(in.CheckIn, in.CheckOut, in.GuestCount, s.rules, discount)

	// Sole tamper-resistance mechanism for commercial terms: the client's
	// amount must equal the server computation exactly.
	if in.ClientAmount != nil && *in.ClientAmount != total {
		return CreateReservationResult{}, fmt.Errorf("%w: expected %d, got %d; refresh pricing and retry",
			domain.ErrAmountMismatch, total, *in.ClientAmount)
	}

	key := domain.PeriodLockKey(in.CheckIn, in.CheckOut)
	holder := uuid.NewString()
	if err := s.acquireLock(ctx, key, holder); err != nil {
		return CreateReservationResult{}, err
	}
	// Guaranteed cleanup on success and failure alike; correctness does not
	// depend on it (TTL self-heals after a crash), detached from ctx so a
	// cancelled request still releases promptly.
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := s.locker.Release(rctx, key, holder); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("period lock release failed; TTL will reap it")
		}
	}()

	res := domain.Reservation{
		ID:             uuid.NewString(),
		ReferenceCode:  newReferenceCode(),
		AccessToken:    uuid.NewString(),
		CheckIn:        in.CheckIn,
		CheckOut:       in.CheckOut,
		GuestCount:     in.GuestCount,
		GuestName:      in.GuestName,
		GuestEmail:     in.GuestEmail,
		GuestPhone:     in.GuestPhone,
		BaseAmount:     base,
		TotalAmount:    total,
		CouponDiscount: discount,
		Status:         domain.StatusPending,
		PaymentStatus:  domain.PaymentRequiresAuthorization,
		CreatedAt:      s.now(),
	}
	if coupon != nil {
		id := coupon.ID
		res.CouponID = &id
	}

	if err := s.repo.CreateReservation(ctx, res); err != nil {
		observability.ObserveTransition("create", transitionOutcome(err))
		return CreateReservationResult{}, err
	}
	observability.ObserveTransition("create", "ok")

	// Post-commit side effects: logged-and-retried, never rolled back into
	// the reservation.
	s.notify.Dispatch(domain.Notification{
		Kind:          domain.NotifyReservationCreated,
		ReservationID: res.ID,
		ReferenceCode: res.ReferenceCode,
		GuestEmail:    res.GuestEmail,
	})
	s.notify.Dispatch(domain.Notification{
		Kind:          domain.NotifyAdminReview,
		ReservationID: res.ID,
		ReferenceCode: res.ReferenceCode,
	})

	return CreateReservationResult{ID: res.ID, ReferenceCode: res.ReferenceCode, Amount: total}, nil
}

// GuestReservation returns a reservation for the unauthenticated guest view.
// The access token is compared in constant time, and a wrong token is
// indistinguishable from a missing reservation.
func (s *BookingService) GuestReservation(ctx context.Context, id, token string) (domain.Reservation, error) {
	r, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	if subtle.ConstantTimeCompare([]byte(r.AccessToken), []byte(token)) != 1 {
		return domain.Reservation{}, domain.ErrNotFound
	}
	return r, nil
}

func (s *BookingService) coupon(ctx context.Context, code string) (domain.Coupon, error) {
	c, err := s.repo.GetCouponByCode(ctx, code)
	if err == domain.ErrNotFound {
		return domain.Coupon{}, domain.ErrCouponInvalid
	}
	if err != nil {
		return domain.Coupon{}, err
	}
	if err := c.Validate(s.now()); err != nil {
		return domain.Coupon{}, err
	}
	return c, nil
}

// acquireLock makes an initial attempt plus lockRetries retries, sleeping
// 1x, 2x, 3x the backoff unit before each retry, so the default budget is
// ~6s before giving up with ErrLockBusy ("retry shortly" to clients).
func (s *BookingService) acquireLock(ctx context.Context, key, holder string) error {
	for attempt := 0; ; attempt++ {
		ok, err := s.locker.Acquire(ctx, key, holder, s.lockTTL)
		if err != nil {
			return fmt.Errorf("acquire period lock: %w", err)
		}
		if ok {
			return nil
		}
		if attempt == s.lockRetries {
			return domain.ErrLockBusy
		}
		if !sleepCtx(ctx, time.Duration(attempt+1)*s.lockBackoff) {
			return ctx.Err()
		}
	}
}

func transitionOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrPeriodConflict),
		errors.Is(err, domain.ErrStateConflict),
		errors.Is(err, domain.ErrCouponExhausted):
		return "conflict"
	default:
		return "error"
	}
}

// newReferenceCode builds the short human-readable code guests quote in
// support conversations. Uniqueness is enforced by the store.
func newReferenceCode() string {
	u := uuid.NewString()
	return "BK-" + strings.ToUpper(u[:8])
}
