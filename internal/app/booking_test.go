package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staybook/internal/domain"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func testRules() domain.PricingRules {
	return domain.PricingRules{
		NightlyRate:    10000,
		WeekendUplift:  2500,
		IncludedGuests: 2,
		ExtraGuestFee:  1500,
		LongStayNights: 7,
		LongStayOff:    10,
	}
}

func newBookingService(repo *fakeRepo, locker *fakeLocker, notifier *fakeNotifier) *BookingService {
	s := NewBookingService(repo, locker, testDispatcher(notifier), testRules(), 30*time.Second, 3)
	s.lockBackoff = time.Millisecond
	s.now = func() time.Time { return date(2026, 1, 1) }
	return s
}

func validInput() CreateReservationInput {
	return CreateReservationInput{
		CheckIn:    date(2026, 1, 12),
		CheckOut:   date(2026, 1, 14),
		GuestCount: 2,
		GuestName:  "Dana Cole",
		GuestEmail: "dana@example.com",
	}
}

func TestCreateReservation(t *testing.T) {
	repo := newFakeRepo()
	notifier := &fakeNotifier{}
	svc := newBookingService(repo, newFakeLocker(), notifier)

	res, err := svc.CreateReservation(context.Background(), validInput())
	require.NoError(t, err)
	require.NotEmpty(t, res.ID)
	assert.Regexp(t, `^BK-[0-9A-F]{8}$`, res.ReferenceCode)
	// Two weeknights at the base rate.
	assert.Equal(t, int64(20000), res.Amount)

	stored := repo.get(res.ID)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, domain.PaymentRequiresAuthorization, stored.PaymentStatus)
	assert.NotEmpty(t, stored.AccessToken)

	svc.notify.Wait()
	assert.ElementsMatch(t, []string{domain.NotifyReservationCreated, domain.NotifyAdminReview}, notifier.kinds())
}

func TestCreateReservationValidation(t *testing.T) {
	svc := newBookingService(newFakeRepo(), newFakeLocker(), &fakeNotifier{})

	cases := map[string]func(*CreateReservationInput){
		"inverted period": func(in *CreateReservationInput) { in.CheckIn, in.CheckOut = in.CheckOut, in.CheckIn },
		"zero nights":     func(in *CreateReservationInput) { in.CheckOut = in.CheckIn },
		"no guests":       func(in *CreateReservationInput) { in.GuestCount = 0 },
		"no name":         func(in *CreateReservationInput) { in.GuestName = " " },
		"no email":        func(in *CreateReservationInput) { in.GuestEmail = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := validInput()
			mutate(&in)
			_, err := svc.CreateReservation(context.Background(), in)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestCreateReservationAmountTamper(t *testing.T) {
	svc := newBookingService(newFakeRepo(), newFakeLocker(), &fakeNotifier{})

	for name, amount := range map[string]int64{"lowered": 19999, "raised": 20001} {
		t.Run(name, func(t *testing.T) {
			in := validInput()
			in.ClientAmount = &amount
			_, err := svc.CreateReservation(context.Background(), in)
			assert.ErrorIs(t, err, domain.ErrAmountMismatch)
		})
	}

	t.Run("exact amount accepted", func(t *testing.T) {
		in := validInput()
		exact := int64(20000)
		in.ClientAmount = &exact
		_, err := svc.CreateReservation(context.Background(), in)
		assert.NoError(t, err)
	})
}

func TestCreateReservationOverlapConflict(t *testing.T) {
	repo := newFakeRepo()
	svc := newBookingService(repo, newFakeLocker(), &fakeNotifier{})

	first := validInput() // Jan 12-14
	_, err := svc.CreateReservation(context.Background(), first)
	require.NoError(t, err)

	second := validInput()
	second.CheckIn = date(2026, 1, 13)
	second.CheckOut = date(2026, 1, 15)
	_, err = svc.CreateReservation(context.Background(), second)
	assert.ErrorIs(t, err, domain.ErrPeriodConflict)

	// Back-to-back is fine: check-out is exclusive.
	third := validInput()
	third.CheckIn = date(2026, 1, 14)
	third.CheckOut = date(2026, 1, 16)
	_, err = svc.CreateReservation(context.Background(), third)
	assert.NoError(t, err)
}

// Two racing requests for overlapping periods must resolve to exactly one
// reservation, no matter how the lock and the store interleave.
func TestCreateReservationConcurrentOverlap(t *testing.T) {
	repo := newFakeRepo()
	svc := newBookingService(repo, newFakeLocker(), &fakeNotifier{})

	inputs := []CreateReservationInput{validInput(), validInput()}
	inputs[1].CheckIn = date(2026, 1, 13)
	inputs[1].CheckOut = date(2026, 1, 15)

	var wg sync.WaitGroup
	errs := make([]error, len(inputs))
	for i := range inputs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreateReservation(context.Background(), inputs[i])
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		if !errors.Is(err, domain.ErrPeriodConflict) && !errors.Is(err, domain.ErrLockBusy) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
}

func TestCreateReservationLockBusy(t *testing.T) {
	repo := newFakeRepo()
	locker := newFakeLocker()
	svc := NewBookingService(repo, locker, testDispatcher(&fakeNotifier{}), testRules(), 30*time.Second, 3)
	svc.lockBackoff = time.Millisecond

	in := validInput()
	key := domain.PeriodLockKey(in.CheckIn, in.CheckOut)
	ok, err := locker.Acquire(context.Background(), key, "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	start := time.Now()
	_, err = svc.CreateReservation(context.Background(), in)
	assert.ErrorIs(t, err, domain.ErrLockBusy)
	// Initial attempt plus 3 retries, with 1x/2x/3x backoff slept in between.
	assert.Equal(t, 4, locker.failures)
	assert.GreaterOrEqual(t, time.Since(start), 6*time.Millisecond)
}

func TestCreateReservationWithCoupon(t *testing.T) {
	repo := newFakeRepo()
	repo.coupons["WINTER10"] = domain.Coupon{ID: "c1", Code: "WINTER10", PercentOff: 10, Active: true}
	svc := newBookingService(repo, newFakeLocker(), &fakeNotifier{})

	in := validInput()
	in.CouponCode = "WINTER10"
	res, err := svc.CreateReservation(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int64(18000), res.Amount)

	stored := repo.get(res.ID)
	assert.Equal(t, int64(20000), stored.BaseAmount)
	assert.Equal(t, int64(2000), stored.CouponDiscount)
	require.NotNil(t, stored.CouponID)
	assert.Equal(t, "c1", *stored.CouponID)
}

func TestCreateReservationCouponRejections(t *testing.T) {
	repo := newFakeRepo()
	past := date(2025, 1, 1)
	repo.coupons["INACTIVE"] = domain.Coupon{ID: "c2", Active: false}
	repo.coupons["EXPIRED"] = domain.Coupon{ID: "c3", Active: true, ExpiresAt: &past}
	repo.coupons["USEDUP"] = domain.Coupon{ID: "c4", Active: true, UsageLimit: 5, UsageCount: 5}
	svc := newBookingService(repo, newFakeLocker(), &fakeNotifier{})

	for code, want := range map[string]error{
		"NOSUCH":   domain.ErrCouponInvalid,
		"INACTIVE": domain.ErrCouponInvalid,
		"EXPIRED":  domain.ErrCouponExpired,
		"USEDUP":   domain.ErrCouponExhausted,
	} {
		in := validInput()
		in.CouponCode = code
		_, err := svc.CreateReservation(context.Background(), in)
		assert.ErrorIs(t, err, want, "coupon %s", code)
	}
}

func TestQuoteMatchesBooking(t *testing.T) {
	repo := newFakeRepo()
	repo.coupons["WINTER10"] = domain.Coupon{ID: "c1", PercentOff: 10, Active: true}
	svc := newBookingService(repo, newFakeLocker(), &fakeNotifier{})

	q, err := svc.Quote(context.Background(), date(2026, 1, 12), date(2026, 1, 14), 2, "WINTER10")
	require.NoError(t, err)

	in := validInput()
	in.CouponCode = "WINTER10"
	in.ClientAmount = &q.Amount
	res, err := svc.CreateReservation(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, q.Amount, res.Amount)
}

func TestGuestReservationToken(t *testing.T) {
	repo := newFakeRepo()
	svc := newBookingService(repo, newFakeLocker(), &fakeNotifier{})

	created, err := svc.CreateReservation(context.Background(), validInput())
	require.NoError(t, err)
	token := repo.get(created.ID).AccessToken

	got, err := svc.GuestReservation(context.Background(), created.ID, token)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = svc.GuestReservation(context.Background(), created.ID, "wrong-token")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.GuestReservation(context.Background(), "no-such-id", token)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
