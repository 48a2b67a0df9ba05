package domain

import "time"

// Coupon is a discount rule with a usage counter. Validation happens before
// the booking transaction; the usage increment happens inside it, guarded by
// usage_count < usage_limit, so concurrent redemptions cannot overshoot.
type Coupon struct {
	ID         string
	Code       string
	PercentOff int64 // 0..100; applied to the base amount
	AmountOff  int64 // flat discount in minor units; used when PercentOff is 0
	Active     bool
	ExpiresAt  *time.Time
	UsageLimit int64
	UsageCount int64
}

// Validate checks the coupon is redeemable at the given instant.
func (c Coupon) Validate(now time.Time) error {
	if !c.Active {
		return ErrCouponInvalid
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return ErrCouponExpired
	}
	if c.UsageLimit > 0 && c.UsageCount >= c.UsageLimit {
		return ErrCouponExhausted
	}
	return nil
}

// Discount computes the discount for a base amount. Never exceeds the base.
func (c Coupon) Discount(base int64) int64 {
	var d int64
	if c.PercentOff > 0 {
		d = base * c.PercentOff / 100
	} else {
		d = c.AmountOff
	}
	if d > base {
		d = base
	}
	if d < 0 {
		d = 0
	}
	return d
}
