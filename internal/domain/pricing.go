package domain

import "time"

// PricingRules drive the server-side amount computation. All money fields are
// integer minor units.
type PricingRules struct {
	NightlyRate    int64
	WeekendUplift  int64 // added on Friday and Saturday nights
	IncludedGuests int
	ExtraGuestFee  int64 // per extra guest, per night
	LongStayNights int   // stays of at least this many nights get the discount
	LongStayOff    int64 // percent off the nightly subtotal
	Seasons        []SeasonRate
}

// SeasonRate overrides the nightly rate for nights in [From, To).
type SeasonRate struct {
	From time.Time
	To   time.Time
	Rate int64
}

// ComputeAmount is the amount verifier: pure and deterministic, no I/O.
// The booking path recomputes the total server-side and rejects any
// client-supplied amount that differs; the price-preview endpoint calls the
// same function so client and server cannot silently diverge.
//
// Night pricing: seasonal rate if the night falls inside a season, else the
// base nightly rate, plus the weekend uplift on Fri/Sat nights and the
// extra-guest fee beyond IncludedGuests. The long-stay discount applies to
// the nightly subtotal, then the coupon discount is subtracted last.
func ComputeAmount(checkIn, checkOut time.Time, guests int, rules PricingRules, couponDiscount int64) int64 {
	var subtotal int64
	extra := int64(0)
	if rules.IncludedGuests > 0 && guests > rules.IncludedGuests {
		extra = int64(guests-rules.IncludedGuests) * rules.ExtraGuestFee
	}
	nights := 0
	for night := checkIn; night.Before(checkOut); night = night.AddDate(0, 0, 1) {
		rate := rules.NightlyRate
		for _, s := range rules.Seasons {
			if !night.Before(s.From) && night.Before(s.To) {
				rate = s.Rate
				break
			}
		}
		if wd := night.Weekday(); wd == time.Friday || wd == time.Saturday {
			rate += rules.WeekendUplift
		}
		subtotal += rate + extra
		nights++
	}
	if rules.LongStayNights > 0 && nights >= rules.LongStayNights {
		subtotal -= subtotal * rules.LongStayOff / 100
	}
	total := subtotal - couponDiscount
	if total < 0 {
		total = 0
	}
	return total
}
