package pricing

import (
	"fmt"

	"convention-ledger/internal/domain"
	"convention-ledger/internal/domain/model"
)

// asAttendee guards the calculator's entity assertion: a calculator wired
// under the wrong kind reports ErrBadCalculator instead of panicking.
func asAttendee(e model.Entity) (*model.Attendee, error) {
	a, ok := e.(*model.Attendee)
	if !ok {
		return nil, fmt.Errorf("attendee calculator priced a %s: %w", e.Kind(), domain.ErrBadCalculator)
	}
	return a, nil
}

// attendeeBadgePrice is the badge price before credits: the configured price
// for the badge type, or the admin override when one is set. Paid-by-group
// badges are free (the group's receipt carries the cost).
func attendeeBadgePrice(a *model.Attendee, cfg Config) (int64, error) {
	if a.PaidByGroup {
		return 0, nil
	}
	if a.OverriddenPrice != nil {
		return *a.OverriddenPrice, nil
	}
	price, ok := cfg.BadgePrices[a.BadgeType]
	if !ok {
		return 0, badPrice(fmt.Sprintf("no badge price configured for type %q", a.BadgeType))
	}
	return price, nil
}

// AttendeeBadgeCost prices the badge itself. The description is stable across
// badge type and override changes so that upgrades diff to a single
// difference item rather than a cancel-and-replace pair.
func AttendeeBadgeCost(cfg Config) Calculator {
	return func(e model.Entity) (*Line, error) {
		a, err := asAttendee(e)
		if err != nil {
			return nil, err
		}
		price, err := attendeeBadgePrice(a, cfg)
		if err != nil {
			return nil, err
		}
		desc := "Badge"
		if a.PaidByGroup {
			desc = "Badge (paid by group)"
		}
		return &Line{Desc: desc, Amount: price, Count: 1}, nil
	}
}

func AttendeeExtraDonation() Calculator {
	return func(e model.Entity) (*Line, error) {
		a, err := asAttendee(e)
		if err != nil {
			return nil, err
		}
		if a.ExtraDonation <= 0 {
			return nil, nil
		}
		return &Line{Desc: "Extra donation", Amount: a.ExtraDonation, Count: 1}, nil
	}
}

func AttendeeMerchTier() Calculator {
	return func(e model.Entity) (*Line, error) {
		a, err := asAttendee(e)
		if err != nil {
			return nil, err
		}
		if a.MerchTier <= 0 {
			return nil, nil
		}
		return &Line{Desc: "Preordered merch", Amount: a.MerchTier, Count: 1}, nil
	}
}

// AttendeeCompCredit zeroes out the badge for comped attendees.
func AttendeeCompCredit(cfg Config) Calculator {
	return func(e model.Entity) (*Line, error) {
		a, err := asAttendee(e)
		if err != nil {
			return nil, err
		}
		if !a.Comped {
			return nil, nil
		}
		price, err := attendeeBadgePrice(a, cfg)
		if err != nil {
			return nil, err
		}
		if price == 0 {
			return nil, nil
		}
		return &Line{Desc: "Badge comp", Amount: -price, Count: 1}, nil
	}
}

// AttendeeAgeDiscount credits young attendees part of the badge price, never
// below free. Comped badges take no further discount.
func AttendeeAgeDiscount(cfg Config) Calculator {
	return func(e model.Entity) (*Line, error) {
		a, err := asAttendee(e)
		if err != nil {
			return nil, err
		}
		if cfg.AgeDiscount <= 0 || a.Comped {
			return nil, nil
		}
		if AgeAt(a.Birthdate, cfg.EventDate) >= cfg.AgeDiscountMaxAge {
			return nil, nil
		}
		price, err := attendeeBadgePrice(a, cfg)
		if err != nil {
			return nil, err
		}
		if price == 0 {
			return nil, nil
		}
		discount := cfg.AgeDiscount
		if discount > price {
			discount = price
		}
		return &Line{Desc: "Age discount", Amount: -discount, Count: 1}, nil
	}
}

// AttendeePromoCode credits the discount attached to the attendee's promo
// code. A code worth the full badge price is reported as a comp.
func AttendeePromoCode(cfg Config) Calculator {
	return func(e model.Entity) (*Line, error) {
		a, err := asAttendee(e)
		if err != nil {
			return nil, err
		}
		if a.PromoCode == "" || a.Comped {
			return nil, nil
		}
		discount, ok := cfg.PromoCodes[a.PromoCode]
		if !ok {
			return nil, badPrice(fmt.Sprintf("unknown promo code %q", a.PromoCode))
		}
		price, err := attendeeBadgePrice(a, cfg)
		if err != nil {
			return nil, err
		}
		if price == 0 || discount <= 0 {
			return nil, nil
		}
		if discount >= price {
			return &Line{Desc: "Badge comp (promo code)", Amount: -price, Count: 1}, nil
		}
		return &Line{Desc: "Promo code discount", Amount: -discount, Count: 1}, nil
	}
}
