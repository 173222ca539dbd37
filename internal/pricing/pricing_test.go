package pricing

import (
	"errors"
	"testing"
	"time"

	"convention-ledger/internal/domain"
	"convention-ledger/internal/domain/model"
)

func testConfig() Config {
	return Config{
		BadgePrices:       map[string]int64{"attendee": 5000, "sponsor": 7000},
		PromoCodes:        map[string]int64{"TEN": 1000, "COMP": 9999},
		AgeDiscount:       1500,
		AgeDiscountMaxAge: 13,
		EventDate:         time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		TablePrices:       []int64{10000, 10000, 20000},
		GroupBadgePrice:   4000,
		DealerBadgePrice:  3000,
	}
}

func price(t *testing.T, e model.Entity) []Line {
	t.Helper()
	reg := NewRegistry()
	if err := RegisterDefaults(reg, testConfig()); err != nil {
		t.Fatalf("register defaults: %v", err)
	}
	lines, err := reg.Price(e)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	return lines
}

func sum(lines []Line) int64 {
	var total int64
	for _, line := range lines {
		total += line.Total()
	}
	return total
}

func TestAttendeePricing(t *testing.T) {
	cases := []struct {
		name string
		a    model.Attendee
		want int64
	}{
		{"plain badge", model.Attendee{BadgeType: "attendee"}, 5000},
		{"sponsor badge", model.Attendee{BadgeType: "sponsor"}, 7000},
		{"comped", model.Attendee{BadgeType: "sponsor", Comped: true}, 0},
		{"paid by group", model.Attendee{BadgeType: "attendee", PaidByGroup: true}, 0},
		{"override", model.Attendee{BadgeType: "attendee", OverriddenPrice: ptr(int64(100))}, 100},
		{"promo", model.Attendee{BadgeType: "attendee", PromoCode: "TEN"}, 4000},
		{"promo worth more than badge comps it", model.Attendee{BadgeType: "attendee", PromoCode: "COMP"}, 0},
		{"extra donation", model.Attendee{BadgeType: "attendee", ExtraDonation: 2000}, 7000},
		{"merch tier", model.Attendee{BadgeType: "attendee", MerchTier: 3500}, 8500},
		{"child discount", model.Attendee{BadgeType: "attendee", Birthdate: time.Date(2016, 6, 1, 0, 0, 0, 0, time.UTC)}, 3500},
		{"adult no discount", model.Attendee{BadgeType: "attendee", Birthdate: time.Date(1990, 6, 1, 0, 0, 0, 0, time.UTC)}, 5000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.a.AttendeeID = "a"
			if got := sum(price(t, &tc.a)); got != tc.want {
				t.Fatalf("total = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestAttendeePricing_UnknownBadgeType(t *testing.T) {
	reg := NewRegistry()
	if err := RegisterDefaults(reg, testConfig()); err != nil {
		t.Fatalf("register defaults: %v", err)
	}
	_, err := reg.Price(&model.Attendee{AttendeeID: "a", BadgeType: "mystery"})
	if !errors.Is(err, domain.ErrPricingIncomplete) {
		t.Fatalf("err = %v, want ErrPricingIncomplete", err)
	}
}

func TestGroupPricing(t *testing.T) {
	cases := []struct {
		name string
		g    model.Group
		want int64
	}{
		{"tables tiered", model.Group{AutoRecalc: true, Tables: 2}, 20000},
		{"tables past last tier repeat it", model.Group{AutoRecalc: true, Tables: 5}, 80000},
		{"badges", model.Group{AutoRecalc: true, Badges: 3}, 12000},
		{"dealer badges", model.Group{AutoRecalc: true, Badges: 3, Dealer: true}, 9000},
		{"tables and badges", model.Group{AutoRecalc: true, Tables: 1, Badges: 2}, 18000},
		{"custom fee replaces everything", model.Group{AutoRecalc: false, Tables: 4, Badges: 10, Cost: 2500}, 2500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.g.GroupID = "g"
			if got := sum(price(t, &tc.g)); got != tc.want {
				t.Fatalf("total = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestAgeAt(t *testing.T) {
	event := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	if got := AgeAt(time.Date(2013, 1, 16, 0, 0, 0, 0, time.UTC), event); got != 12 {
		t.Fatalf("day before birthday = %d, want 12", got)
	}
	if got := AgeAt(time.Date(2013, 1, 15, 0, 0, 0, 0, time.UTC), event); got != 13 {
		t.Fatalf("on birthday = %d, want 13", got)
	}
	if got := AgeAt(time.Time{}, event); got < 100 {
		t.Fatalf("zero birthdate should read as adult, got %d", got)
	}
}

func ptr[T any](v T) *T { return &v }
