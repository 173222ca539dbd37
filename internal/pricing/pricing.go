// Package pricing decides what a purchasing entity owes. Calculators are
// registered per entity kind under a cost or credit bucket; the receipt
// manager reprices the complete set and diffs against existing items whenever
// an entity changes.
package pricing

import (
	"fmt"
	"time"

	"convention-ledger/internal/domain"
)

// Config is the process-wide pricing table, loaded from YAML at startup.
// Amounts are in cents.
type Config struct {
	// Badge prices per badge type, e.g. attendee, sponsor, one_day.
	BadgePrices map[string]int64 `yaml:"badge_prices"`

	// Promo codes mapped to their discount. A discount at or above the
	// badge price comps the badge outright.
	PromoCodes map[string]int64 `yaml:"promo_codes"`

	// Attendees younger than AgeDiscountMaxAge on EventDate get AgeDiscount
	// off their badge (never below free).
	AgeDiscount       int64     `yaml:"age_discount"`
	AgeDiscountMaxAge int       `yaml:"age_discount_max_age"`
	EventDate         time.Time `yaml:"event_date"`

	// TablePrices[i] is the price of the (i+1)th table; tables beyond the
	// last tier repeat the last price. The table fee for n tables is the
	// sum of the first n entries.
	TablePrices []int64 `yaml:"table_prices"`

	GroupBadgePrice  int64 `yaml:"group_badge_price"`
	DealerBadgePrice int64 `yaml:"dealer_badge_price"`
}

// TableFee is the cumulative fee for n tables.
func (c Config) TableFee(n int) int64 {
	if n <= 0 || len(c.TablePrices) == 0 {
		return 0
	}
	var fee int64
	for i := 0; i < n; i++ {
		if i < len(c.TablePrices) {
			fee += c.TablePrices[i]
		} else {
			fee += c.TablePrices[len(c.TablePrices)-1]
		}
	}
	return fee
}

// AgeAt is the whole-year age of someone born at birthdate as of the given
// date; zero birthdates yield a sentinel adult age.
func AgeAt(birthdate, at time.Time) int {
	if birthdate.IsZero() {
		return 999
	}
	years := at.Year() - birthdate.Year()
	if at.YearDay() < birthdate.YearDay() {
		years--
	}
	return years
}

// RegisterDefaults wires the standard attendee and group calculators into a
// registry. Called once from main; tests register subsets directly.
func RegisterDefaults(reg *Registry, cfg Config) error {
	type entry struct {
		kind   string
		bucket Bucket
		name   string
		fn     Calculator
	}
	entries := []entry{
		{"attendee", BucketCost, "badge_cost", AttendeeBadgeCost(cfg)},
		{"attendee", BucketCost, "extra_donation", AttendeeExtraDonation()},
		{"attendee", BucketCost, "merch_tier", AttendeeMerchTier()},
		{"attendee", BucketCredit, "comp_credit", AttendeeCompCredit(cfg)},
		{"attendee", BucketCredit, "age_discount", AttendeeAgeDiscount(cfg)},
		{"attendee", BucketCredit, "promo_code", AttendeePromoCode(cfg)},
		{"group", BucketCost, "table_fees", GroupTableFees(cfg)},
		{"group", BucketCost, "badges", GroupBadges(cfg)},
		{"group", BucketCost, "custom_fee", GroupCustomFee()},
	}
	for _, e := range entries {
		if err := reg.Register(e.kind, e.bucket, e.name, e.fn); err != nil {
			return fmt.Errorf("pricing defaults: %w", err)
		}
	}
	return nil
}

func badPrice(what string) error {
	return fmt.Errorf("%s: %w", what, domain.ErrPricingIncomplete)
}
