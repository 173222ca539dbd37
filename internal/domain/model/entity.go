package model

import (
	"fmt"
	"strconv"
	"time"

	"convention-ledger/internal/domain"
)

// Entity is a purchasing entity whose attributes drive its price: an
// attendee, a group, or any future chargeable model. The ledger engine only
// needs a stable kind tag (the calculator-registry key), an id usable as a
// receipt foreign key, and a way to compute a "would-be" state without
// touching the persisted instance.
type Entity interface {
	ID() string
	Kind() string
	// Clone returns a deep copy safe to mutate for pricing previews.
	Clone() Entity
	// Attribute returns the current value of a named attribute, used to
	// capture revert payloads for edit items.
	Attribute(name string) (any, bool)
	// Apply sets attributes from a plain key->value mapping, coercing
	// values the way form handlers deliver them. Unknown keys are an
	// ErrInvalidArgument.
	Apply(changes map[string]any) error
}

const (
	KindAttendee = "attendee"
	KindGroup    = "group"
)

// Attendee is a single registrant.
type Attendee struct {
	AttendeeID      string
	FullName        string
	BadgeType       string // keys into pricing config badge prices
	OverriddenPrice *int64 // cents; admin-set custom badge price
	PaidByGroup     bool
	Comped          bool
	Birthdate       time.Time
	PromoCode       string
	ExtraDonation   int64 // cents
	MerchTier       int64 // cents, preordered merch level
}

func (a *Attendee) ID() string   { return a.AttendeeID }
func (a *Attendee) Kind() string { return KindAttendee }

func (a *Attendee) Clone() Entity {
	cp := *a
	if a.OverriddenPrice != nil {
		v := *a.OverriddenPrice
		cp.OverriddenPrice = &v
	}
	return &cp
}

func (a *Attendee) Attribute(name string) (any, bool) {
	switch name {
	case "full_name":
		return a.FullName, true
	case "badge_type":
		return a.BadgeType, true
	case "overridden_price":
		if a.OverriddenPrice == nil {
			return nil, true
		}
		return *a.OverriddenPrice, true
	case "paid_by_group":
		return a.PaidByGroup, true
	case "comped":
		return a.Comped, true
	case "birthdate":
		return a.Birthdate, true
	case "promo_code":
		return a.PromoCode, true
	case "extra_donation":
		return a.ExtraDonation, true
	case "merch_tier":
		return a.MerchTier, true
	}
	return nil, false
}

func (a *Attendee) Apply(changes map[string]any) error {
	for key, val := range changes {
		switch key {
		case "full_name":
			a.FullName = toString(val)
		case "badge_type":
			a.BadgeType = toString(val)
		case "overridden_price":
			if val == nil || toString(val) == "" {
				a.OverriddenPrice = nil
				continue
			}
			cents, err := toInt64(val)
			if err != nil {
				return fmt.Errorf("overridden_price: %w", err)
			}
			a.OverriddenPrice = &cents
		case "paid_by_group":
			a.PaidByGroup = toBool(val)
		case "comped":
			a.Comped = toBool(val)
		case "birthdate":
			t, err := toTime(val)
			if err != nil {
				return fmt.Errorf("birthdate: %w", err)
			}
			a.Birthdate = t
		case "promo_code":
			a.PromoCode = toString(val)
		case "extra_donation":
			cents, err := toInt64(val)
			if err != nil {
				return fmt.Errorf("extra_donation: %w", err)
			}
			a.ExtraDonation = cents
		case "merch_tier":
			cents, err := toInt64(val)
			if err != nil {
				return fmt.Errorf("merch_tier: %w", err)
			}
			a.MerchTier = cents
		default:
			return fmt.Errorf("attendee has no attribute %q: %w", key, domain.ErrInvalidArgument)
		}
	}
	return nil
}

// Group is a block purchase: tables and a pool of paid-by-group badges.
type Group struct {
	GroupID    string
	Name       string
	Tables     int
	Badges     int
	AutoRecalc bool  // when false, Cost replaces all computed lines
	Cost       int64 // cents, custom fee used when AutoRecalc is off
	Dealer     bool
}

func (g *Group) ID() string   { return g.GroupID }
func (g *Group) Kind() string { return KindGroup }

func (g *Group) Clone() Entity {
	cp := *g
	return &cp
}

func (g *Group) Attribute(name string) (any, bool) {
	switch name {
	case "name":
		return g.Name, true
	case "tables":
		return g.Tables, true
	case "badges":
		return g.Badges, true
	case "auto_recalc":
		return g.AutoRecalc, true
	case "cost":
		return g.Cost, true
	case "dealer":
		return g.Dealer, true
	}
	return nil, false
}

func (g *Group) Apply(changes map[string]any) error {
	for key, val := range changes {
		switch key {
		case "name":
			g.Name = toString(val)
		case "tables":
			n, err := toInt(val)
			if err != nil {
				return fmt.Errorf("tables: %w", err)
			}
			g.Tables = n
		case "badges":
			n, err := toInt(val)
			if err != nil {
				return fmt.Errorf("badges: %w", err)
			}
			g.Badges = n
		case "auto_recalc":
			g.AutoRecalc = toBool(val)
		case "cost":
			cents, err := toInt64(val)
			if err != nil {
				return fmt.Errorf("cost: %w", err)
			}
			g.Cost = cents
		case "dealer":
			g.Dealer = toBool(val)
		default:
			return fmt.Errorf("group has no attribute %q: %w", key, domain.ErrInvalidArgument)
		}
	}
	return nil
}

// Form values arrive as strings; internal callers pass native types. These
// coercions accept both.

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, domain.ErrInvalidArgument
		}
		return parsed, nil
	}
	return 0, domain.ErrInvalidArgument
}

func toInt(v any) (int, error) {
	n, err := toInt64(v)
	return int(n), err
}

func toBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "1" || b == "true" || b == "on" || b == "yes"
	}
	return false
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		parsed, err := time.Parse("2006-01-02", t)
		if err != nil {
			return time.Time{}, domain.ErrInvalidArgument
		}
		return parsed, nil
	}
	return time.Time{}, domain.ErrInvalidArgument
}
