package pricing

import (
	"fmt"

	"convention-ledger/internal/domain"
	"convention-ledger/internal/domain/model"
)

func asGroup(e model.Entity) (*model.Group, error) {
	g, ok := e.(*model.Group)
	if !ok {
		return nil, fmt.Errorf("group calculator priced a %s: %w", e.Kind(), domain.ErrBadCalculator)
	}
	return g, nil
}

// GroupTableFees prices a group's tables at the configured cumulative tiers.
// Groups with auto-recalc off are priced by GroupCustomFee instead.
func GroupTableFees(cfg Config) Calculator {
	return func(e model.Entity) (*Line, error) {
		g, err := asGroup(e)
		if err != nil {
			return nil, err
		}
		if !g.AutoRecalc || g.Tables <= 0 {
			return nil, nil
		}
		return &Line{Desc: "Table fees", Amount: cfg.TableFee(g.Tables), Count: 1}, nil
	}
}

// GroupBadges prices the group's pool of paid-by-group badges at a per-badge
// unit price, dealer groups at the dealer rate.
func GroupBadges(cfg Config) Calculator {
	return func(e model.Entity) (*Line, error) {
		g, err := asGroup(e)
		if err != nil {
			return nil, err
		}
		if !g.AutoRecalc || g.Badges <= 0 {
			return nil, nil
		}
		unit := cfg.GroupBadgePrice
		desc := "Group badges"
		if g.Dealer {
			unit = cfg.DealerBadgePrice
			desc = "Dealer badges"
		}
		return &Line{Desc: desc, Amount: unit, Count: g.Badges}, nil
	}
}

// GroupCustomFee replaces all computed lines with an admin-set flat cost when
// auto-recalc is off.
func GroupCustomFee() Calculator {
	return func(e model.Entity) (*Line, error) {
		g, err := asGroup(e)
		if err != nil {
			return nil, err
		}
		if g.AutoRecalc {
			return nil, nil
		}
		return &Line{Desc: "Group (custom fee)", Amount: g.Cost, Count: 1}, nil
	}
}
