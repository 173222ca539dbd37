package pricing

import (
	"fmt"
	"sync"

	"convention-ledger/internal/domain"
	"convention-ledger/internal/domain/model"
)

type Bucket string

const (
	BucketCost   Bucket = "cost"
	BucketCredit Bucket = "credit"
)

// Line is one priced line produced by a calculator: a description (the diff
// key), a unit amount in cents, and a quantity. Credits carry negative
// amounts.
type Line struct {
	Desc   string
	Amount int64
	Count  int
}

func (l Line) Total() int64 { return l.Amount * int64(l.Count) }

// Calculator inspects one entity and returns a priced line, or nil when the
// charge does not apply. Calculators must be pure over the entity's current
// attributes and the pricing config; they never see receipt state.
type Calculator func(e model.Entity) (*Line, error)

type registration struct {
	name   string
	bucket Bucket
	fn     Calculator
}

// Registry maps (entity kind, bucket) to the calculators that price it. It is
// constructed once at startup, populated by explicit Register calls, and
// injected into the receipt manager; there is no ambient global registry.
//
// Every calculator registered for a kind contributes: pricing an entity runs
// the complete set and sums, so a repriced entity can always be diffed
// against its existing items.
type Registry struct {
	mu    sync.RWMutex
	calcs map[string][]registration
}

func NewRegistry() *Registry {
	return &Registry{calcs: make(map[string][]registration)}
}

// Register adds a calculator for an entity kind. Names must be unique per
// kind; registering the same name twice is a configuration error.
func (r *Registry) Register(kind string, bucket Bucket, name string, fn Calculator) error {
	if kind == "" || name == "" || fn == nil {
		return fmt.Errorf("register %s/%s: %w", kind, name, domain.ErrInvalidArgument)
	}
	if bucket != BucketCost && bucket != BucketCredit {
		return fmt.Errorf("register %s/%s: unknown bucket %q: %w", kind, name, bucket, domain.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.calcs[kind] {
		if reg.name == name {
			return fmt.Errorf("calculator %q already registered for %s: %w", name, kind, domain.ErrAlreadyExists)
		}
	}
	r.calcs[kind] = append(r.calcs[kind], registration{name: name, bucket: bucket, fn: fn})
	return nil
}

// Price runs every cost calculator, then every credit calculator, registered
// for the entity's kind and returns the non-nil lines in registration order.
// Cost lines must not be negative and credit lines must not be positive; a
// violation means the calculator is registered under the wrong bucket.
func (r *Registry) Price(e model.Entity) ([]Line, error) {
	r.mu.RLock()
	regs := r.calcs[e.Kind()]
	r.mu.RUnlock()

	var lines []Line
	for _, bucket := range []Bucket{BucketCost, BucketCredit} {
		for _, reg := range regs {
			if reg.bucket != bucket {
				continue
			}
			line, err := reg.fn(e)
			if err != nil {
				return nil, fmt.Errorf("calculator %s/%s: %w", e.Kind(), reg.name, err)
			}
			if line == nil {
				continue
			}
			if bucket == BucketCost && line.Amount < 0 {
				return nil, fmt.Errorf("cost calculator %s/%s returned %d: %w", e.Kind(), reg.name, line.Amount, domain.ErrBadCalculator)
			}
			if bucket == BucketCredit && line.Amount > 0 {
				return nil, fmt.Errorf("credit calculator %s/%s returned %d: %w", e.Kind(), reg.name, line.Amount, domain.ErrBadCalculator)
			}
			if line.Count == 0 {
				line.Count = 1
			}
			lines = append(lines, *line)
		}
	}
	return lines, nil
}

// Totals aggregates priced lines by description. This is the shape the
// receipt manager diffs: summing per description keeps multiple calculators
// (or quantity changes) from fragmenting the comparison.
func Totals(lines []Line) map[string]int64 {
	totals := make(map[string]int64, len(lines))
	for _, line := range lines {
		totals[line.Desc] += line.Total()
	}
	return totals
}
