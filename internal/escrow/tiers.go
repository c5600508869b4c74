package escrow

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Tier sizes an escrow deadline by order amount. The tier applies to
// amounts up to and including Max; a zero Max marks the open-ended top tier.
type Tier struct {
	Name    string
	Max     decimal.Decimal
	Timeout time.Duration
}

func (t Tier) Unbounded() bool { return t.Max.IsZero() }

// Tiers is an ordered, validated tier table.
type Tiers struct {
	tiers []Tier
}

// DefaultTiers: small <= 100, medium <= 1000, large <= 5000, xlarge above.
func DefaultTiers() *Tiers {
	t, _ := NewTiers([]Tier{
		{Name: "small", Max: decimal.NewFromInt(100), Timeout: 5 * time.Minute},
		{Name: "medium", Max: decimal.NewFromInt(1000), Timeout: 10 * time.Minute},
		{Name: "large", Max: decimal.NewFromInt(5000), Timeout: 20 * time.Minute},
		{Name: "xlarge", Timeout: 30 * time.Minute},
	})
	return t
}

// NewTiers validates and orders a tier table. Exactly one tier must be
// open-ended and every timeout must be positive.
func NewTiers(tiers []Tier) (*Tiers, error) {
	if len(tiers) == 0 {
		return nil, errors.New("escrow: at least one tier is required")
	}
	sorted := slices.Clone(tiers)
	unbounded := 0
	for _, t := range sorted {
		if t.Timeout <= 0 {
			return nil, fmt.Errorf("escrow: tier %q needs a positive timeout", t.Name)
		}
		if t.Max.IsNegative() {
			return nil, fmt.Errorf("escrow: tier %q has a negative maxAmount", t.Name)
		}
		if t.Unbounded() {
			unbounded++
		}
	}
	if unbounded != 1 {
		return nil, fmt.Errorf("escrow: exactly one open-ended tier is required, got %d", unbounded)
	}

	slices.SortFunc(sorted, func(a, b Tier) int {
		switch {
		case a.Unbounded():
			return 1
		case b.Unbounded():
			return -1
		}
		return a.Max.Cmp(b.Max)
	})
	for i := 1; i < len(sorted)-1; i++ {
		if sorted[i].Max.Equal(sorted[i-1].Max) {
			return nil, fmt.Errorf("escrow: tiers %q and %q share maxAmount %s", sorted[i-1].Name, sorted[i].Name, sorted[i].Max)
		}
	}
	return &Tiers{tiers: sorted}, nil
}

// For returns the tier covering amount.
func (t *Tiers) For(amount decimal.Decimal) Tier {
	for _, tier := range t.tiers {
		if tier.Unbounded() || amount.LessThanOrEqual(tier.Max) {
			return tier
		}
	}
	return t.tiers[len(t.tiers)-1]
}

// Deadline is now plus the timeout of amount's tier, in Unix ms.
func (t *Tiers) Deadline(amount decimal.Decimal, now time.Time) int64 {
	return now.Add(t.For(amount).Timeout).UnixMilli()
}

// List returns the tiers in ascending order.
func (t *Tiers) List() []Tier {
	return slices.Clone(t.tiers)
}
