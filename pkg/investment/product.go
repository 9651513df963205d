package investment

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Product describes a purchasable investment plan. The period unit is carried
// as data so behavior never depends on the product's display name.
type Product struct {
	Name        string
	PeriodUnit  PeriodUnit
	Period      int
	ExpectedROI decimal.Decimal
	Minimum     decimal.Decimal
	Maximum     decimal.Decimal

	// Scheduled products start at a caller-supplied instant; others start
	// at purchase time.
	Scheduled bool
}

// Validate checks product configuration.
func (p Product) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("%w: product name is required", ErrInvalidInput)
	case !p.PeriodUnit.Valid():
		return fmt.Errorf("%w: product %s: unknown period unit %q", ErrInvalidInput, p.Name, p.PeriodUnit)
	case p.Period < 1:
		return fmt.Errorf("%w: product %s: period must be >= 1", ErrInvalidInput, p.Name)
	case !p.ExpectedROI.IsPositive():
		return fmt.Errorf("%w: product %s: expected ROI must be positive", ErrInvalidInput, p.Name)
	case p.Minimum.IsNegative():
		return fmt.Errorf("%w: product %s: minimum must not be negative", ErrInvalidInput, p.Name)
	case p.Maximum.IsPositive() && p.Maximum.LessThan(p.Minimum):
		return fmt.Errorf("%w: product %s: maximum below minimum", ErrInvalidInput, p.Name)
	}
	return nil
}

// Accepts reports whether amount is within the product's purchase limits.
// A zero Maximum means no upper bound.
func (p Product) Accepts(amount decimal.Decimal) bool {
	if amount.LessThan(p.Minimum) {
		return false
	}
	if p.Maximum.IsPositive() && amount.GreaterThan(p.Maximum) {
		return false
	}
	return true
}

// Catalog is an immutable set of products keyed by name.
type Catalog struct {
	products map[string]Product
}

// NewCatalog validates and indexes the given products.
func NewCatalog(products ...Product) (*Catalog, error) {
	c := &Catalog{products: make(map[string]Product, len(products))}
	for _, p := range products {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.products[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate product %q", ErrInvalidInput, p.Name)
		}
		c.products[p.Name] = p
	}
	return c, nil
}

// DefaultProducts returns the two stock plans: a short daily-cycle plan that
// starts on purchase, and a monthly-cycle plan that starts on a scheduled date.
func DefaultProducts() []Product {
	return []Product{
		{
			Name:        "daily",
			PeriodUnit:  PeriodDays,
			Period:      7,
			ExpectedROI: decimal.NewFromInt(5),
			Minimum:     decimal.NewFromInt(100),
			Maximum:     decimal.NewFromInt(100000),
		},
		{
			Name:        "monthly",
			PeriodUnit:  PeriodMonths,
			Period:      3,
			ExpectedROI: decimal.NewFromInt(20),
			Minimum:     decimal.NewFromInt(1000),
			Maximum:     decimal.NewFromInt(1000000),
			Scheduled:   true,
		},
	}
}

// Lookup returns the product with the given name.
func (c *Catalog) Lookup(name string) (Product, bool) {
	p, ok := c.products[name]
	return p, ok
}

// Products returns all products sorted by name.
func (c *Catalog) Products() []Product {
	out := make([]Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
