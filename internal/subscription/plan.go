package subscription

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/petnest/paycore/internal/config"
	"github.com/petnest/paycore/internal/money"
)

var (
	ErrUnknownPlan = errors.New("unknown plan")
	ErrNoPrice     = errors.New("plan has no price in this currency")
)

// Plan IDs in the default catalog.
const (
	PlanMonthly  = "monthly"
	PlanYearly   = "yearly"
	PlanLifetime = "lifetime"
)

// Duration is a calendar length. Calendar arithmetic keeps end dates stable
// across month lengths and leap years.
type Duration struct {
	Years, Months, Days int
}

// From returns start plus the duration.
func (d Duration) From(start time.Time) time.Time {
	return start.AddDate(d.Years, d.Months, d.Days)
}

func (d Duration) String() string {
	switch {
	case d.Years > 0 && d.Months == 0 && d.Days == 0:
		return strconv.Itoa(d.Years) + "y"
	case d.Months > 0 && d.Years == 0 && d.Days == 0:
		return strconv.Itoa(d.Months) + "m"
	default:
		return fmt.Sprintf("%dy%dm%dd", d.Years, d.Months, d.Days)
	}
}

// ParseDuration accepts "<n>d", "<n>m" and "<n>y".
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return Duration{}, fmt.Errorf("invalid plan duration %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return Duration{}, fmt.Errorf("invalid plan duration %q", s)
	}
	switch s[len(s)-1] {
	case 'd':
		return Duration{Days: n}, nil
	case 'm':
		return Duration{Months: n}, nil
	case 'y':
		return Duration{Years: n}, nil
	}
	return Duration{}, fmt.Errorf("invalid plan duration unit in %q", s)
}

// LifetimeYears is the sentinel length of a lifetime plan.
const LifetimeYears = 100

// Plan is a purchasable subscription plan.
type Plan struct {
	ID       string                     `json:"id"`
	Duration Duration                   `json:"-"`
	Prices   map[string]decimal.Decimal `json:"prices"`
}

// EndDate derives the validity end from the plan and start date.
func (p Plan) EndDate(start time.Time) time.Time {
	return p.Duration.From(start)
}

// Catalog is the fixed set of plans.
type Catalog struct {
	plans map[string]Plan
}

// NewCatalog builds a catalog from plans.
func NewCatalog(plans ...Plan) *Catalog {
	c := &Catalog{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		c.plans[p.ID] = p
	}
	return c
}

func prices(kv ...string) map[string]decimal.Decimal {
	m := make(map[string]decimal.Decimal, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = decimal.RequireFromString(kv[i+1])
	}
	return m
}

// DefaultCatalog returns the built-in monthly, yearly and lifetime plans.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Plan{ID: PlanMonthly, Duration: Duration{Months: 1},
			Prices: prices("USD", "9.99", "EUR", "9.49", "KRW", "13000", "USDC", "9.99")},
		Plan{ID: PlanYearly, Duration: Duration{Years: 1},
			Prices: prices("USD", "99.99", "EUR", "94.99", "KRW", "130000", "USDC", "99.99")},
		Plan{ID: PlanLifetime, Duration: Duration{Years: LifetimeYears},
			Prices: prices("USD", "299.99", "EUR", "284.99", "KRW", "390000", "USDC", "299.99")},
	)
}

// CatalogFromConfig converts the YAML plan specs into a catalog.
func CatalogFromConfig(specs []config.PlanSpec) (*Catalog, error) {
	plans := make([]Plan, 0, len(specs))
	for _, spec := range specs {
		d, err := ParseDuration(spec.Duration)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", spec.ID, err)
		}
		p := Plan{ID: spec.ID, Duration: d, Prices: make(map[string]decimal.Decimal)}
		for cur, amount := range spec.Prices {
			v, err := money.Parse(amount, cur)
			if err != nil {
				return nil, fmt.Errorf("plan %s price %s: %w", spec.ID, cur, err)
			}
			p.Prices[money.NormalizeCurrency(cur)] = v
		}
		plans = append(plans, p)
	}
	return NewCatalog(plans...), nil
}

// Plan looks up a plan by ID.
func (c *Catalog) Plan(id string) (Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, id)
	}
	return p, nil
}

// Price returns the plan price in currency.
func (c *Catalog) Price(planID, currency string) (decimal.Decimal, error) {
	p, err := c.Plan(planID)
	if err != nil {
		return decimal.Zero, err
	}
	price, ok := p.Prices[money.NormalizeCurrency(currency)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s in %s", ErrNoPrice, planID, money.NormalizeCurrency(currency))
	}
	return price, nil
}

// Plans lists the catalog sorted by ID.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
