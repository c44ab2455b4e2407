// Package money provides decimal amount parsing, currency minor units and
// the FX rate snapshot used for commission accounting.
//
// Amounts are shopspring decimals end to end. Conversion to integer minor
// units happens only at provider wire boundaries.
package money

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount       = errors.New("money: invalid amount")
	ErrUnsupportedCurrency = errors.New("money: unsupported currency")
	ErrNoRate              = errors.New("money: no rate for currency")
)

// exponents holds the number of minor-unit digits per currency.
var exponents = map[string]int32{
	"USD":  2,
	"EUR":  2,
	"GBP":  2,
	"CAD":  2,
	"AUD":  2,
	"JPY":  0,
	"KRW":  0,
	"USDC": 6,
	"USDT": 6,
	"BTC":  8,
	"ETH":  8,
}

// NormalizeCurrency upper-cases and trims a currency code.
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// Supported reports whether the currency has a known minor-unit exponent.
func Supported(currency string) bool {
	_, ok := exponents[NormalizeCurrency(currency)]
	return ok
}

// Exponent returns the minor-unit digit count for currency.
func Exponent(currency string) (int32, error) {
	exp, ok := exponents[NormalizeCurrency(currency)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, currency)
	}
	return exp, nil
}

// Parse converts a decimal string into a positive amount for currency.
// Values with more fractional digits than the currency allows are rejected
// rather than rounded.
func Parse(s, currency string) (decimal.Decimal, error) {
	exp, err := Exponent(currency)
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if err := Validate(d, currency); err != nil {
		return decimal.Zero, err
	}
	return d.Round(exp), nil
}

// Validate checks that d is positive and representable in currency.
func Validate(d decimal.Decimal, currency string) error {
	exp, err := Exponent(currency)
	if err != nil {
		return err
	}
	if d.Sign() <= 0 {
		return fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	if !d.Equal(d.Truncate(exp)) {
		return fmt.Errorf("%w: more than %d decimal places for %s", ErrInvalidAmount, exp, NormalizeCurrency(currency))
	}
	return nil
}

// ToMinor converts an amount to integer minor units (cents for USD).
func ToMinor(amount decimal.Decimal, currency string) (int64, error) {
	exp, err := Exponent(currency)
	if err != nil {
		return 0, err
	}
	shifted := amount.Shift(exp)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%w: %s is not a whole number of minor units", ErrInvalidAmount, amount)
	}
	return shifted.IntPart(), nil
}

// FromMinor converts integer minor units back to a decimal amount.
func FromMinor(minor int64, currency string) (decimal.Decimal, error) {
	exp, err := Exponent(currency)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(minor, -exp), nil
}

// Equal is the zero-tolerance comparison used for reported amounts.
// Trailing zeros are not significant: 9.99 equals 9.990.
func Equal(a, b decimal.Decimal) bool {
	return a.Equal(b)
}

// Round rounds half away from zero to the currency's minor unit.
func Round(amount decimal.Decimal, currency string) decimal.Decimal {
	exp, err := Exponent(currency)
	if err != nil {
		return amount
	}
	return amount.Round(exp)
}

// Format renders amount with exactly the currency's minor-unit digits.
func Format(amount decimal.Decimal, currency string) string {
	exp, err := Exponent(currency)
	if err != nil {
		return amount.String()
	}
	return amount.StringFixed(exp)
}

// RateTable is an immutable snapshot of conversion rates into a base currency.
type RateTable struct {
	base  string
	rates map[string]decimal.Decimal
}

// NewRateTable builds a table. The base currency always has rate 1.
func NewRateTable(base string, rates map[string]decimal.Decimal) *RateTable {
	t := &RateTable{
		base:  NormalizeCurrency(base),
		rates: make(map[string]decimal.Decimal, len(rates)+1),
	}
	for cur, r := range rates {
		t.rates[NormalizeCurrency(cur)] = r
	}
	t.rates[t.base] = decimal.NewFromInt(1)
	return t
}

// ParseRates parses "EUR:1.08,KRW:0.00074" into a table for base.
func ParseRates(base, spec string) (*RateTable, error) {
	rates := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		cur, val, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("money: malformed rate %q", pair)
		}
		r, err := decimal.NewFromString(strings.TrimSpace(val))
		if err != nil || r.Sign() <= 0 {
			return nil, fmt.Errorf("money: invalid rate for %s: %q", cur, val)
		}
		rates[cur] = r
	}
	return NewRateTable(base, rates), nil
}

// Base returns the base currency code.
func (t *RateTable) Base() string { return t.base }

// Rate returns the multiplier converting currency amounts into the base currency.
func (t *RateTable) Rate(currency string) (decimal.Decimal, error) {
	r, ok := t.rates[NormalizeCurrency(currency)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoRate, NormalizeCurrency(currency))
	}
	return r, nil
}

// Currencies lists the currencies with a rate, sorted.
func (t *RateTable) Currencies() []string {
	out := make([]string, 0, len(t.rates))
	for cur := range t.rates {
		out = append(out, cur)
	}
	sort.Strings(out)
	return out
}
