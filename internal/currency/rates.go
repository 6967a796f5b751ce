package currency

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Code is an upper-case ISO 4217 currency code.
type Code string

// Currencies known to the console.
const (
	SGD Code = "SGD"
	USD Code = "USD"
	EUR Code = "EUR"
	GBP Code = "GBP"
	JPY Code = "JPY"
	AUD Code = "AUD"
	CAD Code = "CAD"
	CNY Code = "CNY"
	HKD Code = "HKD"
	INR Code = "INR"
	MYR Code = "MYR"
)

var defaultRates = map[Code]string{
	SGD: "1.00",
	USD: "1.35",
	EUR: "1.45",
	GBP: "1.70",
	JPY: "0.0088",
	AUD: "0.88",
	CAD: "0.99",
	CNY: "0.19",
	HKD: "0.17",
	INR: "0.016",
	MYR: "0.30",
}

// ErrInvalidRateTable is returned when a rate table cannot be constructed.
var ErrInvalidRateTable = errors.New("currency: invalid rate table")

// RateTable maps a currency to the value of one unit expressed in the
// reference currency. A RateTable is immutable once built.
type RateTable struct {
	reference Code
	fallback  Code
	rates     map[Code]decimal.Decimal
}

// Normalize upper-cases and trims a raw currency code.
func Normalize(code string) Code {
	return Code(strings.ToUpper(strings.TrimSpace(code)))
}

// DefaultRates returns a copy of the built-in rate table entries.
func DefaultRates() map[Code]decimal.Decimal {
	out := make(map[Code]decimal.Decimal, len(defaultRates))
	for code, raw := range defaultRates {
		out[code] = decimal.RequireFromString(raw)
	}
	return out
}

// DefaultTable returns the built-in SGD table with USD as the fallback currency.
func DefaultTable() RateTable {
	table, err := NewRateTable(SGD, USD, DefaultRates())
	if err != nil {
		panic(err)
	}
	return table
}

// NewRateTable validates the provided rates and returns an immutable table.
// The reference currency must carry a rate of exactly 1 and the fallback
// currency must be present.
func NewRateTable(reference, fallback Code, rates map[Code]decimal.Decimal) (RateTable, error) {
	reference = Normalize(string(reference))
	fallback = Normalize(string(fallback))
	if reference == "" {
		return RateTable{}, fmt.Errorf("%w: reference currency is required", ErrInvalidRateTable)
	}
	if fallback == "" {
		return RateTable{}, fmt.Errorf("%w: fallback currency is required", ErrInvalidRateTable)
	}
	copied := make(map[Code]decimal.Decimal, len(rates)+1)
	for code, rate := range rates {
		key := Normalize(string(code))
		if key == "" {
			continue
		}
		if !rate.IsPositive() {
			return RateTable{}, fmt.Errorf("%w: rate for %s must be positive", ErrInvalidRateTable, key)
		}
		copied[key] = rate
	}
	if ref, ok := copied[reference]; ok && !ref.Equal(decimal.NewFromInt(1)) {
		return RateTable{}, fmt.Errorf("%w: reference currency %s must have rate 1", ErrInvalidRateTable, reference)
	}
	copied[reference] = decimal.NewFromInt(1)
	if _, ok := copied[fallback]; !ok {
		return RateTable{}, fmt.Errorf("%w: fallback currency %s has no rate", ErrInvalidRateTable, fallback)
	}
	return RateTable{reference: reference, fallback: fallback, rates: copied}, nil
}

// Reference returns the currency every amount is normalised into.
func (t RateTable) Reference() Code { return t.reference }

// Fallback returns the currency used for absent or unknown codes.
func (t RateTable) Fallback() Code { return t.fallback }

// Rate returns the reference-currency value of one unit of code. Empty and
// unknown codes resolve to the fallback currency's rate.
func (t RateTable) Rate(code string) decimal.Decimal {
	key := Normalize(code)
	if key != "" {
		if rate, ok := t.rates[key]; ok {
			return rate
		}
	}
	return t.rates[t.fallback]
}

// ParseRates reads overrides in the form "USD=1.35,EUR=1.45".
func ParseRates(csv string) (map[Code]decimal.Decimal, error) {
	out := map[Code]decimal.Decimal{}
	if strings.TrimSpace(csv) == "" {
		return out, nil
	}
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, raw, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: malformed entry %q", ErrInvalidRateTable, part)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: rate for %s: %v", ErrInvalidRateTable, strings.TrimSpace(code), err)
		}
		out[Normalize(code)] = rate
	}
	return out, nil
}

// Merge overlays overrides onto base and returns a new map.
func Merge(base, overrides map[Code]decimal.Decimal) map[Code]decimal.Decimal {
	out := make(map[Code]decimal.Decimal, len(base)+len(overrides))
	for code, rate := range base {
		out[Normalize(string(code))] = rate
	}
	for code, rate := range overrides {
		out[Normalize(string(code))] = rate
	}
	return out
}
