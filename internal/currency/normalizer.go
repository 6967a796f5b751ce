package currency

import "github.com/shopspring/decimal"

// Normalizer converts amounts into the reference currency of its table.
type Normalizer struct {
	table RateTable
}

// NewNormalizer returns a Normalizer bound to table.
func NewNormalizer(table RateTable) Normalizer {
	return Normalizer{table: table}
}

// Table exposes the rate table the normalizer was built with.
func (n Normalizer) Table() RateTable { return n.table }

// Normalize converts amount priced in code into the reference currency. An
// empty code is treated as the fallback currency, not the reference one. The
// result is not rounded.
func (n Normalizer) Normalize(amount decimal.Decimal, code string) decimal.Decimal {
	return amount.Mul(n.table.Rate(code))
}
