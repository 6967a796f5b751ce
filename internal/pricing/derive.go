package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/noah-isme/order-console/internal/catalog"
	"github.com/noah-isme/order-console/internal/currency"
	"github.com/noah-isme/order-console/internal/lineitem"
)

// Round2 rounds to two decimal places, half away from zero.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Subtotal is the contribution of a single line item.
type Subtotal struct {
	Item lineitem.Item
	// Priced is false when the product is unset, unknown or has no unit price.
	Priced     bool
	Currency   string
	Original   decimal.Decimal
	Normalized decimal.Decimal
}

// Display renders the subtotal as "<symbol><original> (<ref symbol><normalised>)"
// or "N/A" when the item carries no price.
func (s Subtotal) Display(reference currency.Code) string {
	if !s.Priced {
		return "N/A"
	}
	return currency.Format(s.Original, s.Currency) + " (" + currency.Format(s.Normalized, string(reference)) + ")"
}

// ItemSubtotal computes the unrounded subtotal of item.
func ItemSubtotal(item lineitem.Item, lookup catalog.Lookup, n currency.Normalizer) Subtotal {
	sub := Subtotal{Item: item, Original: decimal.Zero, Normalized: decimal.Zero}
	if !item.IsSet() || item.Quantity < 1 || lookup == nil {
		return sub
	}
	entry, ok := lookup.Get(item.ProductRef)
	if !ok || entry.UnitPrice == nil {
		return sub
	}
	qty := decimal.NewFromInt(int64(item.Quantity))
	sub.Priced = true
	sub.Currency = entry.Currency
	sub.Original = entry.UnitPrice.Mul(qty)
	sub.Normalized = n.Normalize(*entry.UnitPrice, entry.Currency).Mul(qty)
	return sub
}

// Derive sums the normalised subtotals of items and rounds the result once.
// Items without a catalog price contribute zero.
func Derive(items []lineitem.Item, lookup catalog.Lookup, n currency.Normalizer) decimal.Decimal {
	sum := decimal.Zero
	for _, it := range items {
		sum = sum.Add(ItemSubtotal(it, lookup, n).Normalized)
	}
	return Round2(sum)
}
