package currency

import "github.com/shopspring/decimal"

// Symbol returns the display symbol for code, "$" when unknown.
func Symbol(code string) string {
	switch Normalize(code) {
	case USD:
		return "US$"
	case EUR:
		return "€"
	case GBP:
		return "£"
	case JPY, CNY:
		return "¥"
	case SGD:
		return "S$"
	case AUD:
		return "A$"
	case CAD:
		return "C$"
	case HKD:
		return "HK$"
	case INR:
		return "₹"
	default:
		return "$"
	}
}

// Format renders amount with the symbol of code and two decimal places.
func Format(amount decimal.Decimal, code string) string {
	return Symbol(code) + amount.StringFixed(2)
}
