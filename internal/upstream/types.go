package upstream

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/order-console/internal/catalog"
)

// FlexID decodes identifiers the upstream API sends either as strings or as
// numbers.
type FlexID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = FlexID(n.String())
	return nil
}

// Order is the upstream order record.
type Order struct {
	ID              FlexID           `json:"id"`
	OrderItems      json.RawMessage  `json:"order_items"`
	OrderQuantity   json.RawMessage  `json:"order_quantity,omitempty"`
	CustomerID      string           `json:"customer_id"`
	OrderDate       string           `json:"order_date,omitempty"`
	OrderUpdateDate string           `json:"order_update_date,omitempty"`
	OrderStatus     string           `json:"order_status,omitempty"`
	PaymentStatus   string           `json:"payment_status,omitempty"`
	Notes           *string          `json:"notes,omitempty"`
	TotalPrice      *decimal.Decimal `json:"total_price"`
	IsValid         *bool            `json:"is_valid,omitempty"`
}

// StoredTotal returns the persisted total, zero when absent.
func (o Order) StoredTotal() decimal.Decimal {
	if o.TotalPrice == nil {
		return decimal.Zero
	}
	return *o.TotalPrice
}

// OrderPayload is the body of create and update calls. TotalPrice is sent as
// a JSON number with two decimals.
type OrderPayload struct {
	OrderItems      string      `json:"order_items"`
	OrderQuantity   string      `json:"order_quantity"`
	CustomerID      string      `json:"customer_id"`
	OrderDate       string      `json:"order_date,omitempty"`
	OrderUpdateDate string      `json:"order_update_date,omitempty"`
	OrderStatus     string      `json:"order_status,omitempty"`
	PaymentStatus   string      `json:"payment_status,omitempty"`
	Notes           *string     `json:"notes,omitempty"`
	TotalPrice      json.Number `json:"total_price"`
}

// Money renders d as a JSON number with two decimals.
func Money(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

// Product is the upstream product record.
type Product struct {
	ID            FlexID           `json:"id"`
	SerialNumber  string           `json:"serial_number,omitempty"`
	Brand         string           `json:"brand,omitempty"`
	Type          string           `json:"type,omitempty"`
	UnitPrice     *decimal.Decimal `json:"unit_price"`
	PriceCurrency *string          `json:"price_currency"`
	UnitCost      *decimal.Decimal `json:"unit_cost,omitempty"`
	CostCurrency  *string          `json:"cost_currency,omitempty"`
	Width         *decimal.Decimal `json:"width,omitempty"`
	Length        *decimal.Decimal `json:"length,omitempty"`
	Thickness     *decimal.Decimal `json:"thickness,omitempty"`
	IsValid       *bool            `json:"is_valid,omitempty"`
}

// Entry converts the product into a catalog entry.
func (p Product) Entry() catalog.Entry {
	e := catalog.Entry{
		ProductRef: strings.TrimSpace(string(p.ID)),
		Brand:      p.Brand,
		Type:       p.Type,
	}
	if p.UnitPrice != nil && !p.UnitPrice.IsNegative() {
		price := *p.UnitPrice
		e.UnitPrice = &price
	}
	if p.PriceCurrency != nil {
		e.Currency = strings.TrimSpace(*p.PriceCurrency)
	}
	return e
}

// ProductsPage is the listing envelope returned by GET /products/.
type ProductsPage struct {
	Data  []Product `json:"data"`
	Count int       `json:"count"`
}

// Token is the login response.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}
