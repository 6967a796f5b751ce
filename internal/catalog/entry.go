package catalog

import (
	"iter"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/order-console/internal/currency"
)

// Entry is a read-only product as seen by pricing and the picker.
type Entry struct {
	ProductRef string           `json:"id"`
	UnitPrice  *decimal.Decimal `json:"unitPrice,omitempty"`
	Currency   string           `json:"currency,omitempty"`
	Brand      string           `json:"brand,omitempty"`
	Type       string           `json:"type,omitempty"`
	Name       string           `json:"name,omitempty"`
}

// DisplayName returns the descriptive name of the product, built from brand
// and type when no explicit name is set.
func (e Entry) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	return strings.TrimSpace(strings.Join(nonEmpty(e.Brand, e.Type), " "))
}

// Priced reports whether the entry carries a unit price.
func (e Entry) Priced() bool { return e.UnitPrice != nil }

// Label renders the entry the way the product dropdown shows it.
func (e Entry) Label() string {
	if e.UnitPrice == nil {
		return e.ProductRef
	}
	return e.ProductRef + " - " + currency.Format(*e.UnitPrice, e.Currency)
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Lookup is the read-only product index consulted during pricing.
type Lookup interface {
	Get(ref string) (Entry, bool)
	All() iter.Seq[Entry]
	Len() int
}

// Index is an immutable in-memory Lookup preserving catalog order.
type Index struct {
	entries []Entry
	byRef   map[string]int
}

// NewIndex builds an index. Entries without a ref are skipped and the first
// occurrence of a duplicated ref wins.
func NewIndex(entries []Entry) *Index {
	idx := &Index{
		entries: make([]Entry, 0, len(entries)),
		byRef:   make(map[string]int, len(entries)),
	}
	for _, e := range entries {
		e.ProductRef = strings.TrimSpace(e.ProductRef)
		if e.ProductRef == "" {
			continue
		}
		if _, dup := idx.byRef[e.ProductRef]; dup {
			continue
		}
		idx.byRef[e.ProductRef] = len(idx.entries)
		idx.entries = append(idx.entries, e)
	}
	return idx
}

// Get returns the entry for ref.
func (i *Index) Get(ref string) (Entry, bool) {
	if i == nil {
		return Entry{}, false
	}
	pos, ok := i.byRef[ref]
	if !ok {
		return Entry{}, false
	}
	return i.entries[pos], true
}

// All yields entries in catalog order.
func (i *Index) All() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		if i == nil {
			return
		}
		for _, e := range i.entries {
			if !yield(e) {
				return
			}
		}
	}
}

// Len returns the number of entries.
func (i *Index) Len() int {
	if i == nil {
		return 0
	}
	return len(i.entries)
}

// Empty is a Lookup with no products, used before the catalog arrives.
var Empty Lookup = NewIndex(nil)
