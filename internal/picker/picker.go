// Package picker searches the catalog for products to place on a line item.
package picker

import (
	"iter"
	"strings"

	"github.com/noah-isme/order-console/internal/catalog"
	"github.com/noah-isme/order-console/internal/lineitem"
)

// Filter returns the catalog entries matching text, case-insensitively, on
// the product ref or display name. Products held by a slot other than
// editingPos are skipped. Blank text yields nothing. The sequence is lazy
// and may be ranged over more than once; it reads items at each start.
func Filter(lookup catalog.Lookup, text string, items func() []lineitem.Item, editingPos int) iter.Seq[catalog.Entry] {
	needle := strings.ToLower(strings.TrimSpace(text))
	return func(yield func(catalog.Entry) bool) {
		if needle == "" || lookup == nil {
			return
		}
		excluded := heldElsewhere(items, editingPos)
		for entry := range lookup.All() {
			if _, skip := excluded[entry.ProductRef]; skip {
				continue
			}
			if !matches(entry, needle) {
				continue
			}
			if !yield(entry) {
				return
			}
		}
	}
}

func heldElsewhere(items func() []lineitem.Item, editingPos int) map[string]struct{} {
	out := map[string]struct{}{}
	if items == nil {
		return out
	}
	for i, it := range items() {
		if i == editingPos || !it.IsSet() {
			continue
		}
		out[it.ProductRef] = struct{}{}
	}
	return out
}

func matches(entry catalog.Entry, needle string) bool {
	if strings.Contains(strings.ToLower(entry.ProductRef), needle) {
		return true
	}
	name := entry.DisplayName()
	return name != "" && strings.Contains(strings.ToLower(name), needle)
}

// Take collects at most limit entries from seq. A limit below one collects
// everything.
func Take(seq iter.Seq[catalog.Entry], limit int) []catalog.Entry {
	out := []catalog.Entry{}
	for entry := range seq {
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
