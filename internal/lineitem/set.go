package lineitem

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPosition is returned for out-of-range positions and for
	// removing the only remaining slot.
	ErrInvalidPosition = errors.New("lineitem: invalid position")
	// ErrInvalidQuantity is returned when a quantity is below one.
	ErrInvalidQuantity = errors.New("lineitem: invalid quantity")
)

// Item is a single (product, quantity) pair. An empty ProductRef means the
// slot has not been populated yet.
type Item struct {
	ProductRef string `json:"productId"`
	Quantity   int    `json:"quantity"`
}

// IsSet reports whether the slot has a product assigned.
func (i Item) IsSet() bool { return i.ProductRef != "" }

// ChangeKind identifies the mutation carried by a Change.
type ChangeKind int

const (
	ChangeAppended ChangeKind = iota + 1
	ChangeRemoved
	ChangeProduct
	ChangeQuantity
	ChangeReplaced
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAppended:
		return "appended"
	case ChangeRemoved:
		return "removed"
	case ChangeProduct:
		return "product"
	case ChangeQuantity:
		return "quantity"
	case ChangeReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Change describes a mutation applied to a Set.
type Change struct {
	Kind     ChangeKind
	Position int
	Item     Item
}

// Set is an ordered collection of line items that always holds at least one
// slot. It is not safe for concurrent use; callers serialise access.
type Set struct {
	items   []Item
	subs    map[int]func(Change)
	nextSub int
}

// NewSet returns a set holding a single empty slot.
func NewSet() *Set {
	return &Set{items: []Item{{Quantity: 1}}}
}

// FromItems builds a set from items. An empty input yields a single empty slot.
func FromItems(items []Item) *Set {
	s := &Set{}
	s.items = sanitize(items)
	return s
}

func sanitize(items []Item) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		it.ProductRef = strings.TrimSpace(it.ProductRef)
		if it.Quantity < 1 {
			it.Quantity = 1
		}
		out = append(out, it)
	}
	if len(out) == 0 {
		out = append(out, Item{Quantity: 1})
	}
	return out
}

// Subscribe registers fn to receive every successful mutation. The returned
// function removes the subscription.
func (s *Set) Subscribe(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	if s.subs == nil {
		s.subs = make(map[int]func(Change))
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() { delete(s.subs, id) }
}

func (s *Set) notify(c Change) {
	for i := 0; i < s.nextSub; i++ {
		if fn, ok := s.subs[i]; ok {
			fn(c)
		}
	}
}

// Len returns the number of slots.
func (s *Set) Len() int { return len(s.items) }

// Items returns a copy of the slots in display order.
func (s *Set) Items() []Item {
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

// At returns the slot at pos.
func (s *Set) At(pos int) (Item, error) {
	if pos < 0 || pos >= len(s.items) {
		return Item{}, fmt.Errorf("%w: %d", ErrInvalidPosition, pos)
	}
	return s.items[pos], nil
}

// Append adds an empty slot with quantity 1 at the end.
func (s *Set) Append() {
	it := Item{Quantity: 1}
	s.items = append(s.items, it)
	s.notify(Change{Kind: ChangeAppended, Position: len(s.items) - 1, Item: it})
}

// Remove deletes the slot at pos. The only remaining slot cannot be removed.
func (s *Set) Remove(pos int) error {
	if pos < 0 || pos >= len(s.items) {
		return fmt.Errorf("%w: %d", ErrInvalidPosition, pos)
	}
	if len(s.items) == 1 {
		return fmt.Errorf("%w: cannot remove the only line item", ErrInvalidPosition)
	}
	removed := s.items[pos]
	s.items = append(s.items[:pos], s.items[pos+1:]...)
	s.notify(Change{Kind: ChangeRemoved, Position: pos, Item: removed})
	return nil
}

// SetProduct assigns ref to the slot at pos. Uniqueness is not enforced.
func (s *Set) SetProduct(pos int, ref string) error {
	if pos < 0 || pos >= len(s.items) {
		return fmt.Errorf("%w: %d", ErrInvalidPosition, pos)
	}
	s.items[pos].ProductRef = strings.TrimSpace(ref)
	s.notify(Change{Kind: ChangeProduct, Position: pos, Item: s.items[pos]})
	return nil
}

// SetQuantity replaces the quantity at pos.
func (s *Set) SetQuantity(pos, quantity int) error {
	if pos < 0 || pos >= len(s.items) {
		return fmt.Errorf("%w: %d", ErrInvalidPosition, pos)
	}
	if quantity < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	s.items[pos].Quantity = quantity
	s.notify(Change{Kind: ChangeQuantity, Position: pos, Item: s.items[pos]})
	return nil
}

// Replace swaps the whole content of the set, keeping subscribers.
func (s *Set) Replace(items []Item) {
	s.items = sanitize(items)
	s.notify(Change{Kind: ChangeReplaced, Position: -1})
}

// HeldElsewhere returns the product refs assigned to slots other than pos.
func (s *Set) HeldElsewhere(pos int) map[string]struct{} {
	out := make(map[string]struct{}, len(s.items))
	for i, it := range s.items {
		if i == pos || !it.IsSet() {
			continue
		}
		out[it.ProductRef] = struct{}{}
	}
	return out
}

// Summary counts populated slots and their units.
type Summary struct {
	Products int `json:"products"`
	Units    int `json:"units"`
}

func (s Summary) String() string {
	return fmt.Sprintf("%d products (%d units)", s.Products, s.Units)
}

// Summarize reports the number of populated slots and the units they carry.
func Summarize(items []Item) Summary {
	var sum Summary
	for _, it := range items {
		if !it.IsSet() || it.Quantity < 1 {
			continue
		}
		sum.Products++
		sum.Units += it.Quantity
	}
	return sum
}
