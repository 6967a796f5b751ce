package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/order-console/internal/catalog"
	"github.com/noah-isme/order-console/internal/currency"
	"github.com/noah-isme/order-console/internal/lineitem"
)

// ErrInvalidTotalInput marks a direct total edit that is not a non-negative
// number. The edit is ignored.
var ErrInvalidTotalInput = errors.New("pricing: invalid total input")

// Mode says who owns the total.
type Mode int

const (
	// Auto derives the total from line items.
	Auto Mode = iota
	// Manual keeps the user's value until the order context resets.
	Manual
)

func (m Mode) String() string {
	if m == Manual {
		return "manual"
	}
	return "auto"
}

// MarshalText renders the mode for JSON payloads.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText parses "auto" or "manual".
func (m *Mode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "auto":
		*m = Auto
	case "manual":
		*m = Manual
	default:
		return fmt.Errorf("pricing: unknown mode %q", text)
	}
	return nil
}

// State is the pricing state of one open order form.
type State struct {
	Mode        Mode
	Total       decimal.Decimal
	LastDerived decimal.Decimal
}

// EventKind identifies an engine notification.
type EventKind string

const (
	EventRecalculated   EventKind = "recalculated"
	EventManualOverride EventKind = "manual_override"
	EventReset          EventKind = "context_reset"
)

// Event is emitted to observers after a state change.
type Event struct {
	Kind     EventKind
	Mode     Mode
	Total    decimal.Decimal
	Previous decimal.Decimal
}

// Observer receives engine events synchronously.
type Observer func(Event)

// Items supplies the current line items.
type Items func() []lineitem.Item

// Engine reconciles the order total with its line items. It is not safe for
// concurrent use.
type Engine struct {
	state      State
	items      Items
	lookup     catalog.Lookup
	normalizer currency.Normalizer
	observers  []Observer
	// changed is set by LineItemChanged and cleared by Reset.
	changed bool
	detach  func()
}

// EngineConfig groups Engine dependencies.
type EngineConfig struct {
	Normalizer currency.Normalizer
	Lookup     catalog.Lookup
	Items      Items
}

// NewEngine returns an engine in Auto mode with a zero total.
func NewEngine(cfg EngineConfig) *Engine {
	lookup := cfg.Lookup
	if lookup == nil {
		lookup = catalog.Empty
	}
	items := cfg.Items
	if items == nil {
		items = func() []lineitem.Item { return nil }
	}
	return &Engine{
		state:      State{Mode: Auto, Total: decimal.Zero, LastDerived: decimal.Zero},
		items:      items,
		lookup:     lookup,
		normalizer: cfg.Normalizer,
	}
}

// Attach makes set the item source and subscribes to its mutations. A
// previously attached set is detached.
func (e *Engine) Attach(set *lineitem.Set) {
	if e.detach != nil {
		e.detach()
	}
	e.items = set.Items
	e.detach = set.Subscribe(func(lineitem.Change) { e.LineItemChanged() })
}

// Observe registers an observer.
func (e *Engine) Observe(fn Observer) {
	if fn != nil {
		e.observers = append(e.observers, fn)
	}
}

func (e *Engine) emit(ev Event) {
	for _, fn := range e.observers {
		fn(ev)
	}
}

// State returns a copy of the current state.
func (e *Engine) State() State { return e.state }

// Mode returns the current mode.
func (e *Engine) Mode() Mode { return e.state.Mode }

// Total returns the current total.
func (e *Engine) Total() decimal.Decimal { return e.state.Total }

// Lookup returns the catalog the engine prices against.
func (e *Engine) Lookup() catalog.Lookup { return e.lookup }

// Derive computes the candidate total from the current items without
// changing state.
func (e *Engine) Derive() decimal.Decimal {
	return Derive(e.items(), e.lookup, e.normalizer)
}

// LineItemChanged recomputes the total in Auto mode. In Manual mode it does
// nothing.
func (e *Engine) LineItemChanged() {
	e.changed = true
	if e.state.Mode != Auto {
		return
	}
	e.recompute()
}

func (e *Engine) recompute() {
	candidate := e.Derive()
	if candidate.Equal(e.state.LastDerived) {
		return
	}
	prev := e.state.Total
	e.state.Total = candidate
	e.state.LastDerived = candidate
	e.emit(Event{Kind: EventRecalculated, Mode: Auto, Total: candidate, Previous: prev})
}

// SetCatalog swaps the catalog. When line items changed since the last reset
// and the engine is in Auto mode the total is recomputed against the new data.
func (e *Engine) SetCatalog(lookup catalog.Lookup) {
	if lookup == nil {
		lookup = catalog.Empty
	}
	e.lookup = lookup
	if e.state.Mode == Auto && e.changed {
		e.recompute()
	}
}

// TotalKeystroke records that the user started typing into the total field.
// The engine switches to Manual even when the typed value is not yet valid.
func (e *Engine) TotalKeystroke() {
	e.toManual()
}

func (e *Engine) toManual() {
	if e.state.Mode == Manual {
		return
	}
	e.state.Mode = Manual
	e.emit(Event{Kind: EventManualOverride, Mode: Manual, Total: e.state.Total, Previous: e.state.Total})
}

// TotalDirectlyEdited commits a user-entered total. Negative values are
// rejected with ErrInvalidTotalInput and leave the state untouched.
func (e *Engine) TotalDirectlyEdited(value decimal.Decimal) error {
	if value.IsNegative() {
		return ErrInvalidTotalInput
	}
	prev := e.state.Total
	wasManual := e.state.Mode == Manual
	e.state.Mode = Manual
	e.state.Total = Round2(value)
	if !wasManual || !prev.Equal(e.state.Total) {
		e.emit(Event{Kind: EventManualOverride, Mode: Manual, Total: e.state.Total, Previous: prev})
	}
	return nil
}

// EditTotal parses raw and commits it as a direct edit.
func (e *Engine) EditTotal(raw string) error {
	value, err := ParseTotal(raw)
	if err != nil {
		return err
	}
	return e.TotalDirectlyEdited(value)
}

// ParseTotal parses a user-entered total.
func ParseTotal(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Decimal{}, ErrInvalidTotalInput
	}
	value, err := decimal.NewFromString(raw)
	if err != nil || value.IsNegative() {
		return decimal.Decimal{}, ErrInvalidTotalInput
	}
	return value, nil
}

// Reset returns to Auto with stored as both the total and the last derived
// value, so a reload does not immediately recompute a different figure.
func (e *Engine) Reset(stored decimal.Decimal) {
	if stored.IsNegative() {
		stored = decimal.Zero
	}
	prev := e.state.Total
	stored = Round2(stored)
	e.state = State{Mode: Auto, Total: stored, LastDerived: stored}
	e.changed = false
	e.emit(Event{Kind: EventReset, Mode: Auto, Total: stored, Previous: prev})
}

// SubmitTotal returns the value to persist. In Auto mode the total is
// recomputed from the current items first.
func (e *Engine) SubmitTotal() decimal.Decimal {
	if e.state.Mode == Auto {
		e.recompute()
	}
	return e.state.Total
}
