package orderform

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/order-console/internal/catalog"
	"github.com/noah-isme/order-console/internal/currency"
	"github.com/noah-isme/order-console/internal/events"
	"github.com/noah-isme/order-console/internal/lineitem"
	"github.com/noah-isme/order-console/internal/picker"
	"github.com/noah-isme/order-console/internal/pricing"
	"github.com/noah-isme/order-console/internal/upstream"
)

var (
	// ErrStaleContext marks async data that arrived for an order context the
	// session has already left.
	ErrStaleContext = errors.New("orderform: stale order context")
	// ErrSessionNotFound is returned for unknown or expired session ids.
	ErrSessionNotFound = errors.New("orderform: session not found")
	// ErrOrderNotLoaded refuses a submit while the stored order it would
	// overwrite has not been read.
	ErrOrderNotLoaded = errors.New("orderform: order not loaded")
)

// Fields are the non-pricing order attributes carried through the form.
type Fields struct {
	CustomerID    string  `json:"customerId"`
	OrderDate     string  `json:"orderDate,omitempty"`
	OrderStatus   string  `json:"orderStatus,omitempty"`
	PaymentStatus string  `json:"paymentStatus,omitempty"`
	Notes         *string `json:"notes,omitempty"`
}

// FieldsPatch updates selected Fields; nil members are left alone.
type FieldsPatch struct {
	CustomerID    *string
	OrderDate     *string
	OrderStatus   *string
	PaymentStatus *string
	Notes         *string
}

func (f Fields) apply(p FieldsPatch) Fields {
	if p.CustomerID != nil {
		f.CustomerID = strings.TrimSpace(*p.CustomerID)
	}
	if p.OrderDate != nil {
		f.OrderDate = strings.TrimSpace(*p.OrderDate)
	}
	if p.OrderStatus != nil {
		f.OrderStatus = *p.OrderStatus
	}
	if p.PaymentStatus != nil {
		f.PaymentStatus = *p.PaymentStatus
	}
	if p.Notes != nil {
		notes := *p.Notes
		f.Notes = &notes
	}
	return f
}

func fieldsOf(o upstream.Order) Fields {
	f := Fields{
		CustomerID:    o.CustomerID,
		OrderDate:     o.OrderDate,
		OrderStatus:   o.OrderStatus,
		PaymentStatus: o.PaymentStatus,
	}
	if o.Notes != nil {
		notes := *o.Notes
		f.Notes = &notes
	}
	return f
}

// notice is an event waiting to be published once the session lock is
// released.
type notice struct {
	topic   string
	payload map[string]any
}

// Session is one open order form. All methods are safe for concurrent use;
// operations are applied one at a time in arrival order.
type Session struct {
	mu sync.Mutex

	id         string
	orderID    string
	token      uint64
	set        *lineitem.Set
	engine     *pricing.Engine
	normalizer currency.Normalizer
	fields     Fields

	// loaded is the order state a Reset returns to.
	loaded struct {
		items  []lineitem.Item
		total  decimal.Decimal
		fields Fields
	}
	orderLoaded   bool
	catalogLoaded bool
	loadErr       string
	pending       []notice
	createdAt     time.Time
}

// NewSession opens a form for orderID. An empty orderID starts a new order.
func NewSession(id, orderID string, normalizer currency.Normalizer, now time.Time) *Session {
	s := &Session{
		id:         id,
		normalizer: normalizer,
		createdAt:  now,
	}
	s.engine = pricing.NewEngine(pricing.EngineConfig{Normalizer: normalizer})
	s.engine.Observe(s.onEngineEvent)
	s.open(strings.TrimSpace(orderID))
	return s
}

func (s *Session) onEngineEvent(ev pricing.Event) {
	topic := events.TopicRecalculated
	switch ev.Kind {
	case pricing.EventManualOverride:
		topic = events.TopicManualOverride
	case pricing.EventReset:
		topic = events.TopicContextReset
	}
	s.pending = append(s.pending, notice{topic: topic, payload: map[string]any{
		"orderId":  s.orderID,
		"mode":     ev.Mode.String(),
		"total":    ev.Total.StringFixed(2),
		"previous": ev.Previous.StringFixed(2),
	}})
}

// open moves the session to a new order context. Caller holds mu.
func (s *Session) open(orderID string) uint64 {
	s.token++
	s.orderID = orderID
	s.orderLoaded = orderID == ""
	s.loadErr = ""
	s.fields = Fields{}
	s.loaded.items = nil
	s.loaded.total = decimal.Zero
	s.loaded.fields = Fields{}
	s.resetLocked()
	return s.token
}

// resetLocked reseeds items, fields and pricing from the loaded order.
func (s *Session) resetLocked() {
	s.set = lineitem.FromItems(s.loaded.items)
	s.engine.Attach(s.set)
	s.fields = s.loaded.fields
	s.engine.Reset(s.loaded.total)
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// OrderID returns the order being edited, empty for a new order.
func (s *Session) OrderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderID
}

// Token returns the current order context token.
func (s *Session) Token() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// CatalogLoaded reports whether catalog data has been applied.
func (s *Session) CatalogLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalogLoaded
}

// Open switches the session to orderID and returns the new context token.
// Data still in flight for the previous order becomes stale.
func (s *Session) Open(orderID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open(strings.TrimSpace(orderID))
}

// ApplyOrder installs a fetched order. The total shown afterwards is the
// stored one, even when the items would derive to something else.
func (s *Session) ApplyOrder(token uint64, order upstream.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != s.token {
		s.staleLocked("order", token)
		return ErrStaleContext
	}
	s.applyOrderLocked(order)
	return nil
}

func (s *Session) applyOrderLocked(order upstream.Order) {
	if id := strings.TrimSpace(string(order.ID)); id != "" {
		s.orderID = id
	}
	s.loaded.items = lineitem.Decode(order.OrderItems)
	s.loaded.total = order.StoredTotal()
	s.loaded.fields = fieldsOf(order)
	s.orderLoaded = true
	s.loadErr = ""
	s.resetLocked()
}

// ApplyCatalog installs catalog data. Pending line item changes are
// re-priced against it.
func (s *Session) ApplyCatalog(token uint64, lookup catalog.Lookup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != s.token {
		s.staleLocked("catalog", token)
		return ErrStaleContext
	}
	s.engine.SetCatalog(lookup)
	s.catalogLoaded = true
	return nil
}

func (s *Session) staleLocked(kind string, token uint64) {
	s.pending = append(s.pending, notice{topic: events.TopicStaleDiscarded, payload: map[string]any{
		"orderId": s.orderID,
		"kind":    kind,
		"token":   token,
		"current": s.token,
	}})
}

// FailLoad records a failed async load for the current context.
func (s *Session) FailLoad(token uint64, kind string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != s.token || err == nil {
		return
	}
	s.loadErr = kind + ": " + err.Error()
}

// note queues an event for publication.
func (s *Session) note(topic string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if payload == nil {
		payload = map[string]any{}
	}
	payload["orderId"] = s.orderID
	s.pending = append(s.pending, notice{topic: topic, payload: payload})
}

// AppendItem adds an empty slot.
func (s *Session) AppendItem() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set.Append()
}

// RemoveItem deletes the slot at pos.
func (s *Session) RemoveItem(pos int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set.Remove(pos)
}

// SetProduct assigns a product to the slot at pos.
func (s *Session) SetProduct(pos int, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set.SetProduct(pos, ref)
}

// SetQuantity changes the quantity at pos.
func (s *Session) SetQuantity(pos, quantity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set.SetQuantity(pos, quantity)
}

// UpdateItem applies a product and/or quantity change to one slot. The
// quantity is validated before anything is changed.
func (s *Session) UpdateItem(pos int, ref *string, quantity *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.set.At(pos); err != nil {
		return err
	}
	if quantity != nil && *quantity < 1 {
		return lineitem.ErrInvalidQuantity
	}
	if ref != nil {
		if err := s.set.SetProduct(pos, *ref); err != nil {
			return err
		}
	}
	if quantity != nil {
		return s.set.SetQuantity(pos, *quantity)
	}
	return nil
}

// TotalKeystroke records typing in the total field.
func (s *Session) TotalKeystroke() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.TotalKeystroke()
}

// EditTotal commits a typed total. Invalid input returns
// pricing.ErrInvalidTotalInput and changes nothing.
func (s *Session) EditTotal(raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.EditTotal(raw)
}

// SetFields updates the non-pricing attributes.
func (s *Session) SetFields(p FieldsPatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields = s.fields.apply(p)
}

// Reset discards local edits and returns to the loaded order in Auto mode.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// Search runs the product picker for the slot at editingPos and returns one
// page of matches plus the number of matches overall.
func (s *Session) Search(text string, editingPos, offset, limit int) ([]catalog.Entry, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := picker.Filter(s.engine.Lookup(), text, s.set.Items, editingPos)
	out := []catalog.Entry{}
	total := 0
	for entry := range seq {
		if total >= offset && (limit <= 0 || len(out) < limit) {
			out = append(out, entry)
		}
		total++
	}
	return out, total
}

// Draft is the order payload captured for a submit.
type Draft struct {
	Token   uint64
	OrderID string
	Mode    pricing.Mode
	Total   decimal.Decimal
	Payload upstream.OrderPayload
}

// PrepareSubmit computes the total to persist and builds the payload. In
// Auto mode the total is recomputed from the current items first.
func (s *Session) PrepareSubmit(token uint64, now time.Time) (Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != s.token {
		return Draft{}, ErrStaleContext
	}
	if !s.orderLoaded {
		return Draft{}, ErrOrderNotLoaded
	}
	mode := s.engine.Mode()
	total := s.engine.SubmitTotal()
	items := s.set.Items()
	f := s.fields
	orderDate := f.OrderDate
	if orderDate == "" {
		orderDate = now.UTC().Format(time.RFC3339)
	}
	payload := upstream.OrderPayload{
		OrderItems:      lineitem.Encode(items),
		OrderQuantity:   strconv.Itoa(lineitem.Summarize(items).Units),
		CustomerID:      f.CustomerID,
		OrderDate:       orderDate,
		OrderUpdateDate: now.UTC().Format(time.RFC3339),
		OrderStatus:     f.OrderStatus,
		PaymentStatus:   f.PaymentStatus,
		Notes:           f.Notes,
		TotalPrice:      upstream.Money(total),
	}
	return Draft{Token: token, OrderID: s.orderID, Mode: mode, Total: total, Payload: payload}, nil
}

// CompleteSubmit resets the session to the persisted order under a new
// context token.
func (s *Session) CompleteSubmit(token uint64, persisted upstream.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != s.token {
		s.staleLocked("submit", token)
		return ErrStaleContext
	}
	s.token++
	s.applyOrderLocked(persisted)
	return nil
}

// drain returns and clears the events raised since the last call.
func (s *Session) drain() []notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// ItemView is one line item as shown on the form.
type ItemView struct {
	Position  int    `json:"position"`
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Label     string `json:"label,omitempty"`
	Subtotal  string `json:"subtotal"`
}

// View is a snapshot of the form.
type View struct {
	SessionID     string           `json:"sessionId"`
	OrderID       string           `json:"orderId,omitempty"`
	Mode          pricing.Mode     `json:"mode"`
	Total         string           `json:"total"`
	TotalDisplay  string           `json:"totalDisplay"`
	Currency      currency.Code    `json:"currency"`
	Items         []ItemView       `json:"items"`
	Summary       lineitem.Summary `json:"summary"`
	SummaryText   string           `json:"summaryText"`
	Fields        Fields           `json:"fields"`
	OrderLoaded   bool             `json:"orderLoaded"`
	CatalogLoaded bool             `json:"catalogLoaded"`
	LoadError     string           `json:"loadError,omitempty"`
}

// View returns a snapshot of the session.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := s.normalizer.Table().Reference()
	lookup := s.engine.Lookup()
	items := s.set.Items()
	views := make([]ItemView, 0, len(items))
	for i, it := range items {
		iv := ItemView{
			Position:  i,
			ProductID: it.ProductRef,
			Quantity:  it.Quantity,
			Subtotal:  pricing.ItemSubtotal(it, lookup, s.normalizer).Display(ref),
		}
		if entry, ok := lookup.Get(it.ProductRef); ok {
			iv.Label = entry.Label()
		}
		views = append(views, iv)
	}
	summary := lineitem.Summarize(items)
	total := s.engine.Total()
	return View{
		SessionID:     s.id,
		OrderID:       s.orderID,
		Mode:          s.engine.Mode(),
		Total:         total.StringFixed(2),
		TotalDisplay:  currency.Format(total, string(ref)),
		Currency:      ref,
		Items:         views,
		Summary:       summary,
		SummaryText:   summary.String(),
		Fields:        s.fields,
		OrderLoaded:   s.orderLoaded,
		CatalogLoaded: s.catalogLoaded,
		LoadError:     s.loadErr,
	}
}
