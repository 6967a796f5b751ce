package orderform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/order-console/internal/catalog"
	"github.com/noah-isme/order-console/internal/common"
	"github.com/noah-isme/order-console/internal/currency"
	"github.com/noah-isme/order-console/internal/events"
	"github.com/noah-isme/order-console/internal/lock"
	"github.com/noah-isme/order-console/internal/pricing"
	"github.com/noah-isme/order-console/internal/resilience"
	"github.com/noah-isme/order-console/internal/upstream"
)

// Orders is the order persistence boundary.
type Orders interface {
	ReadOrder(ctx context.Context, id string) (upstream.Order, error)
	CreateOrder(ctx context.Context, payload upstream.OrderPayload, idempotencyKey string) (upstream.Order, error)
	UpdateOrder(ctx context.Context, id string, payload upstream.OrderPayload) (upstream.Order, error)
}

// CatalogProvider returns the current product catalog.
type CatalogProvider interface {
	Lookup(ctx context.Context) (*catalog.Index, error)
}

// Locker serialises submits for the same order.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Emitter publishes session events.
type Emitter interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// Recorder receives domain measurements.
type Recorder interface {
	Recalculated()
	ManualOverride()
	StaleDiscarded(kind string)
	Submitted(mode, result string, millis float64)
}

type nopRecorder struct{}

func (nopRecorder) Recalculated()                     {}
func (nopRecorder) ManualOverride()                   {}
func (nopRecorder) StaleDiscarded(string)             {}
func (nopRecorder) Submitted(string, string, float64) {}

// Config wires the Service.
type Config struct {
	Orders      Orders
	Catalog     CatalogProvider
	Locker      Locker
	Events      Emitter
	Normalizer  currency.Normalizer
	Registry    *Registry
	LockTTL     time.Duration
	LoadTimeout time.Duration
	Logger      zerolog.Logger
	Recorder    Recorder
	NewID       func() string
	Now         func() time.Time
}

// Service hosts order-form sessions.
type Service struct {
	orders      Orders
	catalog     CatalogProvider
	locker      Locker
	events      Emitter
	normalizer  currency.Normalizer
	registry    *Registry
	lockTTL     time.Duration
	loadTimeout time.Duration
	logger      zerolog.Logger
	recorder    Recorder
	tracer      trace.Tracer
	newID       func() string
	now         func() time.Time
	loads       sync.WaitGroup
}

// NewService validates cfg and builds a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Orders == nil {
		return nil, errors.New("orderform: orders boundary is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("orderform: catalog provider is required")
	}
	if cfg.Locker == nil {
		return nil, errors.New("orderform: locker is required")
	}
	svc := &Service{
		orders:      cfg.Orders,
		catalog:     cfg.Catalog,
		locker:      cfg.Locker,
		events:      cfg.Events,
		normalizer:  cfg.Normalizer,
		registry:    cfg.Registry,
		lockTTL:     cfg.LockTTL,
		loadTimeout: cfg.LoadTimeout,
		logger:      cfg.Logger,
		recorder:    cfg.Recorder,
		tracer:      otel.Tracer("github.com/noah-isme/order-console/internal/orderform"),
		newID:       cfg.NewID,
		now:         cfg.Now,
	}
	if svc.registry == nil {
		svc.registry = NewRegistry(RegistryConfig{})
	}
	if svc.lockTTL <= 0 {
		svc.lockTTL = 10 * time.Second
	}
	if svc.loadTimeout <= 0 {
		svc.loadTimeout = 15 * time.Second
	}
	if svc.recorder == nil {
		svc.recorder = nopRecorder{}
	}
	if svc.newID == nil {
		svc.newID = uuid.NewString
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	return svc, nil
}

// Registry exposes the session registry.
func (s *Service) Registry() *Registry { return s.registry }

// Wait blocks until background loads started so far have finished.
func (s *Service) Wait() { s.loads.Wait() }

// Open starts a session for orderID, or for a new order when orderID is
// empty. The order and catalog are fetched in the background.
func (s *Service) Open(ctx context.Context, orderID string) (View, error) {
	orderID = strings.TrimSpace(orderID)
	sess := NewSession(s.newID(), orderID, s.normalizer, s.now())
	token := sess.Token()
	s.registry.Put(sess)
	s.logger.Info().Str("session_id", sess.ID()).Str("order_id", orderID).Msg("order form opened")
	s.startLoads(sess, token, orderID)
	s.flush(ctx, sess)
	return sess.View(), nil
}

// Reopen points an existing session at another order. Loads still in flight
// for the previous order are discarded when they land.
func (s *Service) Reopen(ctx context.Context, id, orderID string) (View, error) {
	sess, err := s.registry.Get(id)
	if err != nil {
		return View{}, err
	}
	orderID = strings.TrimSpace(orderID)
	token := sess.Open(orderID)
	s.startLoads(sess, token, orderID)
	s.flush(ctx, sess)
	return sess.View(), nil
}

func (s *Service) startLoads(sess *Session, token uint64, orderID string) {
	if orderID != "" {
		s.loads.Add(1)
		go func() {
			defer s.loads.Done()
			s.loadOrder(sess, token, orderID)
		}()
	}
	if !sess.CatalogLoaded() {
		s.loads.Add(1)
		go func() {
			defer s.loads.Done()
			s.loadCatalog(sess, token)
		}()
	}
}

func (s *Service) loadOrder(sess *Session, token uint64, orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.loadTimeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "orderform.load_order", trace.WithAttributes(
		attribute.String("session.id", sess.ID()),
		attribute.String("order.id", orderID),
	))
	defer span.End()

	order, err := s.orders.ReadOrder(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read order")
		s.logger.Warn().Err(err).Str("session_id", sess.ID()).Str("order_id", orderID).Msg("load order failed")
		sess.FailLoad(token, "order", err)
		return
	}
	if err := sess.ApplyOrder(token, order); err != nil {
		s.discarded(sess, "order", err)
	}
	s.flush(ctx, sess)
}

func (s *Service) loadCatalog(sess *Session, token uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.loadTimeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "orderform.load_catalog", trace.WithAttributes(
		attribute.String("session.id", sess.ID()),
	))
	defer span.End()

	idx, err := s.catalog.Lookup(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load catalog")
		s.logger.Warn().Err(err).Str("session_id", sess.ID()).Msg("load catalog failed")
		sess.FailLoad(token, "catalog", err)
		return
	}
	span.SetAttributes(attribute.Int("catalog.entries", idx.Len()))
	if err := sess.ApplyCatalog(token, idx); err != nil {
		s.discarded(sess, "catalog", err)
	}
	s.flush(ctx, sess)
}

func (s *Service) discarded(sess *Session, kind string, err error) {
	if !errors.Is(err, ErrStaleContext) {
		s.logger.Error().Err(err).Str("session_id", sess.ID()).Msg("apply " + kind)
		return
	}
	s.recorder.StaleDiscarded(kind)
	s.logger.Debug().Str("session_id", sess.ID()).Str("kind", kind).Msg("stale result discarded")
}

// flush publishes the events a session has raised.
func (s *Service) flush(ctx context.Context, sess *Session) {
	for _, n := range sess.drain() {
		switch n.topic {
		case events.TopicRecalculated:
			s.recorder.Recalculated()
		case events.TopicManualOverride:
			s.recorder.ManualOverride()
		}
		if s.events == nil {
			continue
		}
		if _, err := s.events.Emit(ctx, n.topic, sess.ID(), n.payload); err != nil {
			s.logger.Warn().Err(err).Str("topic", n.topic).Str("session_id", sess.ID()).Msg("publish event")
		}
	}
}

func (s *Service) mutate(ctx context.Context, id string, fn func(*Session) error) (View, error) {
	sess, err := s.registry.Get(id)
	if err != nil {
		return View{}, err
	}
	err = fn(sess)
	s.flush(ctx, sess)
	return sess.View(), err
}

// View returns the current form state.
func (s *Service) View(ctx context.Context, id string) (View, error) {
	return s.mutate(ctx, id, func(*Session) error { return nil })
}

// AppendItem adds an empty line item.
func (s *Service) AppendItem(ctx context.Context, id string) (View, error) {
	return s.mutate(ctx, id, func(sess *Session) error {
		sess.AppendItem()
		return nil
	})
}

// RemoveItem removes the line item at pos.
func (s *Service) RemoveItem(ctx context.Context, id string, pos int) (View, error) {
	return s.mutate(ctx, id, func(sess *Session) error { return sess.RemoveItem(pos) })
}

// UpdateItem changes the product and/or quantity at pos.
func (s *Service) UpdateItem(ctx context.Context, id string, pos int, productID *string, quantity *int) (View, error) {
	return s.mutate(ctx, id, func(sess *Session) error { return sess.UpdateItem(pos, productID, quantity) })
}

// TotalKeystroke flips the form to Manual mode.
func (s *Service) TotalKeystroke(ctx context.Context, id string) (View, error) {
	return s.mutate(ctx, id, func(sess *Session) error {
		sess.TotalKeystroke()
		return nil
	})
}

// EditTotal commits a typed total. The returned view is valid even when the
// error is pricing.ErrInvalidTotalInput.
func (s *Service) EditTotal(ctx context.Context, id, raw string) (View, error) {
	return s.mutate(ctx, id, func(sess *Session) error { return sess.EditTotal(raw) })
}

// SetFields updates the non-pricing attributes.
func (s *Service) SetFields(ctx context.Context, id string, patch FieldsPatch) (View, error) {
	return s.mutate(ctx, id, func(sess *Session) error {
		sess.SetFields(patch)
		return nil
	})
}

// Reset drops local edits and returns to the loaded order.
func (s *Service) Reset(ctx context.Context, id string) (View, error) {
	return s.mutate(ctx, id, func(sess *Session) error {
		sess.Reset()
		return nil
	})
}

// Product is a picker result.
type Product struct {
	catalog.Entry
	Label string `json:"label"`
}

// SearchResult is one page of picker results.
type SearchResult struct {
	Products   []Product
	Pagination common.Pagination
}

// Search runs the product picker for the line item at pos.
func (s *Service) Search(_ context.Context, id, text string, pos, page, perPage int) (SearchResult, error) {
	sess, err := s.registry.Get(id)
	if err != nil {
		return SearchResult{}, err
	}
	offset := common.Offset(page, perPage)
	entries, total := sess.Search(text, pos, offset, perPage)
	out := make([]Product, 0, len(entries))
	for _, e := range entries {
		out = append(out, Product{Entry: e, Label: e.Label()})
	}
	return SearchResult{
		Products: out,
		Pagination: common.Pagination{
			Page:       page,
			PerPage:    perPage,
			TotalItems: total,
			HasMore:    offset+len(out) < total,
		},
	}, nil
}

// SubmitResult describes a persisted order.
type SubmitResult struct {
	OrderID string       `json:"orderId"`
	Created bool         `json:"created"`
	Mode    pricing.Mode `json:"mode"`
	Total   string       `json:"total"`
	View    View         `json:"view"`
}

// Submit persists the form. The total is recomputed first in Auto mode and
// taken as-is in Manual mode. Submits of the same order are serialised by a
// distributed lock; afterwards the form shows the persisted order.
func (s *Service) Submit(ctx context.Context, id, idempotencyKey string) (SubmitResult, error) {
	sess, err := s.registry.Get(id)
	if err != nil {
		return SubmitResult{}, err
	}
	ctx, span := s.tracer.Start(ctx, "orderform.submit", trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	token := sess.Token()
	key := lock.OrderKey(sess.OrderID(), id)
	var result SubmitResult
	err = s.locker.WithLock(ctx, key, s.lockTTL, func(ctx context.Context) error {
		if !sess.CatalogLoaded() {
			idx, err := s.catalog.Lookup(ctx)
			if err != nil {
				return common.NewAppError("CATALOG_UNAVAILABLE", "catalog could not be loaded", http.StatusServiceUnavailable, err)
			}
			if err := sess.ApplyCatalog(token, idx); err != nil {
				return err
			}
		}
		draft, err := sess.PrepareSubmit(token, s.now())
		if err != nil {
			return err
		}
		span.SetAttributes(
			attribute.String("order.id", draft.OrderID),
			attribute.String("pricing.mode", draft.Mode.String()),
			attribute.String("order.total", draft.Total.StringFixed(2)),
		)

		started := time.Now()
		persisted, err := s.persist(ctx, draft, idempotencyKey)
		millis := float64(time.Since(started)) / float64(time.Millisecond)
		if err != nil {
			s.recorder.Submitted(draft.Mode.String(), "error", millis)
			sess.note(events.TopicSubmitFailed, map[string]any{"error": err.Error(), "total": draft.Total.StringFixed(2)})
			return upstreamError(err)
		}
		s.recorder.Submitted(draft.Mode.String(), "ok", millis)

		result = SubmitResult{
			OrderID: string(persisted.ID),
			Created: draft.OrderID == "",
			Mode:    draft.Mode,
			Total:   draft.Total.StringFixed(2),
		}
		if err := sess.CompleteSubmit(token, persisted); err != nil {
			s.discarded(sess, "submit", err)
		}
		sess.note(events.TopicSubmitted, map[string]any{
			"mode":    draft.Mode.String(),
			"total":   draft.Total.StringFixed(2),
			"created": result.Created,
		})
		return nil
	})
	s.flush(ctx, sess)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit")
		s.logger.Warn().Err(err).Str("session_id", id).Msg("submit failed")
		return SubmitResult{}, err
	}
	s.logger.Info().
		Str("session_id", id).
		Str("order_id", result.OrderID).
		Str("mode", result.Mode.String()).
		Str("total", result.Total).
		Msg("order submitted")
	result.View = sess.View()
	return result, nil
}

func (s *Service) persist(ctx context.Context, draft Draft, idempotencyKey string) (upstream.Order, error) {
	if draft.OrderID != "" {
		return s.orders.UpdateOrder(ctx, draft.OrderID, draft.Payload)
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	return s.orders.CreateOrder(ctx, draft.Payload, idempotencyKey)
}

func upstreamError(err error) error {
	switch {
	case errors.Is(err, upstream.ErrNotFound):
		return common.NewAppError("ORDER_NOT_FOUND", "order no longer exists", http.StatusNotFound, err)
	case errors.Is(err, resilience.ErrOpenCircuit):
		return common.NewAppError("UPSTREAM_UNAVAILABLE", "order api temporarily unavailable", http.StatusServiceUnavailable, err)
	}
	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
		return common.NewAppError("UPSTREAM_VALIDATION", "order rejected by the order api", http.StatusUnprocessableEntity, err).
			WithDetails(map[string]string{"detail": apiErr.Detail})
	}
	return common.NewAppError("UPSTREAM_ERROR", fmt.Sprintf("order api request failed: %v", err), http.StatusBadGateway, err)
}

// Close ends a session.
func (s *Service) Close(_ context.Context, id string) error {
	if !s.registry.Delete(id) {
		return ErrSessionNotFound
	}
	s.logger.Info().Str("session_id", id).Msg("order form closed")
	return nil
}
