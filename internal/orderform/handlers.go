package orderform

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/order-console/internal/common"
	"github.com/noah-isme/order-console/internal/lineitem"
	"github.com/noah-isme/order-console/internal/lock"
	"github.com/noah-isme/order-console/internal/pricing"
)

const (
	defaultSearchPerPage = 25
	maxSearchPerPage     = 100
)

var maxQuantity = decimal.NewFromInt(math.MaxInt32)

// Handler exposes the order form over HTTP.
type Handler struct {
	Service  *Service
	Validate *validator.Validate
	Logger   zerolog.Logger

	// SearchLimit and SubmitLimit wrap the picker and submit routes when set.
	SearchLimit func(http.Handler) http.Handler
	SubmitLimit func(http.Handler) http.Handler
	// Idempotency wraps the submit route when set.
	Idempotency func(http.Handler) http.Handler
}

// Mount registers the session routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.Open)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Close)
			r.Post("/open", h.Reopen)
			r.Post("/items", h.AppendItem)
			r.Patch("/items/{pos}", h.UpdateItem)
			r.Delete("/items/{pos}", h.RemoveItem)
			r.Post("/total/keystroke", h.TotalKeystroke)
			r.Put("/total", h.EditTotal)
			r.Patch("/fields", h.SetFields)
			r.Post("/reset", h.Reset)
			r.With(optional(h.SearchLimit)).Get("/products", h.Search)
			r.With(optional(h.SubmitLimit), optional(h.Idempotency)).Post("/submit", h.Submit)
		})
	})
}

func optional(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return mw
}

type openRequest struct {
	OrderID string `json:"orderId" validate:"omitempty,max=64"`
}

type updateItemRequest struct {
	ProductID *string      `json:"productId" validate:"omitempty,max=64"`
	Quantity  *json.Number `json:"quantity"`
}

type totalRequest struct {
	Value json.RawMessage `json:"value"`
}

type fieldsRequest struct {
	CustomerID    *string `json:"customerId" validate:"omitempty,max=64"`
	OrderDate     *string `json:"orderDate" validate:"omitempty,max=64"`
	OrderStatus   *string `json:"orderStatus" validate:"omitempty,oneof=Pending Processing Shipped Delivered Completed Cancelled"`
	PaymentStatus *string `json:"paymentStatus" validate:"omitempty,oneof=Pending Paid Failed Refunded"`
	Notes         *string `json:"notes" validate:"omitempty,max=2000"`
}

// Open handles POST /api/v1/sessions.
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req openRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	view, err := h.Service.Open(r.Context(), req.OrderID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, view)
}

// Reopen handles POST /api/v1/sessions/{sessionID}/open.
func (h *Handler) Reopen(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req openRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	view, err := h.Service.Reopen(r.Context(), chi.URLParam(r, "sessionID"), req.OrderID)
	h.respond(w, view, err)
}

// Get handles GET /api/v1/sessions/{sessionID}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	view, err := h.Service.View(r.Context(), chi.URLParam(r, "sessionID"))
	h.respond(w, view, err)
}

// AppendItem handles POST /api/v1/sessions/{sessionID}/items.
func (h *Handler) AppendItem(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	view, err := h.Service.AppendItem(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, view)
}

// UpdateItem handles PATCH /api/v1/sessions/{sessionID}/items/{pos}.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	pos, ok := position(w, r)
	if !ok {
		return
	}
	var req updateItemRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	var quantity *int
	if req.Quantity != nil {
		q, err := wholeQuantity(*req.Quantity)
		if err != nil {
			h.writeError(w, err)
			return
		}
		quantity = &q
	}
	view, err := h.Service.UpdateItem(r.Context(), chi.URLParam(r, "sessionID"), pos, req.ProductID, quantity)
	h.respond(w, view, err)
}

// wholeQuantity accepts positive integral values only; 2.0 counts as 2.
func wholeQuantity(n json.Number) (int, error) {
	d, err := decimal.NewFromString(n.String())
	if err != nil || !d.IsInteger() || d.Sign() <= 0 || d.GreaterThan(maxQuantity) {
		return 0, lineitem.ErrInvalidQuantity
	}
	return int(d.IntPart()), nil
}

// RemoveItem handles DELETE /api/v1/sessions/{sessionID}/items/{pos}.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	pos, ok := position(w, r)
	if !ok {
		return
	}
	view, err := h.Service.RemoveItem(r.Context(), chi.URLParam(r, "sessionID"), pos)
	h.respond(w, view, err)
}

// TotalKeystroke handles POST /api/v1/sessions/{sessionID}/total/keystroke.
func (h *Handler) TotalKeystroke(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	view, err := h.Service.TotalKeystroke(r.Context(), chi.URLParam(r, "sessionID"))
	h.respond(w, view, err)
}

// EditTotal handles PUT /api/v1/sessions/{sessionID}/total. Input that is not
// a non-negative amount is ignored and the unchanged view is returned.
func (h *Handler) EditTotal(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req totalRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	view, err := h.Service.EditTotal(r.Context(), chi.URLParam(r, "sessionID"), rawTotal(req.Value))
	if errors.Is(err, pricing.ErrInvalidTotalInput) {
		common.JSON(w, http.StatusOK, map[string]any{"data": view, "ignored": true})
		return
	}
	h.respond(w, view, err)
}

// rawTotal accepts the value either as a JSON string or a JSON number.
func rawTotal(v json.RawMessage) string {
	text := strings.TrimSpace(string(v))
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
	}
	if text == "null" {
		return ""
	}
	return text
}

// SetFields handles PATCH /api/v1/sessions/{sessionID}/fields.
func (h *Handler) SetFields(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req fieldsRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	view, err := h.Service.SetFields(r.Context(), chi.URLParam(r, "sessionID"), FieldsPatch{
		CustomerID:    req.CustomerID,
		OrderDate:     req.OrderDate,
		OrderStatus:   req.OrderStatus,
		PaymentStatus: req.PaymentStatus,
		Notes:         req.Notes,
	})
	h.respond(w, view, err)
}

// Reset handles POST /api/v1/sessions/{sessionID}/reset.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	view, err := h.Service.Reset(r.Context(), chi.URLParam(r, "sessionID"))
	h.respond(w, view, err)
}

// Search handles GET /api/v1/sessions/{sessionID}/products.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	pos := -1
	if raw := strings.TrimSpace(r.URL.Query().Get("pos")); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "pos must be an integer", nil)
			return
		}
		pos = p
	}
	page, perPage := common.ParsePagination(r, defaultSearchPerPage, maxSearchPerPage)
	res, err := h.Service.Search(r.Context(), chi.URLParam(r, "sessionID"), r.URL.Query().Get("q"), pos, page, perPage)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": res.Products, "pagination": res.Pagination})
}

// Submit handles POST /api/v1/sessions/{sessionID}/submit.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	res, err := h.Service.Submit(r.Context(), chi.URLParam(r, "sessionID"), common.IdempotencyKey(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	common.Data(w, status, res)
}

// Close handles DELETE /api/v1/sessions/{sessionID}.
func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	if err := h.Service.Close(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ready(w http.ResponseWriter) bool {
	if h == nil || h.Service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order form service not configured", nil)
		return false
	}
	return true
}

// decode reads a JSON body into dst and validates it. An empty body is
// accepted when allowEmpty is set.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request payload", nil)
			return false
		}
	}
	if h.Validate == nil {
		return true
	}
	if err := h.Validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		details := map[string]string{}
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details[fe.Field()] = fe.Tag()
			}
		}
		common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "request failed validation", details)
		return false
	}
	return true
}

func position(w http.ResponseWriter, r *http.Request) (int, bool) {
	pos, err := strconv.Atoi(chi.URLParam(r, "pos"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "item position must be an integer", nil)
		return 0, false
	}
	return pos, true
}

func (h *Handler) respond(w http.ResponseWriter, view View, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, view)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		common.JSONError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found or expired", nil)
	case errors.Is(err, lineitem.ErrInvalidPosition):
		common.JSONError(w, http.StatusUnprocessableEntity, "INVALID_POSITION", "no removable line item at that position", nil)
	case errors.Is(err, lineitem.ErrInvalidQuantity):
		common.JSONError(w, http.StatusUnprocessableEntity, "INVALID_QUANTITY", "quantity must be at least 1", nil)
	case errors.Is(err, lock.ErrNotAcquired):
		common.JSONError(w, http.StatusConflict, "SUBMIT_IN_PROGRESS", "another submit for this order is running", nil)
	case errors.Is(err, ErrStaleContext):
		common.JSONError(w, http.StatusConflict, "STALE_CONTEXT", "the form moved to another order", nil)
	case errors.Is(err, ErrOrderNotLoaded):
		common.JSONError(w, http.StatusConflict, "ORDER_NOT_LOADED", "the stored order has not been loaded yet", nil)
	default:
		if _, ok := common.AsAppError(err); !ok {
			h.Logger.Error().Err(err).Msg("order form request failed")
		}
		common.WriteError(w, err)
	}
}
