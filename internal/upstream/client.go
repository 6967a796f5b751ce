package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/order-console/internal/catalog"
	"github.com/noah-isme/order-console/internal/resilience"
)

var (
	// ErrNotFound is returned when the upstream record does not exist.
	ErrNotFound = errors.New("upstream: not found")
	// ErrUnauthorized is returned when the upstream API rejects credentials.
	ErrUnauthorized = errors.New("upstream: unauthorized")
)

// APIError carries a non-2xx upstream response.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("upstream: status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream: status %d: %s", e.StatusCode, e.Detail)
}

// Is maps status codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

// Doer executes outbound requests.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Client talks to the order/product REST API.
type Client struct {
	baseURL          *url.URL
	http             Doer
	username         string
	password         string
	tokens           tokenCache
	tokenSkew        time.Duration
	tokenFallbackTTL time.Duration
	logger           zerolog.Logger
	now              func() time.Time
}

// Config groups Client dependencies.
type Config struct {
	BaseURL          string
	HTTP             Doer
	Username         string
	Password         string
	TokenSkew        time.Duration
	TokenFallbackTTL time.Duration
	Logger           zerolog.Logger
	Now              func() time.Time
}

// NewClient validates cfg and constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("upstream: base url is required")
	}
	parsed, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("upstream: parse base url: %w", err)
	}
	doer := cfg.HTTP
	if doer == nil {
		doer = resilience.HTTPClient{Client: &http.Client{Timeout: 10 * time.Second}}
	}
	skew := cfg.TokenSkew
	if skew <= 0 {
		skew = 30 * time.Second
	}
	fallback := cfg.TokenFallbackTTL
	if fallback <= 0 {
		fallback = 5 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		baseURL:          parsed,
		http:             doer,
		username:         strings.TrimSpace(cfg.Username),
		password:         cfg.Password,
		tokenSkew:        skew,
		tokenFallbackTTL: fallback,
		logger:           cfg.Logger,
		now:              now,
	}, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// Login exchanges the configured credentials for an access token.
func (c *Client) Login(ctx context.Context) (Token, error) {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/v1/login/access-token", nil), strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	var tok Token
	if err := c.send(req, &tok); err != nil {
		return Token{}, fmt.Errorf("login: %w", err)
	}
	if strings.TrimSpace(tok.AccessToken) == "" {
		return Token{}, fmt.Errorf("login: %w: empty access token", ErrUnauthorized)
	}
	return tok, nil
}

// ReadOrder fetches an order by id.
func (c *Client) ReadOrder(ctx context.Context, id string) (Order, error) {
	var out Order
	err := c.call(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(id), nil, nil, "", &out)
	if err != nil {
		return Order{}, fmt.Errorf("read order %s: %w", id, err)
	}
	return out, nil
}

// CreateOrder creates an order. A non-empty idempotencyKey lets the request
// be retried safely.
func (c *Client) CreateOrder(ctx context.Context, payload OrderPayload, idempotencyKey string) (Order, error) {
	var out Order
	if err := c.call(ctx, http.MethodPost, "/api/v1/orders/", nil, payload, idempotencyKey, &out); err != nil {
		return Order{}, fmt.Errorf("create order: %w", err)
	}
	return out, nil
}

// UpdateOrder replaces an order.
func (c *Client) UpdateOrder(ctx context.Context, id string, payload OrderPayload) (Order, error) {
	var out Order
	if err := c.call(ctx, http.MethodPut, "/api/v1/orders/"+url.PathEscape(id), nil, payload, "", &out); err != nil {
		return Order{}, fmt.Errorf("update order %s: %w", id, err)
	}
	return out, nil
}

// ReadProducts fetches one page of the product listing.
func (c *Client) ReadProducts(ctx context.Context, skip, limit int) (ProductsPage, error) {
	q := url.Values{}
	q.Set("skip", strconv.Itoa(skip))
	q.Set("limit", strconv.Itoa(limit))
	var out ProductsPage
	if err := c.call(ctx, http.MethodGet, "/api/v1/products/", q, nil, "", &out); err != nil {
		return ProductsPage{}, fmt.Errorf("read products: %w", err)
	}
	return out, nil
}

// Ping calls the upstream health check.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/v1/auth/health-check/", nil), nil)
	if err != nil {
		return err
	}
	return c.send(req, nil)
}

// CatalogSource adapts the product listing to catalog.Source.
type CatalogSource struct {
	Client *Client
}

// ReadProducts implements catalog.Source.
func (s CatalogSource) ReadProducts(ctx context.Context, skip, limit int) (catalog.Page, error) {
	page, err := s.Client.ReadProducts(ctx, skip, limit)
	if err != nil {
		return catalog.Page{}, err
	}
	entries := make([]catalog.Entry, 0, len(page.Data))
	for _, p := range page.Data {
		entries = append(entries, p.Entry())
	}
	return catalog.Page{Data: entries, Count: page.Count}, nil
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body any, idempotencyKey string, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
	}
	for attempt := 0; attempt < 2; attempt++ {
		var reader io.Reader
		if encoded != nil {
			reader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if idempotencyKey != "" {
			req.Header.Set(resilience.IdempotencyHeader, idempotencyKey)
		}
		token, err := c.bearer(ctx)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		err = c.send(req, out)
		if attempt == 0 && token != "" && errors.Is(err, ErrUnauthorized) {
			c.logger.Debug().Str("path", path).Msg("upstream token rejected, logging in again")
			c.tokens.clear()
			continue
		}
		return err
	}
	return nil
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req.Context(), req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(data, &body) == nil && len(body.Detail) > 0 {
		var s string
		if json.Unmarshal(body.Detail, &s) == nil {
			apiErr.Detail = s
		} else {
			apiErr.Detail = string(body.Detail)
		}
	} else {
		apiErr.Detail = strings.TrimSpace(string(data))
	}
	return apiErr
}
