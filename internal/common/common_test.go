package common_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/order-console/internal/common"
)

func TestIdemRejectsReplayPerPath(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var seen []string
	h := common.Idem{R: client, TTL: time.Minute}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, common.IdempotencyKey(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))

	send := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set(common.IdempotencyHeader, "k-1")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	require.Equal(t, http.StatusOK, send("/sessions/a/submit").Code)
	replay := send("/sessions/a/submit")
	require.Equal(t, http.StatusConflict, replay.Code)

	var body struct {
		Error common.ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(replay.Body.Bytes(), &body))
	require.Equal(t, "IDEMPOTENT_REPLAY", body.Error.Code)

	require.Equal(t, http.StatusOK, send("/sessions/b/submit").Code)
	require.Equal(t, []string{"k-1", "k-1"}, seen)
}

func TestIdemWithoutHeaderPassesThrough(t *testing.T) {
	called := false
	h := common.Idem{}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		require.Empty(t, common.IdempotencyKey(r.Context()))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	require.True(t, called)
}

func TestParsePagination(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?page=3&limit=500", nil)
	page, perPage := common.ParsePagination(req, 20, 50)
	require.Equal(t, 3, page)
	require.Equal(t, 50, perPage)
	require.Equal(t, 100, common.Offset(page, perPage))

	page, perPage = common.ParsePagination(httptest.NewRequest(http.MethodGet, "/?page=-1", nil), 20, 50)
	require.Equal(t, 1, page)
	require.Equal(t, 20, perPage)
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	require.Equal(t, "203.0.113.7", common.ClientIP(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.2:4444"
	require.Equal(t, "198.51.100.2", common.ClientIP(req))
}

func TestClientIPSkipsUnparseableHops(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "unknown, 2001:db8::1")
	require.Equal(t, "2001:db8::1", common.ClientIP(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Real-IP", " 192.0.2.9 ")
	require.Equal(t, "192.0.2.9", common.ClientIP(req))
}

func TestAppErrorUnwraps(t *testing.T) {
	inner := http.ErrHandlerTimeout
	err := fmt.Errorf("submit: %w", common.NewAppError("UPSTREAM_ERROR", "upstream failed", http.StatusBadGateway, inner))
	require.ErrorIs(t, err, inner)
	appErr, ok := common.AsAppError(err)
	require.True(t, ok)
	require.Equal(t, "UPSTREAM_ERROR: "+inner.Error(), appErr.Error())
}

func TestWriteError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"app error", common.NewAppError("ORDER_NOT_FOUND", "gone", http.StatusNotFound, nil).WithDetails(map[string]string{"id": "7"}), http.StatusNotFound, "ORDER_NOT_FOUND"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			common.WriteError(rr, tc.err)
			require.Equal(t, tc.status, rr.Code)

			var body struct {
				Error common.ErrorBody `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			require.Equal(t, tc.code, body.Error.Code)
			require.NotContains(t, rr.Body.String(), "boom")
		})
	}
}

func TestDataEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	common.Data(rr, http.StatusCreated, map[string]int{"n": 1})
	require.Equal(t, http.StatusCreated, rr.Code)
	require.JSONEq(t, `{"data":{"n":1}}`, rr.Body.String())
	require.Contains(t, rr.Header().Get("Content-Type"), "application/json")
}
