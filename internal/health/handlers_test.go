package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/order-console/internal/health"
)

func ok(context.Context) error { return nil }

func ready(t *testing.T, h health.Handler) (int, health.Report) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	var report health.Report
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	return rr.Code, report
}

func TestLive(t *testing.T) {
	rr := httptest.NewRecorder()
	health.Handler{}.Live(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}

func TestReadyAllProbesPass(t *testing.T) {
	code, report := ready(t, health.Handler{Probes: []health.Probe{
		{Name: "redis", Check: ok},
		{Name: "upstream", Check: ok},
	}})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ready", report.Status)
	require.Equal(t, map[string]string{"redis": "ok", "upstream": "ok"}, report.Checks)
}

func TestReadyReportsFailingProbe(t *testing.T) {
	code, report := ready(t, health.Handler{Probes: []health.Probe{
		{Name: "redis", Check: ok},
		{Name: "upstream", Check: func(context.Context) error { return errors.New("order api down") }},
	}})
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "degraded", report.Status)
	require.Equal(t, "order api down", report.Checks["upstream"])
	require.Equal(t, "ok", report.Checks["redis"])
}

func TestReadyAppliesProbeTimeout(t *testing.T) {
	code, report := ready(t, health.Handler{Probes: []health.Probe{{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}}})
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, context.DeadlineExceeded.Error(), report.Checks["slow"])
}

func TestReadyWithoutProbes(t *testing.T) {
	code, report := ready(t, health.Handler{})
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "unconfigured", report.Status)
}

func TestReadyWhileDraining(t *testing.T) {
	h := health.Handler{Probes: []health.Probe{{Name: "redis", Check: ok}}}
	health.SetReady(false)
	t.Cleanup(func() { health.SetReady(true) })

	code, report := ready(t, h)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "draining", report.Status)
}
