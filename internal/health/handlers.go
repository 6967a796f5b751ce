package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/order-console/internal/common"
)

const defaultProbeTimeout = time.Second

// Probe checks one dependency. Check receives a context bounded by Timeout.
type Probe struct {
	Name    string
	Timeout time.Duration
	Check   func(ctx context.Context) error
}

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady toggles readiness. The server flips it off when draining.
func SetReady(v bool) { ready.Store(v) }

// Handler serves the liveness and readiness endpoints.
type Handler struct {
	Probes []Probe
}

// Report is the readiness response body.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready runs every probe concurrently and answers 503 when any fails, when
// no probes are configured, or while draining.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !ready.Load() {
		common.JSON(w, http.StatusServiceUnavailable, Report{Status: "draining"})
		return
	}
	if len(h.Probes) == 0 {
		common.JSON(w, http.StatusServiceUnavailable, Report{Status: "unconfigured"})
		return
	}

	report := Report{Status: "ready", Checks: make(map[string]string, len(h.Probes))}
	var mu sync.Mutex
	var g errgroup.Group
	for _, p := range h.Probes {
		g.Go(func() error {
			result := "ok"
			if err := run(r.Context(), p); err != nil {
				result = err.Error()
			}
			mu.Lock()
			report.Checks[p.Name] = result
			if result != "ok" {
				report.Status = "degraded"
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	code := http.StatusOK
	if report.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	common.JSON(w, code, report)
}

func run(ctx context.Context, p Probe) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Check(ctx)
}
