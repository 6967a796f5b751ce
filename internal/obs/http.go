package obs

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var defaultLatencyBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500}

// HTTPMetrics holds the per-route request collectors of the API server.
type HTTPMetrics struct {
	Requests *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

// NewHTTPMetrics registers the request collectors on reg, reusing collectors
// that are already registered under the same name.
func NewHTTPMetrics(namespace string, buckets []float64, reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if len(buckets) == 0 {
		buckets = defaultLatencyBuckets
	}
	buckets = slices.Sorted(slices.Values(buckets))

	m := &HTTPMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests by method, route pattern and status.",
		}, []string{"method", "route", "status"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_ms",
			Help:      "API request latency in milliseconds.",
			Buckets:   buckets,
		}, []string{"method", "route"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Requests currently being served.",
		}),
	}
	mustRegisterCollector(reg, m.Requests, func(c prometheus.Collector) {
		if v, ok := c.(*prometheus.CounterVec); ok {
			m.Requests = v
		}
	})
	mustRegisterCollector(reg, m.Latency, func(c prometheus.Collector) {
		if v, ok := c.(*prometheus.HistogramVec); ok {
			m.Latency = v
		}
	})
	mustRegisterCollector(reg, m.InFlight, func(c prometheus.Collector) {
		if v, ok := c.(prometheus.Gauge); ok {
			m.InFlight = v
		}
	})
	return m
}

// ParseBucketsCSV parses "5,10,25" into bucket boundaries, skipping blank,
// malformed and non-positive values.
func ParseBucketsCSV(csv string) []float64 {
	var out []float64
	for part := range strings.SplitSeq(csv, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || v <= 0 {
			continue
		}
		out = append(out, v)
	}
	return out
}

// responseWriter captures the status and size of a response.
type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func wrapWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(p)
	rw.bytes += int64(n)
	return n, err
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// routeOf returns the chi pattern matched for r. chi fills the pattern in
// while routing, so this is only meaningful after the handler has run.
func routeOf(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return ""
}

// HTTPObs records request metrics labelled by route pattern.
type HTTPObs struct {
	Metrics *HTTPMetrics
}

// Middleware wraps next with request counting and latency observation.
func (o HTTPObs) Middleware(next http.Handler) http.Handler {
	if o.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := wrapWriter(w)
		o.Metrics.InFlight.Inc()
		start := time.Now()
		defer func() {
			o.Metrics.InFlight.Dec()
			route := routeOf(r)
			if route == "" {
				route = "unmatched"
			}
			o.Metrics.Requests.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
			o.Metrics.Latency.WithLabelValues(r.Method, route).Observe(millis(time.Since(start)))
		}()
		next.ServeHTTP(rw, r)
	})
}

// TracingMiddleware starts a server span per request through otelhttp and
// renames it to "<method> <route>" once chi has matched the route.
func TracingMiddleware(next http.Handler) http.Handler {
	named := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		if route := routeOf(r); route != "" {
			span := trace.SpanFromContext(r.Context())
			span.SetName(r.Method + " " + route)
			span.SetAttributes(attribute.String("http.route", route))
		}
	})
	return otelhttp.NewHandler(named, "http.server",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
