package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// RecalculationsTotal counts derived totals applied in Auto mode.
	RecalculationsTotal prometheus.Counter
	// ManualOverridesTotal counts sessions flipped to Manual mode.
	ManualOverridesTotal prometheus.Counter
	// StaleDiscardsTotal counts async results dropped for a superseded order context.
	StaleDiscardsTotal *prometheus.CounterVec
	// SubmitsTotal counts submit outcomes by mode and result.
	SubmitsTotal *prometheus.CounterVec
	// SubmitLatency records upstream persistence latency in milliseconds.
	SubmitLatency *prometheus.HistogramVec
	// CatalogLoadsTotal counts catalog loads by source.
	CatalogLoadsTotal *prometheus.CounterVec
	// CatalogEntries reports the size of the last loaded catalog.
	CatalogEntries prometheus.Gauge
	// EventsTotal counts emitted session events by topic.
	EventsTotal *prometheus.CounterVec
	// OpenSessions reports the number of live order-form sessions.
	OpenSessions prometheus.Gauge
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		RecalculationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pricing_recalculations_total",
			Help:      "Number of derived totals applied while in Auto mode.",
		})
		ManualOverridesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pricing_manual_overrides_total",
			Help:      "Number of transitions into Manual mode.",
		})
		StaleDiscardsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orderform_stale_discards_total",
			Help:      "Async results discarded because the order context changed.",
		}, []string{"kind"})
		SubmitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orderform_submits_total",
			Help:      "Order submit outcomes.",
		}, []string{"mode", "result"})
		SubmitLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "orderform_submit_duration_ms",
			Help:      "Latency of order persistence calls in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"result"})
		CatalogLoadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_loads_total",
			Help:      "Catalog loads by source.",
		}, []string{"source"})
		CatalogEntries = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_entries",
			Help:      "Number of entries in the most recently loaded catalog.",
		})
		EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orderform_events_total",
			Help:      "Session events emitted by topic.",
		}, []string{"topic"})
		OpenSessions = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orderform_open_sessions",
			Help:      "Number of open order-form sessions.",
		})

		mustRegisterCollector(reg, RecalculationsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				RecalculationsTotal = v
			}
		})
		mustRegisterCollector(reg, ManualOverridesTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				ManualOverridesTotal = v
			}
		})
		mustRegisterCollector(reg, StaleDiscardsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				StaleDiscardsTotal = v
			}
		})
		mustRegisterCollector(reg, SubmitsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				SubmitsTotal = v
			}
		})
		mustRegisterCollector(reg, SubmitLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				SubmitLatency = v
			}
		})
		mustRegisterCollector(reg, CatalogLoadsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CatalogLoadsTotal = v
			}
		})
		mustRegisterCollector(reg, CatalogEntries, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Gauge); ok {
				CatalogEntries = v
			}
		})
		mustRegisterCollector(reg, EventsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				EventsTotal = v
			}
		})
		mustRegisterCollector(reg, OpenSessions, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Gauge); ok {
				OpenSessions = v
			}
		})
	})
}

// DomainRecorder forwards domain outcomes to the registered collectors. It is
// a no-op until MustRegisterDomainMetrics has run.
type DomainRecorder struct{}

// CatalogLoaded records a catalog load from source with n entries.
func (DomainRecorder) CatalogLoaded(source string, n int) {
	if CatalogLoadsTotal != nil {
		CatalogLoadsTotal.WithLabelValues(source).Inc()
	}
	if CatalogEntries != nil {
		CatalogEntries.Set(float64(n))
	}
}

// Event records an emitted session event.
func (DomainRecorder) Event(topic string) {
	if EventsTotal != nil {
		EventsTotal.WithLabelValues(topic).Inc()
	}
}

// Recalculated records a derived total being applied.
func (DomainRecorder) Recalculated() {
	if RecalculationsTotal != nil {
		RecalculationsTotal.Inc()
	}
}

// ManualOverride records a transition into Manual mode.
func (DomainRecorder) ManualOverride() {
	if ManualOverridesTotal != nil {
		ManualOverridesTotal.Inc()
	}
}

// StaleDiscarded records an async result dropped for a stale context.
func (DomainRecorder) StaleDiscarded(kind string) {
	if StaleDiscardsTotal != nil {
		StaleDiscardsTotal.WithLabelValues(kind).Inc()
	}
}

// Submitted records a submit outcome and its upstream latency in milliseconds.
func (DomainRecorder) Submitted(mode, result string, millis float64) {
	if SubmitsTotal != nil {
		SubmitsTotal.WithLabelValues(mode, result).Inc()
	}
	if SubmitLatency != nil && millis > 0 {
		SubmitLatency.WithLabelValues(result).Observe(millis)
	}
}

// SessionsOpen reports the number of live sessions.
func (DomainRecorder) SessionsOpen(n int) {
	if OpenSessions != nil {
		OpenSessions.Set(float64(n))
	}
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
