package resilience

import "github.com/prometheus/client_golang/prometheus"

// Collectors for the order API client. They register on the default
// registry at init so every Breaker and HTTPClient in the process shares them.
var (
	// BreakerState is 0 closed, 1 open, 2 half-open.
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "upstream",
		Name:      "circuit_state",
		Help:      "Circuit state per target: 0 closed, 1 open, 2 half-open.",
	}, []string{"target"})

	BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "upstream",
		Name:      "circuit_transitions_total",
		Help:      "Circuit state changes per target.",
	}, []string{"target", "from", "to"})

	// Attempts counts each try of an outbound call, including retries.
	Attempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "upstream",
		Name:      "call_attempts_total",
		Help:      "Order API call attempts by target, method and outcome.",
	}, []string{"target", "method", "outcome"})
)

func init() {
	prometheus.MustRegister(BreakerState, BreakerTransitions, Attempts)
}
