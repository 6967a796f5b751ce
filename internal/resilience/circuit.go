package resilience

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the circuit breaker refuses a request.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State represents the current breaker state.
type State int

const (
	// Closed accepts all requests and tracks failures.
	Closed State = iota
	// Open rejects requests until the cool-off period expires.
	Open
	// HalfOpen lets a single probe through to test recovery.
	HalfOpen
)

var stateNames = [...]string{Closed: "closed", Open: "open", HalfOpen: "half_open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// gauge encodes the state for the circuit_state metric.
func (s State) gauge() float64 {
	switch s {
	case Open:
		return 1
	case HalfOpen:
		return 2
	}
	return 0
}

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	Target       string
	MinRequests  int
	FailureRatio float64
	OpenFor      time.Duration
	Logger       zerolog.Logger
	Now          func() time.Time
}

func (c BreakerConfig) normalized() BreakerConfig {
	if c.MinRequests <= 0 {
		c.MinRequests = 1
	}
	switch {
	case c.FailureRatio <= 0:
		c.FailureRatio = 0.5
	case c.FailureRatio > 1:
		c.FailureRatio = 1
	}
	if c.OpenFor <= 0 {
		c.OpenFor = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Target = strings.TrimSpace(c.Target)
	if c.Target == "" {
		c.Target = "default"
	}
	return c
}

// tally counts outcomes observed while closed.
type tally struct {
	ok, failed int
}

func (t tally) total() int { return t.ok + t.failed }

func (t tally) failureRatio() float64 {
	if t.total() == 0 {
		return 0
	}
	return float64(t.failed) / float64(t.total())
}

// decay halves both counters, rounding up, so old outcomes weigh less.
func (t tally) decay() tally {
	return tally{ok: (t.ok + 1) / 2, failed: (t.failed + 1) / 2}
}

// Breaker is a failure-ratio circuit breaker guarding one upstream target.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    State
	seen     tally
	probing  bool
	openedAt time.Time
}

// NewBreaker constructs a breaker that opens when the failure ratio reaches
// the threshold once MinRequests outcomes have been observed.
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{cfg: cfg.normalized(), state: Closed}
	BreakerState.WithLabelValues(b.cfg.Target).Set(Closed.gauge())
	return b
}

// Target returns the label of the guarded dependency.
func (b *Breaker) Target() string { return b.cfg.Target }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a request may proceed. After the cool-off an open
// breaker admits exactly one probe in the half-open state.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Closed {
		return true
	}
	if b.state == Open {
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.OpenFor {
			return false
		}
		b.moveLocked(ctx, HalfOpen)
	}
	if b.probing {
		return false
	}
	b.probing = true
	return true
}

// Report records the outcome of an admitted request.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
	case HalfOpen:
		b.probing = false
		next := Open
		if success {
			next = Closed
		}
		b.moveLocked(ctx, next)
	default:
		b.countLocked(ctx, success)
	}
}

func (b *Breaker) countLocked(ctx context.Context, success bool) {
	if success {
		b.seen.ok++
	} else {
		b.seen.failed++
	}
	n := b.seen.total()
	if n < b.cfg.MinRequests {
		return
	}
	if b.seen.failureRatio() >= b.cfg.FailureRatio {
		b.moveLocked(ctx, Open)
		return
	}
	if n > 2*b.cfg.MinRequests {
		b.seen = b.seen.decay()
	}
}

func (b *Breaker) moveLocked(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	b.seen = tally{}
	b.openedAt = time.Time{}
	if next == Open {
		b.openedAt = b.cfg.Now()
	}

	BreakerState.WithLabelValues(b.cfg.Target).Set(next.gauge())
	BreakerTransitions.WithLabelValues(b.cfg.Target, prev.String(), next.String()).Inc()

	logger := b.cfg.Logger
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		logger = *l
	}
	evt := logger.Info().Str("target", b.cfg.Target).Stringer("from_state", prev).Stringer("to_state", next)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt = evt.Str("trace_id", sc.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

// Backoff returns an exponential backoff for attempt (1-based). Jitter is a
// fraction of the delay, e.g. 0.2 for 20%.
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	delay := base << max(attempt-1, 0)
	if jitterPct <= 0 {
		return delay
	}
	spread := float64(delay) * jitterPct
	return delay + time.Duration((rand.Float64()*2-1)*spread)
}
