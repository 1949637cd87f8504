package proxy

import (
	"sync"
	"time"
)

// Default circuit breaker thresholds, used when CBConfig fields are zero.
const (
	defaultCBErrorThreshold  = 5
	defaultCBTimeWindow      = 60 * time.Second
	defaultCBHalfOpenTimeout = 30 * time.Second
)

// cbState represents the operational state of a per-origin circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — origin is failing; fetches are skipped immediately.
//	cbHalfOpen — recovery probe; one request is allowed to test the origin.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the package-level defaults above.
type CBConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors. Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

func (c *CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return defaultCBErrorThreshold
}

func (c *CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return defaultCBTimeWindow
}

func (c *CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return defaultCBHalfOpenTimeout
}

// originCB holds per-origin circuit breaker state.
type originCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker was tripped (for half-open timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// CircuitBreaker manages independent circuit breakers for each upstream
// origin group (e.g. "facebook", "google", "dynamic"). It guards C8's
// fetch_with_timeout from hammering a failing origin — the spec forbids
// retrying a request, so Allow never triggers a second attempt; it only lets
// the caller skip a doomed fetch in favor of a stale-cache fallback or a
// fast 502. It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*originCB
	cfg      CBConfig
}

// NewCircuitBreaker creates a CircuitBreaker with default settings.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom thresholds.
func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*originCB),
		cfg:      cfg,
	}
}

// Allow reports whether origin should receive the next fetch.
//
//   - Closed  → always true.
//   - Open    → false, unless the half-open timeout has elapsed, in which case
//     the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (cb *CircuitBreaker) Allow(origin string) bool {
	pcb := cb.getOrCreate(origin)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(pcb.openedAt) >= cb.cfg.halfOpenTimeout() {
			pcb.state = cbHalfOpen
			pcb.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if pcb.probeInflight {
			return false
		}
		pcb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful fetch for origin and resets the breaker
// to Closed regardless of its previous state.
func (cb *CircuitBreaker) RecordSuccess(origin string) {
	pcb := cb.getOrCreate(origin)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	pcb.state = cbClosed
	pcb.errorCount = 0
	pcb.probeInflight = false
	pcb.windowStart = time.Now()
}

// RecordFailure increments the error counter for origin. When the counter
// reaches ErrorThreshold within TimeWindow the breaker opens.
func (cb *CircuitBreaker) RecordFailure(origin string) {
	pcb := cb.getOrCreate(origin)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	now := time.Now()

	if now.Sub(pcb.windowStart) > cb.cfg.timeWindow() {
		pcb.errorCount = 0
		pcb.windowStart = now
	}

	pcb.errorCount++
	pcb.probeInflight = false

	if pcb.errorCount >= cb.cfg.errorThreshold() {
		pcb.state = cbOpen
		pcb.openedAt = now
	}
}

// State returns the current cbState for origin (useful for metrics export).
func (cb *CircuitBreaker) State(origin string) cbState {
	pcb := cb.getOrCreate(origin)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// StateLabel returns a human-readable state name: "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(origin string) string {
	switch cb.State(origin) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) getOrCreate(origin string) *originCB {
	cb.mu.RLock()
	pcb, ok := cb.breakers[origin]
	cb.mu.RUnlock()
	if ok {
		return pcb
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if pcb, ok := cb.breakers[origin]; ok {
		return pcb
	}
	pcb = &originCB{state: cbClosed, windowStart: time.Now()}
	cb.breakers[origin] = pcb
	return pcb
}
