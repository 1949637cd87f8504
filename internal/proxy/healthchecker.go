package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/trackproxy/internal/metrics"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// originGroups are the upstream origin groups probed and reported on. The
// dynamic group covers arbitrary rewritten third-party URLs, so it is
// reported via the circuit breaker's aggregate state rather than a probe.
var originGroups = []string{"facebook", "google", "dynamic"}

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results for
// GET /health and GET /readiness. It never probes the real upstreams
// directly — the spec forbids letting health checks generate outbound
// tracking traffic — so "health" here means "is our own infrastructure
// (cache, circuit breakers) in a state that lets us serve".
type HealthChecker struct {
	breaker    *CircuitBreaker
	cacheReady func() bool
	baseCtx    context.Context
	metrics    *metrics.Registry

	cacheStatus componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background probes.
func NewHealthChecker(
	ctx context.Context,
	breaker *CircuitBreaker,
	cacheReady func() bool,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		breaker:    breaker,
		cacheReady: cacheReady,
		startTime:  time.Now(),
		done:       make(chan struct{}),
		baseCtx:    ctx,
		metrics:    met,
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status         string            `json:"status"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Cache          string            `json:"cache"`
	CircuitBreaker map[string]string `json:"circuit_breaker"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	cbStates := make(map[string]string, len(originGroups))
	for _, origin := range originGroups {
		label := "closed"
		if hc.breaker != nil {
			label = hc.breaker.StateLabel(origin)
		}
		cbStates[origin] = label
		if label == "open" {
			overall = "degraded"
		}
	}

	cache := hc.cacheStatus.get()
	if cache != "ok" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:         overall,
		UptimeSeconds:  int64(time.Since(hc.startTime).Seconds()),
		Cache:          cache,
		CircuitBreaker: cbStates,
	}
}

// ReadinessOK returns true when the cache is reachable (used by GET
// /readiness for container-orchestrator probes).
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.cacheStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	_, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	if hc.cacheReady == nil || hc.cacheReady() {
		hc.cacheStatus.set("ok")
	} else {
		hc.cacheStatus.set("degraded")
	}

	if hc.metrics == nil {
		return
	}

	hc.metrics.SetComponentHealth("cache", hc.cacheStatus.get() == "ok")
	if hc.breaker != nil {
		for _, origin := range originGroups {
			hc.metrics.SetCircuitBreaker(origin, int64(hc.breaker.State(origin)))
		}
	}
}
