package proxy

import (
	"context"
	"testing"
)

func TestHealthChecker_SnapshotOKWhenCacheReady(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(testCBConfig())
	hc := NewHealthChecker(context.Background(), cb, func() bool { return true }, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "ok" {
		t.Errorf("expected status ok, got %s", snap.Status)
	}
	if snap.Cache != "ok" {
		t.Errorf("expected cache ok, got %s", snap.Cache)
	}
	for _, origin := range originGroups {
		if snap.CircuitBreaker[origin] != "closed" {
			t.Errorf("origin %s expected closed, got %s", origin, snap.CircuitBreaker[origin])
		}
	}
	if !hc.ReadinessOK() {
		t.Error("expected readiness ok")
	}
}

func TestHealthChecker_DegradedWhenCacheNotReady(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(testCBConfig())
	hc := NewHealthChecker(context.Background(), cb, func() bool { return false }, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "degraded" {
		t.Errorf("expected status degraded, got %s", snap.Status)
	}
	if hc.ReadinessOK() {
		t.Error("expected readiness not ok")
	}
}

func TestHealthChecker_DegradedWhenBreakerOpen(t *testing.T) {
	cfg := testCBConfig()
	cb := NewCircuitBreakerWithConfig(cfg)
	for i := 0; i < cfg.ErrorThreshold; i++ {
		cb.RecordFailure("facebook")
	}

	hc := NewHealthChecker(context.Background(), cb, func() bool { return true }, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "degraded" {
		t.Errorf("expected status degraded when an origin breaker is open, got %s", snap.Status)
	}
	if snap.CircuitBreaker["facebook"] != "open" {
		t.Errorf("expected facebook open, got %s", snap.CircuitBreaker["facebook"])
	}
}

func TestHealthChecker_NilCacheReadyDefaultsOK(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(testCBConfig())
	hc := NewHealthChecker(context.Background(), cb, nil, nil)
	defer hc.Close()

	if hc.Snapshot().Cache != "ok" {
		t.Error("nil cacheReady should be treated as always ready")
	}
}
