package proxy

import (
	"testing"
	"time"
)

func testCBConfig() CBConfig {
	return CBConfig{ErrorThreshold: 3, TimeWindow: time.Minute, HalfOpenTimeout: 10 * time.Second}
}

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(testCBConfig())

	for _, origin := range []string{"facebook", "google", "dynamic"} {
		if cb.State(origin) != cbClosed {
			t.Errorf("origin %s should start closed, got %v", origin, cb.State(origin))
		}
		if cb.StateLabel(origin) != "closed" {
			t.Errorf("origin %s label should be 'closed', got %s", origin, cb.StateLabel(origin))
		}
	}
}

func TestCircuitBreaker_AllowClosedState(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(testCBConfig())
	if !cb.Allow("facebook") {
		t.Error("closed breaker should allow requests")
	}
}

func TestCircuitBreaker_AllowUnknownOrigin(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(testCBConfig())
	if !cb.Allow("unknown-origin") {
		t.Error("unknown origin should be allowed")
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := testCBConfig()
	cb := NewCircuitBreakerWithConfig(cfg)

	for i := 0; i < cfg.ErrorThreshold-1; i++ {
		cb.RecordFailure("facebook")
		if cb.State("facebook") != cbClosed {
			t.Fatalf("should remain closed before threshold, iteration %d", i)
		}
	}

	cb.RecordFailure("facebook")
	if cb.State("facebook") != cbOpen {
		t.Error("should be open after reaching threshold")
	}
	if cb.StateLabel("facebook") != "open" {
		t.Errorf("label should be 'open', got %s", cb.StateLabel("facebook"))
	}
}

func TestCircuitBreaker_OpenRejectsRequests(t *testing.T) {
	cfg := testCBConfig()
	cb := NewCircuitBreakerWithConfig(cfg)

	for i := 0; i < cfg.ErrorThreshold; i++ {
		cb.RecordFailure("facebook")
	}

	if cb.Allow("facebook") {
		t.Error("open breaker should reject requests")
	}
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	cfg := testCBConfig()
	cb := NewCircuitBreakerWithConfig(cfg)

	for i := 0; i < cfg.ErrorThreshold-1; i++ {
		cb.RecordFailure("facebook")
	}
	cb.RecordSuccess("facebook")

	if cb.State("facebook") != cbClosed {
		t.Error("success should reset to closed")
	}

	for i := 0; i < cfg.ErrorThreshold-1; i++ {
		cb.RecordFailure("facebook")
	}
	if cb.State("facebook") != cbClosed {
		t.Error("should still be closed before new threshold")
	}
}

func TestCircuitBreaker_WindowReset(t *testing.T) {
	cfg := testCBConfig()
	cb := NewCircuitBreakerWithConfig(cfg)

	pcb := cb.getOrCreate("facebook")
	pcb.mu.Lock()
	pcb.windowStart = time.Now().Add(-cfg.TimeWindow - time.Second)
	pcb.errorCount = cfg.ErrorThreshold - 1
	pcb.mu.Unlock()

	cb.RecordFailure("facebook")

	if cb.State("facebook") != cbClosed {
		t.Error("error counter should reset after window expires; breaker should stay closed")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cfg := testCBConfig()
	cb := NewCircuitBreakerWithConfig(cfg)

	for i := 0; i < cfg.ErrorThreshold; i++ {
		cb.RecordFailure("facebook")
	}
	if cb.State("facebook") != cbOpen {
		t.Fatal("expected open")
	}

	pcb := cb.getOrCreate("facebook")
	pcb.mu.Lock()
	pcb.openedAt = time.Now().Add(-cfg.HalfOpenTimeout - time.Second)
	pcb.mu.Unlock()

	if !cb.Allow("facebook") {
		t.Error("should allow one probe in half-open state")
	}
	if cb.State("facebook") != cbHalfOpen {
		t.Errorf("expected half_open, got %s", cb.StateLabel("facebook"))
	}

	if cb.Allow("facebook") {
		t.Error("should reject second request while probe is in flight")
	}
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cfg := testCBConfig()
	cb := NewCircuitBreakerWithConfig(cfg)

	for i := 0; i < cfg.ErrorThreshold; i++ {
		cb.RecordFailure("facebook")
	}
	pcb := cb.getOrCreate("facebook")
	pcb.mu.Lock()
	pcb.openedAt = time.Now().Add(-cfg.HalfOpenTimeout - time.Second)
	pcb.mu.Unlock()

	cb.Allow("facebook")
	cb.RecordSuccess("facebook")

	if cb.State("facebook") != cbClosed {
		t.Error("success in half-open should close the breaker")
	}
	if !cb.Allow("facebook") {
		t.Error("should allow requests after closing from half-open")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := testCBConfig()
	cb := NewCircuitBreakerWithConfig(cfg)

	for i := 0; i < cfg.ErrorThreshold; i++ {
		cb.RecordFailure("facebook")
	}
	pcb := cb.getOrCreate("facebook")
	pcb.mu.Lock()
	pcb.openedAt = time.Now().Add(-cfg.HalfOpenTimeout - time.Second)
	pcb.mu.Unlock()

	cb.Allow("facebook")
	cb.RecordFailure("facebook")

	if cb.State("facebook") != cbOpen {
		t.Error("failure in half-open should reopen the breaker")
	}
}

func TestCircuitBreaker_IndependentOrigins(t *testing.T) {
	cfg := testCBConfig()
	cb := NewCircuitBreakerWithConfig(cfg)

	for i := 0; i < cfg.ErrorThreshold; i++ {
		cb.RecordFailure("facebook")
	}

	if cb.State("facebook") != cbOpen {
		t.Error("facebook should be open")
	}
	if cb.State("google") != cbClosed {
		t.Error("google should remain closed")
	}
	if !cb.Allow("google") {
		t.Error("google should still allow requests")
	}
}

func TestCircuitBreaker_RecordOnUnknownOrigin(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(testCBConfig())
	cb.RecordSuccess("nonexistent")
	cb.RecordFailure("nonexistent")
	if cb.State("nonexistent") != cbClosed {
		t.Error("unknown origin state should default to closed")
	}
}

func TestCircuitBreaker_DefaultConfig(t *testing.T) {
	cb := NewCircuitBreaker()
	if !cb.Allow("facebook") {
		t.Error("default-config breaker should start closed and allow requests")
	}
}
