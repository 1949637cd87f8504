package idhash

import (
	"strings"
	"testing"
	"time"
)

func TestSHA256HexLength(t *testing.T) {
	h := SHA256Hex([]byte("hello"))
	if len(h) != 64 {
		t.Fatalf("expected 64 hex chars, got %d (%s)", len(h), h)
	}
}

func TestNormalizeURLStripsQueryAndFragment(t *testing.T) {
	got, err := NormalizeURL("https://www.facebook.com/tr?ev=PageView&foo=1#frag")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(got, "?") || strings.Contains(got, "#") {
		t.Fatalf("expected no query/fragment, got %q", got)
	}
	if got != "https://www.facebook.com/tr" {
		t.Fatalf("unexpected normalized url: %q", got)
	}
}

func TestDynamicUUIDIsPureFunctionOfURL(t *testing.T) {
	u, _ := NormalizeURL("https://www.facebook.com/tr?ev=PageView")
	a := DynamicUUID(u)
	b := DynamicUUID(u)
	if a != b {
		t.Fatalf("expected deterministic uuid, got %q vs %q", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(a))
	}
}

func TestEndpointUUIDDeterministicWithinEpoch(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	interval := 7 * 24 * time.Hour
	a := EndpointUUID("facebook", now, interval, "secret")
	b := EndpointUUID("facebook", now.Add(time.Minute), interval, "secret")
	if a != b {
		t.Fatalf("expected same bucket to produce same uuid: %q vs %q", a, b)
	}

	c := EndpointUUID("facebook", now.Add(interval), interval, "secret")
	if a == c {
		t.Fatalf("expected next epoch bucket to change the uuid")
	}
}

func TestEndpointUUIDVariesByProvider(t *testing.T) {
	now := time.Now()
	interval := time.Hour
	fb := EndpointUUID("facebook", now, interval, "s")
	goog := EndpointUUID("google", now, interval, "s")
	if fb == goog {
		t.Fatalf("expected different providers to derive different uuids")
	}
}

func TestDefaultSecretLength(t *testing.T) {
	s := DefaultSecret()
	if len(s) != 32 {
		t.Fatalf("expected 32 hex chars (128 bits), got %d", len(s))
	}
}
