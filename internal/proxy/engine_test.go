package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/trackproxy/internal/cache"
	"github.com/nulpointcorp/trackproxy/internal/config"
	"github.com/nulpointcorp/trackproxy/internal/endpoints"
	"github.com/nulpointcorp/trackproxy/internal/rewrite"
)

func TestOriginGroup(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://connect.facebook.net/en_US/fbevents.js", "facebook"},
		{"https://www.facebook.com/tr", "facebook"},
		{"https://www.googletagmanager.com/gtag/js", "google"},
		{"https://www.google-analytics.com/g/collect", "google"},
		{"https://example.com/x/abc123", "dynamic"},
		{"://malformed", "dynamic"},
	}
	for _, c := range cases {
		if got := originGroup(c.url); got != c.want {
			t.Errorf("originGroup(%q) = %q, want %q", c.url, got, c.want)
		}
	}
}

func TestShouldCache(t *testing.T) {
	gw := newTestGateway(t, &config.Config{})

	if gw.shouldCache("POST", "/x/abc", "") {
		t.Error("POST should never be cacheable")
	}
	if gw.shouldCache("GET", "/health", "") {
		t.Error("/health should never be cacheable")
	}
	if gw.shouldCache("GET", "/options", "") {
		t.Error("/options should never be cacheable")
	}
	if !gw.shouldCache("GET", "/x/abc", "") {
		t.Error("plain GET should be cacheable")
	}
}

func TestShouldCache_TrackingSignatureExcluded(t *testing.T) {
	sigs, err := cache.NewTrackingSignatureSet(nil, cache.DefaultTrackingSignatures)
	if err != nil {
		t.Fatalf("NewTrackingSignatureSet: %v", err)
	}
	cfg := &config.Config{Fetch: config.FetchConfig{Timeout: time.Second}}
	gw := NewGateway(nil, Deps{Config: cfg, TrackingSignatures: sigs})
	t.Cleanup(gw.Close)

	if gw.shouldCache("GET", "/x/abc", "tid=UA-1234") {
		t.Error("query carrying a tracking signature must never be cached")
	}
	if !gw.shouldCache("GET", "/x/abc", "foo=bar") {
		t.Error("query without a tracking signature should be cacheable")
	}
}

func TestCacheTTL(t *testing.T) {
	gw := newTestGateway(t, &config.Config{Cache: config.CacheConfig{TTL: 5 * time.Minute}})

	if got := gw.cacheTTL(30 * time.Second); got != 30*time.Second {
		t.Errorf("override should win, got %v", got)
	}
	if got := gw.cacheTTL(0); got != 5*time.Minute {
		t.Errorf("expected config default, got %v", got)
	}

	gw2 := newTestGateway(t, &config.Config{})
	if got := gw2.cacheTTL(0); got != time.Hour {
		t.Errorf("expected hard-coded fallback of 1h, got %v", got)
	}
}

func TestFetchTimeout(t *testing.T) {
	if got := fetchTimeout(0); got != 10*time.Second {
		t.Errorf("zero should fall back to 10s, got %v", got)
	}
	if got := fetchTimeout(-time.Second); got != 10*time.Second {
		t.Errorf("negative should fall back to 10s, got %v", got)
	}
	if got := fetchTimeout(3 * time.Second); got != 3*time.Second {
		t.Errorf("positive value should pass through, got %v", got)
	}
}

func TestDynamicPath(t *testing.T) {
	gw := newTestGateway(t, &config.Config{})
	if got := gw.dynamicPath("abc123"); got != "/x/abc123" {
		t.Errorf("expected root-relative path, got %q", got)
	}

	gw2 := newTestGateway(t, &config.Config{WorkerBaseURL: "https://proxy.example.com"})
	if got := gw2.dynamicPath("abc123"); got != "https://proxy.example.com/x/abc123" {
		t.Errorf("expected absolute path, got %q", got)
	}
}

func TestProcessScript_DisabledPassesThrough(t *testing.T) {
	gw := newTestGateway(t, &config.Config{FullScriptProxyEnabled: false})
	raw := []byte(`fetch("https://example.com/track")`)

	got := gw.processScript("fb:main", raw)
	if string(got) != string(raw) {
		t.Error("disabled full-script-proxy should return the body unchanged")
	}
}

func TestProcessScript_NoExtractorPassesThrough(t *testing.T) {
	gw := newTestGateway(t, &config.Config{FullScriptProxyEnabled: true})
	raw := []byte(`fetch("https://example.com/track")`)

	got := gw.processScript("fb:main", raw)
	if string(got) != string(raw) {
		t.Error("missing extractor should return the body unchanged")
	}
}

func TestProcessScript_RewritesExtractedURLs(t *testing.T) {
	mem := cache.NewMemoryCache(context.Background())
	t.Cleanup(mem.Close)

	cfg := &config.Config{FullScriptProxyEnabled: true, Fetch: config.FetchConfig{Timeout: time.Second}}
	gw := NewGateway(nil, Deps{
		Config:    cfg,
		Cache:     mem,
		Endpoints: endpoints.New(mem),
		Extractor: rewrite.NewExtractor(1<<20, nil),
	})
	t.Cleanup(gw.Close)

	raw := []byte(`ga("send", {url: "https://www.google-analytics.com/collect?v=2&tid=UA-1"});`)
	out := gw.processScript("gtag:main", raw)

	if string(out) == string(raw) {
		t.Error("expected embedded URL to be rewritten to a local path")
	}
}
