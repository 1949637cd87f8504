package scriptcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/trackproxy/internal/cache"
)

func TestWriteTripleThenGet_Fresh(t *testing.T) {
	ctx := context.Background()
	e := New(cache.NewMemoryCache(ctx))

	hash, err := e.WriteTriple(ctx, "fbevents", []byte("body-v1"), FreshTTLOnDemand)
	if err != nil {
		t.Fatalf("write triple: %v", err)
	}
	if hash == "" {
		t.Fatal("expected non-empty hash")
	}

	entry, ok := e.Get(ctx, "fbevents")
	if !ok {
		t.Fatal("expected a hit")
	}
	if entry.Status != StatusHit || string(entry.Body) != "body-v1" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	gotHash, ok := e.StoredHash(ctx, "fbevents")
	if !ok || gotHash != hash {
		t.Fatalf("stored hash mismatch: got %q want %q", gotHash, hash)
	}
}

func TestGet_FallsBackToStale(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryCache(ctx)
	e := New(c)

	if _, err := e.WriteTriple(ctx, "gtag:G-X", []byte("stale-body"), FreshTTLOnDemand); err != nil {
		t.Fatalf("write triple: %v", err)
	}
	if err := c.Delete(ctx, cache.ScriptFreshKey("gtag:G-X")); err != nil {
		t.Fatalf("delete fresh: %v", err)
	}

	entry, ok := e.Get(ctx, "gtag:G-X")
	if !ok {
		t.Fatal("expected stale hit")
	}
	if entry.Status != StatusStale || string(entry.Body) != "stale-body" {
		t.Fatalf("unexpected stale entry: %+v", entry)
	}
}

func TestGet_Miss(t *testing.T) {
	ctx := context.Background()
	e := New(cache.NewMemoryCache(ctx))

	if _, ok := e.Get(ctx, "unknown"); ok {
		t.Fatal("expected miss")
	}
}

func TestInvalidate_RemovesAllThree(t *testing.T) {
	ctx := context.Background()
	e := New(cache.NewMemoryCache(ctx))

	if _, err := e.WriteTriple(ctx, "fbevents", []byte("body"), FreshTTLOnDemand); err != nil {
		t.Fatalf("write triple: %v", err)
	}
	if err := e.Invalidate(ctx, "fbevents"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok := e.Get(ctx, "fbevents"); ok {
		t.Fatal("expected miss after invalidate")
	}
	if _, ok := e.StoredHash(ctx, "fbevents"); ok {
		t.Fatal("expected hash gone after invalidate")
	}
}

func TestFetchAndCompare_UpdatedThenRefreshed(t *testing.T) {
	ctx := context.Background()
	e := New(cache.NewMemoryCache(ctx))

	fetch := func(_ context.Context, _ string) ([]byte, error) {
		return []byte("raw-body"), nil
	}
	process := func(_ string, raw []byte) []byte { return raw }

	prov, err := e.FetchAndCompare(ctx, "fbevents", "https://connect.facebook.net/en_US/fbevents.js", fetch, process, FreshTTLScheduled)
	if err != nil {
		t.Fatalf("fetch and compare: %v", err)
	}
	if prov != ProvenanceUpdated {
		t.Fatalf("expected updated on first write, got %q", prov)
	}

	prov, err = e.FetchAndCompare(ctx, "fbevents", "https://connect.facebook.net/en_US/fbevents.js", fetch, process, FreshTTLScheduled)
	if err != nil {
		t.Fatalf("fetch and compare: %v", err)
	}
	if prov != ProvenanceRefreshed {
		t.Fatalf("expected refreshed on identical body, got %q", prov)
	}
}

func TestFetchAndCompare_FetchError(t *testing.T) {
	ctx := context.Background()
	e := New(cache.NewMemoryCache(ctx))

	fetch := func(_ context.Context, _ string) ([]byte, error) {
		return nil, errors.New("upstream down")
	}
	process := func(_ string, raw []byte) []byte { return raw }

	prov, err := e.FetchAndCompare(ctx, "fbevents", "https://example.com/x.js", fetch, process, FreshTTLScheduled)
	if err == nil {
		t.Fatal("expected error")
	}
	if prov != ProvenanceError {
		t.Fatalf("expected error provenance, got %q", prov)
	}
}

func TestFetchOnDemand_CoalescesConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	e := New(cache.NewMemoryCache(ctx))

	var fetchCount int64
	fetch := func(_ context.Context, _ string) ([]byte, error) {
		atomic.AddInt64(&fetchCount, 1)
		time.Sleep(20 * time.Millisecond)
		return []byte("body"), nil
	}
	process := func(_ string, raw []byte) []byte { return raw }

	results := make(chan Entry, 5)
	for i := 0; i < 5; i++ {
		go func() {
			entry, err := e.FetchOnDemand(ctx, "dynamic:abc", "https://example.com/x.js", fetch, process)
			if err != nil {
				t.Errorf("fetch on demand: %v", err)
			}
			results <- entry
		}()
	}

	for i := 0; i < 5; i++ {
		<-results
	}

	if got := atomic.LoadInt64(&fetchCount); got != 1 {
		t.Fatalf("expected exactly 1 upstream fetch, got %d", got)
	}
}

func TestInvalidateMany(t *testing.T) {
	ctx := context.Background()
	e := New(cache.NewMemoryCache(ctx))

	if _, err := e.WriteTriple(ctx, "fbevents", []byte("body"), FreshTTLOnDemand); err != nil {
		t.Fatalf("write triple: %v", err)
	}
	if _, err := e.WriteTriple(ctx, "gtag:G-X", []byte("body2"), FreshTTLOnDemand); err != nil {
		t.Fatalf("write triple: %v", err)
	}

	if err := e.InvalidateMany(ctx, []string{"fbevents", "gtag:G-X"}); err != nil {
		t.Fatalf("invalidate many: %v", err)
	}
	if _, ok := e.Get(ctx, "fbevents"); ok {
		t.Fatal("expected fbevents invalidated")
	}
	if _, ok := e.Get(ctx, "gtag:G-X"); ok {
		t.Fatal("expected gtag:G-X invalidated")
	}
}
