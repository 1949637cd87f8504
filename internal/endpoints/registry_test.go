package endpoints

import (
	"context"
	"testing"

	"github.com/nulpointcorp/trackproxy/internal/cache"
)

func TestCreate_RoundTrip(t *testing.T) {
	ctx := context.Background()
	r := New(cache.NewMemoryCache(ctx))

	ep, err := r.Create(ctx, "https://www.facebook.com/tr?ev=PageView&foo=1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ep.URL != "https://www.facebook.com/tr" {
		t.Fatalf("expected normalized URL without query, got %q", ep.URL)
	}

	url, ok := r.GetTargetURL(ctx, ep.UUID)
	if !ok || url != ep.URL {
		t.Fatalf("round-trip failed: got (%q, %v)", url, ok)
	}
}

func TestCreate_Idempotent(t *testing.T) {
	ctx := context.Background()
	r := New(cache.NewMemoryCache(ctx))

	ep1, _ := r.Create(ctx, "https://www.facebook.com/tr?a=1")
	ep2, _ := r.Create(ctx, "https://www.facebook.com/tr?b=2")

	if ep1.UUID != ep2.UUID {
		t.Fatalf("expected same uuid for same normalized URL, got %q vs %q", ep1.UUID, ep2.UUID)
	}
}

func TestGetTargetURL_Unknown(t *testing.T) {
	ctx := context.Background()
	r := New(cache.NewMemoryCache(ctx))

	if _, ok := r.GetTargetURL(ctx, "deadbeef"); ok {
		t.Fatal("expected miss for unknown uuid")
	}
}

func TestBatchCreate_PartialSuccessOnBadURL(t *testing.T) {
	ctx := context.Background()
	r := New(cache.NewMemoryCache(ctx))

	urls := []string{
		"https://www.facebook.com/tr",
		"://not-a-valid-url",
	}
	result := r.BatchCreate(ctx, urls)

	if _, ok := result["https://www.facebook.com/tr"]; !ok {
		t.Fatal("expected valid URL to succeed")
	}
	if len(result) != 1 {
		t.Fatalf("expected exactly 1 success, got %d", len(result))
	}
}

func TestTrackBackrefAndScriptsReferencing(t *testing.T) {
	r := New(cache.NewMemoryCache(context.Background()))
	r.TrackBackref("fbevents", "https://www.facebook.com/tr")
	r.TrackBackref("gtag:G-ABC", "https://www.facebook.com/tr")

	scripts := r.ScriptsReferencing("https://www.facebook.com/tr")
	if len(scripts) != 2 {
		t.Fatalf("expected 2 referencing scripts, got %d", len(scripts))
	}
}

func TestTrackBackref_EvictsOldestWhenOverCap(t *testing.T) {
	r := New(cache.NewMemoryCache(context.Background()))

	for i := 0; i < backrefCap+100; i++ {
		r.TrackBackref(scriptKeyFor(i), "https://www.facebook.com/tr")
	}

	r.backrefsMu.Lock()
	n := len(r.backrefs)
	_, firstStillPresent := r.backrefs[scriptKeyFor(0)]
	r.backrefsMu.Unlock()

	if n > backrefCap {
		t.Fatalf("expected map bounded at or under cap, got %d entries", n)
	}
	if firstStillPresent {
		t.Fatal("expected the oldest scriptKey to have been evicted")
	}
}

func scriptKeyFor(i int) string {
	return "gtag:G-" + itoaForTest(i)
}

func itoaForTest(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[pos:])
}
