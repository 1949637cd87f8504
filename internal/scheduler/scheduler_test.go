package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nulpointcorp/trackproxy/internal/cache"
	"github.com/nulpointcorp/trackproxy/internal/scriptcache"
)

func TestRefreshAll_WritesNewTargetAsUpdated(t *testing.T) {
	ctx := context.Background()
	engine := scriptcache.New(cache.NewMemoryCache(ctx))

	fetch := func(ctx context.Context, url string) ([]byte, error) {
		return []byte("body-for-" + url), nil
	}
	process := func(scriptKey string, rawBody []byte) []byte { return rawBody }

	u := New(ctx, engine, fetch, process, []Target{
		{ScriptKey: "fb:main", URL: "https://connect.facebook.net/en_US/fbevents.js"},
	}, time.Hour, nil, nil)

	u.refreshAll()

	entry, ok := engine.Get(ctx, "fb:main")
	if !ok {
		t.Fatal("expected the target to be cached after refresh")
	}
	if string(entry.Body) != "body-for-https://connect.facebook.net/en_US/fbevents.js" {
		t.Errorf("unexpected cached body: %q", entry.Body)
	}
}

func TestRefreshAll_OneFailureDoesNotStopOthers(t *testing.T) {
	ctx := context.Background()
	engine := scriptcache.New(cache.NewMemoryCache(ctx))

	fetch := func(ctx context.Context, url string) ([]byte, error) {
		if url == "https://fails.example.com" {
			return nil, errors.New("boom")
		}
		return []byte("ok-body"), nil
	}
	process := func(scriptKey string, rawBody []byte) []byte { return rawBody }

	u := New(ctx, engine, fetch, process, []Target{
		{ScriptKey: "broken", URL: "https://fails.example.com"},
		{ScriptKey: "healthy", URL: "https://healthy.example.com"},
	}, time.Hour, nil, nil)

	u.refreshAll()

	if _, ok := engine.Get(ctx, "broken"); ok {
		t.Error("a failed fetch should not populate the cache")
	}
	if _, ok := engine.Get(ctx, "healthy"); !ok {
		t.Error("a healthy target must still be refreshed despite a sibling's failure")
	}
}

func TestNew_DefaultsInterval(t *testing.T) {
	u := New(context.Background(), nil, nil, nil, nil, 0, nil, nil)
	if u.interval != DefaultInterval {
		t.Errorf("interval = %v, want %v", u.interval, DefaultInterval)
	}
}

func TestStartClose_StopsCleanly(t *testing.T) {
	engine := scriptcache.New(cache.NewMemoryCache(context.Background()))
	u := New(context.Background(), engine, func(context.Context, string) ([]byte, error) {
		return nil, nil
	}, func(string, []byte) []byte { return nil }, nil, time.Millisecond, nil, nil)

	u.Start()
	u.Close()
}
