// Package scriptcache implements the triple (fresh/stale/hash) cache for
// upstream analytics scripts, with stale-while-revalidate reads, atomic
// triple writes, and coalesced on-demand fetches.
package scriptcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/trackproxy/internal/cache"
)

const (
	// FreshTTLScheduled is the fresh-body TTL for scripts refreshed by the
	// scheduled updater.
	FreshTTLScheduled = 24 * time.Hour

	// FreshTTLOnDemand is the fresh-body TTL for scripts fetched on demand
	// (container-specific keys, or a scheduled key's first ever fetch).
	FreshTTLOnDemand = 12 * time.Hour

	// StaleTTL is how long the stale fallback body survives after its fresh
	// TTL expires.
	StaleTTL = 7 * 24 * time.Hour
)

// CacheStatus values surfaced via X-Cache-Status.
const (
	StatusHit   = "HIT-SCRIPT"
	StatusStale = "stale"
	StatusMiss  = "MISS"
)

// Provenance values for a triple write, used only in scheduled-refresh logs.
const (
	ProvenanceUpdated   = "updated"
	ProvenanceRefreshed = "refreshed"
	ProvenanceError     = "error"
)

// Entry is a read result: Body plus the status it was served at.
type Entry struct {
	Body   []byte
	Status string // StatusHit | StatusStale
}

// Engine is the C7 script cache engine.
type Engine struct {
	c cache.Cache

	pendingMu sync.Mutex
	pending   map[string]*pendingFetch
}

type pendingFetch struct {
	done  chan struct{}
	entry Entry
	err   error
}

// New creates an Engine backed by c.
func New(c cache.Cache) *Engine {
	return &Engine{
		c:       c,
		pending: make(map[string]*pendingFetch),
	}
}

// Get reads scriptKey: fresh if present, else stale (Status: StatusStale),
// else a miss (ok == false). Readers never block on writers.
func (e *Engine) Get(ctx context.Context, scriptKey string) (Entry, bool) {
	if body, ok := e.c.Get(ctx, cache.ScriptFreshKey(scriptKey)); ok {
		return Entry{Body: body, Status: StatusHit}, true
	}
	if body, ok := e.c.Get(ctx, cache.ScriptStaleKey(scriptKey)); ok {
		return Entry{Body: body, Status: StatusStale}, true
	}
	return Entry{}, false
}

// StoredHash returns the durable integrity hash for scriptKey, if any.
func (e *Engine) StoredHash(ctx context.Context, scriptKey string) (string, bool) {
	body, ok := e.c.Get(ctx, cache.ScriptHashKey(scriptKey))
	if !ok {
		return "", false
	}
	return string(body), true
}

// WriteTriple computes hash = sha256_hex(processedBody) and atomically
// writes fresh+stale+hash in parallel — all three complete before this
// returns, so no caller can observe a new hash without the matching fresh
// body. freshTTL selects the scheduled (24h) or on-demand (12h) lifetime;
// stale always gets StaleTTL.
func (e *Engine) WriteTriple(ctx context.Context, scriptKey string, processedBody []byte, freshTTL time.Duration) (hash string, err error) {
	hash = sha256Hex(processedBody)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.c.Set(gctx, cache.ScriptFreshKey(scriptKey), processedBody, freshTTL)
	})
	g.Go(func() error {
		return e.c.Set(gctx, cache.ScriptStaleKey(scriptKey), processedBody, StaleTTL)
	})
	g.Go(func() error {
		return e.c.Set(gctx, cache.ScriptHashKey(scriptKey), []byte(hash), freshTTL)
	})

	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("scriptcache: triple write: %w", err)
	}
	return hash, nil
}

// Invalidate deletes fresh+stale+hash for scriptKey in parallel.
func (e *Engine) Invalidate(ctx context.Context, scriptKey string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.c.Delete(gctx, cache.ScriptFreshKey(scriptKey)) })
	g.Go(func() error { return e.c.Delete(gctx, cache.ScriptStaleKey(scriptKey)) })
	g.Go(func() error { return e.c.Delete(gctx, cache.ScriptHashKey(scriptKey)) })
	return g.Wait()
}

// InvalidateMany invalidates each of scriptKeys, stopping at the first
// error. Nothing in the proxy calls it; in particular the Gateway has no
// invalidate-for-url route.
func (e *Engine) InvalidateMany(ctx context.Context, scriptKeys []string) error {
	for _, k := range scriptKeys {
		if err := e.Invalidate(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// FetchFunc performs the upstream HTTP fetch for a script URL, honoring ctx's
// deadline. It is supplied by the caller (the proxy engine) so this package
// stays free of transport/circuit-breaker concerns.
type FetchFunc func(ctx context.Context, url string) ([]byte, error)

// ProcessFunc runs URL extraction + rewriting over a raw upstream body,
// returning the processed body that gets hashed and cached.
type ProcessFunc func(scriptKey string, rawBody []byte) []byte

// FetchAndCompare fetches scriptURL, processes it, and compares the result's
// hash against the stored one. If different (or absent), it writes the
// triple with ProvenanceUpdated; if identical, it still writes the triple
// (refreshing TTLs) with ProvenanceRefreshed. Used by the scheduled updater;
// on-demand misses go through FetchOnDemand instead.
func (e *Engine) FetchAndCompare(ctx context.Context, scriptKey, scriptURL string, fetch FetchFunc, process ProcessFunc, freshTTL time.Duration) (provenance string, err error) {
	raw, err := fetch(ctx, scriptURL)
	if err != nil {
		return ProvenanceError, err
	}

	processed := process(scriptKey, raw)
	newHash := sha256Hex(processed)

	oldHash, hadHash := e.StoredHash(ctx, scriptKey)

	if _, err := e.WriteTriple(ctx, scriptKey, processed, freshTTL); err != nil {
		return ProvenanceError, err
	}

	if !hadHash || oldHash != newHash {
		return ProvenanceUpdated, nil
	}
	return ProvenanceRefreshed, nil
}

// FetchOnDemand coalesces concurrent on-demand fetches for the same
// scriptKey: only the first caller triggers fetch+process+write; the rest
// await the shared result.
func (e *Engine) FetchOnDemand(ctx context.Context, scriptKey, scriptURL string, fetch FetchFunc, process ProcessFunc) (Entry, error) {
	e.pendingMu.Lock()
	if pf, ok := e.pending[scriptKey]; ok {
		e.pendingMu.Unlock()
		<-pf.done
		return pf.entry, pf.err
	}
	pf := &pendingFetch{done: make(chan struct{})}
	e.pending[scriptKey] = pf
	e.pendingMu.Unlock()

	raw, fetchErr := fetch(ctx, scriptURL)
	if fetchErr != nil {
		pf.err = fetchErr
	} else {
		processed := process(scriptKey, raw)
		if _, writeErr := e.WriteTriple(ctx, scriptKey, processed, FreshTTLOnDemand); writeErr != nil {
			pf.err = writeErr
		} else {
			pf.entry = Entry{Body: processed, Status: StatusMiss}
		}
	}

	close(pf.done)

	e.pendingMu.Lock()
	delete(e.pending, scriptKey)
	e.pendingMu.Unlock()

	return pf.entry, pf.err
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
