// Package endpoints implements the dynamic endpoint registry: a bidirectional,
// cache-backed mapping between an opaque uuid and the real upstream URL it
// stands in for, so a rewritten script can reference "/x/{uuid}" without ever
// naming the third-party host in its own body.
package endpoints

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nulpointcorp/trackproxy/internal/cache"
	"github.com/nulpointcorp/trackproxy/internal/idhash"
)

// TTL is how long a dynamic endpoint mapping lives in cache. It deliberately
// exceeds the script stale TTL (7d) so that references inside a still-stale
// cached script remain resolvable.
const TTL = 14 * 24 * time.Hour

// Endpoint is the {uuid, url} pair stored in cache.
type Endpoint struct {
	UUID string `json:"uuid"`
	URL  string `json:"url"`
}

// backrefCap bounds the scriptKey -> {urls} backref map; when exceeded, the
// oldest evictFraction of entries (by insertion order) are dropped so the
// map never grows without bound across a long-running instance.
const backrefCap = 10_000
const evictFraction = 0.20

// New creates a Registry backed by c.
func New(c cache.Cache) *Registry {
	return &Registry{
		c:          c,
		coalesce:   newCoalescer(),
		backrefs:   make(map[string]map[string]struct{}),
		backrefSeq: make(map[string]uint64),
	}
}

// Registry is the C6 dynamic endpoint registry: uuid -> url, with a
// secondary hash(url) -> uuid index for idempotent reuse.
type Registry struct {
	c        cache.Cache
	coalesce *coalescer

	backrefsMu sync.Mutex
	backrefs   map[string]map[string]struct{} // scriptKey -> set of normalized urls
	backrefSeq map[string]uint64              // scriptKey -> insertion sequence, for oldest-eviction
	backrefGen uint64
}

// Create returns the {uuid, url} endpoint for raw, minting one if it does not
// already exist. Because uuid = sha256(normalize(url))[:32] is a pure
// function of the URL, repeated calls for the same URL are idempotent and
// never produce more than one cache write for the secondary index —
// concurrent callers for the same URL share one in-flight creation.
func (r *Registry) Create(ctx context.Context, raw string) (Endpoint, error) {
	normalized, err := idhash.NormalizeURL(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoints: normalize: %w", err)
	}

	return r.coalesce.do(normalized, func() (Endpoint, error) {
		uuid := idhash.DynamicUUID(normalized)

		if existing, ok := r.c.Get(ctx, cache.DynURLIndexKey(uuid)); ok {
			var ep Endpoint
			if json.Unmarshal(existing, &ep) == nil {
				return ep, nil
			}
		}

		ep := Endpoint{UUID: uuid, URL: normalized}
		body, err := json.Marshal(ep)
		if err != nil {
			return Endpoint{}, fmt.Errorf("endpoints: marshal: %w", err)
		}

		if err := r.c.Set(ctx, cache.DynEndpointKey(uuid), body, TTL); err != nil {
			return Endpoint{}, fmt.Errorf("endpoints: put endpoint: %w", err)
		}
		if err := r.c.Set(ctx, cache.DynURLIndexKey(uuid), body, TTL); err != nil {
			return Endpoint{}, fmt.Errorf("endpoints: put index: %w", err)
		}

		return ep, nil
	})
}

// GetTargetURL returns the URL registered for uuid, or ("", false) if unknown.
func (r *Registry) GetTargetURL(ctx context.Context, uuid string) (string, bool) {
	body, ok := r.c.Get(ctx, cache.DynEndpointKey(uuid))
	if !ok {
		return "", false
	}
	var ep Endpoint
	if err := json.Unmarshal(body, &ep); err != nil {
		return "", false
	}
	return ep.URL, true
}

// maxBatchConcurrency bounds parallel upstream-index lookups during BatchCreate.
const maxBatchConcurrency = 10

// BatchCreate creates endpoints for all of urls with bounded concurrency.
// Per-URL errors are swallowed; the returned map contains only the URLs that
// succeeded, so a partial result is always usable.
func (r *Registry) BatchCreate(ctx context.Context, urls []string) map[string]Endpoint {
	result := make(map[string]Endpoint, len(urls))
	var mu sync.Mutex
	sem := make(chan struct{}, maxBatchConcurrency)
	var wg sync.WaitGroup

	for _, u := range urls {
		u := u
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			ep, err := r.Create(ctx, u)
			if err != nil {
				return
			}
			mu.Lock()
			result[u] = ep
			mu.Unlock()
		}()
	}

	wg.Wait()
	return result
}

// TrackBackref records that scriptKey's body embedded normalizedURL, so a
// later Invalidate pass can find every script that references a given URL.
// The map is capped at backrefCap ScriptKeys; once exceeded, the oldest
// evictFraction (by insertion order) are dropped to bound memory.
func (r *Registry) TrackBackref(scriptKey, normalizedURL string) {
	r.backrefsMu.Lock()
	defer r.backrefsMu.Unlock()

	set, ok := r.backrefs[scriptKey]
	if !ok {
		set = make(map[string]struct{})
		r.backrefs[scriptKey] = set
		r.backrefGen++
		r.backrefSeq[scriptKey] = r.backrefGen
	}
	set[normalizedURL] = struct{}{}

	if len(r.backrefs) > backrefCap {
		r.evictOldestLocked()
	}
}

func (r *Registry) evictOldestLocked() {
	n := int(float64(len(r.backrefs)) * evictFraction)
	if n < 1 {
		n = 1
	}

	type kv struct {
		key string
		seq uint64
	}
	ordered := make([]kv, 0, len(r.backrefSeq))
	for k, seq := range r.backrefSeq {
		ordered = append(ordered, kv{k, seq})
	}

	for i := 0; i < n && len(ordered) > 0; i++ {
		minIdx := 0
		for j := 1; j < len(ordered); j++ {
			if ordered[j].seq < ordered[minIdx].seq {
				minIdx = j
			}
		}
		delete(r.backrefs, ordered[minIdx].key)
		delete(r.backrefSeq, ordered[minIdx].key)
		ordered = append(ordered[:minIdx], ordered[minIdx+1:]...)
	}
}

// ScriptsReferencing returns every ScriptKey known to have embedded
// normalizedURL, used by an invalidate-for-url pass.
func (r *Registry) ScriptsReferencing(normalizedURL string) []string {
	r.backrefsMu.Lock()
	defer r.backrefsMu.Unlock()

	var keys []string
	for scriptKey, set := range r.backrefs {
		if _, ok := set[normalizedURL]; ok {
			keys = append(keys, scriptKey)
		}
	}
	return keys
}
