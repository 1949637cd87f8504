package endpoints

import "context"

// ScriptLookup resolves a Referer URL to the ScriptKey of the cached script
// that served it, and returns that script's current cached body.
type ScriptLookup func(ctx context.Context, referer string) (scriptKey string, body []byte, ok bool)

// Invalidate deletes all cache entries for scriptKey.
type Invalidate func(ctx context.Context, scriptKey string) error

// Extract pulls candidate upstream URLs out of a script body (C5).
type Extract func(body []byte) []string

// Recover heals a request for an unknown uuid whose Referer points at a
// cached script: it re-extracts the script's embedded URLs, re-derives their
// endpoints (a no-op for any URL whose endpoint already exists, since uuids
// are pure functions of the URL), and if uuid is still absent afterward,
// invalidates the referring script so the next fetch re-rewrites it against
// current endpoint state. This covers the case where a client is holding a
// script rewritten before a rotation or eviction moved the uuid it expects.
func (r *Registry) Recover(ctx context.Context, uuid, referer string, lookup ScriptLookup, extract Extract, invalidate Invalidate) (Endpoint, bool) {
	scriptKey, body, ok := lookup(ctx, referer)
	if !ok {
		return Endpoint{}, false
	}

	urls := extract(body)
	r.BatchCreate(ctx, urls)

	if url, ok := r.GetTargetURL(ctx, uuid); ok {
		return Endpoint{UUID: uuid, URL: url}, true
	}

	_ = invalidate(ctx, scriptKey)
	return Endpoint{}, false
}
