package proxy

import (
	"context"

	"github.com/nulpointcorp/trackproxy/internal/endpoints"
)

// recoverDynamic implements the C6 recovery service: when a /x/{uuid}
// request misses, a Referer pointing at one of our own cached scripts is the
// only lead the spec offers for healing it. We re-derive that script's
// ScriptKey from the Referer path, re-extract its embedded URLs (a no-op for
// any URL whose endpoint already exists, since uuids are pure functions of
// the URL), and if uuid is still unknown afterward invalidate the script so
// the next fetch rewrites it against current endpoint state.
func (g *Gateway) recoverDynamic(ctx context.Context, uuid, referer string) (endpoints.Endpoint, bool) {
	if g.endpoints == nil || g.scripts == nil || g.extractor == nil {
		return endpoints.Endpoint{}, false
	}

	lookup := func(ctx context.Context, referer string) (string, []byte, bool) {
		scriptKey, ok := scriptKeyFromReferer(referer, g.cfg.GTMContainerAliases)
		if !ok {
			return "", nil, false
		}
		entry, ok := g.scripts.Get(ctx, scriptKey)
		if !ok {
			return "", nil, false
		}
		return scriptKey, entry.Body, true
	}

	invalidate := func(ctx context.Context, scriptKey string) error {
		return g.scripts.Invalidate(ctx, scriptKey)
	}

	ep, ok := g.endpoints.Recover(ctx, uuid, referer, lookup, g.extractor.Extract, invalidate)
	if ok && g.metrics != nil {
		g.metrics.RecordDynamicEndpoint("recovered")
	}
	return ep, ok
}
