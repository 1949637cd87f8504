package proxy

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/trackproxy/internal/cache"
	"github.com/nulpointcorp/trackproxy/internal/headers"
	"github.com/nulpointcorp/trackproxy/internal/idhash"
	"github.com/nulpointcorp/trackproxy/internal/rewrite"
	"github.com/nulpointcorp/trackproxy/pkg/apierr"
)

// fetchOutcome labels used for metrics.
const (
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeTimeout = "timeout"
	outcomeBreaker = "breaker_open"
)

// originGroup classifies a target URL's host into one of the circuit
// breaker / metrics groups the health checker reports on.
func originGroup(targetURL string) string {
	u, err := url.Parse(targetURL)
	if err != nil {
		return "dynamic"
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case strings.HasSuffix(host, "facebook.com") || strings.HasSuffix(host, "facebook.net"):
		return "facebook"
	case strings.HasSuffix(host, "google.com") || strings.HasSuffix(host, "googletagmanager.com") || strings.HasSuffix(host, "google-analytics.com"):
		return "google"
	default:
		return "dynamic"
	}
}

// fetchUpstream performs a single upstream request, gated by the circuit
// breaker for targetURL's origin group. The breaker never triggers a retry —
// it only lets the caller skip a doomed fetch.
func (g *Gateway) fetchUpstream(ctx context.Context, method, targetURL string, mode headers.UpstreamMode, clientReq *fasthttp.Request, body []byte) (respBody []byte, statusCode int, err error) {
	origin := originGroup(targetURL)

	if !g.cb.Allow(origin) {
		if g.metrics != nil {
			g.metrics.RecordCircuitBreakerRejection(origin)
		}
		return nil, 0, fmt.Errorf("proxy: circuit breaker open for origin %q", origin)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(targetURL)
	req.Header.SetMethod(method)
	if len(body) > 0 {
		req.SetBody(body)
	}
	if clientReq != nil {
		g.hb.BuildUpstreamRequest(mode, clientReq, req)
	} else if len(body) > 0 {
		req.Header.SetContentType("application/json")
	}

	timeout := g.cfg.Fetch.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}

	start := time.Now()
	fetchErr := g.upstream.DoTimeout(req, resp, timeout)
	dur := time.Since(start)

	switch {
	case fetchErr == fasthttp.ErrTimeout:
		g.cb.RecordFailure(origin)
		if g.metrics != nil {
			g.metrics.ObserveFetch(origin, outcomeTimeout, dur)
		}
		return nil, 0, fmt.Errorf("proxy: upstream timeout: %w", fetchErr)

	case fetchErr != nil:
		g.cb.RecordFailure(origin)
		if g.metrics != nil {
			g.metrics.ObserveFetch(origin, outcomeError, dur)
		}
		return nil, 0, fmt.Errorf("proxy: upstream fetch: %w", fetchErr)
	}

	status := resp.StatusCode()
	if status >= 500 {
		g.cb.RecordFailure(origin)
	} else {
		g.cb.RecordSuccess(origin)
	}
	if g.metrics != nil {
		g.metrics.ObserveFetch(origin, outcomeOK, dur)
	}

	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return out, status, nil
}

// shouldCache implements the C8 cache policy: GET only; never /health or
// /options; never a request whose query string carries a tracking
// signature; scripts (path ends in .js) are cacheable.
func (g *Gateway) shouldCache(method, path, query string) bool {
	if method != fasthttp.MethodGet {
		return false
	}
	if path == "/health" || path == "/options" {
		return false
	}
	if g.signatures != nil && g.signatures.Matches(query) {
		return false
	}
	return true
}

// forwardOptions bundles the arguments for a generic (non-script) upstream
// pass-through — used by the dynamic handler and tracking POST endpoints.
type forwardOptions struct {
	TargetURL    string
	Mode         headers.UpstreamMode
	AllowCache   bool
	CacheTTL     time.Duration
	RouteLabel   string // for X-Cache-Status / metrics only
}

// forward implements the generic (non-script) C8 proxy path: cache gate,
// upstream fetch, response assembly, optional cache write-back.
func (g *Gateway) forward(ctx *fasthttp.RequestCtx, opts forwardOptions) {
	method := string(ctx.Method())
	path := string(ctx.Path())
	query := string(ctx.QueryArgs().QueryString())

	cacheable := opts.AllowCache && g.shouldCache(method, path, query)
	cacheKey := cache.GenericProxyKey(opts.TargetURL)

	if cacheable && g.c != nil {
		if body, ok := g.c.Get(ctx, cacheKey); ok {
			if g.metrics != nil {
				g.metrics.CacheResult("generic", "hit")
			}
			writeCachedBody(ctx, body, "HIT")
			return
		}
		if g.metrics != nil {
			g.metrics.CacheResult("generic", "miss")
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout(g.cfg.Fetch.Timeout))
	defer cancel()

	body, status, err := g.fetchUpstream(reqCtx, method, opts.TargetURL, opts.Mode, &ctx.Request, ctx.PostBody())
	if err != nil {
		if strings.Contains(err.Error(), "timeout") {
			apierr.WriteUpstreamTimeout(ctx)
			return
		}
		apierr.WriteUpstreamError(ctx, "failed to reach upstream")
		return
	}
	if status >= 400 {
		apierr.WriteUpstreamError(ctx, "upstream returned an error")
		return
	}

	ctx.SetStatusCode(status)
	ctx.SetBody(body)

	if cacheable {
		ctx.Response.Header.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(g.cacheTTL(opts.CacheTTL).Seconds())))
		if g.c != nil {
			clone := make([]byte, len(body))
			copy(clone, body)
			if err := g.c.Set(ctx, cacheKey, clone, g.cacheTTL(opts.CacheTTL)); err != nil && g.log != nil {
				g.log.Warn("generic cache write failed", "error", err.Error())
			}
		}
		ctx.Response.Header.Set("X-Cache-Status", scriptcacheMissLabel)
	} else {
		ctx.Response.Header.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	}
}

const scriptcacheMissLabel = "MISS"

func (g *Gateway) cacheTTL(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if g.cfg.Cache.TTL > 0 {
		return g.cfg.Cache.TTL
	}
	return time.Hour
}

func fetchTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

func writeCachedBody(ctx *fasthttp.RequestCtx, body []byte, status string) {
	ctx.SetBody(body)
	ctx.Response.Header.Set("Cache-Control", "public, max-age=3600")
	ctx.Response.Header.Set("X-Cache-Status", status)
}

// processScript runs the C5 pipeline over a raw upstream script body: it
// extracts embedded URLs, mints (or reuses) a dynamic endpoint for each one,
// records the URL backref against scriptKey for later invalidation, and
// rewrites every occurrence of an extracted URL to its local /x/{uuid} path.
// The returned body is what C7 hashes and caches — the processed body is
// the canonical output, not the raw upstream response (spec's fixed choice
// for what seeds the integrity hash).
func (g *Gateway) processScript(scriptKey string, rawBody []byte) []byte {
	if !g.cfg.FullScriptProxyEnabled || g.extractor == nil || g.endpoints == nil {
		return rawBody
	}

	urls := g.extractor.Extract(rawBody)
	if len(urls) == 0 {
		return rawBody
	}

	created := g.endpoints.BatchCreate(g.baseCtx, urls)

	urlToPath := make(map[string]string, len(created))
	for raw, ep := range created {
		urlToPath[raw] = g.dynamicPath(ep.UUID)
		normalized, err := idhash.NormalizeURL(raw)
		if err == nil {
			g.endpoints.TrackBackref(scriptKey, normalized)
		}
	}

	return []byte(rewrite.Rewrite(string(rawBody), urlToPath))
}

// dynamicPath builds the absolute or relative path a rewritten script should
// embed for a dynamic endpoint uuid. WorkerBaseURL is required for scheduled
// (request-less) refreshes; request-triggered refreshes can fall back to a
// root-relative path.
func (g *Gateway) dynamicPath(uuid string) string {
	if g.cfg.WorkerBaseURL != "" {
		return g.cfg.WorkerBaseURL + "/x/" + uuid
	}
	return "/x/" + uuid
}
