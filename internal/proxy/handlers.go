package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/trackproxy/internal/headers"
	"github.com/nulpointcorp/trackproxy/internal/scriptcache"
	"github.com/nulpointcorp/trackproxy/pkg/apierr"
)

// pathUUID validates the {uuid} path segment matched by the router (length
// [12,64], lower-hex per spec §4.9) and writes a 404 with no cache activity
// when it is malformed.
func pathUUID(ctx *fasthttp.RequestCtx) (string, bool) {
	uuid, ok := ctx.UserValue("uuid").(string)
	if !ok || !validUUIDPath(uuid) {
		apierr.WriteNotFound(ctx)
		return "", false
	}
	return uuid, true
}

// handleFacebookScript serves the fbevents.js tag, rewriting embedded URLs
// to local /x/{uuid} paths when full script proxying is enabled.
func (g *Gateway) handleFacebookScript(ctx *fasthttp.RequestCtx) {
	if _, ok := pathUUID(ctx); !ok {
		return
	}
	g.serveScript(ctx, scriptKeyFB, urlFBEvents)
}

// handleGoogleScript serves gtag.js. ?id=GTM-XXXX (or ?c=alias, resolved
// via the configured container aliases) selects a container-specific cache
// key so different sites get independently cached, independently
// invalidated copies of the tag.
func (g *Gateway) handleGoogleScript(ctx *fasthttp.RequestCtx) {
	if _, ok := pathUUID(ctx); !ok {
		return
	}

	rawID := string(ctx.QueryArgs().Peek("id"))
	alias := string(ctx.QueryArgs().Peek("c"))
	containerID := resolveContainerID(rawID, alias, g.cfg.GTMContainerAliases)

	scriptKey := gtagScriptKey(containerID)
	scriptURL := urlGtagJS
	if containerID != "" {
		scriptURL = urlGtagJS + "?id=" + containerID
	}

	g.serveScript(ctx, scriptKey, scriptURL)
}

// serveScript implements the C10 script-serving contract shared by every
// well-known tag: fresh/stale cache read, on-demand coalesced fetch on a
// miss, and a `?_refresh=1` escape hatch that forces a synchronous refetch
// (used by operators chasing a bad cached copy without waiting on the
// scheduled updater).
func (g *Gateway) serveScript(ctx *fasthttp.RequestCtx, scriptKey, scriptURL string) {
	ctx.SetUserValue("script_key", scriptKey)
	ctx.SetContentType("application/javascript; charset=utf-8")

	forceRefresh := string(ctx.QueryArgs().Peek("_refresh")) == "1"

	if g.scripts == nil {
		apierr.WriteServiceUnavailable(ctx, "script cache not configured")
		return
	}

	if !forceRefresh {
		if entry, ok := g.scripts.Get(ctx, scriptKey); ok {
			if g.metrics != nil {
				g.metrics.CacheResult("script", "hit")
			}
			ctx.Response.Header.Set("X-Cache-Status", entry.Status)
			ctx.SetBody(entry.Body)
			return
		}
	}

	if g.metrics != nil {
		g.metrics.CacheResult("script", "miss")
	}

	entry, err := g.scripts.FetchOnDemand(ctx, scriptKey, scriptURL, g.fetchScript, g.processScript)
	if err != nil {
		g.writeFetchError(ctx, err)
		return
	}

	ctx.Response.Header.Set("X-Cache-Status", scriptcache.StatusMiss)
	ctx.SetBody(entry.Body)
}

// fetchScript adapts fetchUpstream to scriptcache.FetchFunc. A body larger
// than ScriptSizeLimit is returned as it is; the extractor skips URL
// rewriting for it, so it is served unmodified.
func (g *Gateway) fetchScript(ctx context.Context, scriptURL string) ([]byte, error) {
	body, status, err := g.fetchUpstream(ctx, fasthttp.MethodGet, scriptURL, headers.ModeMinimal, nil, nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("proxy: upstream returned status %d", status)
	}
	return body, nil
}

var errScriptTooLarge = fmt.Errorf("proxy: upstream script exceeds configured size limit")

func (g *Gateway) writeFetchError(ctx *fasthttp.RequestCtx, err error) {
	if err == errScriptTooLarge {
		apierr.WriteUpstreamBodyTooLarge(ctx)
		return
	}
	apierr.WriteUpstreamError(ctx, "failed to fetch upstream script")
}

// handleFacebookTrack proxies a client-side Facebook Pixel tracking beacon
// upstream with the full header-preservation set — match quality for these
// events depends on headers like Referer and the client-hints bundle
// surviving the hop unmodified. Registered only on the obfuscated
// /cdn/f/{uuid} route, so the path uuid is validated before forwarding.
func (g *Gateway) handleFacebookTrack(ctx *fasthttp.RequestCtx) {
	if _, ok := pathUUID(ctx); !ok {
		return
	}
	g.forwardFacebookTrack(ctx)
}

// handleGoogleTrack proxies a client-side GA4 collect beacon upstream.
// Registered only on the obfuscated /cdn/g/{uuid} route.
func (g *Gateway) handleGoogleTrack(ctx *fasthttp.RequestCtx) {
	if _, ok := pathUUID(ctx); !ok {
		return
	}
	g.forwardGoogleTrack(ctx)
}

func (g *Gateway) forwardFacebookTrack(ctx *fasthttp.RequestCtx) {
	target := urlFBTrack + reQuery(ctx)
	g.forward(ctx, forwardOptions{TargetURL: target, Mode: headers.ModePreserve, AllowCache: false})
}

func (g *Gateway) forwardGoogleTrack(ctx *fasthttp.RequestCtx) {
	target := urlGoogleCollect + reQuery(ctx)
	g.forward(ctx, forwardOptions{TargetURL: target, Mode: headers.ModePreserve, AllowCache: false})
}

// handleLegacyFacebookTrack serves the unobfuscated /tr alias, which carries
// no uuid path segment, so it forwards directly without uuid validation.
func (g *Gateway) handleLegacyFacebookTrack(ctx *fasthttp.RequestCtx) {
	g.forwardFacebookTrack(ctx)
}

// handleLegacyGoogleCollect serves the unobfuscated /g/collect and
// /j/collect aliases, which carry no uuid path segment.
func (g *Gateway) handleLegacyGoogleCollect(ctx *fasthttp.RequestCtx) {
	g.forwardGoogleTrack(ctx)
}

// handleLegacyAsset answers every /cdn, /assets, or /static path that no
// more specific route matched with 404. It does not proxy these paths and
// does not look up a script by name.
func (g *Gateway) handleLegacyAsset(ctx *fasthttp.RequestCtx) {
	apierr.WriteNotFound(ctx)
}

// handleDynamic resolves a /x/{uuid} path minted by C6 for a URL a cached
// script referenced, re-attaching the client's own query string before
// forwarding. An invalid uuid is a 404; an unknown uuid attempts recovery
// via the referer-derived script key before giving up with a 404.
func (g *Gateway) handleDynamic(ctx *fasthttp.RequestCtx) {
	uuid, ok := pathUUID(ctx)
	if !ok {
		return
	}
	ctx.SetUserValue("script_key", "x:"+uuid)

	if g.endpoints == nil {
		apierr.WriteServiceUnavailable(ctx, "dynamic endpoint registry not configured")
		return
	}

	targetURL, found := g.endpoints.GetTargetURL(ctx, uuid)
	if !found {
		if referer := string(ctx.Request.Header.Peek("Referer")); referer != "" {
			if ep, ok := g.recoverDynamic(ctx, uuid, referer); ok {
				targetURL, found = ep.URL, true
			}
		}
	}
	if !found {
		if g.metrics != nil {
			g.metrics.RecordDynamicEndpoint("miss")
		}
		apierr.WriteNotFound(ctx)
		return
	}
	if g.metrics != nil {
		g.metrics.RecordDynamicEndpoint("hit")
	}

	// Preserve headers and disable caching per spec §4.10: a dynamically
	// minted endpoint stands in for an arbitrary tracking URL extracted from
	// a script, so it gets the same header-preservation and no-cache
	// treatment as any other tracking beacon.
	target := targetURL + reQuery(ctx)
	g.forward(ctx, forwardOptions{TargetURL: target, Mode: headers.ModePreserve, AllowCache: false})
}

// eventNamePattern and measurementIDPattern bound the two identifiers the
// GA4 Measurement Protocol requires: an event name (letters, digits,
// underscore) and, when supplied, a "G-" prefixed measurement id.
var (
	eventNamePattern     = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	measurementIDPattern = regexp.MustCompile(`^G-[A-Z0-9]+$`)
)

// eventReservedFields are the top-level event-envelope keys consumed
// explicitly by handleEvents; every other field in the body (including the
// documented page_location/page_title/page_referrer/session_id/
// engagement_time_msec fields and any caller-defined custom field) is
// passed through unchanged into events[0].params.
var eventReservedFields = map[string]bool{
	"event_name":       true,
	"client_id":        true,
	"measurement_id":   true,
	"timestamp_micros": true,
	"user_properties":  true,
}

// handleEvents accepts a first-party tracking event — a flat JSON object of
// {event_name, client_id, measurement_id?, timestamp_micros?,
// user_properties?, ...custom} — and translates it into a GA4 Measurement
// Protocol hit forwarded to the configured GTM server container. Every
// field outside the envelope (the documented page_location/page_title/
// page_referrer/session_id/engagement_time_msec fields as well as arbitrary
// custom fields) is folded into events[0].params. Disabled (503) unless
// GTM_SERVER_URL is configured.
func (g *Gateway) handleEvents(ctx *fasthttp.RequestCtx) {
	if g.cfg.GTMServerURL == "" {
		apierr.WriteServiceUnavailable(ctx, "event forwarding is not configured")
		return
	}

	var raw map[string]any
	if err := json.Unmarshal(ctx.PostBody(), &raw); err != nil {
		apierr.WriteBadRequest(ctx, "malformed event body")
		return
	}

	eventName, _ := raw["event_name"].(string)
	clientID, _ := raw["client_id"].(string)
	measurementID, _ := raw["measurement_id"].(string)

	if !eventNamePattern.MatchString(eventName) {
		apierr.WriteBadRequest(ctx, "event_name is required and must match ^[A-Za-z0-9_]+$")
		return
	}
	if clientID == "" {
		apierr.WriteBadRequest(ctx, "client_id is required")
		return
	}
	if measurementID != "" && !measurementIDPattern.MatchString(measurementID) {
		apierr.WriteBadRequest(ctx, "measurement_id must match ^G-[A-Z0-9]+$")
		return
	}

	timestampMicros, ok := raw["timestamp_micros"].(string)
	if !ok || timestampMicros == "" {
		timestampMicros = strconv.FormatInt(time.Now().UnixMicro(), 10)
	}

	userProperties, _ := raw["user_properties"].(map[string]any)

	params := make(map[string]any, len(raw))
	for k, v := range raw {
		if eventReservedFields[k] {
			continue
		}
		params[k] = v
	}

	payload := map[string]any{
		"client_id":        clientID,
		"timestamp_micros": timestampMicros,
		"events": []map[string]any{
			{"name": eventName, "params": params},
		},
	}
	if len(userProperties) > 0 {
		payload["user_properties"] = userProperties
	}

	body, err := json.Marshal(payload)
	if err != nil {
		apierr.WriteBadRequest(ctx, "unable to encode event payload")
		return
	}

	target := g.cfg.GTMServerURL + "/g/collect"
	if measurementID != "" {
		target += "?measurement_id=" + measurementID
	}

	respBody, status, err := g.fetchUpstream(ctx, fasthttp.MethodPost, target, headers.ModeMinimal, nil, body)
	if err != nil {
		g.writeFetchError(ctx, err)
		return
	}
	if status >= 300 {
		apierr.WriteUpstreamError(ctx, "upstream rejected event")
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetBody(respBody)
}

// handleEndpointsInfo exposes the current well-known provider endpoints for
// operator tooling. Requires ?token= matching ENDPOINTS_API_TOKEN; the
// route is entirely disabled (503) when no token is configured.
func (g *Gateway) handleEndpointsInfo(ctx *fasthttp.RequestCtx) {
	if g.cfg.EndpointsAPIToken == "" {
		apierr.WriteServiceUnavailable(ctx, "endpoints introspection is not configured")
		return
	}
	token := string(ctx.QueryArgs().Peek("token"))
	if token == "" || token != g.cfg.EndpointsAPIToken {
		apierr.WriteUnauthorized(ctx)
		return
	}

	now := time.Now()
	resp := map[string]any{
		"facebook": g.providerInfo("facebook", "/cdn/f/"),
		"google":   g.providerInfo("google", "/cdn/g/"),
		"rotation": map[string]any{
			"enabled":  g.cfg.Obfuscation.RotationEnabled,
			"interval": g.cfg.Obfuscation.RotationInterval.String(),
		},
		"generatedAt": now.UTC().Format(time.RFC3339),
	}
	if g.cfg.Obfuscation.RotationEnabled {
		resp["expiresAt"] = rotationBucketEnd(now, g.cfg.Obfuscation.RotationInterval).UTC().Format(time.RFC3339)
	}

	writeJSON(ctx, resp)
}

// providerInfo builds the {uuid, script, endpoint} triple for a well-known
// provider. script and endpoint share one path: the same route serves the
// cached script body on GET and accepts tracking beacons on POST.
func (g *Gateway) providerInfo(provider, pathPrefix string) map[string]string {
	uuid := g.currentProviderUUID(provider)
	path := pathPrefix + uuid
	return map[string]string{
		"uuid":     uuid,
		"script":   path,
		"endpoint": path,
	}
}

// rotationBucketEnd returns the end of the rotation bucket now falls in, so
// callers know exactly when the currently-reported uuid will change.
func rotationBucketEnd(now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return now
	}
	epoch := now.Unix()
	bucket := epoch - (epoch % int64(interval/time.Second))
	return time.Unix(bucket, 0).Add(interval)
}

// reQuery returns "?"+query if the request carried one, else "".
func reQuery(ctx *fasthttp.RequestCtx) string {
	q := ctx.QueryArgs().QueryString()
	if len(q) == 0 {
		return ""
	}
	return "?" + string(q)
}
