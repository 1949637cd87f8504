// Package headers builds the CORS, security, rate-limit, and upstream
// request headers the proxy attaches to every response and outbound fetch.
//
// It generalizes the teacher gateway's ad-hoc corsHandler/securityHeaders
// middleware into a composable Builder so C8 and the route handlers can
// apply header policy per-request instead of through one blanket chain —
// tracking POSTs need a different upstream-header set than cacheable
// scripts, and the spec forbids CSP/X-Frame-Options on proxy responses.
package headers

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

// UpstreamMode selects which headers are forwarded to the real upstream.
type UpstreamMode int

const (
	// ModeMinimal forwards only User-Agent and Accept-Encoding. Used for
	// script fetches, where match-quality headers are irrelevant.
	ModeMinimal UpstreamMode = iota

	// ModePreserve forwards the fixed set of ~18 tracking-critical headers.
	// Used for tracking POSTs, where header preservation is load-bearing
	// for analytics event-match quality. The list is exhaustive on
	// purpose — treat any addition or removal as a behavioral change.
	ModePreserve
)

// preserveHeaderList is exhaustive by design (see package doc). Do not trim.
var preserveHeaderList = []string{
	"Referer",
	"Origin",
	"Cookie",
	"User-Agent",
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"Content-Type",
	"Sec-Ch-Ua",
	"Sec-Ch-Ua-Mobile",
	"Sec-Ch-Ua-Platform",
	"Sec-Ch-Ua-Platform-Version",
	"Sec-Ch-Ua-Full-Version-List",
	"Sec-Fetch-Site",
	"Sec-Fetch-Mode",
	"Sec-Fetch-Dest",
	"X-Forwarded-For",
	"X-Real-Ip",
}

const minimalUserAgentFallback = "trackproxy/1.0"

// Builder composes response and upstream-request header policy. It is
// configuration-only and safe for concurrent use by many requests.
type Builder struct {
	allowedOrigins []string // empty ⇒ auto-detect from request host
	debugHeaders   bool
}

// New creates a Builder. allowedOrigins may be empty to enable auto-detect
// mode (allow an Origin that matches the request's own host).
func New(allowedOrigins []string, debugHeaders bool) *Builder {
	return &Builder{allowedOrigins: allowedOrigins, debugHeaders: debugHeaders}
}

// ApplyCORS sets Access-Control-* response headers based on the request's
// Origin header.
//
//   - Exact match against the configured allow-list → that origin, credentials on.
//   - No allow-list configured → auto-detect: allow if Origin's host equals
//     the request's own Host.
//   - The literal string "null" (sandboxed iframe contexts, e.g. an
//     analytics service-worker) is always allowed, credentials on — this is
//     intentionally never the wildcard, since wildcard + credentials is
//     rejected by browsers and would be a confused-deputy risk besides.
//   - No match → Access-Control-Allow-Origin is omitted entirely.
func (b *Builder) ApplyCORS(ctx *fasthttp.RequestCtx) {
	origin := string(ctx.Request.Header.Peek("Origin"))
	h := &ctx.Response.Header

	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
	h.Set("Vary", "Origin")

	if origin == "" {
		return
	}

	if origin == "null" {
		h.Set("Access-Control-Allow-Origin", "null")
		h.Set("Access-Control-Allow-Credentials", "true")
		return
	}

	if b.originAllowed(origin, string(ctx.Host())) {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
	}
}

func (b *Builder) originAllowed(origin, requestHost string) bool {
	if len(b.allowedOrigins) == 0 {
		return hostOf(origin) == requestHost
	}
	for _, allowed := range b.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func hostOf(origin string) string {
	rest := origin
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// ApplySecurity sets the non-CSP security headers the spec requires. CSP
// and X-Frame-Options are deliberately never set here: they would break
// analytics service-worker iframes embedded by the scripts this proxy serves.
func (b *Builder) ApplySecurity(ctx *fasthttp.RequestCtx) {
	h := &ctx.Response.Header
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Permissions-Policy", "interest-cohort=()")
	h.Set("X-Robots-Tag", "noindex")
}

// ApplyRateLimit sets X-RateLimit-{Limit,Remaining,Reset}.
func (b *Builder) ApplyRateLimit(ctx *fasthttp.RequestCtx, limit, remaining int, resetUnix int64) {
	h := &ctx.Response.Header
	h.Set("X-RateLimit-Limit", itoa(limit))
	h.Set("X-RateLimit-Remaining", itoa(remaining))
	h.Set("X-RateLimit-Reset", itoa64(resetUnix))
}

// ApplyRequestID sets a fresh X-Request-Id on the response (and returns it
// so callers can correlate it with logs).
func (b *Builder) ApplyRequestID(ctx *fasthttp.RequestCtx) string {
	id := uuid.New().String()
	ctx.Response.Header.Set("X-Request-Id", id)
	if b.debugHeaders {
		ctx.Response.Header.Set("X-Debug-Route", string(ctx.Path()))
	}
	return id
}

// BuildUpstreamRequest copies the headers required by mode from the
// incoming client request onto the outbound upstream request.
func (b *Builder) BuildUpstreamRequest(mode UpstreamMode, clientReq, upstreamReq *fasthttp.Request) {
	switch mode {
	case ModeMinimal:
		ua := clientReq.Header.Peek("User-Agent")
		if len(ua) == 0 {
			upstreamReq.Header.Set("User-Agent", minimalUserAgentFallback)
		} else {
			upstreamReq.Header.SetBytesV("User-Agent", ua)
		}
		if ae := clientReq.Header.Peek("Accept-Encoding"); len(ae) > 0 {
			upstreamReq.Header.SetBytesV("Accept-Encoding", ae)
		}

	case ModePreserve:
		for _, name := range preserveHeaderList {
			if v := clientReq.Header.Peek(name); len(v) > 0 {
				upstreamReq.Header.SetBytesV(name, v)
			}
		}
		if xff := ClientIP(clientReq); xff != "" {
			upstreamReq.Header.Set("X-Forwarded-For", xff)
			upstreamReq.Header.Set("X-Real-Ip", xff)
		}
	}
}

// ClientIP resolves the client IP from the edge's first-hop header
// (CF-Connecting-IP), then X-Real-Ip, then X-Forwarded-For's first hop.
func ClientIP(req *fasthttp.Request) string {
	if v := req.Header.Peek("CF-Connecting-IP"); len(v) > 0 {
		return string(v)
	}
	if v := req.Header.Peek("X-Real-Ip"); len(v) > 0 {
		return string(v)
	}
	if v := req.Header.Peek("X-Forwarded-For"); len(v) > 0 {
		parts := strings.Split(string(v), ",")
		return strings.TrimSpace(parts[0])
	}
	return ""
}

func itoa(n int) string     { return strconv.Itoa(n) }
func itoa64(n int64) string { return strconv.FormatInt(n, 10) }
