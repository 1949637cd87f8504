package proxy

import (
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/trackproxy/internal/headers"
	"github.com/nulpointcorp/trackproxy/internal/logger"
	"github.com/nulpointcorp/trackproxy/pkg/apierr"
)

// Serve is the C12 request pipeline: every request — regardless of route —
// passes through here first. It enforces the request-size ceiling, applies
// rate limiting, dispatches to the router, and records metrics/logs after
// the handler returns. Panics are caught so one bad handler never takes the
// process down.
func (g *Gateway) Serve(router fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()

		if g.metrics != nil {
			g.metrics.IncInFlight()
			defer g.metrics.DecInFlight()
		}

		defer g.recoverPanic(ctx, start)

		reqID := g.hb.ApplyRequestID(ctx)
		g.hb.ApplyCORS(ctx)
		g.hb.ApplySecurity(ctx)

		// An OPTIONS preflight still gets a rate-limit check so its response
		// carries X-RateLimit-* headers per spec, but it is never rejected
		// for exceeding the limit — it always answers 204.
		isPreflight := string(ctx.Method()) == fasthttp.MethodOptions

		if g.limiter != nil {
			ip := headers.ClientIP(&ctx.Request)
			group := rateLimitGroup(string(ctx.Path()))
			result := g.limiter.Check(ctx, ip, group)
			g.hb.ApplyRateLimit(ctx, result.Limit, result.Remaining, result.ResetAt.Unix())

			if g.metrics != nil {
				if result.Allowed {
					g.metrics.RecordRateLimit(group, "allowed")
				} else {
					g.metrics.RecordRateLimit(group, "limited")
				}
			}

			if !result.Allowed && !isPreflight {
				apierr.WriteRateLimit(ctx, int(time.Until(result.ResetAt).Seconds()))
				g.finish(ctx, start, reqID, "")
				return
			}
		}

		if isPreflight {
			ctx.SetStatusCode(fasthttp.StatusNoContent)
			g.finish(ctx, start, reqID, "OPTIONS")
			return
		}

		if max := g.cfg.MaxRequestSize; max > 0 && int64(ctx.Request.Header.ContentLength()) > max {
			apierr.WriteRequestEntityTooLarge(ctx)
			g.finish(ctx, start, reqID, "")
			return
		}

		router(ctx)

		g.finish(ctx, start, reqID, "")
	}
}

// rateLimitGroup buckets a path into a coarse rate-limit group so scripts,
// tracking beacons, and management routes can carry independent budgets.
func rateLimitGroup(path string) string {
	switch {
	case len(path) >= 5 && path[:5] == "/cdn/":
		return "script"
	case path == "/tr" || path == "/g/collect" || path == "/j/collect":
		return "track"
	case len(path) >= 3 && path[:3] == "/x/":
		return "dynamic"
	case path == "/events":
		return "events"
	default:
		return "default"
	}
}

func (g *Gateway) recoverPanic(ctx *fasthttp.RequestCtx, start time.Time) {
	if r := recover(); r != nil {
		if g.log != nil {
			g.log.Error("panic recovered", "panic", r, "path", string(ctx.Path()))
		}
		apierr.WriteInternalError(ctx)
		g.finish(ctx, start, "", "")
	}
}

func (g *Gateway) finish(ctx *fasthttp.RequestCtx, start time.Time, reqID, routeLabel string) {
	dur := time.Since(start)
	status := ctx.Response.StatusCode()

	if routeLabel == "" {
		if v, ok := ctx.UserValue("route_label").(string); ok {
			routeLabel = v
		} else {
			routeLabel = string(ctx.Path())
		}
	}

	if g.metrics != nil {
		g.metrics.ObserveHTTP(routeLabel, status, dur, len(ctx.Request.Body()), len(ctx.Response.Body()))
	}

	if g.reqLogger != nil {
		id, err := uuid.Parse(reqID)
		if err != nil {
			id = uuid.New()
		}
		g.reqLogger.Log(logger.RequestLog{
			ID:          id,
			Route:       routeLabel,
			ScriptKey:   scriptKeyFromCtx(ctx),
			CacheStatus: string(ctx.Response.Header.Peek("X-Cache-Status")),
			BytesOut:    uint32(len(ctx.Response.Body())),
			LatencyMs:   latencyMs(dur),
			Status:      uint16(status),
			CreatedAt:   start,
		})
	}
}

func scriptKeyFromCtx(ctx *fasthttp.RequestCtx) string {
	if v, ok := ctx.UserValue("script_key").(string); ok {
		return v
	}
	return ""
}

func latencyMs(d time.Duration) uint16 {
	ms := d.Milliseconds()
	if ms > 65535 {
		return 65535
	}
	return uint16(ms)
}
