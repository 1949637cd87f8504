package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080") in proxy-only mode,
// without management routes.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
// Every proxy route is wrapped by withRoute so the pipeline can label
// metrics/logs with the matched pattern rather than the raw path (a
// /x/{uuid} hit would otherwise produce one metrics series per uuid).
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.GET("/health", withRoute("/health", g.handleHealth))
	r.GET("/readiness", withRoute("/readiness", g.handleReadiness))
	r.GET("/endpoints", withRoute("/endpoints", g.handleEndpointsInfo))

	r.GET("/cdn/f/{uuid}", withRoute("/cdn/f/:uuid", g.handleFacebookScript))
	r.POST("/cdn/f/{uuid}", withRoute("/cdn/f/:uuid", g.handleFacebookTrack))
	r.GET("/cdn/g/{uuid}", withRoute("/cdn/g/:uuid", g.handleGoogleScript))
	r.POST("/cdn/g/{uuid}", withRoute("/cdn/g/:uuid", g.handleGoogleTrack))

	r.GET("/x/{uuid}", withRoute("/x/:uuid", g.handleDynamic))
	r.POST("/x/{uuid}", withRoute("/x/:uuid", g.handleDynamic))

	r.POST("/events", withRoute("/events", g.handleEvents))

	// Legacy, unobfuscated aliases kept for embed compatibility with older
	// snippets that still reference the well-known tracker paths directly.
	r.GET("/tr", withRoute("/tr", g.handleLegacyFacebookTrack))
	r.POST("/tr", withRoute("/tr", g.handleLegacyFacebookTrack))
	r.GET("/g/collect", withRoute("/g/collect", g.handleLegacyGoogleCollect))
	r.POST("/g/collect", withRoute("/g/collect", g.handleLegacyGoogleCollect))
	r.POST("/j/collect", withRoute("/j/collect", g.handleLegacyGoogleCollect))

	r.GET("/cdn/{filepath:*}", withRoute("/cdn/*", g.handleLegacyAsset))
	r.GET("/assets/{filepath:*}", withRoute("/assets/*", g.handleLegacyAsset))
	r.GET("/static/{filepath:*}", withRoute("/static/*", g.handleLegacyAsset))

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	r.NotFound = notFoundHandler

	handler := g.Serve(r.Handler)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

// withRoute stamps ctx with the route's pattern so the pipeline's
// post-dispatch metrics/logging can group by pattern instead of raw path.
func withRoute(label string, h RouteHandler) RouteHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.SetUserValue("route_label", label)
		h(ctx)
	}
}

func notFoundHandler(ctx *fasthttp.RequestCtx) {
	ctx.SetUserValue("route_label", "not_found")
	ctx.SetStatusCode(fasthttp.StatusNotFound)
	writeJSON(ctx, map[string]string{"error": "not found"})
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Cache-Control", "no-store")
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Cache-Control", "no-store")
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
