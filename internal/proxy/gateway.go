// Package proxy is the first-party tracking proxy's core: the request
// pipeline, router, and handlers that mask third-party analytics endpoints
// behind obfuscated, domain-local URLs.
//
// The Gateway receives an incoming request, resolves which upstream (or
// which cached script) it targets, applies rate limiting and circuit
// breaking, and forwards or serves from cache — rewriting script bodies so
// every embedded third-party URL becomes a local path.
//
// Key design constraints:
//   - Health checks never generate outbound tracking traffic.
//   - Logger, cache, and rate limiter are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/trackproxy/internal/cache"
	"github.com/nulpointcorp/trackproxy/internal/config"
	"github.com/nulpointcorp/trackproxy/internal/endpoints"
	"github.com/nulpointcorp/trackproxy/internal/headers"
	"github.com/nulpointcorp/trackproxy/internal/idhash"
	"github.com/nulpointcorp/trackproxy/internal/logger"
	"github.com/nulpointcorp/trackproxy/internal/metrics"
	"github.com/nulpointcorp/trackproxy/internal/ratelimit"
	"github.com/nulpointcorp/trackproxy/internal/rewrite"
	"github.com/nulpointcorp/trackproxy/internal/scriptcache"
)

// Deps bundles every subsystem the Gateway depends on. All fields except
// Config are nil-safe: a nil RateLimiter disables limiting, a nil
// ReqLogger disables access logging, and so on.
type Deps struct {
	Config *config.Config
	Log    *slog.Logger

	Cache      cache.Cache
	CacheReady func() bool

	Scripts     *scriptcache.Engine
	Endpoints   *endpoints.Registry
	Extractor   *rewrite.Extractor
	RateLimiter *ratelimit.Limiter
	Metrics     *metrics.Registry
	ReqLogger   *logger.Logger

	TrackingSignatures *cache.TrackingSignatureSet
}

// Gateway is the tracking proxy's top-level orchestrator — all dependencies
// are injected via the constructor so they can be replaced with test doubles.
type Gateway struct {
	cfg *config.Config
	log *slog.Logger

	c          cache.Cache
	scripts    *scriptcache.Engine
	endpoints  *endpoints.Registry
	extractor  *rewrite.Extractor
	limiter    *ratelimit.Limiter
	metrics    *metrics.Registry
	reqLogger  *logger.Logger
	signatures *cache.TrackingSignatureSet

	hb       *headers.Builder
	cb       *CircuitBreaker
	health   *HealthChecker
	upstream *fasthttp.Client

	baseCtx context.Context
}

// NewGateway builds a Gateway from deps and starts its background health
// probes. The circuit breaker is seeded from deps.Config.CircuitBreaker.
func NewGateway(ctx context.Context, deps Deps) *Gateway {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = &config.Config{}
	}

	g := &Gateway{
		cfg:        cfg,
		log:        deps.Log,
		c:          deps.Cache,
		scripts:    deps.Scripts,
		endpoints:  deps.Endpoints,
		extractor:  deps.Extractor,
		limiter:    deps.RateLimiter,
		metrics:    deps.Metrics,
		reqLogger:  deps.ReqLogger,
		signatures: deps.TrackingSignatures,
		baseCtx:    ctx,
		hb:         headers.New(cfg.AllowedOrigins, cfg.DebugHeadersEnabled),
		cb: NewCircuitBreakerWithConfig(CBConfig{
			ErrorThreshold:  cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: cfg.CircuitBreaker.HalfOpenTimeout,
		}),
		upstream: &fasthttp.Client{
			MaxConnsPerHost: 512,
			ReadTimeout:     cfg.Fetch.Timeout,
			WriteTimeout:    cfg.Fetch.Timeout,
		},
	}

	g.health = NewHealthChecker(ctx, g.cb, deps.CacheReady, deps.Metrics)

	return g
}

// Close releases the Gateway's background resources.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

// currentProviderUUID returns the public path segment for a well-known
// provider ("facebook" or "google"): a fixed value from config when set,
// otherwise a rotating value derived from (provider, epoch bucket, secret).
// When rotation is disabled the interval collapses to 0, which epochBucket
// treats as a single fixed bucket — so the value is still deterministic
// across instances and restarts that share a configured secret.
func (g *Gateway) currentProviderUUID(provider string) string {
	switch provider {
	case "facebook":
		if g.cfg.Obfuscation.FacebookUUID != "" {
			return g.cfg.Obfuscation.FacebookUUID
		}
	case "google":
		if g.cfg.Obfuscation.GoogleUUID != "" {
			return g.cfg.Obfuscation.GoogleUUID
		}
	}

	interval := g.cfg.Obfuscation.RotationInterval
	if !g.cfg.Obfuscation.RotationEnabled {
		interval = 0
	}
	return idhash.EndpointUUID(provider, time.Now(), interval, g.cfg.Obfuscation.Secret)
}
