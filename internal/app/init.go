package app

import (
	"context"
	"fmt"
	"log/slog"

	tpCache "github.com/nulpointcorp/trackproxy/internal/cache"
	"github.com/nulpointcorp/trackproxy/internal/endpoints"
	"github.com/nulpointcorp/trackproxy/internal/logger"
	"github.com/nulpointcorp/trackproxy/internal/metrics"
	"github.com/nulpointcorp/trackproxy/internal/proxy"
	"github.com/nulpointcorp/trackproxy/internal/ratelimit"
	"github.com/nulpointcorp/trackproxy/internal/rewrite"
	"github.com/nulpointcorp/trackproxy/internal/scheduler"
	"github.com/nulpointcorp/trackproxy/internal/scriptcache"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initServices builds the cache backend, metrics registry, and the
// rewrite/endpoint/script-cache services that sit on top of the cache.
func (a *App) initServices(ctx context.Context) error {
	var cacheImpl tpCache.Cache

	switch a.cfg.Cache.Mode {
	case "redis":
		a.exactCache = tpCache.NewExactCacheFromClient(a.rdb)
		cacheImpl = a.exactCache
		a.log.Info("cache backend: redis")

	case "memory":
		a.memCache = tpCache.NewMemoryCache(ctx)
		cacheImpl = a.memCache
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLog, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLog

	signatures, err := tpCache.NewTrackingSignatureSet(nil, tpCache.DefaultTrackingSignatures)
	if err != nil {
		return fmt.Errorf("tracking signatures: %w", err)
	}
	a.signatures = signatures

	// cacheImpl may be nil (Cache.Mode == "none"); endpoints and scriptcache
	// then stay nil, so script routes and /x/{uuid} answer 503 and no
	// scheduled refresh is built.
	if cacheImpl != nil {
		a.endpoints = endpoints.New(cacheImpl)
		a.scripts = scriptcache.New(cacheImpl)
	}

	// Allow-all-HTTPS mode: no tracker host allow-list configured, so every
	// external HTTPS URL embedded in a cached script is a rewrite candidate.
	a.extractor = rewrite.NewExtractor(int(a.cfg.ScriptSizeLimit), nil)

	if a.rdb != nil && a.cfg.RateLimit.Requests > 0 {
		a.limiter = ratelimit.New(a.rdb, a.cfg.RateLimit.Requests, a.cfg.RateLimit.Window)
		a.log.Info("rate limiting enabled",
			slog.Int("requests", a.cfg.RateLimit.Requests),
			slog.Duration("window", a.cfg.RateLimit.Window),
		)
	}

	return nil
}

// initGateway wires together the Gateway with all configured subsystems and
// builds the scheduled background refresh of every well-known script (Run
// starts it).
func (a *App) initGateway(_ context.Context) error {
	var cacheReady func() bool
	switch a.cfg.Cache.Mode {
	case "redis":
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory", "none":
		cacheReady = func() bool { return true }
	}

	var cacheImpl tpCache.Cache
	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = a.exactCache
	case "memory":
		cacheImpl = a.memCache
	}

	deps := proxy.Deps{
		Config: a.cfg,
		Log:    a.log,

		Cache:      cacheImpl,
		CacheReady: cacheReady,

		Scripts:     a.scripts,
		Endpoints:   a.endpoints,
		Extractor:   a.extractor,
		RateLimiter: a.limiter,
		Metrics:     a.prom,
		ReqLogger:   a.reqLogger,

		TrackingSignatures: a.signatures,
	}

	gw := proxy.NewGateway(a.baseCtx, deps)
	a.gw = gw

	if a.scripts != nil {
		a.updater = scheduler.New(
			a.baseCtx,
			gw.ScriptEngine(),
			gw.FetchFunc(),
			gw.ProcessFunc(),
			gw.ScheduledTargets(),
			scheduler.DefaultInterval,
			a.prom,
			a.log,
		)
	}

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}
