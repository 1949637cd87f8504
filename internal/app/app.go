// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis when needed)
//  2. initServices  — cache, metrics registry, script rewriting/registry services
//  3. initGateway   — proxy, scheduled refresh, management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	tpCache "github.com/nulpointcorp/trackproxy/internal/cache"
	"github.com/nulpointcorp/trackproxy/internal/config"
	"github.com/nulpointcorp/trackproxy/internal/endpoints"
	"github.com/nulpointcorp/trackproxy/internal/logger"
	"github.com/nulpointcorp/trackproxy/internal/metrics"
	"github.com/nulpointcorp/trackproxy/internal/ratelimit"
	"github.com/nulpointcorp/trackproxy/internal/rewrite"
	"github.com/nulpointcorp/trackproxy/internal/scheduler"
	"github.com/nulpointcorp/trackproxy/internal/scriptcache"

	"github.com/nulpointcorp/trackproxy/internal/proxy"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	reqLogger  *logger.Logger
	memCache   *tpCache.MemoryCache
	exactCache *tpCache.ExactCache

	prom *metrics.Registry

	extractor  *rewrite.Extractor
	endpoints  *endpoints.Registry
	scripts    *scriptcache.Engine
	signatures *tpCache.TrackingSignatureSet
	limiter    *ratelimit.Limiter

	updater *scheduler.Updater

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the scheduled refresh loop, blocking until
// ctx is cancelled or an error occurs. It closes the app gracefully when
// returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting trackproxy",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Bool("full_script_proxy", a.cfg.FullScriptProxyEnabled),
	)

	if a.updater != nil {
		a.updater.Start()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times in sequence; it takes no lock, so concurrent calls are not safe.
func (a *App) Close() {
	if a.updater != nil {
		a.updater.Close()
		a.updater = nil
	}
	if a.gw != nil {
		a.gw.Close()
		a.gw = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.exactCache != nil {
		if err := a.exactCache.Close(); err != nil {
			a.log.Error("cache close error", slog.String("error", err.Error()))
		}
		a.exactCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
