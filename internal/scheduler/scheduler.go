// Package scheduler runs the periodic background refresh of every
// well-known analytics script, keeping the fresh/stale/hash triple in
// scriptcache warm independent of live request traffic.
//
// The refresh loop's lifecycle idiom (ticker + done channel + WaitGroup)
// mirrors internal/proxy's HealthChecker.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/trackproxy/internal/metrics"
	"github.com/nulpointcorp/trackproxy/internal/scriptcache"
)

// DefaultInterval is how often every well-known script is refreshed.
const DefaultInterval = 12 * time.Hour

// Target is one well-known script the scheduler keeps warm.
type Target struct {
	ScriptKey string
	URL       string
}

// Updater periodically refreshes every configured Target via the
// script cache engine's FetchAndCompare, independent of request traffic.
type Updater struct {
	engine   *scriptcache.Engine
	fetch    scriptcache.FetchFunc
	process  scriptcache.ProcessFunc
	targets  []Target
	interval time.Duration
	met      *metrics.Registry
	log      *slog.Logger

	baseCtx context.Context
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates an Updater. fetch and process are supplied by the caller
// (the proxy gateway) so this package stays transport/rewrite-agnostic,
// matching the separation scriptcache itself already draws.
func New(ctx context.Context, engine *scriptcache.Engine, fetch scriptcache.FetchFunc, process scriptcache.ProcessFunc, targets []Target, interval time.Duration, met *metrics.Registry, log *slog.Logger) *Updater {
	if ctx == nil {
		ctx = context.Background()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Updater{
		engine:   engine,
		fetch:    fetch,
		process:  process,
		targets:  targets,
		interval: interval,
		met:      met,
		log:      log,
		baseCtx:  ctx,
		done:     make(chan struct{}),
	}
}

// Start launches the background refresh loop. It does not block.
func (u *Updater) Start() {
	u.wg.Add(1)
	go u.run()
}

// Close stops the background loop and waits for the in-flight run to finish.
func (u *Updater) Close() {
	close(u.done)
	u.wg.Wait()
}

func (u *Updater) run() {
	defer u.wg.Done()
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			u.refreshAll()
		case <-u.done:
			return
		}
	}
}

// refreshAll runs FetchAndCompare for every target, logging a summary of
// how many were updated, merely refreshed, or failed. One target's error
// never stops the rest from running.
func (u *Updater) refreshAll() {
	var updated, refreshed, failed int

	for _, t := range u.targets {
		prov, err := u.engine.FetchAndCompare(u.baseCtx, t.ScriptKey, t.URL, u.fetch, u.process, scriptcache.FreshTTLScheduled)

		outcome := prov
		if err != nil {
			outcome = scriptcache.ProvenanceError
		}
		if u.met != nil {
			u.met.RecordScheduledRefresh(t.ScriptKey, outcome)
		}

		switch outcome {
		case scriptcache.ProvenanceUpdated:
			updated++
		case scriptcache.ProvenanceRefreshed:
			refreshed++
		default:
			failed++
			if u.log != nil {
				u.log.Warn("scheduled script refresh failed", "script_key", t.ScriptKey, "error", errString(err))
			}
		}
	}

	if u.log != nil {
		u.log.Info("scheduled refresh complete",
			"updated", updated, "refreshed", refreshed, "failed", failed, "total", len(u.targets))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprint(err)
}
