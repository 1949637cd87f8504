package proxy

import (
	"github.com/nulpointcorp/trackproxy/internal/scheduler"
	"github.com/nulpointcorp/trackproxy/internal/scriptcache"
)

// ScriptEngine exposes the gateway's script cache engine so the background
// scheduler (which lives in a sibling package to stay transport-agnostic)
// can drive it without reaching into unexported fields.
func (g *Gateway) ScriptEngine() *scriptcache.Engine { return g.scripts }

// FetchFunc adapts the gateway's upstream script fetch for the scheduler.
func (g *Gateway) FetchFunc() scriptcache.FetchFunc { return g.fetchScript }

// ProcessFunc adapts the gateway's URL-extraction/rewrite pipeline for the
// scheduler.
func (g *Gateway) ProcessFunc() scriptcache.ProcessFunc { return g.processScript }

// ScheduledTargets returns the well-known scripts the background updater
// keeps warm independent of live request traffic.
func (g *Gateway) ScheduledTargets() []scheduler.Target {
	return []scheduler.Target{
		{ScriptKey: scriptKeyFB, URL: urlFBEvents},
		{ScriptKey: scriptKeyGtag, URL: urlGtagJS},
	}
}
