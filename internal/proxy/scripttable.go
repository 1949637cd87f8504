package proxy

import (
	"net/url"
	"regexp"
	"strings"
)

// Well-known upstream script and tracking-endpoint URLs. These are the
// origins the scheduled updater refreshes and the script handlers fall back
// to on a cache miss.
const (
	urlFBEvents      = "https://connect.facebook.net/en_US/fbevents.js"
	urlFBTrack       = "https://www.facebook.com/tr"
	urlGtagJS        = "https://www.googletagmanager.com/gtag/js"
	urlGoogleCollect = "https://www.google-analytics.com/g/collect"
)

// scriptKeyFB and scriptKeyGtag are the bare ScriptKeys for the two
// well-known, container-agnostic scripts the scheduled updater refreshes.
const (
	scriptKeyFB   = "fbevents"
	scriptKeyGtag = "gtag"
)

// containerIDPattern bounds cache-key cardinality and blocks DoS via
// fabricated container IDs: only a fixed set of known GTM/GA4/Ads prefixes,
// 6-12 alphanumeric characters.
var containerIDPattern = regexp.MustCompile(`^(GTM|G|GT|AW|DC)-[A-Z0-9]{6,12}$`)

// uuidPathPattern validates a {uuid} path segment: lower-hex, 12-64 chars.
var uuidPathPattern = regexp.MustCompile(`^[0-9a-f]{12,64}$`)

func validUUIDPath(s string) bool {
	return uuidPathPattern.MatchString(s)
}

// gtagScriptKey returns the ScriptKey for a google script request, given an
// optional container ID resolved from ?id= or ?c=alias. An empty or invalid
// containerID falls back to the bare "gtag" well-known key.
func gtagScriptKey(containerID string) string {
	if containerID == "" || !containerIDPattern.MatchString(containerID) {
		return scriptKeyGtag
	}
	return "gtag:" + containerID
}

// resolveContainerID applies the configured alias map: ?c=alias becomes the
// real container ID via cfg.GTMContainerAliases; a missing alias passes
// through unresolved (the caller treats it as invalid and falls back to the
// bare script).
func resolveContainerID(rawID, alias string, aliases map[string]string) string {
	if rawID != "" {
		return rawID
	}
	if alias == "" {
		return ""
	}
	if real, ok := aliases[alias]; ok {
		return real
	}
	return ""
}

// scriptKeyFromReferer derives the ScriptKey a Referer URL most likely came
// from, by matching it against this proxy's own well-known script routes.
// Used only by the dynamic-endpoint recovery path (C6): a Referer pointing
// at one of our own script paths indicates the requesting script body was
// served from that ScriptKey's cache entry, which is the only lead the spec
// gives us for healing a request against an unknown uuid.
func scriptKeyFromReferer(referer string, aliases map[string]string) (string, bool) {
	u, err := url.Parse(referer)
	if err != nil {
		return "", false
	}

	switch {
	case strings.HasPrefix(u.Path, "/cdn/f/"):
		return scriptKeyFB, true
	case strings.HasPrefix(u.Path, "/cdn/g/"):
		containerID := resolveContainerID(u.Query().Get("id"), u.Query().Get("c"), aliases)
		return gtagScriptKey(containerID), true
	default:
		return "", false
	}
}
