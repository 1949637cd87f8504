// Package rewrite extracts upstream URLs embedded in cached script bodies
// and substitutes them with proxy-local paths, so a script that originally
// points at a third-party analytics host instead points back at this proxy.
//
// Grounded in the same regex-matching idiom as a CDN cache matcher: a fixed
// set of compiled patterns scans the body once, candidates are deduplicated
// into a set, then cleaned and validated before being handed to Rewrite.
package rewrite

import (
	"net"
	"net/url"
	"regexp"
	"strings"
)

// DefaultSizeLimit bounds scripts eligible for extraction (bytes). Scripts
// larger than this are proxied unmodified to bound CPU spent scanning them.
const DefaultSizeLimit = 10 << 20

var assetExtensions = []string{
	".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico",
	".woff", ".woff2", ".ttf", ".eot", ".css",
}

// urlPatterns matches absolute, protocol-relative, and backslash-escaped
// URL forms commonly found in minified JS.
var urlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`https?://[^\s"'<>\\)]+`),
	regexp.MustCompile(`\\?/\\?/[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}[^\s"'<>\\)]*`),
	regexp.MustCompile(`https?:\\/\\/[^\s"'<>)]+`),
}

// Extractor pulls candidate upstream URLs out of script text.
type Extractor struct {
	sizeLimit     int
	trackerHosts  map[string]struct{} // nil ⇒ allow-all-HTTPS mode
	allowAllHTTPS bool
}

// NewExtractor creates an Extractor. When trackerHosts is empty, the
// extractor runs in allow-all-HTTPS mode (the spec's recommended default):
// every external HTTPS URL is a candidate, filtered only by the local-address
// exclusion. When trackerHosts is non-empty, only URLs whose host matches
// one of those domains (or a subdomain of one) are kept.
func NewExtractor(sizeLimit int, trackerHosts []string) *Extractor {
	if sizeLimit <= 0 {
		sizeLimit = DefaultSizeLimit
	}
	e := &Extractor{sizeLimit: sizeLimit}
	if len(trackerHosts) == 0 {
		e.allowAllHTTPS = true
		return e
	}
	e.trackerHosts = make(map[string]struct{}, len(trackerHosts))
	for _, h := range trackerHosts {
		e.trackerHosts[strings.ToLower(h)] = struct{}{}
	}
	return e
}

// Extract returns the deduplicated, validated set of candidate URLs found in
// body. Returns nil without scanning if body exceeds the configured size limit.
func (e *Extractor) Extract(body []byte) []string {
	if len(body) > e.sizeLimit {
		return nil
	}

	text := string(body)
	seen := make(map[string]struct{})
	var out []string

	for _, pat := range urlPatterns {
		for _, loc := range pat.FindAllStringIndex(text, -1) {
			raw := text[loc[0]:loc[1]]
			// A "//" or "\/\/" match right after ':' is the tail of an
			// absolute URL, which the scheme patterns already capture.
			if loc[0] > 0 && text[loc[0]-1] == ':' && (raw[0] == '/' || raw[0] == '\\') {
				continue
			}
			clean := cleanCandidate(raw)
			if clean == "" {
				continue
			}
			if _, dup := seen[clean]; dup {
				continue
			}
			if !e.validate(clean) {
				continue
			}
			seen[clean] = struct{}{}
			out = append(out, clean)
		}
	}

	return out
}

// cleanCandidate strips trailing punctuation/quote artifacts and unescapes
// `\/` to `/`. Candidates with unresolved backslashes after cleaning are
// discarded by validate (they fail the "no spaces"/dot check in practice,
// but checked explicitly for clarity).
func cleanCandidate(raw string) string {
	s := strings.ReplaceAll(raw, `\/`, "/")
	s = strings.Trim(s, `"'()[]{}<>,;`)
	s = strings.TrimRight(s, ".")
	return s
}

func (e *Extractor) validate(candidate string) bool {
	if strings.ContainsAny(candidate, " \t\n\\") {
		return false
	}
	if !strings.Contains(candidate, ".") {
		return false
	}

	lower := strings.ToLower(candidate)
	if strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "blob:") ||
		strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") {
		return false
	}

	for _, ext := range assetExtensions {
		if strings.HasSuffix(lower, ext) {
			return false
		}
	}

	normalized := candidate
	if strings.HasPrefix(normalized, "//") {
		normalized = "https:" + normalized
	}
	if !strings.HasPrefix(normalized, "http://") && !strings.HasPrefix(normalized, "https://") {
		return false
	}

	u, err := url.Parse(normalized)
	if err != nil || u.Host == "" {
		return false
	}

	if isLocalAddress(u.Hostname()) {
		return false
	}

	if e.allowAllHTTPS {
		return u.Scheme == "https"
	}

	host := strings.ToLower(u.Hostname())
	for tracker := range e.trackerHosts {
		if host == tracker || strings.HasSuffix(host, "."+tracker) {
			return true
		}
	}
	return false
}

func isLocalAddress(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
