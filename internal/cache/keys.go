package cache

import "fmt"

// Key namespaces. Every key the proxy writes lives under one of these
// prefixes so that script, dynamic-endpoint, and rate-limit state can never
// collide even though they share one backing store.
const (
	BucketScript      = "script"
	BucketScriptStale = "script-stale"
	BucketScriptHash  = "script-hash"
	BucketDynEndpoint = "dyn-endpoint"
	BucketDynURLIndex = "dyn-url-index"
	BucketRateLimit   = "ratelimit"
)

// ScriptFreshKey returns the cache key for the fresh body of scriptKey.
func ScriptFreshKey(scriptKey string) string {
	return fmt.Sprintf("%s:%s", BucketScript, scriptKey)
}

// ScriptStaleKey returns the cache key for the stale body of scriptKey.
func ScriptStaleKey(scriptKey string) string {
	return fmt.Sprintf("%s:%s", BucketScriptStale, scriptKey)
}

// ScriptHashKey returns the cache key for the integrity hash of scriptKey.
func ScriptHashKey(scriptKey string) string {
	return fmt.Sprintf("%s:%s", BucketScriptHash, scriptKey)
}

// DynEndpointKey returns the cache key mapping a dynamic-endpoint uuid to its
// target URL.
func DynEndpointKey(uuid string) string {
	return fmt.Sprintf("%s:%s", BucketDynEndpoint, uuid)
}

// DynURLIndexKey returns the cache key for the secondary hash(url) -> uuid
// index used to dedupe endpoint creation.
func DynURLIndexKey(urlHash string) string {
	return fmt.Sprintf("%s:%s", BucketDynURLIndex, urlHash)
}

// RateLimitKey returns the cache key for a per-(ip, group) rate-limit bucket.
func RateLimitKey(ip, group string) string {
	return fmt.Sprintf("%s:%s:%s", BucketRateLimit, ip, group)
}

// GenericProxyKey returns the cache key for a generic (non-script) cacheable
// GET response, keyed by its resolved target URL.
func GenericProxyKey(targetURL string) string {
	return "proxy:" + targetURL
}
