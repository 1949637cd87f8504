package cache

import (
	"fmt"
	"regexp"
)

// TrackingSignatureSet decides whether a request's query string carries a
// tracking signature that must never be cached by the generic cache (spec:
// requests whose query string matches v=2, tid=, _p=, ... bypass caching
// even though the path itself would otherwise be cacheable). It supports two
// matching modes:
//
//   - Exact match: the query string must equal the rule exactly.
//   - Regex match: the query string is tested against a compiled regexp, so
//     rules like `tid=` match anywhere in the string.
//
// A nil *TrackingSignatureSet is safe to call — Matches always returns false.
type TrackingSignatureSet struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// DefaultTrackingSignatures is the built-in rule set from spec.md §4.8.
var DefaultTrackingSignatures = []string{`v=2`, `tid=`, `_p=`}

// NewTrackingSignatureSet compiles the given exact strings and regex patterns
// into a TrackingSignatureSet. Returns an error if any pattern fails to
// compile so misconfiguration is caught at startup.
func NewTrackingSignatureSet(exact, patterns []string) (*TrackingSignatureSet, error) {
	el := &TrackingSignatureSet{
		exact: make(map[string]struct{}, len(exact)),
	}

	for _, e := range exact {
		if e != "" {
			el.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache: invalid tracking-signature pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}

	return el, nil
}

// Matches reports whether the given query string carries a tracking
// signature. Exact rules are checked first (O(1)), then regex patterns in
// order.
func (el *TrackingSignatureSet) Matches(query string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[query]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(query) {
			return true
		}
	}
	return false
}

// Len returns the total number of rules configured.
func (el *TrackingSignatureSet) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}
