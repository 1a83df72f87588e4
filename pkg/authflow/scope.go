package authflow

import (
	"sort"
	"strings"
)

// defaultScope is requested on every authorization attempt in addition to
// any configured or per-call scopes.
const defaultScope = "openid profile email"

// defaultAudience is the placeholder recorded for cache entries when no
// audience is configured or requested. It is never sent on the wire.
const defaultAudience = "default"

// unionScopes merges space-separated scope strings into a single
// de-duplicated scope string. The first occurrence of a scope determines
// its position, so the result is stable across calls with the same inputs.
func unionScopes(scopes ...string) string {
	var out []string
	seen := make(map[string]struct{})
	for _, s := range scopes {
		for _, scope := range splitScopes(s) {
			if _, ok := seen[scope]; ok {
				continue
			}
			seen[scope] = struct{}{}
			out = append(out, scope)
		}
	}

	return strings.Join(out, " ")
}

// scopeKey returns the order-independent form of a scope string used in
// cache keys: the de-duplicated scope set, sorted. Two scope strings that
// name the same set map to the same key regardless of ordering.
func scopeKey(scope string) string {
	set := splitScopes(unionScopes(scope))
	sort.Strings(set)
	return strings.Join(set, " ")
}

// splitScopes splits a space-separated scope string into individual scopes,
// ignoring repeated whitespace.
func splitScopes(scope string) []string {
	return strings.Fields(scope)
}

// normalizeAudience maps an empty audience to the default placeholder so
// cache and transaction records for the provider default share one entry.
func normalizeAudience(audience string) string {
	if audience == "" {
		return defaultAudience
	}
	return audience
}
