package gateway

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// OriginAllowlist enforces spec.md §4.5: when an Origin header is present,
// it must belong to the configured allowlist (matched as "protocol//host",
// case-folded); absent Origin is a server-to-server/CLI call and is always
// accepted. An empty allowlist rejects every non-empty Origin. It is safe
// for concurrent Reload (spec.md §6 config hot-reload) and Wrap use.
type OriginAllowlist struct {
	mu         sync.RWMutex
	normalized map[string]struct{}
}

// NewOriginAllowlistMiddleware builds an OriginAllowlist and returns its
// Wrap method as a bare middleware for callers that don't need to reload it.
func NewOriginAllowlistMiddleware(allowed []string) func(http.Handler) http.Handler {
	return NewOriginAllowlist(allowed).Wrap
}

// NewOriginAllowlist builds a reloadable allowlist.
func NewOriginAllowlist(allowed []string) *OriginAllowlist {
	oa := &OriginAllowlist{}
	oa.Reload(allowed)
	return oa
}

// Reload swaps the allowed origin set.
func (oa *OriginAllowlist) Reload(allowed []string) {
	normalized := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if n, ok := normalizeOrigin(o); ok {
			normalized[n] = struct{}{}
		}
	}
	oa.mu.Lock()
	oa.normalized = normalized
	oa.mu.Unlock()
}

// Wrap enforces the allowlist on next.
func (oa *OriginAllowlist) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		n, ok := normalizeOrigin(origin)
		if !ok {
			writeJSONError(w, http.StatusForbidden, "origin_error", "origin not allowed")
			return
		}
		oa.mu.RLock()
		_, allow := oa.normalized[n]
		oa.mu.RUnlock()
		if !allow {
			writeJSONError(w, http.StatusForbidden, "origin_error", "origin not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// normalizeOrigin reduces an Origin header to "scheme//host", case-folded,
// so allowlist matching is insensitive to trailing slashes or casing.
func normalizeOrigin(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme + "//" + u.Host), true
}
