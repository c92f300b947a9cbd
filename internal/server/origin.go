// Package server normalizes and validates HTTP origins for WebSocket requests
// to enforce configured access control.
package server

import (
	"net/http"
	"net/url"
	"slices"
	"strings"

	"go.uber.org/zap"
)

const wildcardOrigin = "*"

// originPolicy is the allow-list consulted on every WebSocket upgrade.
// Entries are kept as lower-cased scheme://host pairs in configured order.
type originPolicy struct {
	origins  []string
	allowAll bool
	logger   *zap.Logger
}

func newOriginPolicy(configured []string, logger *zap.Logger) *originPolicy {
	p := &originPolicy{logger: logger}

	for _, raw := range configured {
		entry := strings.TrimSpace(raw)
		switch {
		case entry == "":
		case entry == wildcardOrigin:
			p.allowAll = true
		default:
			origin, ok := canonicalOrigin(entry)
			if !ok {
				logger.Warn("ignoring invalid origin in configuration", zap.String("origin", raw))
				continue
			}
			if !slices.Contains(p.origins, origin) {
				p.origins = append(p.origins, origin)
			}
		}
	}

	return p
}

// canonicalOrigin reduces an origin or URL to scheme://host.
func canonicalOrigin(value string) (string, bool) {
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), true
}

// allows reports whether the request's Origin header is on the list.
// A wildcard policy accepts requests without an Origin header too.
func (p *originPolicy) allows(r *http.Request) bool {
	if p.allowAll {
		return true
	}

	origin, ok := canonicalOrigin(r.Header.Get("Origin"))
	return ok && slices.Contains(p.origins, origin)
}

// check is the gorilla Upgrader CheckOrigin hook.
func (p *originPolicy) check(r *http.Request) bool {
	if p.allows(r) {
		return true
	}

	p.logger.Warn("blocked websocket connection from disallowed origin",
		zap.String("origin", r.Header.Get("Origin")),
		zap.String("remote_addr", r.RemoteAddr))
	return false
}

// list returns the origins handed to the CORS middleware.
func (p *originPolicy) list() []string {
	if p.allowAll {
		return []string{wildcardOrigin}
	}
	return slices.Clone(p.origins)
}
