package server

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// originPolicy decides which browser origins may open a WebSocket. Origins
// are compared as lower-cased scheme://host[:port]; paths are ignored.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	log      *zap.Logger
}

// newOriginPolicy builds a policy from the configured allowlist. "*" admits
// every origin, including requests without one. Blank entries are skipped
// and unparsable ones are logged and dropped.
func newOriginPolicy(origins []string, log *zap.Logger) *originPolicy {
	p := &originPolicy{allowed: make(map[string]struct{}, len(origins)), log: log}
	for _, raw := range origins {
		switch entry := strings.TrimSpace(raw); entry {
		case "":
		case "*":
			p.allowAll = true
		default:
			key, ok := originKey(entry)
			if !ok {
				log.Warn("ignoring invalid origin in configuration", zap.String("origin", raw))
				continue
			}
			p.allowed[key] = struct{}{}
		}
	}
	return p
}

// originKey reduces an origin to the form stored in the allowlist.
func originKey(origin string) (string, bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), true
}

func (p *originPolicy) permits(r *http.Request) bool {
	if p.allowAll {
		return true
	}
	key, ok := originKey(r.Header.Get("Origin"))
	if !ok {
		return false
	}
	_, found := p.allowed[key]
	return found
}

// check is the upgrader's CheckOrigin.
func (p *originPolicy) check(r *http.Request) bool {
	if p.permits(r) {
		return true
	}
	p.log.Warn("blocked WebSocket connection from disallowed origin", zap.String("origin", r.Header.Get("Origin")))
	return false
}
