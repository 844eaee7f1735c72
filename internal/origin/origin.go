// Package origin applies the browser origin policy shared by the WebSocket
// upgrade and the HTTP API.
package origin

import (
	"net/http"
	"net/url"
	"strings"
)

// Allowed reports whether the request's Origin header passes the policy.
// Requests without an Origin header (non-browser clients, same-origin
// navigations) pass. With a configured allowlist the normalized origin must
// match an entry or "*". Without one, only same-host origins are accepted;
// the scheme is ignored because a TLS-terminating proxy may sit in front of
// the relay and see plain HTTP.
func Allowed(r *http.Request, allowedOrigins []string) bool {
	raw := strings.TrimSpace(r.Header.Get("Origin"))
	if raw == "" {
		return true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}

	host := normalizeHost(u.Host, scheme)
	normalized := scheme + "://" + host

	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || strings.EqualFold(allowed, normalized) {
				return true
			}
		}
		return false
	}
	return host == normalizeHost(r.Host, scheme)
}

// normalizeHost lowercases host[:port] and strips the scheme's default port
// so "example.com:443" and "example.com" compare equal under https.
func normalizeHost(host, scheme string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	switch scheme {
	case "http":
		host = strings.TrimSuffix(host, ":80")
	case "https":
		host = strings.TrimSuffix(host, ":443")
	}
	return host
}
