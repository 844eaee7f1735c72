// Package identity resolves the authenticated principal of an incoming HTTP
// request before it is upgraded to a WebSocket.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/digitalclinic/consult-relay/internal/config"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the resolved caller. Principal is the stable user ID used for
// registry membership and direct delivery; DisplayName is optional and only
// used as a default for join events.
type Identity struct {
	Principal   string
	DisplayName string
}

type Resolver interface {
	Resolve(r *http.Request) (Identity, error)
}

// New builds the resolver selected by the configuration.
func New(cfg config.Config) (Resolver, error) {
	switch cfg.AuthMode {
	case config.AuthModeHeader:
		return HeaderResolver{
			Header:          cfg.UserHeader,
			AllowQueryParam: cfg.Mode == config.ModeDev,
		}, nil
	case config.AuthModeJWT:
		return newJWTResolver(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// HeaderResolver trusts a reverse proxy to authenticate the caller and stamp
// the principal into a request header. In dev mode a `user` query parameter
// is accepted as well so the relay can be exercised without a proxy.
type HeaderResolver struct {
	Header          string
	AllowQueryParam bool
}

func (h HeaderResolver) Resolve(r *http.Request) (Identity, error) {
	principal := strings.TrimSpace(r.Header.Get(h.Header))
	if principal == "" && h.AllowQueryParam {
		principal = strings.TrimSpace(r.URL.Query().Get("user"))
	}
	if principal == "" {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{
		Principal:   principal,
		DisplayName: strings.TrimSpace(r.Header.Get(h.Header + "-Name")),
	}, nil
}

// tokenFromRequest extracts a bearer token from the `token` query parameter
// or the Authorization header. Browsers cannot set headers on WebSocket
// dials, so the query parameter is the primary path.
func tokenFromRequest(r *http.Request) (string, error) {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, nil
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if scheme, rest, found := strings.Cut(authz, " "); found && strings.EqualFold(scheme, "Bearer") {
		if token := strings.TrimSpace(rest); token != "" {
			return token, nil
		}
	}
	return "", ErrUnauthenticated
}
