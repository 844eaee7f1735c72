// Package turnrest mints coturn-compatible ephemeral TURN credentials so
// browsers can relay media through the clinic's TURN server without a
// long-lived shared password.
//
// See https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest.
//
// Algorithm:
//
//	username   = <unix_expiry>:<prefix>:<principal>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/digitalclinic/consult-relay/internal/config"
)

type Credentials struct {
	Username   string `json:"username"`
	Credential string `json:"credential"`
	ExpiryUnix int64  `json:"expiresAt"`
}

// Minter derives short-lived TURN credentials from the shared secret coturn
// is configured with.
type Minter struct {
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string
	now            func() time.Time
}

// NewMinter validates the TURN REST configuration. Call only when
// cfg.Enabled() holds.
func NewMinter(cfg config.TurnRESTConfig) (*Minter, error) {
	if !cfg.Enabled() {
		return nil, errors.New("turn rest shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("turn rest ttl must be positive")
	}
	prefix := strings.TrimSpace(cfg.UsernamePrefix)
	if prefix == "" || strings.Contains(prefix, ":") {
		return nil, errors.New("turn rest username prefix must be non-empty and contain no ':'")
	}
	return &Minter{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttlSeconds:     cfg.TTLSeconds,
		usernamePrefix: prefix,
		now:            time.Now,
	}, nil
}

// Mint issues credentials tagged with the requesting principal so coturn
// logs can be correlated with consultations. Principals containing ':' fall
// back to an opaque random tag; the colon is the coturn field separator.
func (m *Minter) Mint(principal string) Credentials {
	tag := strings.TrimSpace(principal)
	if tag == "" || strings.Contains(tag, ":") {
		tag = uuid.NewString()
	}
	expiry := m.now().UTC().Unix() + m.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiry, m.usernamePrefix, tag)

	mac := hmac.New(sha1.New, m.sharedSecret)
	_, _ = mac.Write([]byte(username))

	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiryUnix: expiry,
	}
}
