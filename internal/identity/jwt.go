package identity

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

const (
	hmacSHA256SigLen = 32
	// 32-byte HMAC in base64url without padding.
	hmacSHA256SigB64Len = 43
	maxJWTHeaderB64Len  = 4 * 1024
	maxJWTPayloadB64Len = 16 * 1024
	maxJWTLen           = maxJWTHeaderB64Len + 1 + maxJWTPayloadB64Len + 1 + hmacSHA256SigB64Len
)

// b64url rejects non-canonical encodings, including nonzero unused bits in
// the final quantum. Two token strings must not verify as the same token.
var b64url = base64.RawURLEncoding.Strict()

type jwtResolver struct {
	secret []byte
	now    func() time.Time
}

func newJWTResolver(secret string) jwtResolver {
	return jwtResolver{
		secret: []byte(secret),
		now:    time.Now,
	}
}

func (v jwtResolver) Resolve(r *http.Request) (Identity, error) {
	token, err := tokenFromRequest(r)
	if err != nil {
		return Identity{}, err
	}
	return v.verify(token)
}

// verify checks an HS256 token and returns the identity from its claims. The
// principal is the `sub` claim; `name` optionally carries a display name.
func (v jwtResolver) verify(token string) (Identity, error) {
	headerB64, payloadB64, sigB64, ok := splitJWTParts(token)
	if !ok {
		return Identity{}, ErrUnauthenticated
	}

	headerJSON, err := b64url.DecodeString(headerB64)
	if err != nil {
		return Identity{}, ErrUnauthenticated
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return Identity{}, ErrUnauthenticated
	}
	if header.Alg != "HS256" {
		return Identity{}, ErrUnsupportedJWT
	}

	gotSig, err := b64url.DecodeString(sigB64)
	if err != nil || len(gotSig) != hmacSHA256SigLen {
		return Identity{}, ErrUnauthenticated
	}
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	if !hmac.Equal(gotSig, mac.Sum(nil)) {
		return Identity{}, ErrUnauthenticated
	}

	payloadJSON, err := b64url.DecodeString(payloadB64)
	if err != nil {
		return Identity{}, ErrUnauthenticated
	}

	dec := json.NewDecoder(bytes.NewReader(payloadJSON))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil {
		return Identity{}, ErrUnauthenticated
	}
	// Exactly one top-level JSON value; json.Decoder tolerates trailing bytes.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Identity{}, ErrUnauthenticated
	}

	now := v.now().Unix()

	exp, err := unixClaim(claims, "exp", true)
	if err != nil {
		return Identity{}, ErrUnauthenticated
	}
	if now >= exp {
		return Identity{}, ErrUnauthenticated
	}
	if nbf, err := unixClaim(claims, "nbf", false); err != nil {
		return Identity{}, ErrUnauthenticated
	} else if nbf != 0 && now < nbf {
		return Identity{}, ErrUnauthenticated
	}
	if _, err := unixClaim(claims, "iat", false); err != nil {
		return Identity{}, ErrUnauthenticated
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, ErrUnauthenticated
	}
	name, _ := claims["name"].(string)

	return Identity{Principal: sub, DisplayName: name}, nil
}

func unixClaim(claims map[string]any, key string, required bool) (int64, error) {
	raw, ok := claims[key]
	if !ok {
		if required {
			return 0, ErrUnauthenticated
		}
		return 0, nil
	}
	num, ok := raw.(json.Number)
	if !ok {
		return 0, ErrUnauthenticated
	}
	return num.Int64()
}

func splitJWTParts(token string) (headerB64, payloadB64, sigB64 string, ok bool) {
	if token == "" || len(token) > maxJWTLen {
		return "", "", "", false
	}
	headerB64, rest, found := strings.Cut(token, ".")
	if !found {
		return "", "", "", false
	}
	payloadB64, sigB64, found = strings.Cut(rest, ".")
	if !found || strings.Contains(sigB64, ".") {
		return "", "", "", false
	}
	if headerB64 == "" || payloadB64 == "" {
		return "", "", "", false
	}
	if len(headerB64) > maxJWTHeaderB64Len || len(payloadB64) > maxJWTPayloadB64Len {
		return "", "", "", false
	}
	if len(sigB64) != hmacSHA256SigB64Len {
		return "", "", "", false
	}
	return headerB64, payloadB64, sigB64, true
}
