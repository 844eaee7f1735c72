package hub

import (
	"errors"
	"net/http"

	"github.com/digitalclinic/consult-relay/internal/identity"
	"github.com/digitalclinic/consult-relay/internal/origin"
	"github.com/digitalclinic/consult-relay/internal/ratelimit"
)

// ServeHTTP upgrades /ws requests. Identity resolution happens before the
// upgrade so unauthenticated callers get a real 401 instead of a broken
// handshake.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !origin.Allowed(r, h.cfg.AllowedOrigins) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	id, err := h.resolver.Resolve(r)
	if err != nil {
		if !errors.Is(err, identity.ErrUnauthenticated) {
			h.log.Warn("identity resolution failed", "err", err)
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}

	c := &client{
		hub:         h,
		conn:        conn,
		principal:   id.Principal,
		displayName: id.DisplayName,
		remoteAddr:  r.RemoteAddr,
		send:        make(chan []byte, h.cfg.SendQueueSize),
		limiter: ratelimit.NewTokenBucket(ratelimit.RealClock{},
			int64(h.cfg.MaxMessagesPerSecond), int64(h.cfg.MaxMessagesPerSecond)),
	}

	h.register(c)
	go c.writePump()
	c.readPump(r.Context())
}
