// Package hub owns the WebSocket layer: it upgrades connections, fans
// events out to room subscribers and per-user queues, and feeds inbound
// envelopes to the consultation router.
package hub

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/digitalclinic/consult-relay/internal/config"
	"github.com/digitalclinic/consult-relay/internal/consult"
	"github.com/digitalclinic/consult-relay/internal/identity"
	"github.com/digitalclinic/consult-relay/internal/metrics"
)

// Hub tracks live connections and room subscriptions. It implements
// consult.Transport; the router calls the subscription methods while it
// holds the room lock, so none of them may call back into the router.
type Hub struct {
	cfg      config.Config
	log      *slog.Logger
	met      *metrics.Metrics
	resolver identity.Resolver
	upgrader websocket.Upgrader

	router *consult.Router

	mu sync.Mutex
	// conns maps a principal to its live connections. One user can hold
	// several tabs; all of them receive that user's queue deliveries.
	conns map[string]map[*client]struct{}
	// rooms maps a room to the principals subscribed to its topics.
	rooms map[string]map[string]struct{}
	// joined is the reverse index, used for disconnect cleanup.
	joined map[string]map[string]struct{}
}

func New(cfg config.Config, resolver identity.Resolver, logger *slog.Logger, met *metrics.Metrics) *Hub {
	h := &Hub{
		cfg:      cfg,
		log:      logger,
		met:      met,
		resolver: resolver,
		conns:    make(map[string]map[*client]struct{}),
		rooms:    make(map[string]map[string]struct{}),
		joined:   make(map[string]map[string]struct{}),
	}
	// The origin policy runs before the upgrade so rejected requests get a
	// plain 403 instead of a failed handshake.
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return h
}

// Bind attaches the router. Hub and router reference each other, so the hub
// is constructed first and bound before serving.
func (h *Hub) Bind(router *consult.Router) {
	h.router = router
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	set, ok := h.conns[c.principal]
	if !ok {
		set = make(map[*client]struct{})
		h.conns[c.principal] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	h.met.Inc(metrics.ConnectionsOpened)
	h.log.Info("ws connected", "principal", c.principal, "name", c.displayName, "remote_addr", c.remoteAddr)
}

// unregister removes a connection and, when it was the principal's last one,
// applies the same cleanup an explicit leave of every joined room would.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	set, ok := h.conns[c.principal]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := set[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, c)
	close(c.send)

	var roomsLeft []string
	if len(set) == 0 {
		delete(h.conns, c.principal)
		for roomID := range h.joined[c.principal] {
			roomsLeft = append(roomsLeft, roomID)
		}
	}
	h.mu.Unlock()

	h.met.Inc(metrics.ConnectionsClosed)
	h.log.Info("ws disconnected", "principal", c.principal, "rooms", len(roomsLeft))

	// Outside the hub lock: HandleDisconnect re-enters Broadcast/Unsubscribe.
	if len(roomsLeft) > 0 {
		h.router.HandleDisconnect(c.principal, roomsLeft)
	}
}

func (h *Hub) Subscribe(principal, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[roomID] = members
	}
	members[principal] = struct{}{}

	joined, ok := h.joined[principal]
	if !ok {
		joined = make(map[string]struct{})
		h.joined[principal] = joined
	}
	joined[roomID] = struct{}{}
}

func (h *Hub) Unsubscribe(principal, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropSubscription(principal, roomID)
}

func (h *Hub) DropRoom(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for principal := range h.rooms[roomID] {
		h.dropSubscription(principal, roomID)
	}
}

// dropSubscription requires h.mu.
func (h *Hub) dropSubscription(principal, roomID string) {
	if members, ok := h.rooms[roomID]; ok {
		delete(members, principal)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	if joined, ok := h.joined[principal]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(h.joined, principal)
		}
	}
}

func (h *Hub) Broadcast(roomID, class string, event any) {
	frame, err := encodeFrame(consult.RoomTopic(roomID, class), event)
	if err != nil {
		h.log.Error("encode broadcast frame", "room", roomID, "class", class, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for principal := range h.rooms[roomID] {
		for c := range h.conns[principal] {
			h.enqueue(c, frame)
		}
	}
}

func (h *Hub) DeliverToUser(principal, queue string, event any) {
	frame, err := encodeFrame(queue, event)
	if err != nil {
		h.log.Error("encode user frame", "queue", queue, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns[principal] {
		h.enqueue(c, frame)
	}
}

// enqueue requires h.mu. A full send queue drops the frame rather than
// blocking the room lock on a slow reader.
func (h *Hub) enqueue(c *client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		h.met.Inc(metrics.DropSendQueueOverflow)
		h.log.Warn("send queue full, dropping frame", "principal", c.principal)
	}
}
