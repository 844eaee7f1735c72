package consult

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/digitalclinic/consult-relay/internal/metrics"
	"github.com/digitalclinic/consult-relay/internal/registry"
)

// Transport is the delivery substrate the router hands outbound events to.
// Both delivery operations are fire-and-forget: the router never waits for
// acknowledgment, and a failed delivery to one recipient is the transport's
// concern, never the router's.
//
// Subscribe/Unsubscribe/DropRoom maintain the transport's view of which
// principals receive a room's broadcasts. The router calls them in the same
// atomic step as the registry mutation they mirror.
type Transport interface {
	Subscribe(principal, roomID string)
	Unsubscribe(principal, roomID string)
	DropRoom(roomID string)

	// Broadcast fans event out to every subscriber of the room. The
	// destination is RoomTopic(roomID, class).
	Broadcast(roomID, class string, event any)

	// DeliverToUser pushes event to the principal's private queue only.
	DeliverToUser(principal, queue string, event any)
}

// Authorizer decides whether a principal may join a room. It is the hook
// for the consultation lifecycle service; the relay itself has no opinion.
type Authorizer interface {
	AuthorizeJoin(ctx context.Context, roomID, principal string) error
}

// AllowAllAuthorizer admits every join. It is the default when no lifecycle
// service is configured.
type AllowAllAuthorizer struct{}

func (AllowAllAuthorizer) AuthorizeJoin(ctx context.Context, roomID, principal string) error {
	return nil
}

// Config wires the router's collaborators. Zero-value optional fields get
// safe defaults.
type Config struct {
	Registry  *registry.Registry
	Transport Transport

	// Authorizer gates join actions. Nil means allow all.
	Authorizer Authorizer

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Now supplies event timestamps; tests inject a fixed clock.
	Now func() time.Time
}

// Router interprets inbound envelopes. Envelopes from different connections
// are dispatched concurrently; the registry's per-room locking provides the
// only serialization the protocol requires.
type Router struct {
	reg   *registry.Registry
	tr    Transport
	authz Authorizer
	log   *slog.Logger
	met   *metrics.Metrics
	now   func() time.Time
}

func NewRouter(cfg Config) *Router {
	r := &Router{
		reg:   cfg.Registry,
		tr:    cfg.Transport,
		authz: cfg.Authorizer,
		log:   cfg.Logger,
		met:   cfg.Metrics,
		now:   cfg.Now,
	}
	if r.reg == nil {
		r.reg = registry.New()
	}
	if r.authz == nil {
		r.authz = AllowAllAuthorizer{}
	}
	if r.log == nil {
		r.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Registry exposes the room registry, primarily for the transport's
// read-only needs and for tests.
func (r *Router) Registry() *registry.Registry {
	return r.reg
}

// Dispatch handles one raw inbound message from principal. Malformed and
// unknown envelopes are dropped silently (diagnostic log only): the
// connection they arrived on stays usable for subsequent valid messages.
//
// The principal is the transport-resolved identity of the sending
// connection; nothing in the envelope can override it.
func (r *Router) Dispatch(ctx context.Context, principal string, raw []byte) {
	r.met.Inc(metrics.EnvelopesReceived)

	env, err := ParseEnvelope(raw)
	if err != nil {
		if errors.Is(err, ErrUnknownAction) {
			r.met.Inc(metrics.DropUnknownAction)
			r.log.Debug("dropped envelope with unknown action", "principal", principal, "err", err)
		} else {
			r.met.Inc(metrics.DropMalformed)
			r.log.Debug("dropped malformed envelope", "principal", principal, "err", err)
		}
		return
	}

	switch env.Action {
	case ActionJoin:
		r.handleJoin(ctx, principal, env)
	case ActionLeave:
		r.leaveRoom(env.RoomID, principal)
	case ActionOffer:
		r.deliverSignal(principal, env, EventOffer)
	case ActionAnswer:
		r.deliverSignal(principal, env, EventAnswer)
	case ActionICECandidate:
		r.deliverSignal(principal, env, EventICECandidate)
	case ActionChat:
		r.handleChat(principal, env)
	case ActionMediaToggle:
		r.handleMediaToggle(principal, env)
	case ActionStatusUpdate:
		r.handleStatusUpdate(principal, env)
	case ActionEnd:
		r.handleEnd(principal, env)
	}
}

// HandleDisconnect applies the leave-equivalent cleanup for a principal
// whose last connection closed without an explicit leave. rooms is the list
// of rooms the transport saw the principal join.
func (r *Router) HandleDisconnect(principal string, rooms []string) {
	for _, roomID := range rooms {
		r.leaveRoom(roomID, principal)
	}
}

func (r *Router) handleJoin(ctx context.Context, principal string, env Envelope) {
	if err := r.authz.AuthorizeJoin(ctx, env.RoomID, principal); err != nil {
		r.met.Inc(metrics.DropUnauthorizedJoin)
		r.log.Warn("join rejected by lifecycle authorizer",
			"room", env.RoomID, "principal", principal, "err", err)
		return
	}

	p := registry.Participant{
		Principal:   principal,
		DisplayName: env.UserName,
		UserType:    env.UserType,
	}
	if p.DisplayName == "" {
		p.DisplayName = principal
	}
	if p.UserType == "" {
		p.UserType = "USER"
	}

	r.reg.Join(env.RoomID, p, func(snap registry.Snapshot) {
		r.tr.Subscribe(principal, env.RoomID)
		r.broadcast(env.RoomID, TopicParticipants, ParticipantsEvent{
			Type:         EventUserJoined,
			RoomID:       env.RoomID,
			UserID:       principal,
			UserName:     p.DisplayName,
			UserType:     p.UserType,
			Participants: snap,
		})
	})
}

func (r *Router) leaveRoom(roomID, principal string) {
	r.reg.Leave(roomID, principal, func(removed string, ok bool, remaining registry.Snapshot) {
		// The leaver is still subscribed here, so it observes its own
		// USER_LEFT before the subscription goes away.
		r.broadcast(roomID, TopicParticipants, ParticipantsEvent{
			Type:         EventUserLeft,
			RoomID:       roomID,
			UserID:       principal,
			UserName:     removed,
			Participants: remaining,
		})
		r.tr.Unsubscribe(principal, roomID)
	})
}

func (r *Router) deliverSignal(principal string, env Envelope, kind EventType) {
	evt := SignalEvent{
		Type:       kind,
		RoomID:     env.RoomID,
		FromUserID: principal,
	}
	switch kind {
	case EventOffer:
		evt.Offer = env.Offer
	case EventAnswer:
		evt.Answer = env.Answer
	case EventICECandidate:
		evt.Candidate = env.Candidate
	}

	// A target with no live connection is not an error: delivery is
	// attempted and simply has no recipient.
	r.met.Inc(metrics.DirectDeliveries)
	r.tr.DeliverToUser(env.TargetUserID, UserQueue(kind), evt)
}

func (r *Router) handleChat(principal string, env Envelope) {
	senderName := env.SenderName
	if senderName == "" {
		senderName, _ = r.reg.DisplayName(env.RoomID, principal)
	}
	senderType := env.SenderType
	if senderType == "" {
		senderType = "USER"
	}

	r.broadcast(env.RoomID, TopicChat, ChatEvent{
		Type:       EventChat,
		RoomID:     env.RoomID,
		SenderID:   principal,
		SenderName: senderName,
		SenderType: senderType,
		Content:    env.Content,
		Timestamp:  r.now().UnixMilli(),
	})
}

func (r *Router) handleMediaToggle(principal string, env Envelope) {
	r.broadcast(env.RoomID, TopicMedia, MediaEvent{
		Type:      EventMedia,
		RoomID:    env.RoomID,
		UserID:    principal,
		MediaType: env.MediaType,
		Enabled:   *env.Enabled,
	})
}

func (r *Router) handleStatusUpdate(principal string, env Envelope) {
	r.broadcast(env.RoomID, TopicStatus, StatusEvent{
		Type:      EventStatus,
		RoomID:    env.RoomID,
		Status:    env.Status,
		UpdatedBy: principal,
		Timestamp: r.now().UnixMilli(),
	})
}

func (r *Router) handleEnd(principal string, env Envelope) {
	endedAt := r.now().UnixMilli()
	r.reg.End(env.RoomID, func() {
		// Announce first, then drop the subscriptions: every current member
		// sees the END event.
		r.broadcast(env.RoomID, TopicEnd, EndEvent{
			Type:      EventEnd,
			RoomID:    env.RoomID,
			EndedBy:   principal,
			Timestamp: endedAt,
		})
		r.tr.DropRoom(env.RoomID)
	})
}

func (r *Router) broadcast(roomID, class string, event any) {
	r.met.Inc(metrics.RoomBroadcasts)
	r.tr.Broadcast(roomID, class, event)
}
