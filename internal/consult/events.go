package consult

import (
	json "github.com/goccy/go-json"

	"github.com/digitalclinic/consult-relay/internal/registry"
)

// EventType discriminates outbound events. Room-scoped lifecycle events use
// the upper-case names the original web client dispatches on; direct
// signaling events reuse their WebRTC payload kind.
type EventType string

const (
	EventUserJoined EventType = "USER_JOINED"
	EventUserLeft   EventType = "USER_LEFT"
	EventChat       EventType = "CHAT"
	EventMedia      EventType = "MEDIA"
	EventStatus     EventType = "STATUS"
	EventEnd        EventType = "END"

	EventOffer        EventType = "offer"
	EventAnswer       EventType = "answer"
	EventICECandidate EventType = "candidate"
)

// Room topic classes. One room fans out on five destinations so clients can
// subscribe to exactly the event streams they render.
const (
	TopicParticipants = "participants"
	TopicChat         = "chat"
	TopicMedia        = "media"
	TopicStatus       = "status"
	TopicEnd          = "end"
)

// RoomTopic builds the broadcast destination for a room-scoped event class,
// e.g. /topic/consultation.room-42.chat. The shape is load-bearing: deployed
// clients subscribe by exact string.
func RoomTopic(roomID, class string) string {
	return "/topic/consultation." + roomID + "." + class
}

// UserQueue builds the private destination for a point-to-point signaling
// event, e.g. /queue/webrtc.offer. Deliveries on these destinations reach
// only the targeted principal.
func UserQueue(event EventType) string {
	switch event {
	case EventICECandidate:
		return "/queue/webrtc.ice-candidate"
	default:
		return "/queue/webrtc." + string(event)
	}
}

// ParticipantsEvent announces a join or leave together with the membership
// snapshot taken atomically with the mutation.
type ParticipantsEvent struct {
	Type     EventType `json:"type"`
	RoomID   string    `json:"roomId"`
	UserID   string    `json:"userId"`
	UserName string    `json:"userName,omitempty"`
	UserType string    `json:"userType,omitempty"`

	Participants registry.Snapshot `json:"participants"`
}

// SignalEvent forwards one WebRTC handshake payload to exactly one
// recipient. Exactly one of Offer/Answer/Candidate is set, matching Type.
type SignalEvent struct {
	Type       EventType `json:"type"`
	RoomID     string    `json:"roomId"`
	FromUserID string    `json:"fromUserId"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// ChatEvent is a room-scoped chat line. SenderName is omitted when neither
// the envelope nor the registry knows a display name for the sender.
type ChatEvent struct {
	Type       EventType `json:"type"`
	RoomID     string    `json:"roomId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	SenderType string    `json:"senderType"`
	Content    string    `json:"content"`
	Timestamp  int64     `json:"timestamp"`
}

// MediaEvent announces a camera/microphone toggle.
type MediaEvent struct {
	Type      EventType `json:"type"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	MediaType string    `json:"mediaType"`
	Enabled   bool      `json:"enabled"`
}

// StatusEvent announces a consultation status change (IN_PROGRESS,
// COMPLETED, ...). The relay does not interpret the value.
type StatusEvent struct {
	Type      EventType `json:"type"`
	RoomID    string    `json:"roomId"`
	Status    string    `json:"status"`
	UpdatedBy string    `json:"updatedBy"`
	Timestamp int64     `json:"timestamp"`
}

// EndEvent is the room teardown announcement, broadcast before the registry
// entry is cleared.
type EndEvent struct {
	Type      EventType `json:"type"`
	RoomID    string    `json:"roomId"`
	EndedBy   string    `json:"endedBy"`
	Timestamp int64     `json:"timestamp"`
}
