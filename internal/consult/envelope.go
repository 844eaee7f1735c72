package consult

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// Action names are carried on the wire and must stay stable; browser and
// mobile clients dispatch on them.
type Action string

const (
	ActionJoin         Action = "consultation.join"
	ActionLeave        Action = "consultation.leave"
	ActionOffer        Action = "consultation.webrtc.offer"
	ActionAnswer       Action = "consultation.webrtc.answer"
	ActionICECandidate Action = "consultation.webrtc.ice-candidate"
	ActionChat         Action = "consultation.chat"
	ActionMediaToggle  Action = "consultation.media.toggle"
	ActionStatusUpdate Action = "consultation.status.update"
	ActionEnd          Action = "consultation.end"
)

var (
	ErrUnknownAction = errors.New("consult: unknown action")

	errMissingAction    = errors.New("consult: missing action")
	errMissingRoomID    = errors.New("consult: missing roomId")
	errMissingTarget    = errors.New("consult: missing targetUserId")
	errMissingPayload   = errors.New("consult: missing signaling payload")
	errMissingContent   = errors.New("consult: missing content")
	errMissingMediaType = errors.New("consult: missing mediaType")
	errMissingEnabled   = errors.New("consult: missing enabled flag")
	errMissingStatus    = errors.New("consult: missing status")
)

// Envelope is one inbound message from a connected client. The action name
// alone determines which fields are required; there is no schema version.
//
// Signaling payloads (offer/answer/candidate) are opaque to the relay: they
// are produced and consumed by the clients' WebRTC stacks and forwarded
// byte-for-byte.
type Envelope struct {
	Action       Action `json:"action"`
	RoomID       string `json:"roomId,omitempty"`
	TargetUserID string `json:"targetUserId,omitempty"`

	// Join fields.
	UserName string `json:"userName,omitempty"`
	UserType string `json:"userType,omitempty"`

	// Signaling payloads.
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	// Chat fields.
	Content    string `json:"content,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	SenderType string `json:"senderType,omitempty"`

	// Media toggle fields. Enabled is a pointer so a missing flag is
	// distinguishable from an explicit false.
	MediaType string `json:"mediaType,omitempty"`
	Enabled   *bool  `json:"enabled,omitempty"`

	// Status update field.
	Status string `json:"status,omitempty"`
}

// ParseEnvelope decodes and validates one inbound message. It returns
// ErrUnknownAction (possibly wrapped) for an action the relay does not
// understand; any other error means the envelope is malformed. Either way
// the message must be dropped without side effects.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("consult: decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the fields required by the envelope's action.
func (e Envelope) Validate() error {
	if e.Action == "" {
		return errMissingAction
	}
	if e.RoomID == "" {
		// Every action is room-scoped, including point-to-point signaling
		// (the room identifier travels with the forwarded payload).
		return fmt.Errorf("%w (action %q)", errMissingRoomID, e.Action)
	}

	switch e.Action {
	case ActionJoin, ActionLeave, ActionEnd:
		return nil
	case ActionOffer:
		return e.validateSignal(e.Offer)
	case ActionAnswer:
		return e.validateSignal(e.Answer)
	case ActionICECandidate:
		return e.validateSignal(e.Candidate)
	case ActionChat:
		if e.Content == "" {
			return errMissingContent
		}
		return nil
	case ActionMediaToggle:
		if e.MediaType == "" {
			return errMissingMediaType
		}
		if e.Enabled == nil {
			return errMissingEnabled
		}
		return nil
	case ActionStatusUpdate:
		if e.Status == "" {
			return errMissingStatus
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, e.Action)
	}
}

func (e Envelope) validateSignal(payload json.RawMessage) error {
	if e.TargetUserID == "" {
		return fmt.Errorf("%w (action %q)", errMissingTarget, e.Action)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w (action %q)", errMissingPayload, e.Action)
	}
	return nil
}
