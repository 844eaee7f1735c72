package hub

import (
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Frame is the outbound wire envelope. Destination carries either a room
// topic or a per-user queue name; Body is the event payload verbatim.
type Frame struct {
	ID          string          `json:"id"`
	Destination string          `json:"destination"`
	Body        json.RawMessage `json:"body"`
}

// encodeFrame serializes an event once so a broadcast writes identical bytes
// to every recipient.
func encodeFrame(destination string, event any) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{
		ID:          uuid.NewString(),
		Destination: destination,
		Body:        body,
	})
}
