package fanout

import (
	"encoding/json"

	"github.com/Tyrowin/collabchat/internal/registry"
)

// Event an authored message addressed to a set of identities. Treat an Event
// as immutable once built.
type Event struct {
	Author     registry.Identity
	Message    string
	Recipients []registry.Identity
	Timestamp  float64
}

// NewEvent build an Event, dropping duplicate recipients
func NewEvent(
	author registry.Identity, message string, recipients []registry.Identity, timestamp float64,
) Event {
	seen := make(map[registry.Identity]struct{}, len(recipients))
	unique := make([]registry.Identity, 0, len(recipients))
	for _, r := range recipients {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		unique = append(unique, r)
	}
	return Event{Author: author, Message: message, Recipients: unique, Timestamp: timestamp}
}

// WireMessage the JSON shape delivered to a chat connection
type WireMessage struct {
	Author    string  `json:"author"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
}

// Wire serialize the event for delivery
func (e Event) Wire() ([]byte, error) {
	return json.Marshal(WireMessage{
		Author: string(e.Author), Message: e.Message, Timestamp: e.Timestamp,
	})
}
