package broadcast

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventUserJoined      EventType = "user_joined"
	EventUserLeft        EventType = "user_left"
	EventOperation       EventType = "operation"
	EventCursorUpdate    EventType = "cursor_update"
	EventSelectionUpdate EventType = "selection_update"
	EventSessionTimeout  EventType = "session_timeout"
	EventServiceShutdown EventType = "service_shutdown"
	// EventSessionReset tells members the log was discarded and they must
	// reload the flow.
	EventSessionReset EventType = "session_reset"
)

// Event is the wire format shared by every instance serving a flow.
type Event struct {
	Type          EventType       `json:"type"`
	DocumentID    string          `json:"documentId"`
	UserID        string          `json:"userId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	ExcludeUserID string          `json:"excludeUserId,omitempty"`
	// ExcludeConnID narrows the exclusion to one connection of the excluded
	// user; the user's other connections still receive the event.
	ExcludeConnID string `json:"excludeConnId,omitempty"`
	// Origin is the instance that published the event.
	Origin string `json:"origin,omitempty"`
}

// NewEvent encodes payload into an event. A nil payload is left empty.
func NewEvent(t EventType, documentID, userID string, payload any, now time.Time) (Event, error) {
	evt := Event{Type: t, DocumentID: documentID, UserID: userID, Timestamp: now}
	if payload == nil {
		return evt, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	evt.Payload = b
	return evt, nil
}

// Excluding returns a copy addressed to everyone but userID.
func (e Event) Excluding(userID string) Event {
	e.ExcludeUserID = userID
	return e
}

// ExcludingConn returns a copy addressed to every connection but connID.
func (e Event) ExcludingConn(connID string) Event {
	e.ExcludeConnID = connID
	return e
}

// DeliverTo reports whether the connection connID of userID should receive
// the event.
func (e Event) DeliverTo(userID, connID string) bool {
	if e.ExcludeConnID != "" {
		return connID != e.ExcludeConnID
	}
	return e.ExcludeUserID == "" || userID != e.ExcludeUserID
}
