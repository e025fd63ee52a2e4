package models

import "strings"

type EventType string

const (
	// Sent from client to server.
	EventJoinDraft  EventType = "JOIN_DRAFT"
	EventLeaveDraft EventType = "LEAVE_DRAFT"
	EventHeartbeat  EventType = "HEARTBEAT"

	// Sent from server to client.
	EventPresenceSnapshot EventType = "PRESENCE_SNAPSHOT"
	EventPresenceJoined   EventType = "PRESENCE_JOINED"
	EventPresenceLeft     EventType = "PRESENCE_LEFT"
	EventError            EventType = "ERROR"
)

func (t EventType) Valid() bool {
	switch t {
	case EventJoinDraft, EventLeaveDraft, EventHeartbeat,
		EventPresenceSnapshot, EventPresenceJoined, EventPresenceLeft, EventError:
		return true
	default:
		return false
	}
}

// FromClient reports whether the type may be sent by a client.
func (t EventType) FromClient() bool {
	return t == EventJoinDraft || t == EventLeaveDraft || t == EventHeartbeat
}

func ParseEventType(raw string) (EventType, bool) {
	t := EventType(strings.TrimSpace(raw))
	return t, t.Valid()
}

// Event is one message on the presence wire. Payload holds one of the
// payload structs in this package, by value.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

type JoinDraftPayload struct {
	DraftID string `json:"draftId"`
}

type LeaveDraftPayload struct {
	DraftID string `json:"draftId"`
}

type HeartbeatPayload struct{}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func SnapshotEvent(s PresenceSnapshot) Event {
	return Event{Type: EventPresenceSnapshot, Payload: s}
}

func JoinedEvent(j PresenceJoined) Event {
	return Event{Type: EventPresenceJoined, Payload: j}
}

func LeftEvent(l PresenceLeft) Event {
	return Event{Type: EventPresenceLeft, Payload: l}
}

func ErrorEvent(code, message string) Event {
	return Event{Type: EventError, Payload: ErrorPayload{Code: code, Message: message}}
}

// DraftOf returns the draft id carried by a server event payload.
func (e Event) DraftOf() string {
	switch p := e.Payload.(type) {
	case PresenceSnapshot:
		return p.DraftID
	case *PresenceSnapshot:
		return p.DraftID
	case PresenceJoined:
		return p.DraftID
	case *PresenceJoined:
		return p.DraftID
	case PresenceLeft:
		return p.DraftID
	case *PresenceLeft:
		return p.DraftID
	default:
		return ""
	}
}
