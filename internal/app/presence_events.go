package app

import (
	"draft-collab/go-backend/internal/presence"
	"draft-collab/go-backend/pkg/models"
)

// Stream method names published for presence changes.
const (
	MethodPresenceJoined = "presence.joined"
	MethodPresenceLeft   = "presence.left"
)

// PresenceNotification is the stream payload for one membership change.
type PresenceNotification struct {
	DraftID   string `json:"draft_id"`
	Version   uint64 `json:"version"`
	SessionID string `json:"session_id"`
	ActorID   string `json:"actor_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Members   int    `json:"members"`
}

// PresenceSink publishes presence changes to a NotificationHub.
type PresenceSink struct {
	hub *NotificationHub
}

func NewPresenceSink(hub *NotificationHub) *PresenceSink {
	return &PresenceSink{hub: hub}
}

func (s *PresenceSink) PresenceChanged(change presence.Change) {
	n := PresenceNotification{
		DraftID: change.DraftID,
		Reason:  change.Reason,
		Members: len(change.Snapshot.Members),
	}
	var method string
	switch p := change.Event.Payload.(type) {
	case models.PresenceJoined:
		method = MethodPresenceJoined
		n.Version = p.Version
		n.SessionID = p.SessionID
		n.ActorID = p.ActorID
	case models.PresenceLeft:
		method = MethodPresenceLeft
		n.Version = p.Version
		n.SessionID = p.SessionID
	default:
		return
	}
	s.hub.Publish(method, n)
}
