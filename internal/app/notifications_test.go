package app

import (
	"testing"

	"draft-collab/go-backend/internal/presence"
	"draft-collab/go-backend/pkg/models"
)

func TestNotificationHubReplayFromCursor(t *testing.T) {
	hub := NewNotificationHub(3)
	for i := 0; i < 5; i++ {
		hub.Publish("presence.joined", i)
	}
	if hub.BacklogSize() != 3 {
		t.Fatalf("history should be bounded, got %d", hub.BacklogSize())
	}
	replay, _, cancel := hub.Subscribe(3)
	defer cancel()
	if len(replay) != 2 || replay[0].Seq != 4 || replay[1].Seq != 5 {
		t.Fatalf("unexpected replay: %+v", replay)
	}
	if hub.LastSeq() != 5 {
		t.Fatalf("unexpected last seq: %d", hub.LastSeq())
	}
}

func TestNotificationHubClosesSlowSubscriber(t *testing.T) {
	hub := NewNotificationHub(10)
	hub.buffer = 1
	_, ch, cancel := hub.Subscribe(0)
	defer cancel()

	hub.Publish("a", nil)
	hub.Publish("b", nil)

	if evt, ok := <-ch; !ok || evt.Method != "a" {
		t.Fatalf("first event should be delivered, got %+v ok=%v", evt, ok)
	}
	if _, ok := <-ch; ok {
		t.Fatal("slow subscriber channel should be closed")
	}
	if hub.Subscribers() != 0 {
		t.Fatalf("slow subscriber should be removed, got %d", hub.Subscribers())
	}
	cancel()
}

func TestPresenceSinkPublishesChanges(t *testing.T) {
	hub := NewNotificationHub(10)
	sink := NewPresenceSink(hub)
	member := models.PresenceMember{ActorID: "alice", SessionID: "s1", Role: models.RoleEditor}

	sink.PresenceChanged(presence.Change{
		DraftID:  "d1",
		Event:    models.JoinedEvent(models.PresenceJoined{PresenceMember: member, DraftID: "d1", Version: 3}),
		Snapshot: models.PresenceSnapshot{DraftID: "d1", Version: 3, Members: []models.PresenceMember{member}},
	})
	sink.PresenceChanged(presence.Change{
		DraftID: "d1",
		Event:   models.LeftEvent(models.PresenceLeft{DraftID: "d1", Version: 4, SessionID: "s1"}),
		Reason:  presence.ReasonDisconnect,
	})
	sink.PresenceChanged(presence.Change{DraftID: "d1", Event: models.ErrorEvent("x", "ignored")})

	replay, _, cancel := hub.Subscribe(0)
	defer cancel()
	if len(replay) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(replay))
	}
	joined := replay[0].Payload.(PresenceNotification)
	if replay[0].Method != MethodPresenceJoined || joined.ActorID != "alice" || joined.Members != 1 {
		t.Fatalf("unexpected joined notification: %+v", replay[0])
	}
	left := replay[1].Payload.(PresenceNotification)
	if replay[1].Method != MethodPresenceLeft || left.Reason != presence.ReasonDisconnect || left.Members != 0 {
		t.Fatalf("unexpected left notification: %+v", replay[1])
	}
}
