package presence

import (
	"errors"
	"testing"
	"time"

	"draft-collab/go-backend/pkg/models"
)

func member(sessionID, actorID string) models.PresenceMember {
	return models.PresenceMember{
		ActorID:     actorID,
		SessionID:   sessionID,
		DisplayName: actorID,
		Role:        models.RoleEditor,
		LastSeenAt:  time.Now().UTC(),
	}
}

func TestRegistryJoinReturnsSnapshotWithExistingMembers(t *testing.T) {
	r := NewRegistry()

	first, err := r.Join("d1", member("s1", "alice"))
	if err != nil {
		t.Fatalf("join s1 failed: %v", err)
	}
	if !first.Created || first.Replaced {
		t.Fatalf("unexpected first join flags: %+v", first)
	}
	second, err := r.Join("d1", member("s2", "bob"))
	if err != nil {
		t.Fatalf("join s2 failed: %v", err)
	}
	if second.Snapshot.SessionID != "s2" {
		t.Fatalf("snapshot should address the joiner, got %q", second.Snapshot.SessionID)
	}
	if len(second.Snapshot.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(second.Snapshot.Members))
	}
	if second.Snapshot.Members[0].SessionID != "s1" || second.Snapshot.Members[1].SessionID != "s2" {
		t.Fatalf("unexpected members: %+v", second.Snapshot.Members)
	}
	if second.Snapshot.Version <= first.Snapshot.Version {
		t.Fatalf("version must increase: first=%d second=%d", first.Snapshot.Version, second.Snapshot.Version)
	}
}

func TestRegistryRejoinReplacesMember(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Join("d1", member("s1", "alice")); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	updated := member("s1", "alice")
	updated.DisplayName = "Alice L."
	res, err := r.Join("d1", updated)
	if err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if !res.Replaced {
		t.Fatal("expected rejoin to report replaced")
	}
	if len(res.Snapshot.Members) != 1 {
		t.Fatalf("duplicate session id must not duplicate members, got %d", len(res.Snapshot.Members))
	}
	if res.Snapshot.Members[0].DisplayName != "Alice L." {
		t.Fatalf("member should be replaced, got %+v", res.Snapshot.Members[0])
	}
}

func TestRegistryJoinRejectsInvalidInput(t *testing.T) {
	r := NewRegistry()
	cases := []struct {
		name    string
		draftID string
		member  models.PresenceMember
		code    string
		want    error
	}{
		{name: "empty draft", draftID: " ", member: member("s1", "a"), code: CodeInvalidDraft, want: models.ErrInvalidDraftID},
		{name: "empty session", draftID: "d1", member: member("", "a"), code: CodeInvalidMember, want: models.ErrInvalidSessionID},
		{name: "empty actor", draftID: "d1", member: member("s1", ""), code: CodeInvalidMember, want: models.ErrInvalidActorID},
		{name: "bad role", draftID: "d1", member: models.PresenceMember{ActorID: "a", SessionID: "s1", Role: "root"}, code: CodeInvalidMember, want: models.ErrInvalidRole},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Join(tc.draftID, tc.member)
			code, ok := IsProtocolError(err)
			if !ok || code != tc.code {
				t.Fatalf("expected protocol error %q, got %v", tc.code, err)
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if r.Len() != 0 {
		t.Fatalf("rejected joins must not create drafts, got %d", r.Len())
	}
}

func TestRegistryLeaveUnknownSessionIsNoop(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Leave("d1", "unknown-session"); ok {
		t.Fatal("leave on empty registry must report false")
	}

	joined, err := r.Join("d1", member("s1", "alice"))
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, ok := r.Leave("d1", "unknown-session"); ok {
		t.Fatal("leave of unknown session must report false")
	}
	snap, ok := r.Snapshot("d1")
	if !ok {
		t.Fatal("draft should still be active")
	}
	if snap.Version != joined.Snapshot.Version {
		t.Fatalf("no-op leave must not change version: got=%d want=%d", snap.Version, joined.Snapshot.Version)
	}
	if len(snap.Members) != 1 {
		t.Fatalf("unexpected members: %+v", snap.Members)
	}
}

func TestRegistryLeaveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Join("d1", member("s1", "alice"))
	_, _ = r.Join("d1", member("s2", "bob"))

	dep, ok := r.Leave("d1", "s1")
	if !ok {
		t.Fatal("first leave should remove the member")
	}
	if dep.Remaining != 1 || dep.Member.ActorID != "alice" {
		t.Fatalf("unexpected departure: %+v", dep)
	}
	if _, ok := r.Leave("d1", "s1"); ok {
		t.Fatal("second leave must be a no-op")
	}
}

func TestRegistryReclaimsEmptyDraft(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Join("d1", member("s1", "alice"))
	second, _ := r.Join("d1", member("s2", "bob"))
	_, _ = r.Leave("d1", "s1")
	_, _ = r.Leave("d1", "s2")

	if r.Len() != 0 {
		t.Fatalf("empty draft should be reclaimed, got %d drafts", r.Len())
	}
	if _, ok := r.Snapshot("d1"); ok {
		t.Fatal("snapshot of reclaimed draft should report absent")
	}

	res, err := r.Join("d1", member("s3", "carol"))
	if err != nil {
		t.Fatalf("join after reclaim failed: %v", err)
	}
	if !res.Created {
		t.Fatal("join after reclaim should re-create the draft session")
	}
	if len(res.Snapshot.Members) != 1 || res.Snapshot.Members[0].SessionID != "s3" {
		t.Fatalf("snapshot should contain only s3, got %+v", res.Snapshot.Members)
	}
	if res.Snapshot.Version <= second.Snapshot.Version {
		t.Fatalf("version must keep increasing across reclaim: before=%d after=%d", second.Snapshot.Version, res.Snapshot.Version)
	}
}

func TestRegistryStaleAndTouch(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m1 := member("s1", "alice")
	m1.LastSeenAt = base
	m2 := member("s2", "bob")
	m2.LastSeenAt = base
	_, _ = r.Join("d1", m1)
	_, _ = r.Join("d1", m2)

	if !r.Touch("d1", "s2", base.Add(30*time.Second)) {
		t.Fatal("touch of known member should succeed")
	}
	if r.Touch("d1", "nope", base) {
		t.Fatal("touch of unknown member should fail")
	}

	stale := r.Stale(base.Add(10 * time.Second))
	if len(stale) != 1 || stale[0].SessionID != "s1" {
		t.Fatalf("expected only s1 to be stale, got %+v", stale)
	}

	if _, ok := r.LeaveIfStale("d1", "s2", base.Add(10*time.Second)); ok {
		t.Fatal("fresh member must not be removed by LeaveIfStale")
	}
	if _, ok := r.LeaveIfStale("d1", "s1", base.Add(10*time.Second)); !ok {
		t.Fatal("stale member should be removed by LeaveIfStale")
	}
	if r.MemberCount() != 1 {
		t.Fatalf("expected 1 member left, got %d", r.MemberCount())
	}
}

func TestRegistryDraftsSummary(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Join("b", member("s1", "alice"))
	_, _ = r.Join("a", member("s2", "bob"))
	_, _ = r.Join("a", member("s3", "carol"))

	drafts := r.Drafts()
	if len(drafts) != 2 {
		t.Fatalf("expected 2 drafts, got %d", len(drafts))
	}
	if drafts[0].DraftID != "a" || drafts[0].Members != 2 {
		t.Fatalf("unexpected first summary: %+v", drafts[0])
	}
	if drafts[1].DraftID != "b" || drafts[1].Members != 1 {
		t.Fatalf("unexpected second summary: %+v", drafts[1])
	}
}
