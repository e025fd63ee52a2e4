package presence

import (
	"sort"
	"strings"
	"sync"
	"time"

	"draft-collab/go-backend/pkg/models"
)

// Registry is the authoritative membership list per draft.
//
// Versions are drawn from one registry-wide counter, so the version of a
// draft strictly increases on every membership change, including across a
// draft going empty and being joined again. Gaps between consecutive
// versions of one draft are expected.
type Registry struct {
	mu      sync.Mutex // protects the fields below
	drafts  map[string]*draftSession
	counter uint64
}

type draftSession struct {
	version uint64
	members map[string]models.PresenceMember
}

// JoinResult describes one applied join.
type JoinResult struct {
	Snapshot models.PresenceSnapshot
	Member   models.PresenceMember
	Replaced bool
	Created  bool
}

// Departure describes one applied removal.
type Departure struct {
	DraftID   string
	Member    models.PresenceMember
	Version   uint64
	Remaining int
}

// SessionRef points at one member of one draft.
type SessionRef struct {
	DraftID    string
	SessionID  string
	LastSeenAt time.Time
}

type DraftSummary struct {
	DraftID string `json:"draft_id"`
	Version uint64 `json:"version"`
	Members int    `json:"members"`
}

func NewRegistry() *Registry {
	return &Registry{drafts: make(map[string]*draftSession)}
}

// Join adds member to draftID or replaces the member with the same session id,
// then returns the membership at the new version.
func (r *Registry) Join(draftID string, member models.PresenceMember) (JoinResult, error) {
	draftID, err := models.NormalizeDraftID(draftID)
	if err != nil {
		return JoinResult{}, protocolError(CodeInvalidDraft, err)
	}
	member.SessionID = strings.TrimSpace(member.SessionID)
	member.ActorID = strings.TrimSpace(member.ActorID)
	if err := models.ValidatePresenceMember(member); err != nil {
		return JoinResult{}, protocolError(CodeInvalidMember, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	res := JoinResult{Member: member}
	ds, ok := r.drafts[draftID]
	if !ok {
		ds = &draftSession{members: make(map[string]models.PresenceMember)}
		r.drafts[draftID] = ds
		res.Created = true
	}
	_, res.Replaced = ds.members[member.SessionID]
	ds.members[member.SessionID] = member
	ds.version = r.nextVersion()

	res.Snapshot = ds.snapshot(draftID)
	res.Snapshot.SessionID = member.SessionID
	return res, nil
}

// Leave removes sessionID from draftID. Unknown drafts or sessions are a no-op
// and report false; the version only changes when a member is removed.
func (r *Registry) Leave(draftID, sessionID string) (Departure, bool) {
	return r.leave(draftID, sessionID, time.Time{})
}

// LeaveIfStale removes sessionID only if it has not been seen since cutoff.
func (r *Registry) LeaveIfStale(draftID, sessionID string, cutoff time.Time) (Departure, bool) {
	return r.leave(draftID, sessionID, cutoff)
}

func (r *Registry) leave(draftID, sessionID string, cutoff time.Time) (Departure, bool) {
	draftID = strings.TrimSpace(draftID)
	sessionID = strings.TrimSpace(sessionID)

	r.mu.Lock()
	defer r.mu.Unlock()

	ds, ok := r.drafts[draftID]
	if !ok {
		return Departure{}, false
	}
	member, ok := ds.members[sessionID]
	if !ok {
		return Departure{}, false
	}
	if !cutoff.IsZero() && member.LastSeenAt.After(cutoff) {
		return Departure{}, false
	}
	delete(ds.members, sessionID)
	ds.version = r.nextVersion()
	dep := Departure{
		DraftID:   draftID,
		Member:    member,
		Version:   ds.version,
		Remaining: len(ds.members),
	}
	if len(ds.members) == 0 {
		delete(r.drafts, draftID)
	}
	return dep, true
}

// Touch refreshes the member's LastSeenAt. It does not change the version.
func (r *Registry) Touch(draftID, sessionID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.drafts[draftID]
	if !ok {
		return false
	}
	member, ok := ds.members[sessionID]
	if !ok {
		return false
	}
	if now.After(member.LastSeenAt) {
		member.LastSeenAt = now
		ds.members[sessionID] = member
	}
	return true
}

// Stale lists members whose LastSeenAt is not after cutoff.
func (r *Registry) Stale(cutoff time.Time) []SessionRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SessionRef
	for draftID, ds := range r.drafts {
		for sessionID, member := range ds.members {
			if member.LastSeenAt.After(cutoff) {
				continue
			}
			out = append(out, SessionRef{DraftID: draftID, SessionID: sessionID, LastSeenAt: member.LastSeenAt})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DraftID == out[j].DraftID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].DraftID < out[j].DraftID
	})
	return out
}

// Snapshot returns the current membership of draftID. The second result is
// false when the draft has no members.
func (r *Registry) Snapshot(draftID string) (models.PresenceSnapshot, bool) {
	draftID = strings.TrimSpace(draftID)
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.drafts[draftID]
	if !ok {
		return models.PresenceSnapshot{DraftID: draftID, Members: []models.PresenceMember{}}, false
	}
	return ds.snapshot(draftID), true
}

func (r *Registry) Drafts() []DraftSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DraftSummary, 0, len(r.drafts))
	for draftID, ds := range r.drafts {
		out = append(out, DraftSummary{DraftID: draftID, Version: ds.version, Members: len(ds.members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DraftID < out[j].DraftID })
	return out
}

// Len returns the number of drafts with at least one member.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.drafts)
}

// MemberCount returns the number of members across every draft.
func (r *Registry) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ds := range r.drafts {
		n += len(ds.members)
	}
	return n
}

func (r *Registry) nextVersion() uint64 {
	r.counter++
	return r.counter
}

func (ds *draftSession) snapshot(draftID string) models.PresenceSnapshot {
	members := make([]models.PresenceMember, 0, len(ds.members))
	for _, m := range ds.members {
		members = append(members, m)
	}
	models.SortMembers(members)
	return models.PresenceSnapshot{
		DraftID: draftID,
		Version: ds.version,
		Members: members,
	}
}
