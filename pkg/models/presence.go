package models

import (
	"errors"
	"sort"
	"strings"
	"time"
)

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

var (
	ErrInvalidDraftID   = errors.New("invalid draft id")
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrInvalidActorID   = errors.New("invalid actor id")
	ErrInvalidRole      = errors.New("invalid permission role")
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleEditor, RoleViewer:
		return true
	default:
		return false
	}
}

// CanMutate reports whether the role may submit draft mutations.
func (r Role) CanMutate() bool {
	return r == RoleOwner || r == RoleEditor
}

func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !role.Valid() {
		return "", ErrInvalidRole
	}
	return role, nil
}

func NormalizeDraftID(draftID string) (string, error) {
	draftID = strings.TrimSpace(draftID)
	if draftID == "" {
		return "", ErrInvalidDraftID
	}
	return draftID, nil
}

// PresenceMember is one physical connection of a collaborator to a draft.
// A single actor may hold several members with distinct session ids.
type PresenceMember struct {
	ActorID     string    `json:"actorId"`
	SessionID   string    `json:"sessionId"`
	DisplayName string    `json:"displayName"`
	Role        Role      `json:"permissionRole"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// ValidatePresenceMember centralizes member validation rules.
func ValidatePresenceMember(member PresenceMember) error {
	if strings.TrimSpace(member.SessionID) == "" {
		return ErrInvalidSessionID
	}
	if strings.TrimSpace(member.ActorID) == "" {
		return ErrInvalidActorID
	}
	if !member.Role.Valid() {
		return ErrInvalidRole
	}
	return nil
}

// PresenceSnapshot is the full membership of a draft at one version.
// SessionID identifies the receiving connection.
type PresenceSnapshot struct {
	DraftID   string           `json:"draftId"`
	SessionID string           `json:"sessionId"`
	Version   uint64           `json:"version"`
	Members   []PresenceMember `json:"members"`
}

// PresenceJoined carries the joined member's fields at the top level of the
// payload, next to the draft id and version.
type PresenceJoined struct {
	PresenceMember
	DraftID string `json:"draftId"`
	Version uint64 `json:"version"`
}

type PresenceLeft struct {
	DraftID   string `json:"draftId"`
	Version   uint64 `json:"version"`
	SessionID string `json:"sessionId"`
}

// SortMembers orders members by session id so snapshots are deterministic.
func SortMembers(members []PresenceMember) {
	sort.Slice(members, func(i, j int) bool {
		return members[i].SessionID < members[j].SessionID
	})
}

// CloneMembers returns a copy that shares no backing array with src.
func CloneMembers(src []PresenceMember) []PresenceMember {
	if src == nil {
		return []PresenceMember{}
	}
	return append([]PresenceMember(nil), src...)
}
