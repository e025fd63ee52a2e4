package ws

import (
	"net/http"
	"strings"

	"draft-collab/go-backend/pkg/models"
)

const (
	headerActorID   = "X-Actor-ID"
	headerActorName = "X-Actor-Name"
	headerActorRole = "X-Actor-Role"
)

// identity is set by the upstream auth layer; this service trusts it.
type identity struct {
	ActorID     string
	DisplayName string
	Role        models.Role
}

func identityFromRequest(r *http.Request) (identity, error) {
	actorID := firstNonEmpty(r.Header.Get(headerActorID), r.URL.Query().Get("actor"))
	if actorID == "" {
		return identity{}, models.ErrInvalidActorID
	}
	name := firstNonEmpty(r.Header.Get(headerActorName), r.URL.Query().Get("name"), actorID)
	role := models.RoleViewer
	if raw := firstNonEmpty(r.Header.Get(headerActorRole), r.URL.Query().Get("role")); raw != "" {
		parsed, err := models.ParseRole(raw)
		if err != nil {
			return identity{}, err
		}
		role = parsed
	}
	return identity{ActorID: actorID, DisplayName: name, Role: role}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
