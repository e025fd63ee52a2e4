// Package presenceview mirrors the presence of one draft on the consumer side.
package presenceview

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"draft-collab/go-backend/pkg/models"
)

var (
	ErrForeignDraft = errors.New("event belongs to another draft")
	ErrStaleEvent   = errors.New("event version is not newer than the view")
	ErrNotPresence  = errors.New("event is not a presence event")

	// ErrAwaitingSnapshot rejects deltas that arrive before the first snapshot
	// of the current draft.
	ErrAwaitingSnapshot = errors.New("no snapshot applied yet")
)

// State is a copy of the view at one version.
type State struct {
	DraftID   string
	SessionID string
	Version   uint64
	Members   []models.PresenceMember
}

// Has reports whether sessionID is listed.
func (s State) Has(sessionID string) bool {
	for _, m := range s.Members {
		if m.SessionID == sessionID {
			return true
		}
	}
	return false
}

// View applies presence events for one draft at a time.
//
// Listeners are invoked in event order with a copy of the state. Switch
// waits for an in-flight notification to finish, so a listener must not
// call Switch.
type View struct {
	deliver sync.Mutex // serializes notification and draft switches

	mu      sync.Mutex // protects the fields below
	draftID string
	state   State
	subs    map[uint64]*Subscription
	nextID  uint64
}

func New(draftID string) *View {
	draftID = strings.TrimSpace(draftID)
	return &View{
		draftID: draftID,
		state:   State{DraftID: draftID, Members: []models.PresenceMember{}},
		subs:    make(map[uint64]*Subscription),
	}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	view *View
	id   uint64
	fn   func(State)
}

// Unsubscribe detaches the listener. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.view == nil {
		return
	}
	s.view.mu.Lock()
	delete(s.view.subs, s.id)
	s.view.mu.Unlock()
}

// Subscribe attaches fn to the current draft. The listener is dropped on the
// next Switch.
func (v *View) Subscribe(fn func(State)) *Subscription {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextID++
	sub := &Subscription{view: v, id: v.nextID, fn: fn}
	v.subs[sub.id] = sub
	return sub
}

// Listeners returns the number of attached listeners.
func (v *View) Listeners() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}

func (v *View) DraftID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.draftID
}

func (v *View) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.clone()
}

// Switch points the view at draftID. Every listener of the previous draft is
// unsubscribed and the state is cleared before the call returns.
func (v *View) Switch(draftID string) {
	draftID = strings.TrimSpace(draftID)
	v.deliver.Lock()
	defer v.deliver.Unlock()
	v.mu.Lock()
	defer v.mu.Unlock()
	for id := range v.subs {
		delete(v.subs, id)
	}
	v.draftID = draftID
	v.state = State{DraftID: draftID, Members: []models.PresenceMember{}}
}

// Apply updates the view with a server event. Events for another draft
// return ErrForeignDraft and events not newer than the view return
// ErrStaleEvent; neither changes the view.
func (v *View) Apply(evt models.Event) error {
	v.deliver.Lock()
	defer v.deliver.Unlock()

	v.mu.Lock()
	if evt.DraftOf() != v.draftID || v.draftID == "" {
		v.mu.Unlock()
		return ErrForeignDraft
	}
	if err := v.applyLocked(evt); err != nil {
		v.mu.Unlock()
		return err
	}
	state := v.state.clone()
	listeners := make([]func(State), 0, len(v.subs))
	for _, id := range v.sortedIDs() {
		listeners = append(listeners, v.subs[id].fn)
	}
	v.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
	return nil
}

func (v *View) applyLocked(evt models.Event) error {
	switch p := evt.Payload.(type) {
	case models.PresenceSnapshot:
		if v.state.Version != 0 && p.Version <= v.state.Version {
			return ErrStaleEvent
		}
		v.state.SessionID = p.SessionID
		v.state.Version = p.Version
		v.state.Members = models.CloneMembers(p.Members)
		models.SortMembers(v.state.Members)
	case models.PresenceJoined:
		if v.state.Version == 0 {
			return ErrAwaitingSnapshot
		}
		if p.Version <= v.state.Version {
			return ErrStaleEvent
		}
		v.state.Version = p.Version
		for i, m := range v.state.Members {
			if m.SessionID == p.SessionID {
				v.state.Members[i] = p.PresenceMember
				return nil
			}
		}
		v.state.Members = append(v.state.Members, p.PresenceMember)
		models.SortMembers(v.state.Members)
	case models.PresenceLeft:
		if v.state.Version == 0 {
			return ErrAwaitingSnapshot
		}
		if p.Version <= v.state.Version {
			return ErrStaleEvent
		}
		v.state.Version = p.Version
		kept := v.state.Members[:0]
		for _, m := range v.state.Members {
			if m.SessionID != p.SessionID {
				kept = append(kept, m)
			}
		}
		v.state.Members = kept
	default:
		return ErrNotPresence
	}
	return nil
}

func (v *View) sortedIDs() []uint64 {
	ids := make([]uint64, 0, len(v.subs))
	for id := range v.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s State) clone() State {
	s.Members = models.CloneMembers(s.Members)
	return s
}
