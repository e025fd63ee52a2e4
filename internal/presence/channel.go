package presence

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"draft-collab/go-backend/internal/serializer"
	"draft-collab/go-backend/pkg/models"
)

const componentName = "presence"

// Leave reasons, reported to logs, metrics and event sinks.
const (
	ReasonClientLeave  = "client_leave"
	ReasonDisconnect   = "disconnect"
	ReasonStale        = "stale"
	ReasonSlowConsumer = "slow_consumer"
	ReasonSwitchDraft  = "switch_draft"
	ReasonSendFailed   = "send_failed"
)

// Outbox delivers events to one connection. Send must not block; it reports
// false when the event could not be queued. Close disconnects the connection.
type Outbox interface {
	Send(evt models.Event) bool
	Close()
}

// Change is one applied membership change with the membership after it.
type Change struct {
	DraftID  string
	Event    models.Event
	Reason   string
	Snapshot models.PresenceSnapshot
}

// Sink observes applied changes in per-draft order. PresenceChanged is called
// from inside the draft's serialized section and must not block.
type Sink interface {
	PresenceChanged(change Change)
}

// Observer receives counters for joins, leaves and dropped deliveries.
type Observer interface {
	MemberJoined(draftID string, replaced bool)
	MemberLeft(draftID, reason string)
	DeliveryDropped(draftID string)
	ActiveDrafts(n int)
}

type noopObserver struct{}

func (noopObserver) MemberJoined(string, bool) {}
func (noopObserver) MemberLeft(string, string) {}
func (noopObserver) DeliveryDropped(string) {}
func (noopObserver) ActiveDrafts(int) {}

type ChannelOption func(*Channel)

func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithSink(sink Sink) ChannelOption {
	return func(c *Channel) {
		if sink != nil {
			c.sinks = append(c.sinks, sink)
		}
	}
}

func WithChannelObserver(o Observer) ChannelOption {
	return func(c *Channel) {
		if o != nil {
			c.observer = o
		}
	}
}

func WithChannelClock(now func() time.Time) ChannelOption {
	return func(c *Channel) {
		if now != nil {
			c.now = now
		}
	}
}

// Channel is the per-draft broadcast group. Every membership change of a
// draft and its fan-out run as one serialized task keyed by the draft, so
// members observe changes in version order.
type Channel struct {
	registry *Registry
	queue    *serializer.Serializer

	mu     sync.Mutex // protects groups
	groups map[string]map[string]Outbox

	sinks    []Sink
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

func NewChannel(registry *Registry, queue *serializer.Serializer, opts ...ChannelOption) *Channel {
	c := &Channel{
		registry: registry,
		queue:    queue,
		groups:   make(map[string]map[string]Outbox),
		observer: noopObserver{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) Registry() *Registry {
	return c.registry
}

// QueueKey is the serializer key used for membership changes of draftID.
func QueueKey(draftID string) string {
	return "presence:" + draftID
}

// Join registers member on draftID and attaches out to the draft's group.
// The joiner receives PRESENCE_SNAPSHOT on out before it is attached, so it
// never receives PRESENCE_JOINED for its own session.
//
// Join waits for the queued change even after ctx ends, so its result always
// matches the registry: a caller that gave up before the change ran gets
// ctx.Err() and nothing is registered.
func (c *Channel) Join(ctx context.Context, draftID string, member models.PresenceMember, out Outbox) (models.PresenceSnapshot, error) {
	draftID, err := models.NormalizeDraftID(draftID)
	if err != nil {
		return models.PresenceSnapshot{}, protocolError(CodeInvalidDraft, err)
	}
	if out == nil {
		return models.PresenceSnapshot{}, ErrOutboxClosed
	}
	member.LastSeenAt = c.now().UTC()

	return serializer.Submit(context.WithoutCancel(ctx), c.queue, QueueKey(draftID), func(context.Context) (models.PresenceSnapshot, error) {
		if err := ctx.Err(); err != nil {
			return models.PresenceSnapshot{}, err
		}
		res, err := c.registry.Join(draftID, member)
		if err != nil {
			return models.PresenceSnapshot{}, err
		}
		sessionID := res.Member.SessionID
		if !out.Send(models.SnapshotEvent(res.Snapshot)) {
			c.observer.DeliveryDropped(draftID)
			c.applyLeave(draftID, sessionID, ReasonSendFailed)
			return models.PresenceSnapshot{}, ErrOutboxClosed
		}
		c.attach(draftID, sessionID, out)

		joined := models.JoinedEvent(models.PresenceJoined{
			PresenceMember: res.Member,
			DraftID:        draftID,
			Version:        res.Snapshot.Version,
		})
		c.broadcast(draftID, sessionID, joined)
		c.observer.MemberJoined(draftID, res.Replaced)
		c.observer.ActiveDrafts(c.registry.Len())
		c.notify(Change{DraftID: draftID, Event: joined, Snapshot: res.Snapshot})

		c.logger.Info("presence joined",
			"component", componentName,
			"operation", "join",
			"draft_id", draftID,
			"session_id", sessionID,
			"actor_id", res.Member.ActorID,
			"version", res.Snapshot.Version,
			"members", len(res.Snapshot.Members),
			"replaced", res.Replaced,
		)
		return res.Snapshot, nil
	})
}

// Leave removes sessionID from draftID and tells the remaining members.
// Leaving twice, or leaving a draft that was never joined, is a no-op.
func (c *Channel) Leave(ctx context.Context, draftID, sessionID, reason string) (bool, error) {
	draftID = strings.TrimSpace(draftID)
	if draftID == "" {
		return false, nil
	}
	return serializer.Submit(ctx, c.queue, QueueKey(draftID), func(context.Context) (bool, error) {
		return c.applyLeave(draftID, sessionID, reason), nil
	})
}

// Expire removes sessionID if it has not been seen since cutoff and closes
// its outbox. A heartbeat that lands before the serialized check wins.
func (c *Channel) Expire(ctx context.Context, ref SessionRef, cutoff time.Time) (bool, error) {
	return serializer.Submit(ctx, c.queue, QueueKey(ref.DraftID), func(context.Context) (bool, error) {
		dep, ok := c.registry.LeaveIfStale(ref.DraftID, ref.SessionID, cutoff)
		if !ok {
			return false, nil
		}
		out := c.detach(ref.DraftID, ref.SessionID)
		c.announceLeave(dep, ReasonStale)
		if out != nil {
			out.Close()
		}
		return true, nil
	})
}

// Heartbeat refreshes the liveness of sessionID on draftID.
func (c *Channel) Heartbeat(draftID, sessionID string) bool {
	return c.registry.Touch(draftID, sessionID, c.now().UTC())
}

// applyLeave runs inside the draft's serialized section.
func (c *Channel) applyLeave(draftID, sessionID, reason string) bool {
	c.detach(draftID, sessionID)
	dep, ok := c.registry.Leave(draftID, sessionID)
	if !ok {
		return false
	}
	c.announceLeave(dep, reason)
	return true
}

func (c *Channel) announceLeave(dep Departure, reason string) {
	left := models.LeftEvent(models.PresenceLeft{
		DraftID:   dep.DraftID,
		Version:   dep.Version,
		SessionID: dep.Member.SessionID,
	})
	c.broadcast(dep.DraftID, dep.Member.SessionID, left)
	c.observer.MemberLeft(dep.DraftID, reason)
	c.observer.ActiveDrafts(c.registry.Len())
	snapshot, _ := c.registry.Snapshot(dep.DraftID)
	c.notify(Change{DraftID: dep.DraftID, Event: left, Reason: reason, Snapshot: snapshot})

	c.logger.Info("presence left",
		"component", componentName,
		"operation", "leave",
		"draft_id", dep.DraftID,
		"session_id", dep.Member.SessionID,
		"actor_id", dep.Member.ActorID,
		"version", dep.Version,
		"remaining", dep.Remaining,
		"reason", reason,
	)
}

// broadcast sends evt to every member of draftID except skipSessionID. A member
// whose outbox is full is disconnected and scheduled for leave.
func (c *Channel) broadcast(draftID, skipSessionID string, evt models.Event) {
	type target struct {
		sessionID string
		out       Outbox
	}
	c.mu.Lock()
	group := c.groups[draftID]
	targets := make([]target, 0, len(group))
	for sessionID, out := range group {
		if sessionID == skipSessionID {
			continue
		}
		targets = append(targets, target{sessionID: sessionID, out: out})
	}
	c.mu.Unlock()

	for _, t := range targets {
		if t.out.Send(evt) {
			continue
		}
		c.observer.DeliveryDropped(draftID)
		c.logger.Warn("presence delivery dropped",
			"component", componentName,
			"operation", "broadcast",
			"draft_id", draftID,
			"session_id", t.sessionID,
			"event", string(evt.Type),
		)
		t.out.Close()
		// The leave is queued behind the running task for this draft.
		go func(sessionID string) {
			_, _ = c.Leave(context.Background(), draftID, sessionID, ReasonSlowConsumer)
		}(t.sessionID)
	}
}

func (c *Channel) attach(draftID, sessionID string, out Outbox) {
	c.mu.Lock()
	defer c.mu.Unlock()
	group, ok := c.groups[draftID]
	if !ok {
		group = make(map[string]Outbox)
		c.groups[draftID] = group
	}
	group[sessionID] = out
}

func (c *Channel) detach(draftID, sessionID string) Outbox {
	c.mu.Lock()
	defer c.mu.Unlock()
	group, ok := c.groups[draftID]
	if !ok {
		return nil
	}
	out := group[sessionID]
	delete(group, sessionID)
	if len(group) == 0 {
		delete(c.groups, draftID)
	}
	return out
}

func (c *Channel) notify(change Change) {
	for _, sink := range c.sinks {
		sink.PresenceChanged(change)
	}
}

// GroupSize returns the number of attached outboxes for draftID.
func (c *Channel) GroupSize(draftID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups[draftID])
}
