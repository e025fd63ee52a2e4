package app

import (
	"sync"
	"time"
)

const defaultSubscriberBuffer = 128

// NotificationEvent is one entry of the hub's sequenced stream.
type NotificationEvent struct {
	Seq       int64     `json:"seq"`
	Method    string    `json:"method"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// NotificationHub fans events out to stream subscribers and keeps a bounded
// history for cursor replay. A subscriber that falls behind is closed.
type NotificationHub struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	buffer  int
	history []NotificationEvent
	subs    map[int]chan NotificationEvent
	nextSub int
	now     func() time.Time
}

func NewNotificationHub(limit int) *NotificationHub {
	if limit < 1 {
		limit = 1
	}
	return &NotificationHub{
		limit:  limit,
		buffer: defaultSubscriberBuffer,
		subs:   make(map[int]chan NotificationEvent),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Publish never blocks.
func (h *NotificationHub) Publish(method string, payload any) NotificationEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	event := NotificationEvent{
		Seq:       h.nextSeq,
		Method:    method,
		Payload:   payload,
		Timestamp: h.now(),
	}
	h.history = append(h.history, event)
	if len(h.history) > h.limit {
		h.history = append([]NotificationEvent(nil), h.history[len(h.history)-h.limit:]...)
	}

	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}
	return event
}

// Subscribe returns the retained events after fromSeq and a live channel.
// The cancel func is safe to call more than once.
func (h *NotificationHub) Subscribe(fromSeq int64) ([]NotificationEvent, <-chan NotificationEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay := make([]NotificationEvent, 0)
	for _, event := range h.history {
		if event.Seq > fromSeq {
			replay = append(replay, event)
		}
	}

	id := h.nextSub
	h.nextSub++
	ch := make(chan NotificationEvent, h.buffer)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub)
			delete(h.subs, id)
		}
	}
	return replay, ch, cancel
}

func (h *NotificationHub) BacklogSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}

func (h *NotificationHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// LastSeq returns the sequence number of the newest event, 0 if none.
func (h *NotificationHub) LastSeq() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextSeq
}
