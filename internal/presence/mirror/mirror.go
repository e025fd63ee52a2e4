// Package mirror copies the current presence of each draft to an external
// store so other services can read who is editing without joining.
//
// The mirror is a read model only: the coordinator never reads it back, and
// a lost write is repaired by the next change or refresh of that draft.
package mirror

import (
	"context"
	"log/slog"
	"time"

	"draft-collab/go-backend/internal/presence"
	"draft-collab/go-backend/pkg/models"
)

const componentName = "presence_mirror"

type Store interface {
	Put(ctx context.Context, snap models.PresenceSnapshot) error
	Delete(ctx context.Context, draftID string) error
}

// Source lists the live drafts for periodic refresh.
type Source interface {
	Drafts() []presence.DraftSummary
	Snapshot(draftID string) (models.PresenceSnapshot, bool)
}

type Observer interface {
	MirrorWrite(err error)
	MirrorDropped()
}

type noopObserver struct{}

func (noopObserver) MirrorWrite(error) {}
func (noopObserver) MirrorDropped() {}

type Option func(*Mirror)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Mirror) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithObserver(o Observer) Option {
	return func(m *Mirror) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithRefresh rewrites every live draft each interval so mirrored keys do
// not expire while a draft stays active without membership changes.
func WithRefresh(source Source, interval time.Duration) Option {
	return func(m *Mirror) {
		if source != nil && interval > 0 {
			m.source = source
			m.refresh = interval
		}
	}
}

type Mirror struct {
	store    Store
	queue    chan models.PresenceSnapshot
	source   Source
	refresh  time.Duration
	timeout  time.Duration
	observer Observer
	logger   *slog.Logger

	// written is the last version stored per draft. Only Run touches it.
	written map[string]uint64
}

func New(store Store, queueSize int, opts ...Option) *Mirror {
	if queueSize <= 0 {
		queueSize = 256
	}
	m := &Mirror{
		store:    store,
		queue:    make(chan models.PresenceSnapshot, queueSize),
		timeout:  2 * time.Second,
		observer: noopObserver{},
		logger:   slog.Default(),
		written:  make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PresenceChanged implements presence.Sink. It never blocks.
func (m *Mirror) PresenceChanged(change presence.Change) {
	snap := change.Snapshot
	snap.DraftID = change.DraftID
	snap.SessionID = ""
	select {
	case m.queue <- snap:
	default:
		m.observer.MirrorDropped()
		m.logger.Warn("presence mirror queue full",
			"component", componentName,
			"operation", "enqueue",
			"draft_id", change.DraftID,
		)
	}
}

// Run writes queued snapshots in order until ctx is done.
func (m *Mirror) Run(ctx context.Context) {
	var tick <-chan time.Time
	if m.source != nil {
		ticker := time.NewTicker(m.refresh)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-m.queue:
			m.write(ctx, snap)
		case <-tick:
			m.refreshAll(ctx)
		}
	}
}

// Pending returns the number of queued snapshots.
func (m *Mirror) Pending() int {
	return len(m.queue)
}

func (m *Mirror) refreshAll(ctx context.Context) {
	for _, d := range m.source.Drafts() {
		if snap, ok := m.source.Snapshot(d.DraftID); ok {
			m.write(ctx, snap)
		}
	}
}

// write stores snap unless a newer version of the draft was already
// written, which happens when a refresh overtakes queued changes.
func (m *Mirror) write(ctx context.Context, snap models.PresenceSnapshot) {
	if last, ok := m.written[snap.DraftID]; ok && snap.Version < last {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	var err error
	operation := "put"
	if len(snap.Members) == 0 {
		operation = "delete"
		err = m.store.Delete(wctx, snap.DraftID)
		delete(m.written, snap.DraftID)
	} else {
		err = m.store.Put(wctx, snap)
		m.written[snap.DraftID] = snap.Version
	}
	m.observer.MirrorWrite(err)
	if err != nil {
		m.logger.Warn("presence mirror write failed",
			"component", componentName,
			"operation", operation,
			"draft_id", snap.DraftID,
			"version", snap.Version,
			"error", err.Error(),
		)
	}
}
