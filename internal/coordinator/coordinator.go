// Package coordinator is the entry point for draft mutation handlers and the
// owner of the presence components of one process.
package coordinator

import (
	"context"
	"log/slog"
	"time"

	"draft-collab/go-backend/internal/presence"
	"draft-collab/go-backend/internal/serializer"
	"draft-collab/go-backend/pkg/models"
)

// MutationKey is the serializer key for mutations of draftID. It is distinct
// from the presence key so membership traffic never waits behind edits.
func MutationKey(draftID string) string {
	return "draft:" + draftID
}

type Config struct {
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
}

type Option func(*options)

type options struct {
	logger             *slog.Logger
	serializerObserver serializer.Observer
	presenceObserver   presence.Observer
	sinks              []presence.Sink
	registry           *presence.Registry
	now                func() time.Time
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithSerializerObserver(obs serializer.Observer) Option {
	return func(o *options) { o.serializerObserver = obs }
}

func WithPresenceObserver(obs presence.Observer) Option {
	return func(o *options) { o.presenceObserver = obs }
}

func WithSink(sink presence.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sink) }
}

// WithRegistry makes the coordinator use registry instead of a new one.
func WithRegistry(registry *presence.Registry) Option {
	return func(o *options) { o.registry = registry }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

type Coordinator struct {
	queue    *serializer.Serializer
	registry *presence.Registry
	channel  *presence.Channel
	reaper   *presence.Reaper
	logger   *slog.Logger
}

func New(cfg Config, opts ...Option) *Coordinator {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	serializerOpts := []serializer.Option{
		serializer.WithLogger(o.logger),
		serializer.WithObserver(o.serializerObserver),
		serializer.WithClock(o.now),
	}
	queue := serializer.New(serializerOpts...)

	channelOpts := []presence.ChannelOption{
		presence.WithChannelLogger(o.logger),
		presence.WithChannelObserver(o.presenceObserver),
		presence.WithChannelClock(o.now),
	}
	for _, sink := range o.sinks {
		channelOpts = append(channelOpts, presence.WithSink(sink))
	}
	registry := o.registry
	if registry == nil {
		registry = presence.NewRegistry()
	}
	channel := presence.NewChannel(registry, queue, channelOpts...)

	return &Coordinator{
		queue:    queue,
		registry: registry,
		channel:  channel,
		reaper:   presence.NewReaper(channel, cfg.HeartbeatInterval, cfg.StaleAfter, o.logger),
		logger:   o.logger,
	}
}

// Submit runs task after every task previously submitted for draftID and
// returns exactly the task's own outcome.
func Submit[T any](ctx context.Context, c *Coordinator, draftID string, task func(context.Context) (T, error)) (T, error) {
	draftID, err := models.NormalizeDraftID(draftID)
	if err != nil {
		var zero T
		return zero, err
	}
	return serializer.Submit(ctx, c.queue, MutationKey(draftID), task)
}

// Do is Submit for tasks without a result value.
func (c *Coordinator) Do(ctx context.Context, draftID string, task func(context.Context) error) error {
	draftID, err := models.NormalizeDraftID(draftID)
	if err != nil {
		return err
	}
	return c.queue.Do(ctx, MutationKey(draftID), task)
}

// PendingMutations returns the queued plus running mutations for draftID.
func (c *Coordinator) PendingMutations(draftID string) int {
	return c.queue.Pending(MutationKey(draftID))
}

func (c *Coordinator) Channel() *presence.Channel { return c.channel }

func (c *Coordinator) Registry() *presence.Registry { return c.registry }

func (c *Coordinator) Serializer() *serializer.Serializer { return c.queue }

func (c *Coordinator) Reaper() *presence.Reaper { return c.reaper }

// Run expires silent members until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	c.reaper.Run(ctx)
}

// Shutdown stops accepting work and waits for queued tasks.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	return c.queue.Shutdown(ctx)
}
