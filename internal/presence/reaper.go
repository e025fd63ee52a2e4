package presence

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultStaleAfter        = 45 * time.Second
)

// Reaper removes members whose connection died without a close signal.
// A member that has not refreshed LastSeenAt within StaleAfter is treated
// as departed.
type Reaper struct {
	channel    *Channel
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

func NewReaper(channel *Channel, interval, staleAfter time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if staleAfter < interval {
		staleAfter = interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		channel:    channel,
		interval:   interval,
		staleAfter: staleAfter,
		now:        channel.now,
		logger:     logger,
	}
}

func (r *Reaper) Interval() time.Duration { return r.interval }
func (r *Reaper) StaleAfter() time.Duration { return r.staleAfter }

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep expires every stale member once and returns how many were removed.
func (r *Reaper) Sweep(ctx context.Context) int {
	cutoff := r.now().UTC().Add(-r.staleAfter)
	removed := 0
	for _, ref := range r.channel.registry.Stale(cutoff) {
		ok, err := r.channel.Expire(ctx, ref, cutoff)
		if err != nil {
			r.logger.Warn("presence expire failed",
				"component", componentName,
				"operation", "sweep",
				"draft_id", ref.DraftID,
				"session_id", ref.SessionID,
				"error", err.Error(),
			)
			continue
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("presence sweep",
			"component", componentName,
			"operation", "sweep",
			"removed", removed,
			"cutoff", cutoff,
		)
	}
	return removed
}
