// Package ws serves the presence protocol over websockets.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"draft-collab/go-backend/internal/platform/ratelimiter"
	"draft-collab/go-backend/internal/presence"
	"draft-collab/go-backend/internal/transport/wire"
	"draft-collab/go-backend/pkg/models"
)

const componentName = "ws_transport"

type Config struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteTimeout    time.Duration
	OutboxSize      int
	MaxMessageBytes int64

	MessagesPerSecond float64
	MessageBurst      int

	MaxConnections         int
	MaxConnectionsPerActor int
	// AllowedOrigins is checked against the Origin header. Empty allows any
	// origin; "*" matches everything.
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		PingInterval:           presence.DefaultHeartbeatInterval,
		PongWait:               presence.DefaultStaleAfter,
		WriteTimeout:           10 * time.Second,
		OutboxSize:             64,
		MaxMessageBytes:        4 << 10,
		MessagesPerSecond:      20,
		MessageBurst:           40,
		MaxConnections:         4096,
		MaxConnectionsPerActor: 16,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 3
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = def.OutboxSize
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = def.MaxMessageBytes
	}
	return c
}

// Observer receives connection lifecycle counters.
type Observer interface {
	ConnectionOpened(subprotocol string)
	ConnectionClosed(subprotocol string)
	FrameRejected(code string)
}

type noopObserver struct{}

func (noopObserver) ConnectionOpened(string) {}
func (noopObserver) ConnectionClosed(string) {}
func (noopObserver) FrameRejected(string) {}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithObserver(o Observer) Option {
	return func(h *Handler) {
		if o != nil {
			h.observer = o
		}
	}
}

// WithSessionIDs replaces the session id generator.
func WithSessionIDs(next func() string) Option {
	return func(h *Handler) {
		if next != nil {
			h.newSessionID = next
		}
	}
}

// Handler upgrades requests to presence connections.
type Handler struct {
	channel  *presence.Channel
	cfg      Config
	upgrader websocket.Upgrader
	messages *ratelimiter.MapLimiter
	slots    *ratelimiter.SlotLimiter

	observer     Observer
	logger       *slog.Logger
	newSessionID func() string

	mu       sync.Mutex // protects sessions and closed
	sessions map[*session]struct{}
	closed   bool
	active   sync.WaitGroup
}

func NewHandler(channel *presence.Channel, cfg Config, opts ...Option) *Handler {
	cfg = cfg.normalized()
	h := &Handler{
		channel:      channel,
		cfg:          cfg,
		messages:     ratelimiter.New(cfg.MessagesPerSecond, cfg.MessageBurst, time.Minute),
		slots:        ratelimiter.NewSlotLimiter(cfg.MaxConnections, cfg.MaxConnectionsPerActor),
		observer:     noopObserver{},
		logger:       slog.Default(),
		newSessionID: uuid.NewString,
		sessions:     make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		Subprotocols:     wire.Subprotocols(),
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

// Connections returns the number of open connections.
func (h *Handler) Connections() int {
	return h.slots.InUse()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ident, err := identityFromRequest(r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, models.ErrInvalidActorID) {
			status = http.StatusUnauthorized
		}
		http.Error(w, err.Error(), status)
		return
	}
	release, ok := h.slots.Acquire(ident.ActorID)
	if !ok {
		h.logger.Warn("presence connection rejected",
			"component", componentName,
			"operation", "upgrade",
			"actor_id", ident.ActorID,
			"reason", "connection_limit",
		)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer release()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("presence upgrade failed",
			"component", componentName,
			"operation", "upgrade",
			"error", err.Error(),
		)
		return
	}
	s := newSession(h, conn, ident, h.newSessionID())
	if !h.track(s) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.cfg.WriteTimeout))
		_ = conn.Close()
		return
	}
	defer h.untrack(s)
	h.observer.ConnectionOpened(s.codec.Name())
	defer h.observer.ConnectionClosed(s.codec.Name())
	s.run(r.Context())
}

func (h *Handler) track(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s] = struct{}{}
	h.active.Add(1)
	return true
}

func (h *Handler) untrack(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	h.active.Done()
}

// Shutdown refuses new connections, closes the open ones and waits until
// each has left its draft.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	open := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	h.logger.Info("presence transport shutting down",
		"component", componentName,
		"operation", "shutdown",
		"connections", len(open),
	)
	for _, s := range open {
		s.Close()
	}

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (h *Handler) leave(draftID, sessionID, reason string) {
	if draftID == "" {
		return
	}
	// The connection context may already be cancelled; the leave must still run.
	if _, err := h.channel.Leave(context.Background(), draftID, sessionID, reason); err != nil {
		h.logger.Warn("presence leave failed",
			"component", componentName,
			"operation", "leave",
			"draft_id", draftID,
			"session_id", sessionID,
			"reason", reason,
			"error", err.Error(),
		)
	}
}
