package rpc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"draft-collab/go-backend/internal/app"
	"draft-collab/go-backend/internal/platform/ratelimiter"
	"draft-collab/go-backend/internal/presence"
	"draft-collab/go-backend/internal/serializer"
	"draft-collab/go-backend/pkg/models"
)

const (
	tokenHeader      = "X-Collab-RPC-Token"
	defaultKeepAlive = 20 * time.Second
)

// PresenceReader is the read side of the presence registry.
type PresenceReader interface {
	Snapshot(draftID string) (models.PresenceSnapshot, bool)
	Drafts() []presence.DraftSummary
}

type SerializerStats interface {
	Stats() serializer.Stats
}

// NotificationSource replays events after a cursor and then streams live ones.
type NotificationSource interface {
	Subscribe(fromSeq int64) ([]app.NotificationEvent, <-chan app.NotificationEvent, func())
}

type Service struct {
	Presence      PresenceReader
	Serializer    SerializerStats
	Notifications NotificationSource
}

type Config struct {
	Token              string
	RequireToken       bool
	AllowNullOrigin    bool
	RateLimitRPS       float64
	RateLimitBurst     int
	StreamMaxGlobal    int
	StreamMaxPerClient int
	KeepAlive          time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequireToken:       true,
		RateLimitRPS:       30,
		RateLimitBurst:     60,
		StreamMaxGlobal:    128,
		StreamMaxPerClient: 8,
		KeepAlive:          defaultKeepAlive,
	}
}

type Server struct {
	service    Service
	cfg        Config
	rpcLimiter *ratelimiter.MapLimiter
	streams    *ratelimiter.SlotLimiter
	logger     *slog.Logger
	now        func() time.Time
}

func NewServer(svc Service, cfg Config, logger *slog.Logger) *Server {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	s := &Server{
		service:    svc,
		cfg:        cfg,
		rpcLimiter: ratelimiter.New(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute),
		streams:    ratelimiter.NewSlotLimiter(cfg.StreamMaxGlobal, cfg.StreamMaxPerClient),
		logger:     logger,
		now:        time.Now,
	}
	if s.cfg.Token == "" && !s.cfg.RequireToken {
		logger.Warn("rpc token is not set; RPC auth disabled", "component", "rpc")
	}
	return s
}

// Register mounts the RPC endpoints on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/rpc/stream", s.handleRPCStream)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleRPCStream(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorizeRPC(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.service.Notifications == nil {
		http.Error(w, "notifications are not available", http.StatusServiceUnavailable)
		return
	}
	clientKey := rpcRateLimitKey(r, s.extractRPCToken(r))
	release, allowed := s.streams.Acquire(clientKey)
	if !allowed {
		http.Error(w, "too many stream subscriptions", http.StatusTooManyRequests)
		return
	}
	defer release()
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming is not supported", http.StatusInternalServerError)
		return
	}

	cursor := int64(0)
	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = v
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	replay, ch, cancel := s.service.Notifications.Subscribe(cursor)
	defer cancel()

	for _, evt := range replay {
		if err := writeSSEEvent(w, evt); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.KeepAlive)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, evt app.NotificationEvent) error {
	notification := map[string]any{
		"jsonrpc": "2.0",
		"method":  evt.Method,
		"params": map[string]any{
			"version":   rpcNotificationVersion,
			"seq":       evt.Seq,
			"timestamp": evt.Timestamp,
			"payload":   evt.Payload,
		},
	}
	data, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\n", evt.Seq); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", string(data)); err != nil {
		return err
	}
	return nil
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" && !isAllowedOrigin(origin, s.cfg.AllowNullOrigin) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return false
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, "+tokenHeader+", Last-Event-ID")
	return true
}

func (s *Server) authorizeRPC(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.Token == "" && !s.cfg.RequireToken {
		return true
	}
	token := s.extractRPCToken(r)
	if s.cfg.Token == "" || token != s.cfg.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) extractRPCToken(r *http.Request) string {
	token := strings.TrimSpace(r.Header.Get(tokenHeader))
	if token != "" {
		return token
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

// isAllowedOrigin accepts loopback hosts only. The literal "null" origin is
// accepted when allowNull is set.
func isAllowedOrigin(raw string, allowNull bool) bool {
	if raw == "null" {
		return allowNull
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.TrimSpace(u.Hostname())
	if host == "" {
		return false
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
