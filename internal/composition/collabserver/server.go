// Package collabserver wires the collaboration coordinator, its transports
// and its supporting infrastructure from one Config.
package collabserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"draft-collab/go-backend/internal/adapters/rpc"
	"draft-collab/go-backend/internal/app"
	"draft-collab/go-backend/internal/config"
	"draft-collab/go-backend/internal/coordinator"
	"draft-collab/go-backend/internal/metrics"
	"draft-collab/go-backend/internal/presence"
	"draft-collab/go-backend/internal/presence/mirror"
	"draft-collab/go-backend/internal/transport/ws"
)

const componentName = "collabserver"

type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	coord   *coordinator.Coordinator
	hub     *app.NotificationHub
	metrics *metrics.Collector
	ws      *ws.Handler
	rpc     *rpc.Server
	mirror  *mirror.Mirror
	redis   *mirror.RedisStore
	mux     *http.ServeMux
	http    *http.Server
}

// New builds every component. ctx bounds the initial redis connection only.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		hub:     app.NewNotificationHub(cfg.RPC.NotificationBacklog),
		mux:     http.NewServeMux(),
	}

	coordOpts := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithSerializerObserver(s.metrics),
		coordinator.WithPresenceObserver(s.metrics),
		coordinator.WithSink(app.NewPresenceSink(s.hub)),
	}
	registry := presence.NewRegistry()
	coordOpts = append(coordOpts, coordinator.WithRegistry(registry))
	if cfg.Redis.URL != "" {
		store, err := mirror.NewRedisStore(ctx, cfg.Redis.URL, cfg.Redis.Prefix, cfg.Redis.TTL)
		if err != nil {
			return nil, fmt.Errorf("presence mirror: %w", err)
		}
		s.redis = store
		s.mirror = mirror.New(store, cfg.Redis.QueueSize,
			mirror.WithLogger(logger),
			mirror.WithObserver(s.metrics),
			mirror.WithRefresh(registry, store.TTL()/2),
		)
		coordOpts = append(coordOpts, coordinator.WithSink(s.mirror))
	}
	s.coord = coordinator.New(coordinatorConfig(cfg), coordOpts...)

	s.ws = ws.NewHandler(s.coord.Channel(), wsConfig(cfg), ws.WithLogger(logger), ws.WithObserver(s.metrics))
	s.mux.Handle("/ws", s.ws)

	if cfg.RPC.Enabled {
		token, err := rpc.ResolveToken(cfg.RPC.Token, cfg.RPC.RotateTokenOnStart, cfg.RPC.TokenFile)
		if err != nil {
			s.closeRedis()
			return nil, err
		}
		requireToken := cfg.RequireRPCToken()
		if requireToken && token == "" {
			s.closeRedis()
			return nil, errors.New("COLLAB_RPC_TOKEN is required unless COLLAB_REQUIRE_RPC_TOKEN=false or COLLAB_ENV is test/development/local")
		}
		s.rpc = rpc.NewServer(rpc.Service{
			Presence:      s.coord.Registry(),
			Serializer:    s.coord.Serializer(),
			Notifications: s.hub,
		}, rpcConfig(cfg, token, requireToken), logger)
		s.rpc.Register(s.mux)
	} else {
		s.mux.HandleFunc("/healthz", healthz)
	}
	if cfg.Server.MetricsEnabled {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}

	s.http = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return s, nil
}

func coordinatorConfig(cfg config.Config) coordinator.Config {
	return coordinator.Config{
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		StaleAfter:        cfg.Presence.StaleAfter,
	}
}

func wsConfig(cfg config.Config) ws.Config {
	p := cfg.Presence
	return ws.Config{
		PingInterval:           p.HeartbeatInterval,
		PongWait:               p.StaleAfter,
		WriteTimeout:           p.WriteTimeout,
		OutboxSize:             p.OutboxSize,
		MaxMessageBytes:        p.MaxMessageBytes,
		MessagesPerSecond:      p.MessagesPerSecond,
		MessageBurst:           p.MessageBurst,
		MaxConnections:         p.MaxConnections,
		MaxConnectionsPerActor: p.MaxConnectionsPerActor,
		AllowedOrigins:         p.AllowedOrigins,
	}
}

func rpcConfig(cfg config.Config, token string, requireToken bool) rpc.Config {
	out := rpc.Config{
		Token:              token,
		RequireToken:       requireToken,
		AllowNullOrigin:    cfg.RPC.AllowNullOrigin,
		StreamMaxGlobal:    cfg.RPC.StreamMaxGlobal,
		StreamMaxPerClient: cfg.RPC.StreamMaxPerClient,
		KeepAlive:          cfg.RPC.KeepAlive,
	}
	if cfg.RPCRateLimited() {
		out.RateLimitRPS = cfg.RPC.RateLimitRPS
		out.RateLimitBurst = cfg.RPC.RateLimitBurst
	}
	return out
}

func healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) Coordinator() *coordinator.Coordinator {
	return s.coord
}

func (s *Server) Notifications() *app.NotificationHub {
	return s.hub
}

func (s *Server) Metrics() *metrics.Collector {
	return s.metrics
}

// Run listens on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		s.closeRedis()
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the background workers and serves ln until ctx is done, then
// shuts down in dependency order: HTTP, websocket sessions, workers, the
// serializer, and finally the redis client.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		s.coord.Run(workerCtx)
	}()
	if s.mirror != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			s.mirror.Run(workerCtx)
		}()
	}

	s.logger.Info("collaboration server listening",
		"component", componentName,
		"operation", "serve",
		"addr", ln.Addr().String(),
		"rpc_enabled", s.rpc != nil,
		"mirror_enabled", s.mirror != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		err := s.http.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var serveErr error
	served := false
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		served = true
	}

	timeout := s.cfg.Server.ShutdownTimeout + s.cfg.Serializer.DrainTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var errs []error
	if serveErr != nil {
		errs = append(errs, serveErr)
	}
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if !served {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.ws.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("websocket shutdown: %w", err))
	}
	stopWorkers()
	workers.Wait()
	if err := s.coord.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("serializer drain: %w", err))
	}
	s.closeRedis()

	s.logger.Info("collaboration server stopped", "component", componentName, "operation", "shutdown")
	return errors.Join(errs...)
}

func (s *Server) closeRedis() {
	if s.redis == nil {
		return
	}
	if err := s.redis.Close(); err != nil {
		s.logger.Warn("redis close failed", "component", componentName, "operation", "shutdown", "error", err.Error())
	}
	s.redis = nil
}
