package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"draft-collab/go-backend/internal/presence"
	"draft-collab/go-backend/internal/transport/wire"
	"draft-collab/go-backend/pkg/models"
)

// session is one websocket connection. The reader runs on the handler
// goroutine; a single writer goroutine owns every write to conn.
type session struct {
	h         *Handler
	conn      *websocket.Conn
	codec     wire.Codec
	ident     identity
	sessionID string

	// draftID is only touched by the reader.
	draftID string

	send      chan []byte
	closing   chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex // protects closed
	closed    bool
}

func newSession(h *Handler, conn *websocket.Conn, ident identity, sessionID string) *session {
	return &session{
		h:         h,
		conn:      conn,
		codec:     wire.ForSubprotocol(conn.Subprotocol()),
		ident:     ident,
		sessionID: sessionID,
		send:      make(chan []byte, h.cfg.OutboxSize),
		closing:   make(chan struct{}),
	}
}

// Send implements presence.Outbox. It never blocks.
func (s *session) Send(evt models.Event) bool {
	data, err := s.codec.Encode(evt)
	if err != nil {
		s.h.logger.Error("presence encode failed",
			"component", componentName,
			"operation", "send",
			"session_id", s.sessionID,
			"event", string(evt.Type),
			"error", err.Error(),
		)
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// Close implements presence.Outbox.
func (s *session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.closing)
	})
}

func (s *session) run(ctx context.Context) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	s.h.logger.Info("presence connection opened",
		"component", componentName,
		"operation", "connect",
		"session_id", s.sessionID,
		"actor_id", s.ident.ActorID,
		"subprotocol", s.codec.Name(),
	)

	s.readLoop(ctx)

	s.h.leave(s.draftID, s.sessionID, presence.ReasonDisconnect)
	s.Close()
	<-writerDone
	_ = s.conn.Close()
	s.h.messages.Forget(s.sessionID)

	s.h.logger.Info("presence connection closed",
		"component", componentName,
		"operation", "disconnect",
		"session_id", s.sessionID,
		"actor_id", s.ident.ActorID,
	)
}

func (s *session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(s.h.cfg.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.h.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return s.conn.SetReadDeadline(time.Now().Add(s.h.cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!isClosing(s.closing) {
				s.h.logger.Debug("presence read ended",
					"component", componentName,
					"operation", "read",
					"session_id", s.sessionID,
					"error", err.Error(),
				)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.h.cfg.PongWait))

		if !s.h.messages.Allow(s.sessionID, time.Now()) {
			s.reject(presence.CodeRateLimited, "too many messages")
			continue
		}
		evt, err := wire.DecodeEvent(s.codec, data)
		if err != nil {
			code := presence.CodeMalformedPayload
			if errors.Is(err, wire.ErrUnknownEvent) {
				code = presence.CodeUnknownEvent
			}
			s.reject(code, err.Error())
			continue
		}
		if !s.dispatch(ctx, evt) {
			return
		}
	}
}

// dispatch handles one client event and reports whether to keep reading.
func (s *session) dispatch(ctx context.Context, evt models.Event) bool {
	switch p := evt.Payload.(type) {
	case models.JoinDraftPayload:
		return s.join(ctx, p.DraftID)
	case models.LeaveDraftPayload:
		if s.draftID == "" || (p.DraftID != "" && p.DraftID != s.draftID) {
			s.reject(presence.CodeNotJoined, presence.ErrNotJoined.Error())
			return true
		}
		s.h.leave(s.draftID, s.sessionID, presence.ReasonClientLeave)
		s.draftID = ""
	case models.HeartbeatPayload:
		s.touch()
	default:
		s.reject(presence.CodeUnknownEvent, "event "+string(evt.Type)+" is not accepted from clients")
	}
	return true
}

func (s *session) join(ctx context.Context, draftID string) bool {
	draftID, err := models.NormalizeDraftID(draftID)
	if err != nil {
		s.reject(presence.CodeInvalidDraft, err.Error())
		return true
	}
	if s.draftID != "" && s.draftID != draftID {
		s.h.leave(s.draftID, s.sessionID, presence.ReasonSwitchDraft)
		s.draftID = ""
	}
	member := models.PresenceMember{
		ActorID:     s.ident.ActorID,
		SessionID:   s.sessionID,
		DisplayName: s.ident.DisplayName,
		Role:        s.ident.Role,
	}
	if _, err := s.h.channel.Join(ctx, draftID, member, s); err != nil {
		if code, ok := presence.IsProtocolError(err); ok {
			s.reject(code, err.Error())
			return true
		}
		s.h.logger.Warn("presence join failed",
			"component", componentName,
			"operation", "join",
			"draft_id", draftID,
			"session_id", s.sessionID,
			"error", err.Error(),
		)
		return false
	}
	s.draftID = draftID
	return true
}

func (s *session) touch() {
	if s.draftID != "" {
		s.h.channel.Heartbeat(s.draftID, s.sessionID)
	}
}

// reject answers the offending connection only.
func (s *session) reject(code, message string) {
	s.h.observer.FrameRejected(code)
	s.h.logger.Info("presence frame rejected",
		"component", componentName,
		"operation", "read",
		"session_id", s.sessionID,
		"code", code,
		"error", message,
	)
	s.Send(models.ErrorEvent(code, message))
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(s.h.cfg.PingInterval)
	defer ticker.Stop()
	messageType := websocket.TextMessage
	if s.codec.Binary() {
		messageType = websocket.BinaryMessage
	}
	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.h.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(messageType, data); err != nil {
				s.abort()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.h.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.abort()
				return
			}
		case <-s.closing:
			s.flush(messageType)
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.h.cfg.WriteTimeout))
			// Unblock the reader if the peer never answers the close frame.
			_ = s.conn.SetReadDeadline(time.Now().Add(s.h.cfg.WriteTimeout))
			return
		}
	}
}

// flush writes frames queued before the outbox was closed.
func (s *session) flush(messageType int) {
	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.h.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(messageType, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// abort tears the connection down after a write failure.
func (s *session) abort() {
	s.Close()
	_ = s.conn.Close()
}

func isClosing(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
