package presenceview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"draft-collab/go-backend/internal/transport/wire"
	"draft-collab/go-backend/pkg/models"
)

const defaultWriteTimeout = 10 * time.Second

var ErrClientClosed = errors.New("presence client closed")

type DialOptions struct {
	// Header carries identity headers such as X-Actor-ID.
	Header      http.Header
	Subprotocol string
	Dialer      *websocket.Dialer
	Logger      *slog.Logger
	// OnError receives ERROR frames sent by the server.
	OnError func(models.ErrorPayload)
}

// Client connects a View to a presence websocket endpoint.
type Client struct {
	conn    *websocket.Conn
	codec   wire.Codec
	view    *View
	logger  *slog.Logger
	onError func(models.ErrorPayload)

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

func Dial(ctx context.Context, url string, opts DialOptions) (*Client, error) {
	dialer := opts.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		dialer = &d
	}
	subprotocol := opts.Subprotocol
	if subprotocol == "" {
		subprotocol = wire.SubprotocolJSON
	}
	dialer.Subprotocols = []string{subprotocol}

	conn, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial presence endpoint: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial presence endpoint: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		conn:    conn,
		codec:   wire.ForSubprotocol(conn.Subprotocol()),
		view:    New(""),
		logger:  logger,
		onError: opts.OnError,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) View() *View {
	return c.view
}

// Join switches the view to draftID and asks the server to join it. Events
// still in flight for the previous draft are ignored by the view.
func (c *Client) Join(ctx context.Context, draftID string) error {
	c.view.Switch(draftID)
	return c.send(ctx, models.Event{Type: models.EventJoinDraft, Payload: models.JoinDraftPayload{DraftID: draftID}})
}

func (c *Client) Leave(ctx context.Context) error {
	draftID := c.view.DraftID()
	c.view.Switch("")
	return c.send(ctx, models.Event{Type: models.EventLeaveDraft, Payload: models.LeaveDraftPayload{DraftID: draftID}})
}

func (c *Client) Heartbeat(ctx context.Context) error {
	return c.send(ctx, models.Event{Type: models.EventHeartbeat, Payload: models.HeartbeatPayload{}})
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) send(ctx context.Context, evt models.Event) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	data, err := c.codec.Encode(evt)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	messageType := websocket.TextMessage
	if c.codec.Binary() {
		messageType = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) readLoop() {
	defer c.closeOnce.Do(func() { close(c.done) })
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.setErr(err)
			}
			return
		}
		evt, err := wire.DecodeEvent(c.codec, data)
		if err != nil {
			c.logger.Warn("presence client dropped frame", "error", err.Error())
			continue
		}
		if evt.Type == models.EventError {
			if c.onError != nil {
				c.onError(evt.Payload.(models.ErrorPayload))
			}
			continue
		}
		if err := c.view.Apply(evt); err != nil {
			c.logger.Debug("presence client ignored event",
				"event", string(evt.Type),
				"draft_id", evt.DraftOf(),
				"error", err.Error(),
			)
		}
	}
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}
