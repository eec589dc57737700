package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/reviewroom/internal/auth"
	"github.com/manpreetbhatti/reviewroom/internal/protocol"
	"github.com/manpreetbhatti/reviewroom/internal/ratelimit"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	bookkeepingWait = 5 * time.Second
)

// State is where a connection is in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateRoomValidating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateRoomValidating:
		return "room_validating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client owns one WebSocket connection. Only its write pump writes data
// frames; close frames go through WriteControl.
type Client struct {
	id       string
	room     string
	identity auth.Identity
	joinedAt time.Time

	server  *Server
	conn    *websocket.Conn
	sub     *Subscription
	limiter *ratelimit.Limiter
	logger  zerolog.Logger

	state  atomic.Int32
	active bool

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeCode int
	closeText string
	closeMu   sync.Mutex
	done      chan struct{}
}

func newClient(s *Server, conn *websocket.Conn, id, room string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:      id,
		room:    room,
		server:  s,
		conn:    conn,
		limiter: ratelimit.NewLimiter(s.opts.MessagesPerSecond, s.opts.MessageBurst),
		logger: s.logger.With().
			Str("conn_id", id).
			Str("room", room).
			Logger(),
		ctx:       ctx,
		cancel:    cancel,
		closeCode: websocket.CloseNormalClosure,
		done:      make(chan struct{}),
	}
	return c
}

func (c *Client) ID() string { return c.id }

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	c.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("State transition")
}

// closeWith records why the connection is closing, unless a reason was
// already recorded, and tears it down.
func (c *Client) closeWith(code int, text string) {
	c.closeMu.Lock()
	if c.closeText == "" {
		c.closeCode = code
		c.closeText = text
	}
	c.closeMu.Unlock()
	c.close()
}

// close runs teardown exactly once, whatever path got here.
func (c *Client) close() {
	c.closeOnce.Do(c.teardown)
}

func (c *Client) teardown() {
	defer close(c.done)

	c.setState(StateClosing)
	c.cancel()

	if c.active {
		s := c.server
		ctx, cancel := context.WithTimeout(context.Background(), bookkeepingWait)
		defer cancel()

		s.registry.Remove(c.room, c.id)

		if !s.registry.HasUser(c.room, c.identity.UserID) {
			if err := s.presence.RemoveMember(ctx, c.room, c.identity.UserID); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to remove presence entry")
			}
		}

		c.publish(ctx, protocol.LeaveRoom, c.memberPayload())
		s.hub.Unsubscribe(c.sub)
		s.metrics.ActiveConnections.Dec()
	}

	c.closeMu.Lock()
	code, text := c.closeCode, c.closeText
	c.closeMu.Unlock()

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeWait))
	c.conn.Close()

	c.setState(StateClosed)
	c.logger.Info().Int("code", code).Str("reason", text).Msg("Connection closed")
}

func (c *Client) memberPayload() protocol.MemberPayload {
	return protocol.MemberPayload{
		UserID:   c.identity.UserID,
		Username: c.identity.Username,
		JoinTime: protocol.NewTime(c.joinedAt),
	}
}

// publish stamps payload with this connection's identity and sends it to the room.
func (c *Client) publish(ctx context.Context, kind protocol.Kind, payload protocol.Payload) {
	env := protocol.NewEnvelope(kind, c.room, c.identity.UserID, c.identity.Username, payload)
	data, err := protocol.Encode(env)
	if err != nil {
		c.logger.Error().Err(err).Str("kind", string(kind)).Msg("Failed to encode envelope")
		return
	}

	if err := c.server.hub.Publish(ctx, c.room, Delivery{Origin: c.id, Data: data}); err != nil {
		c.logger.Error().Err(err).Str("kind", string(kind)).Msg("Failed to publish envelope")
		return
	}
	c.server.metrics.MessagesRelayed.WithLabelValues(string(kind)).Inc()
}

func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(c.server.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if !c.limiter.Allow() {
			if c.limiter.ShouldWarn() {
				c.logger.Warn().Int("violations", c.limiter.Violations()).Msg("Rate limit exceeded")
			}
			if c.limiter.Exceeded() {
				c.logger.Warn().Msg("Disconnecting for excessive rate limit violations")
				c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
				return
			}
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.server.metrics.DecodeFailures.Inc()
			c.logger.Warn().Err(err).Msg("Dropping undecodable frame")
			continue
		}

		if stop := c.dispatch(msg); stop {
			return
		}
	}
}

type handlerFunc func(c *Client, msg protocol.Message) (stop bool)

var handlers = map[protocol.Kind]handlerFunc{
	protocol.CodeUpdate:    relay,
	protocol.CodeCursor:    relay,
	protocol.CodeSelection: relay,
	protocol.CommentAdd:    relay,
	protocol.CommentUpdate: relay,
	protocol.CommentDelete: relay,

	protocol.LeaveRoom: leave,

	protocol.JoinRoom:           serverOnly,
	protocol.RoomMemberUpdate:   serverOnly,
	protocol.SystemNotification: serverOnly,
	protocol.Error:              serverOnly,
}

func (c *Client) dispatch(msg protocol.Message) bool {
	h, ok := handlers[msg.Kind]
	if !ok {
		c.logger.Warn().Str("kind", string(msg.Kind)).Msg("Ignoring unknown message kind")
		return false
	}
	return h(c, msg)
}

func relay(c *Client, msg protocol.Message) bool {
	c.publish(c.ctx, msg.Kind, msg.Payload)
	return false
}

// leave ends the session; teardown announces LEAVE_ROOM.
func leave(c *Client, _ protocol.Message) bool {
	c.closeWith(websocket.CloseNormalClosure, "left room")
	return true
}

func serverOnly(c *Client, msg protocol.Message) bool {
	c.logger.Warn().Str("kind", string(msg.Kind)).Msg("Ignoring server-only message kind from client")
	return false
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case d, ok := <-c.sub.C:
			if !ok {
				if errors.Is(c.sub.Err(), ErrChannelOverflow) {
					c.closeWith(websocket.CloseTryAgainLater, "subscriber too slow")
				}
				return
			}
			if d.Origin == c.id {
				continue
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, d.Data); err != nil {
				c.logger.Debug().Err(err).Msg("WebSocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeDirect sends a frame before the write pump starts.
func (c *Client) writeDirect(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
