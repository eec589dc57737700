package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/reviewroom/internal/auth"
	"github.com/manpreetbhatti/reviewroom/internal/logging"
	"github.com/manpreetbhatti/reviewroom/internal/metrics"
	"github.com/manpreetbhatti/reviewroom/internal/presence"
	"github.com/manpreetbhatti/reviewroom/internal/protocol"
	"github.com/manpreetbhatti/reviewroom/internal/ratelimit"
)

// ErrRoomNotFound is returned when a room code is malformed or unknown.
var ErrRoomNotFound = errors.New("room not found")

// Close codes sent when a handshake is rejected.
const (
	CloseUnauthenticated = websocket.ClosePolicyViolation
	CloseRoomNotFound    = 4404
	CloseInternal        = websocket.CloseInternalServerErr
)

const (
	roomLookupWait     = 5 * time.Second
	handshakesPerSec   = 10
	handshakeBurst     = 20
	defaultMaxMessage  = 1024 * 1024
	defaultRatePerSec  = 100
	defaultRateBurst   = 200
	pathRoomCodePrefix = "/ws/room/"
)

var roomCodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidRoomCode reports whether code can name a room. Codes are also used as
// Redis key and NATS subject suffixes.
func ValidRoomCode(code string) bool {
	return roomCodePattern.MatchString(code)
}

// TokenVerifier turns a bearer token into an identity.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// RoomLookup reports whether a room may be joined.
type RoomLookup interface {
	RoomExists(ctx context.Context, code string) (bool, error)
}

type Options struct {
	MaxMessageSize    int64
	MessagesPerSecond float64
	MessageBurst      int
}

func (o *Options) applyDefaults() {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessage
	}
	if o.MessagesPerSecond <= 0 {
		o.MessagesPerSecond = defaultRatePerSec
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = defaultRateBurst
	}
}

// Server accepts room connections and drives them through their lifecycle.
type Server struct {
	verifier TokenVerifier
	rooms    RoomLookup
	presence presence.Store
	registry *Registry
	hub      *Hub
	opts     Options
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	upgrader   websocket.Upgrader
	handshakes *ratelimit.KeyedLimiters

	// lifecycle orders wg.Add against Shutdown setting closing.
	lifecycle sync.Mutex
	closing   atomic.Bool
	wg        sync.WaitGroup
}

func NewServer(
	verifier TokenVerifier,
	rooms RoomLookup,
	store presence.Store,
	hub *Hub,
	opts Options,
	logger zerolog.Logger,
	m *metrics.Metrics,
) *Server {
	opts.applyDefaults()
	return &Server{
		verifier: verifier,
		rooms:    rooms,
		presence: store,
		registry: NewRegistry(),
		hub:      hub,
		opts:     opts,
		logger:   logging.Component(logger, "ws"),
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		handshakes: ratelimit.NewKeyedLimiters(handshakesPerSec, handshakeBurst),
	}
}

func (s *Server) Registry() *Registry { return s.registry }
func (s *Server) Hub() *Hub           { return s.hub }

// ServeWs handles GET /ws/room/{roomCode}. The upgrade always happens first so
// that rejections reach the client as close frames.
func (s *Server) ServeWs(w http.ResponseWriter, r *http.Request) {
	if !s.handshakes.Allow(remoteHost(r)) {
		s.metrics.HandshakeRejections.WithLabelValues("rate_limited").Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	roomCode := roomCodeFromRequest(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Upgrade failed")
		return
	}

	c := newClient(s, conn, uuid.NewString(), roomCode)
	c.setState(StateConnecting)

	if !s.track() {
		s.reject(c, websocket.CloseGoingAway, "shutdown", "server shutting down")
		return
	}
	defer s.wg.Done()

	c.setState(StateAuthenticating)
	token := auth.TokenFromRequest(r)
	if token == "" {
		s.reject(c, CloseUnauthenticated, "unauthenticated", "missing token")
		return
	}
	identity, err := s.verifier.Verify(token)
	if err != nil {
		c.logger.Info().Err(err).Msg("Token rejected")
		s.reject(c, CloseUnauthenticated, "unauthenticated", "invalid token")
		return
	}
	c.identity = identity
	c.logger = c.logger.With().Int64("user_id", identity.UserID).Logger()

	c.setState(StateRoomValidating)
	if err := s.checkRoom(r.Context(), roomCode); err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			s.reject(c, CloseRoomNotFound, "room_not_found", "room not found")
		} else {
			c.logger.Error().Err(err).Msg("Room lookup failed")
			s.reject(c, CloseInternal, "internal", "internal error")
		}
		return
	}

	s.activate(c)
}

// track counts a handshake in wg unless shutdown has begun.
func (s *Server) track() bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.closing.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) checkRoom(ctx context.Context, code string) error {
	if !ValidRoomCode(code) {
		return ErrRoomNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, roomLookupWait)
	defer cancel()

	exists, err := s.rooms.RoomExists(ctx, code)
	if err != nil {
		return fmt.Errorf("look up room %s: %w", code, err)
	}
	if !exists {
		return ErrRoomNotFound
	}
	return nil
}

func (s *Server) reject(c *Client, code int, reason, text string) {
	s.metrics.HandshakeRejections.WithLabelValues(reason).Inc()
	c.closeWith(code, text)
}

// activate registers the connection, greets it and starts its pumps.
func (s *Server) activate(c *Client) {
	ctx := c.ctx
	c.joinedAt = time.Now().UTC()

	c.sub = s.hub.Subscribe(ctx, c.room, c.id)
	c.active = true
	s.registry.Add(c.room, c.id, c.identity, c)
	s.metrics.ActiveConnections.Inc()
	c.setState(StateActive)

	meta := presence.Metadata{
		UserID:       c.identity.UserID,
		Username:     c.identity.Username,
		ConnectionID: c.id,
		JoinTime:     c.joinedAt,
	}
	if err := s.presence.AddMember(ctx, c.room, c.identity.UserID, meta); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to add presence entry")
	}

	// The greeting lists everyone else already in the room.
	var others []int64
	for _, id := range s.presence.ListMembers(ctx, c.room) {
		if id != c.identity.UserID {
			others = append(others, id)
		}
	}
	welcome, err := protocol.EncodeWelcome(protocol.NewWelcome(c.room, others))
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode welcome")
		c.closeWith(CloseInternal, "internal error")
		return
	}
	if err := c.writeDirect(welcome); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to send welcome")
		c.close()
		return
	}

	c.publish(ctx, protocol.JoinRoom, c.memberPayload())
	c.logger.Info().Str("username", c.identity.Username).Msg("Joined room")

	// Registered after Shutdown listed the registry.
	if s.closing.Load() {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump()
	}()
}

// Shutdown closes every connection with 1001 and waits for their pumps and
// any handshake still in flight.
func (s *Server) Shutdown(ctx context.Context) error {
	s.lifecycle.Lock()
	s.closing.Store(true)
	s.lifecycle.Unlock()
	defer s.handshakes.Stop()

	for _, entry := range s.registry.Entries() {
		entry.Client.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func roomCodeFromRequest(r *http.Request) string {
	if code := r.PathValue("roomCode"); code != "" {
		return code
	}
	return strings.TrimPrefix(r.URL.Path, pathRoomCodePrefix)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
