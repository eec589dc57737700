package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/reviewroom/internal/auth"
	"github.com/manpreetbhatti/reviewroom/internal/bus"
	"github.com/manpreetbhatti/reviewroom/internal/metrics"
	"github.com/manpreetbhatti/reviewroom/internal/presence"
	"github.com/manpreetbhatti/reviewroom/internal/protocol"
)

const testSecret = "test-secret-key-for-rooms"

type fakeRooms struct {
	rooms map[string]bool
	err   error
}

func (f fakeRooms) RoomExists(_ context.Context, code string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.rooms[code], nil
}

type testEnv struct {
	server   *Server
	ts       *httptest.Server
	verifier *auth.Verifier
	store    presence.Store
}

func newTestEnv(t *testing.T, rooms RoomLookup) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return newEnvOn(t, client, rooms)
}

// newEnvOn builds a server whose presence lives in client. Servers built on
// the same client behave like instances of one deployment.
func newEnvOn(t *testing.T, client *redis.Client, rooms RoomLookup, hubOpts ...HubOption) *testEnv {
	t.Helper()

	m := metrics.NewNop()
	store := presence.NewRedisStore(client, time.Hour, zerolog.Nop(), m)
	verifier := auth.NewVerifier(testSecret)
	hub := NewHub(zerolog.Nop(), m, hubOpts...)
	srv := NewServer(verifier, rooms, store, hub, Options{}, zerolog.Nop(), m)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/room/{roomCode}", srv.ServeWs)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &testEnv{server: srv, ts: ts, verifier: verifier, store: store}
}

func defaultRooms() fakeRooms {
	return fakeRooms{rooms: map[string]bool{"AB12CD": true}}
}

func (e *testEnv) token(t *testing.T, userID int64, username string, ttl time.Duration) string {
	t.Helper()
	token, err := e.verifier.Issue(auth.Identity{UserID: userID, Username: username}, ttl)
	require.NoError(t, err)
	return token
}

func (e *testEnv) dial(t *testing.T, room, token string) *websocket.Conn {
	t.Helper()

	u := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws/room/" + room
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// join connects a user and consumes the greeting.
func (e *testEnv) join(t *testing.T, room string, userID int64, username string) (*websocket.Conn, protocol.Welcome) {
	t.Helper()
	conn := e.dial(t, room, e.token(t, userID, username, time.Hour))
	return conn, readWelcome(t, conn)
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func readWelcome(t *testing.T, conn *websocket.Conn) protocol.Welcome {
	t.Helper()
	var w protocol.Welcome
	require.NoError(t, json.Unmarshal(readFrame(t, conn), &w))
	require.Equal(t, protocol.TypeWelcome, w.Type)
	return w
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	env, err := protocol.DecodeEnvelope(readFrame(t, conn))
	require.NoError(t, err)
	return env
}

func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
		return closeErr.Code
	}
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", data)
	var netErr net.Error
	assert.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected timeout, got %v", err)
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func TestRoomScenario(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, defaultRooms())

	u1, welcome := env.join(t, "AB12CD", 1, "alice")
	assert.Equal(t, "AB12CD", welcome.RoomCode)
	assert.Equal(t, []string{}, welcome.OnlineUsers)

	u2, welcome := env.join(t, "AB12CD", 2, "bob")
	assert.Equal(t, []string{"1"}, welcome.OnlineUsers)

	joined := readEnvelope(t, u1)
	assert.Equal(t, protocol.JoinRoom, joined.Type)
	assert.Equal(t, int64(2), joined.SenderID)
	assert.Equal(t, "bob", joined.SenderUsername)
	member, ok := joined.Payload.(protocol.MemberPayload)
	require.True(t, ok)
	assert.Equal(t, int64(2), member.UserID)

	send(t, u2, `{"type":"COMMENT_ADD","payload":{"filePath":"a.go","lineNumber":10,"content":"fix this"}}`)

	comment := readEnvelope(t, u1)
	assert.Equal(t, protocol.CommentAdd, comment.Type)
	assert.Equal(t, "AB12CD", comment.RoomCode)
	assert.Equal(t, int64(2), comment.SenderID)
	assert.NotEmpty(t, comment.MessageID)
	payload, ok := comment.Payload.(protocol.CommentPayload)
	require.True(t, ok)
	assert.Equal(t, "a.go", payload.FilePath)
	assert.Equal(t, 10, payload.LineNumber)
	assert.Equal(t, "fix this", payload.Content)

	// The sender never sees its own message.
	expectSilence(t, u2)
	u2.Close()

	left := readEnvelope(t, u1)
	assert.Equal(t, protocol.LeaveRoom, left.Type)
	member, ok = left.Payload.(protocol.MemberPayload)
	require.True(t, ok)
	assert.Equal(t, int64(2), member.UserID)

	require.Eventually(t, func() bool {
		return !env.store.IsMember(ctx, "AB12CD", 2)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1}, env.store.ListMembers(ctx, "AB12CD"))
	assert.Equal(t, 1, env.server.Registry().Count("AB12CD"))
}

func TestMalformedFramesKeepConnectionOpen(t *testing.T) {
	env := newTestEnv(t, defaultRooms())

	u1, _ := env.join(t, "AB12CD", 1, "alice")
	u2, _ := env.join(t, "AB12CD", 2, "bob")
	readEnvelope(t, u1) // bob joined

	send(t, u2, `not json`)
	send(t, u2, `{"payload":{}}`)
	send(t, u2, `{"type":"CODE_CURSOR"}`)
	send(t, u2, `{"type":"CODE_UPDATE","payload":{"content":"x"}}`)
	send(t, u2, `{"type":"DANCE","payload":{}}`)
	send(t, u2, `{"type":"JOIN_ROOM","payload":{"userId":99}}`)
	send(t, u2, `{"type":"CODE_CURSOR","payload":{"filePath":"main.go","line":3,"column":7,"color":"#f00"}}`)

	cursor := readEnvelope(t, u1)
	assert.Equal(t, protocol.CodeCursor, cursor.Type)
	payload, ok := cursor.Payload.(protocol.CursorPayload)
	require.True(t, ok)
	assert.Equal(t, protocol.CursorPayload{FilePath: "main.go", Line: 3, Column: 7, Color: "#f00"}, payload)

	assert.Equal(t, StateActive, env.server.Registry().Entries()[0].Client.State())
}

func TestExplicitLeave(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, defaultRooms())

	u1, _ := env.join(t, "AB12CD", 1, "alice")
	u2, _ := env.join(t, "AB12CD", 2, "bob")
	readEnvelope(t, u1)

	send(t, u2, `{"type":"LEAVE_ROOM"}`)
	assert.Equal(t, websocket.CloseNormalClosure, readCloseCode(t, u2))

	left := readEnvelope(t, u1)
	assert.Equal(t, protocol.LeaveRoom, left.Type)
	assert.Equal(t, int64(2), left.SenderID)
	expectSilence(t, u1)

	assert.False(t, env.store.IsMember(ctx, "AB12CD", 2))
	assert.Equal(t, 1, env.server.Registry().Count("AB12CD"))
}

func TestRejectedHandshakes(t *testing.T) {
	env := newTestEnv(t, defaultRooms())
	valid := env.token(t, 1, "alice", time.Hour)

	tests := []struct {
		name  string
		room  string
		token string
		code  int
	}{
		{"missing token", "AB12CD", "", CloseUnauthenticated},
		{"garbage token", "AB12CD", "not-a-jwt", CloseUnauthenticated},
		{"expired token", "AB12CD", env.token(t, 1, "alice", -time.Minute), CloseUnauthenticated},
		{"wrong secret", "AB12CD", mustIssue(t, auth.NewVerifier("another-secret-key-000"), 1), CloseUnauthenticated},
		{"unknown room", "NOPE00", valid, CloseRoomNotFound},
		{"malformed room code", "bad.code", valid, CloseRoomNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := env.dial(t, tt.room, tt.token)
			assert.Equal(t, tt.code, readCloseCode(t, conn))
		})
	}

	assert.Equal(t, Stats{}, env.server.Registry().Stats())
	assert.Equal(t, 0, env.server.Hub().ChannelCount())
	assert.Empty(t, env.store.ListMembers(context.Background(), "AB12CD"))
}

func mustIssue(t *testing.T, v *auth.Verifier, userID int64) string {
	t.Helper()
	token, err := v.Issue(auth.Identity{UserID: userID, Username: "mallory"}, time.Hour)
	require.NoError(t, err)
	return token
}

func TestRoomLookupFailure(t *testing.T) {
	env := newTestEnv(t, fakeRooms{err: errors.New("db is down")})

	conn := env.dial(t, "AB12CD", env.token(t, 1, "alice", time.Hour))
	assert.Equal(t, CloseInternal, readCloseCode(t, conn))
	assert.Equal(t, Stats{}, env.server.Registry().Stats())
}

func TestBearerHeaderToken(t *testing.T) {
	env := newTestEnv(t, defaultRooms())

	header := http.Header{}
	header.Set("Authorization", "Bearer "+env.token(t, 7, "carol", time.Hour))
	u := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/room/AB12CD"
	conn, _, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	defer conn.Close()

	welcome := readWelcome(t, conn)
	assert.Equal(t, "AB12CD", welcome.RoomCode)
	assert.True(t, env.store.IsMember(context.Background(), "AB12CD", 7))
}

func TestSameUserTwoConnections(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, defaultRooms())

	first, _ := env.join(t, "AB12CD", 1, "alice")
	second, _ := env.join(t, "AB12CD", 1, "alice")
	watcher, _ := env.join(t, "AB12CD", 2, "bob")

	first.Close()
	left := readEnvelope(t, watcher)
	assert.Equal(t, protocol.LeaveRoom, left.Type)
	assert.Equal(t, int64(1), left.SenderID)

	// The second tab keeps alice present.
	require.Eventually(t, func() bool {
		return env.server.Registry().Count("AB12CD") == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, env.store.IsMember(ctx, "AB12CD", 1))

	second.Close()
	require.Eventually(t, func() bool {
		return !env.store.IsMember(ctx, "AB12CD", 1)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChannelReleasedWhenRoomEmpties(t *testing.T) {
	env := newTestEnv(t, defaultRooms())

	u1, _ := env.join(t, "AB12CD", 1, "alice")
	u2, _ := env.join(t, "AB12CD", 2, "bob")
	assert.Equal(t, 1, env.server.Hub().ChannelCount())

	u1.Close()
	u2.Close()

	require.Eventually(t, func() bool {
		return env.server.Hub().ChannelCount() == 0 && env.server.Registry().Stats() == Stats{}
	}, 2*time.Second, 10*time.Millisecond)

	// Publishing into the released room is harmless.
	assert.NoError(t, env.server.Hub().Publish(context.Background(), "AB12CD", Delivery{Origin: "x", Data: []byte("{}")}))
	assert.Equal(t, 0, env.server.Hub().ChannelCount())
}

func TestShutdownClosesConnections(t *testing.T) {
	env := newTestEnv(t, defaultRooms())

	u1, _ := env.join(t, "AB12CD", 1, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(ctx))

	assert.Equal(t, websocket.CloseGoingAway, readCloseCode(t, u1))
	assert.Equal(t, Stats{}, env.server.Registry().Stats())

	late := env.dial(t, "AB12CD", env.token(t, 2, "bob", time.Hour))
	assert.Equal(t, websocket.CloseGoingAway, readCloseCode(t, late))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "room_validating", StateRoomValidating.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestCodeUpdateDeliveredOncePerPeer(t *testing.T) {
	env := newTestEnv(t, defaultRooms())

	u1, _ := env.join(t, "AB12CD", 1, "alice")
	u2, _ := env.join(t, "AB12CD", 2, "bob")
	readEnvelope(t, u1) // bob joined
	u3, _ := env.join(t, "AB12CD", 3, "carol")
	readEnvelope(t, u1) // carol joined
	readEnvelope(t, u2)

	send(t, u1, `{"type":"CODE_UPDATE","payload":{"filePath":"main.go","content":"x := 1","version":4,"operation":"INSERT","startLine":3,"endLine":3}}`)

	for _, peer := range []*websocket.Conn{u2, u3} {
		update := readEnvelope(t, peer)
		assert.Equal(t, protocol.CodeUpdate, update.Type)
		assert.Equal(t, int64(1), update.SenderID)
		assert.Equal(t, protocol.CodeUpdatePayload{
			FilePath:  "main.go",
			Content:   "x := 1",
			Version:   4,
			Operation: "INSERT",
			StartLine: 3,
			EndLine:   3,
		}, update.Payload)
		expectSilence(t, peer)
	}
	expectSilence(t, u1)
}

func TestRoomAcrossInstances(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	one := newEnvOn(t, client, defaultRooms(), WithBus(bus.NewRedisBus(client, zerolog.Nop())))
	two := newEnvOn(t, client, defaultRooms(), WithBus(bus.NewRedisBus(client, zerolog.Nop())))

	u1, _ := one.join(t, "AB12CD", 1, "alice")
	u2, welcome := two.join(t, "AB12CD", 2, "bob")
	assert.Equal(t, []string{"1"}, welcome.OnlineUsers)

	joined := readEnvelope(t, u1)
	assert.Equal(t, protocol.JoinRoom, joined.Type)
	assert.Equal(t, int64(2), joined.SenderID)

	send(t, u2, `{"type":"CODE_UPDATE","payload":{"filePath":"main.go","content":"y","version":1,"operation":"UPDATE","startLine":1,"endLine":1}}`)

	update := readEnvelope(t, u1)
	assert.Equal(t, protocol.CodeUpdate, update.Type)
	assert.Equal(t, int64(2), update.SenderID)
	expectSilence(t, u1)
	expectSilence(t, u2)

	u2.Close()
	left := readEnvelope(t, u1)
	assert.Equal(t, protocol.LeaveRoom, left.Type)
	require.Eventually(t, func() bool {
		return !one.store.IsMember(ctx, "AB12CD", 2)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, one.server.Registry().Count("AB12CD"))
	assert.Equal(t, 0, two.server.Registry().Count("AB12CD"))
}

// gatedRooms holds the room lookup until release is closed.
type gatedRooms struct {
	entered chan struct{}
	release chan struct{}
}

func (g gatedRooms) RoomExists(ctx context.Context, code string) (bool, error) {
	close(g.entered)
	select {
	case <-g.release:
		return code == "AB12CD", nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func TestShutdownWaitsForHandshakeInFlight(t *testing.T) {
	rooms := gatedRooms{entered: make(chan struct{}), release: make(chan struct{})}
	env := newTestEnv(t, rooms)

	conn := env.dial(t, "AB12CD", env.token(t, 1, "alice", time.Hour))
	<-rooms.entered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- env.server.Shutdown(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("shutdown returned with a handshake in flight: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	// The connection registers after shutdown listed the registry and must
	// still be closed.
	close(rooms.release)
	assert.Equal(t, websocket.CloseGoingAway, readCloseCode(t, conn))
	require.NoError(t, <-done)
	assert.Equal(t, Stats{}, env.server.Registry().Stats())
}
