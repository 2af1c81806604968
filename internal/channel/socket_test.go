package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soyeahso/backoffice/internal/domain"
	"github.com/soyeahso/backoffice/internal/logging"
	"github.com/soyeahso/backoffice/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logging.Logger {
	return logging.New(nil, "silent")
}

// fakeRelay speaks the server half of the protocol and records requests.
type fakeRelay struct {
	t     *testing.T
	srv   *httptest.Server
	token string

	mu       sync.Mutex
	conns    []*websocket.Conn
	connects int
	requests chan protocol.Frame
	reject   map[string]string // method → error code
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{
		t:        t,
		token:    "good",
		requests: make(chan protocol.Frame, 64),
		reject:   map[string]string{},
	}
	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.serve(conn)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *fakeRelay) serve(conn *websocket.Conn) {
	ch, _ := protocol.NewEvent(protocol.EventChallenge, protocol.Challenge{Nonce: "n", TS: 1}, 0)
	if conn.WriteJSON(ch) != nil {
		return
	}
	var req protocol.Frame
	if conn.ReadJSON(&req) != nil {
		return
	}
	var params protocol.ConnectParams
	_ = json.Unmarshal(req.Params, &params)
	if params.Auth == nil || params.Auth.Token != r.token {
		_ = conn.WriteJSON(protocol.NewErrorResponse(req.ID, protocol.ErrorShape{Code: "unauthorized", Message: "bad token"}))
		conn.Close()
		return
	}

	r.mu.Lock()
	r.connects++
	r.conns = append(r.conns, conn)
	r.mu.Unlock()

	hello, _ := protocol.NewResponse(req.ID, protocol.Hello{Protocol: protocol.Version, Server: "fake", ConnID: "conn-1"})
	r.write(conn, hello)

	for {
		var f protocol.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		r.requests <- f
		r.mu.Lock()
		code := r.reject[f.Method]
		r.mu.Unlock()
		if code != "" {
			r.write(conn, protocol.NewErrorResponse(f.ID, protocol.ErrorShape{Code: code, Message: "rejected"}))
			continue
		}
		res, _ := protocol.NewResponse(f.ID, map[string]bool{"ok": true})
		r.write(conn, res)
	}
}

func (r *fakeRelay) write(conn *websocket.Conn, f protocol.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = conn.WriteJSON(f)
}

// push sends an event to every live connection.
func (r *fakeRelay) push(event string, payload any) {
	f, err := protocol.NewEvent(event, payload, 1)
	require.NoError(r.t, err)
	r.mu.Lock()
	conns := append([]*websocket.Conn(nil), r.conns...)
	r.mu.Unlock()
	for _, c := range conns {
		r.write(c, f)
	}
}

// kill drops every live connection without a close frame.
func (r *fakeRelay) kill() {
	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.mu.Unlock()
	for _, c := range conns {
		c.UnderlyingConn().Close()
	}
}

func (r *fakeRelay) connectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

// next returns the next request with the given method, skipping others.
func (r *fakeRelay) next(method string) protocol.Frame {
	r.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-r.requests:
			if f.Method == method {
				return f
			}
		case <-deadline:
			r.t.Fatalf("no %s request received", method)
			return protocol.Frame{}
		}
	}
}

func (r *fakeRelay) drain() []protocol.Frame {
	var out []protocol.Frame
	for {
		select {
		case f := <-r.requests:
			out = append(out, f)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func dial(t *testing.T, r *fakeRelay, mutate ...func(*Options)) *Socket {
	t.Helper()
	opts := Options{URL: r.url(), Token: func() string { return "good" }}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := Dial(context.Background(), opts, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var agent = domain.Participant{Type: domain.SenderAgent, ID: "agent-1"}

func roomParams(t *testing.T, f protocol.Frame) protocol.RoomParams {
	t.Helper()
	var p protocol.RoomParams
	require.NoError(t, json.Unmarshal(f.Params, &p))
	return p
}

func recv[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("nothing received")
	}
	var zero T
	return zero
}

func TestDial_Handshake(t *testing.T) {
	r := newFakeRelay(t)
	s := dial(t, r)
	assert.Equal(t, "conn-1", s.ConnID())
	assert.True(t, s.Connected())
}

func TestDial_Unauthorized(t *testing.T) {
	r := newFakeRelay(t)
	_, err := Dial(context.Background(), Options{URL: r.url(), Token: func() string { return "nope" }}, testLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestDial_Unreachable(t *testing.T) {
	_, err := Dial(context.Background(), Options{URL: "ws://127.0.0.1:1/ws", HandshakeTimeout: time.Second}, testLogger())
	require.Error(t, err)
}

func TestJoin_SendsJoinChat(t *testing.T) {
	r := newFakeRelay(t)
	s := dial(t, r)

	sub, err := s.Join(context.Background(), "chat-1", agent, Handlers{})
	require.NoError(t, err)
	assert.Equal(t, "chat-1", sub.ChatID())

	p := roomParams(t, r.next(protocol.MethodJoinChat))
	assert.Equal(t, protocol.RoomParams{ChatID: "chat-1", UserType: domain.SenderAgent, UserID: "agent-1"}, p)
	assert.Equal(t, []string{"chat-1"}, s.Rooms())
}

func TestJoin_IdempotentReplacesHandlers(t *testing.T) {
	r := newFakeRelay(t)
	s := dial(t, r)

	first := make(chan domain.Message, 4)
	second := make(chan domain.Message, 4)
	sub1, err := s.Join(context.Background(), "chat-1", agent, Handlers{OnMessage: func(m domain.Message) { first <- m }})
	require.NoError(t, err)
	r.next(protocol.MethodJoinChat)

	sub2, err := s.Join(context.Background(), "chat-1", agent, Handlers{OnMessage: func(m domain.Message) { second <- m }})
	require.NoError(t, err)
	assert.Same(t, sub1, sub2)

	for _, f := range r.drain() {
		assert.NotEqual(t, protocol.MethodJoinChat, f.Method, "rejoin must not re-send joinChat")
	}

	r.push(protocol.EventNewMessage, protocol.NewMessagePayload{ChatID: "chat-1", Message: domain.Message{ID: "m1", Text: "hi"}})

	select {
	case m := <-second:
		assert.Equal(t, "m1", m.ID)
		assert.Equal(t, "chat-1", m.ConversationID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
	assert.Empty(t, first)
}

func TestJoin_Rejected(t *testing.T) {
	r := newFakeRelay(t)
	r.reject[protocol.MethodJoinChat] = "not_found"
	s := dial(t, r)

	_, err := s.Join(context.Background(), "ghost", agent, Handlers{})
	require.Error(t, err)
	var es *protocol.ErrorShape
	require.ErrorAs(t, err, &es)
	assert.Equal(t, "not_found", es.Code)
	assert.Empty(t, s.Rooms())
}

func TestDispatch_RoutesByChat(t *testing.T) {
	r := newFakeRelay(t)
	s := dial(t, r)

	typing := make(chan domain.Participant, 4)
	stopped := make(chan domain.Participant, 4)
	resolved := make(chan struct{}, 1)
	errs := make(chan error, 4)
	msgs := make(chan domain.Message, 4)
	_, err := s.Join(context.Background(), "chat-1", agent, Handlers{
		OnMessage:    func(m domain.Message) { msgs <- m },
		OnTyping:     func(p domain.Participant) { typing <- p },
		OnStopTyping: func(p domain.Participant) { stopped <- p },
		OnResolved:   func() { resolved <- struct{}{} },
		OnError:      func(err error) { errs <- err },
	})
	require.NoError(t, err)

	customer := protocol.RoomParams{ChatID: "chat-1", UserType: domain.SenderCustomer, UserID: "u1"}
	r.push(protocol.EventNewMessage, protocol.NewMessagePayload{ChatID: "other", Message: domain.Message{ID: "x"}})
	r.push(protocol.EventUserTyping, customer)
	r.push("stopTyping", customer)
	r.push(protocol.EventError, protocol.ErrorPayload{Message: "boom"})
	r.push(protocol.EventChatResolved, protocol.ChatResolvedPayload{ChatID: "chat-1"})

	want := domain.Participant{Type: domain.SenderCustomer, ID: "u1"}
	assert.Equal(t, want, recv(t, typing))
	assert.Equal(t, want, recv(t, stopped), "stopTyping alias")

	select {
	case err := <-errs:
		var re *RemoteError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, "boom", re.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("error not delivered")
	}
	select {
	case <-resolved:
	case <-time.After(2 * time.Second):
		t.Fatal("resolved not delivered")
	}
	assert.Empty(t, msgs, "events for unjoined chats are dropped")
}

func TestSubscription_TypingAndClose(t *testing.T) {
	r := newFakeRelay(t)
	s := dial(t, r)

	sub, err := s.Join(context.Background(), "chat-1", agent, Handlers{})
	require.NoError(t, err)
	r.next(protocol.MethodJoinChat)

	require.NoError(t, sub.Typing(context.Background()))
	assert.Equal(t, "chat-1", roomParams(t, r.next(protocol.MethodTyping)).ChatID)

	require.NoError(t, sub.Close(context.Background()))
	stop := r.next(protocol.MethodStopTyping)
	assert.Equal(t, "agent-1", roomParams(t, stop).UserID)
	r.next(protocol.MethodLeaveChat)

	assert.Empty(t, s.Rooms())
	assert.ErrorIs(t, sub.Typing(context.Background()), ErrClosed)
	assert.NoError(t, sub.Close(context.Background()))
}

func TestClose_DetachesAndRejects(t *testing.T) {
	r := newFakeRelay(t)
	s := dial(t, r)
	sub, err := s.Join(context.Background(), "chat-1", agent, Handlers{})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not stop")
	}
	assert.False(t, s.Connected())
	assert.Empty(t, s.Rooms())
	assert.ErrorIs(t, sub.Typing(context.Background()), ErrClosed)

	_, err = s.Join(context.Background(), "chat-2", agent, Handlers{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReconnect_RejoinsRooms(t *testing.T) {
	r := newFakeRelay(t)
	s := dial(t, r, func(o *Options) {
		o.Reconnect = true
		o.ReconnectMax = 100 * time.Millisecond
	})

	disconnected := make(chan error, 4)
	reconnected := make(chan struct{}, 4)
	_, err := s.Join(context.Background(), "chat-1", agent, Handlers{
		OnError:     func(err error) { disconnected <- err },
		OnReconnect: func() { reconnected <- struct{}{} },
	})
	require.NoError(t, err)
	r.next(protocol.MethodJoinChat)

	r.kill()

	select {
	case err := <-disconnected:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("did not reconnect")
	}

	assert.Equal(t, "chat-1", roomParams(t, r.next(protocol.MethodJoinChat)).ChatID)
	assert.Equal(t, 2, r.connectCount())
}

func TestNoReconnect_StopsReading(t *testing.T) {
	r := newFakeRelay(t)
	s := dial(t, r)

	r.kill()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not stop")
	}
	assert.False(t, s.Connected())
	_, err := s.Join(context.Background(), "chat-1", agent, Handlers{})
	assert.ErrorIs(t, err, ErrDisconnected)
}
