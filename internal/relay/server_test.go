package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soyeahso/backoffice/internal/auth"
	"github.com/soyeahso/backoffice/internal/config"
	"github.com/soyeahso/backoffice/internal/domain"
	"github.com/soyeahso/backoffice/internal/hooks"
	"github.com/soyeahso/backoffice/internal/logging"
	"github.com/soyeahso/backoffice/internal/protocol"
	"github.com/soyeahso/backoffice/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "relay-test-secret"

func testLogger() *logging.Logger {
	return logging.New(nil, "silent")
}

type harness struct {
	srv   *Server
	ts    *httptest.Server
	chats *store.ConversationStore
	token string
}

func newHarness(t *testing.T, opts ...ServerOption) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "relay.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	chats := store.NewConversationStore(db)
	cfg := config.RelayConfig{
		Auth:     config.RelayAuth{Secret: testSecret},
		MediaDir: t.TempDir(),
	}
	srv, err := New(cfg, chats, testLogger(), opts...)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	srv.media.publicURL = ts.URL

	return &harness{srv: srv, ts: ts, chats: chats, token: signed(t, "agent-1", auth.RoleAdmin)}
}

func signed(t *testing.T, id string, role auth.Role) string {
	t.Helper()
	tok, err := auth.SignToken(auth.NewClaims(id, id+"@example.com", role, time.Hour), []byte(testSecret))
	require.NoError(t, err)
	return tok
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
}

func (h *harness) conversation(t *testing.T, name string) *domain.Conversation {
	t.Helper()
	conv, err := h.chats.Create(context.Background(), domain.Conversation{CustomerName: name, Category: "nutrition"})
	require.NoError(t, err)
	return conv
}

// wsConn is a raw protocol client used to drive the server directly.
type wsConn struct {
	t    *testing.T
	conn *websocket.Conn
	seq  int
}

func (h *harness) connect(t *testing.T, token string) (*wsConn, protocol.Frame) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	c := &wsConn{t: t, conn: conn}

	challenge := c.read()
	require.Equal(t, protocol.EventChallenge, challenge.Event)

	params := protocol.ConnectParams{Protocol: protocol.Version, Client: protocol.ClientInfo{ID: "test", Mode: "agent"}}
	if token != "" {
		params.Auth = &protocol.ConnectAuth{Token: token}
	}
	req, err := protocol.NewRequest("connect-1", protocol.MethodConnect, params)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))
	return c, c.read()
}

func (c *wsConn) read() protocol.Frame {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f protocol.Frame
	require.NoError(c.t, c.conn.ReadJSON(&f))
	return f
}

// call sends a request and returns its response, skipping any events that
// arrive first.
func (c *wsConn) call(method string, params any) protocol.Frame {
	c.t.Helper()
	c.seq++
	id := method + "-" + strconv.Itoa(c.seq)
	req, err := protocol.NewRequest(id, method, params)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(req))
	for {
		f := c.read()
		if f.Type == protocol.FrameTypeResponse && f.ID == id {
			return f
		}
	}
}

func (c *wsConn) event(name string) protocol.Frame {
	c.t.Helper()
	for {
		f := c.read()
		if f.Type == protocol.FrameTypeEvent && f.Event == name {
			return f
		}
	}
}

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New(config.RelayConfig{}, nil, testLogger())
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Nil(t, health.Build)
	assert.Zero(t, health.Clients)
}

func TestNotFoundEndpoint(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.ts.URL + "/nonexistent")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandshake_Success(t *testing.T) {
	h := newHarness(t)

	_, hello := h.connect(t, h.token)
	require.True(t, hello.Succeeded())

	var payload protocol.Hello
	require.NoError(t, json.Unmarshal(hello.Payload, &payload))
	assert.Equal(t, protocol.Version, payload.Protocol)
	assert.NotEmpty(t, payload.ConnID)
	assert.True(t, strings.HasPrefix(payload.Server, "backoffice-relay/"))
	assert.Contains(t, payload.Events, protocol.EventNewMessage)

	assert.Eventually(t, func() bool { return h.srv.Hub().Count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHandshake_Rejected(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"no token", ""},
		{"bad signature", func() string {
			tok, _ := auth.SignToken(auth.NewClaims("x", "x@example.com", auth.RoleAdmin, time.Hour), []byte("other"))
			return tok
		}()},
		{"garbage", "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, resp := h.connect(t, tt.token)
			assert.False(t, resp.Succeeded())
			require.NotNil(t, resp.Error)
			assert.Equal(t, "unauthorized", resp.Error.Code)
			assert.Zero(t, h.srv.Hub().Count())
		})
	}
}

func TestHandshake_RequiresConnectFirst(t *testing.T) {
	h := newHarness(t)
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(), nil)
	require.NoError(t, err)
	defer conn.Close()
	c := &wsConn{t: t, conn: conn}
	c.read()

	req, _ := protocol.NewRequest("1", protocol.MethodPing, nil)
	require.NoError(t, conn.WriteJSON(req))
	resp := c.read()
	require.NotNil(t, resp.Error)
	assert.Equal(t, "protocol_error", resp.Error.Code)
}

func TestHandshake_RateLimited(t *testing.T) {
	h := newHarness(t)
	for range authRateMaxFails {
		h.srv.authLimiter.recordFailure("127.0.0.1:1")
	}

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestRPC_JoinChat(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "Ada")
	c, _ := h.connect(t, h.token)

	resp := c.call(protocol.MethodJoinChat, protocol.RoomParams{ChatID: conv.ID, UserType: domain.SenderAgent, UserID: "agent-1"})
	assert.True(t, resp.Succeeded())
	assert.Len(t, h.srv.Hub().Members(conv.ID), 1)

	// Joining twice keeps one membership.
	resp = c.call(protocol.MethodJoinChat, protocol.RoomParams{ChatID: conv.ID, UserType: domain.SenderAgent, UserID: "agent-1"})
	assert.True(t, resp.Succeeded())
	assert.Len(t, h.srv.Hub().Members(conv.ID), 1)
}

func TestRPC_JoinChatErrors(t *testing.T) {
	h := newHarness(t)
	c, _ := h.connect(t, h.token)

	tests := []struct {
		name   string
		params protocol.RoomParams
		code   string
	}{
		{"unknown chat", protocol.RoomParams{ChatID: "missing", UserType: domain.SenderAgent, UserID: "a"}, "not_found"},
		{"missing chat id", protocol.RoomParams{UserType: domain.SenderAgent, UserID: "a"}, "invalid_params"},
		{"bad user type", protocol.RoomParams{ChatID: "c", UserType: "robot", UserID: "a"}, "invalid_params"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := c.call(protocol.MethodJoinChat, tt.params)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestRPC_TypingRequiresJoin(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "Ada")
	c, _ := h.connect(t, h.token)

	resp := c.call(protocol.MethodTyping, protocol.RoomParams{ChatID: conv.ID, UserType: domain.SenderAgent, UserID: "agent-1"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "not_joined", resp.Error.Code)
}

func TestRPC_TypingRelayedToOthers(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "Ada")
	agent, _ := h.connect(t, h.token)
	customer, _ := h.connect(t, signed(t, "cust-1", auth.RoleTeamMember))

	agentRoom := protocol.RoomParams{ChatID: conv.ID, UserType: domain.SenderAgent, UserID: "agent-1"}
	customerRoom := protocol.RoomParams{ChatID: conv.ID, UserType: domain.SenderCustomer, UserID: "cust-1"}
	require.True(t, agent.call(protocol.MethodJoinChat, agentRoom).Succeeded())
	require.True(t, customer.call(protocol.MethodJoinChat, customerRoom).Succeeded())

	resp := customer.call(protocol.MethodTyping, customerRoom)
	require.True(t, resp.Succeeded())

	ev := agent.event(protocol.EventUserTyping)
	var got protocol.RoomParams
	require.NoError(t, json.Unmarshal(ev.Payload, &got))
	assert.Equal(t, customerRoom, got)

	// Disconnecting announces the participant stopped typing.
	customer.conn.Close()
	ev = agent.event(protocol.EventUserStoppedTyping)
	require.NoError(t, json.Unmarshal(ev.Payload, &got))
	assert.Equal(t, customerRoom, got)
	assert.Eventually(t, func() bool { return len(h.srv.Hub().Members(conv.ID)) == 1 }, time.Second, 10*time.Millisecond)
}

func TestRPC_LeaveChat(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "Ada")
	c, _ := h.connect(t, h.token)
	room := protocol.RoomParams{ChatID: conv.ID, UserType: domain.SenderAgent, UserID: "agent-1"}

	require.True(t, c.call(protocol.MethodJoinChat, room).Succeeded())
	require.True(t, c.call(protocol.MethodLeaveChat, room).Succeeded())
	assert.Empty(t, h.srv.Hub().Members(conv.ID))
	assert.Zero(t, h.srv.Hub().RoomCount())
}

func TestRPC_PingAndUnknownMethod(t *testing.T) {
	h := newHarness(t)
	c, _ := h.connect(t, h.token)

	resp := c.call(protocol.MethodPing, nil)
	require.True(t, resp.Succeeded())
	var health HealthResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &health))
	assert.Equal(t, 1, health.Clients)
	require.NotNil(t, health.Build)

	resp = c.call("bogus", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "method_not_found", resp.Error.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.connect(t, h.token)
	h.connect(t, "nope")

	scrape := func() string {
		resp, err := http.Get(h.ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}
	assert.Eventually(t, func() bool {
		body := scrape()
		return strings.Contains(body, "backoffice_relay_connections 1") &&
			strings.Contains(body, "backoffice_relay_handshake_failures_total 1")
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, scrape(), "go_goroutines")
}

func TestAuthRateLimiter(t *testing.T) {
	l := newAuthRateLimiter()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for range authRateMaxFails - 1 {
		l.recordFailure("10.0.0.1:5000")
	}
	assert.True(t, l.allow("10.0.0.1:6000"))
	l.recordFailure("10.0.0.1:5000")
	assert.False(t, l.allow("10.0.0.1:6000"), "port does not matter")
	assert.True(t, l.allow("10.0.0.2:5000"))

	now = now.Add(authRateWindow + time.Second)
	assert.True(t, l.allow("10.0.0.1:5000"))

	l.recordFailure("10.0.0.3:1")
	now = now.Add(authRateWindow + time.Second)
	l.prune()
	assert.Empty(t, l.failures)
}

func TestCheckWebSocketOrigin(t *testing.T) {
	check := checkWebSocketOrigin([]string{"https://admin.example.com"})

	req := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, check(req), "non-browser clients send no origin")

	req.Header.Set("Origin", "https://admin.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))
}

func TestStart_ServesUntilCancelled(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "relay.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	hm := hooks.NewManager(testLogger())
	events := make(chan string, 2)
	record := func(_ context.Context, p hooks.Payload) error {
		events <- p.Event
		return nil
	}
	hm.On(hooks.EventRelayStart, "test", record)
	hm.On(hooks.EventRelayStop, "test", record)

	srv, err := New(config.RelayConfig{Auth: config.RelayAuth{Secret: testSecret}, MediaDir: t.TempDir()},
		store.NewConversationStore(db), testLogger(), WithHooks(hm))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, hooks.EventRelayStart, <-events)

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	assert.Equal(t, hooks.EventRelayStop, <-events)
}
