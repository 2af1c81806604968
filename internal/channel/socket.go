package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soyeahso/backoffice/internal/domain"
	"github.com/soyeahso/backoffice/internal/logging"
	"github.com/soyeahso/backoffice/internal/protocol"
	"github.com/soyeahso/backoffice/internal/version"
)

var (
	ErrClosed       = errors.New("chat channel closed")
	ErrDisconnected = errors.New("chat channel disconnected")
	ErrUnauthorized = errors.New("chat channel rejected credentials")
	ErrHandshake    = errors.New("chat channel handshake failed")
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReconnectMax     = 30 * time.Second
	reconnectBase           = 500 * time.Millisecond
	writeWait               = 10 * time.Second
	maxFrameSize            = 4 * 1024 * 1024
)

// RemoteError is an error event pushed by the server.
type RemoteError struct {
	ChatID  string
	Message string
}

func (e *RemoteError) Error() string {
	if e.ChatID != "" {
		return "chat " + e.ChatID + ": " + e.Message
	}
	return e.Message
}

// Options configures a Socket.
type Options struct {
	URL string
	// Token is consulted on every (re)connect so a refreshed session is
	// picked up without redialing by hand.
	Token  func() string
	Client protocol.ClientInfo
	Dialer *websocket.Dialer

	Reconnect        bool
	ReconnectMax     time.Duration
	HandshakeTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = defaultReconnectMax
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.Client.ID == "" {
		o.Client.ID = "backoffice"
	}
	if o.Client.Version == "" {
		o.Client.Version = version.Version
	}
	if o.Client.Mode == "" {
		o.Client.Mode = "agent"
	}
}

// Socket is an authenticated connection to the chat relay. It is safe for
// concurrent use.
type Socket struct {
	opts  Options
	log   *logging.Logger
	rooms *rooms

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	connID  string
	closed  bool
	pending map[string]chan protocol.Frame

	nextID atomic.Int64
	done   chan struct{}
}

// Dial connects to the relay and completes the handshake. The returned
// socket reads in the background until Close.
func Dial(ctx context.Context, opts Options, log *logging.Logger) (*Socket, error) {
	opts.applyDefaults()
	sctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		opts:    opts,
		log:     log.Sub("channel"),
		ctx:     sctx,
		cancel:  cancel,
		pending: make(map[string]chan protocol.Frame),
		done:    make(chan struct{}),
	}
	s.rooms = newRooms(s.log)

	conn, hello, err := s.connect(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	s.install(conn, hello)
	go s.run(conn)
	return s, nil
}

// ConnID returns the server-assigned ID of the current connection.
func (s *Socket) ConnID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

// Connected reports whether the socket currently holds a live connection.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.closed
}

// Rooms returns the joined conversation IDs.
func (s *Socket) Rooms() []string {
	return s.rooms.ids()
}

// Done is closed once the socket stops reading for good, either after Close
// or when the connection dropped and could not be re-established.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Join announces self in a conversation and routes its events to h.
// Joining a conversation that is already joined replaces its handlers
// without sending joinChat again.
func (s *Socket) Join(ctx context.Context, chatID string, self domain.Participant, h Handlers) (*Subscription, error) {
	if chatID == "" {
		return nil, errors.New("join: empty chat id")
	}
	if s.isClosed() {
		return nil, ErrClosed
	}

	sub, created := s.rooms.attach(&Subscription{socket: s, chatID: chatID, self: self, h: h})
	if !created {
		sub.setHandlers(h)
		s.log.Debug().Str("chatId", chatID).Msg("already joined; handlers replaced")
		return sub, nil
	}

	if _, err := s.request(ctx, protocol.MethodJoinChat, sub.params()); err != nil {
		s.rooms.detach(sub)
		return nil, fmt.Errorf("joining chat %s: %w", chatID, err)
	}
	s.log.Info().Str("chatId", chatID).Str("as", self.String()).Msg("joined chat")
	return sub, nil
}

// Close shuts the connection down and detaches every subscription.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.failPendingLocked(ErrClosed)
	s.mu.Unlock()

	s.cancel()
	for _, sub := range s.rooms.clear() {
		sub.mu.Lock()
		sub.closed = true
		sub.h = Handlers{}
		sub.mu.Unlock()
	}
	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return conn.Close()
}

// connect dials and runs the client half of the handshake:
// challenge event → connect request → hello response.
func (s *Socket) connect(ctx context.Context) (*websocket.Conn, protocol.Hello, error) {
	hctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())

	conn, resp, err := s.opts.Dialer.DialContext(hctx, s.opts.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, protocol.Hello{}, fmt.Errorf("dialing %s: %w: too many failed attempts", s.opts.URL, ErrUnauthorized)
		}
		return nil, protocol.Hello{}, fmt.Errorf("dialing %s: %w", s.opts.URL, err)
	}
	conn.SetReadLimit(maxFrameSize)

	hello, err := s.handshake(hctx, conn)
	if err != nil {
		conn.Close()
		return nil, protocol.Hello{}, err
	}
	return conn, hello, nil
}

func (s *Socket) handshake(ctx context.Context, conn *websocket.Conn) (protocol.Hello, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	var challenge protocol.Frame
	if err := conn.ReadJSON(&challenge); err != nil {
		return protocol.Hello{}, fmt.Errorf("%w: reading challenge: %v", ErrHandshake, err)
	}
	if challenge.Type != protocol.FrameTypeEvent || challenge.Event != protocol.EventChallenge {
		return protocol.Hello{}, fmt.Errorf("%w: expected %s, got %s %s", ErrHandshake, protocol.EventChallenge, challenge.Type, challenge.Event)
	}

	params := protocol.ConnectParams{Protocol: protocol.Version, Client: s.opts.Client}
	if s.opts.Token != nil {
		if tok := s.opts.Token(); tok != "" {
			params.Auth = &protocol.ConnectAuth{Token: tok}
		}
	}
	req, err := protocol.NewRequest("connect", protocol.MethodConnect, params)
	if err != nil {
		return protocol.Hello{}, fmt.Errorf("creating connect request: %w", err)
	}
	if err := conn.WriteJSON(req); err != nil {
		return protocol.Hello{}, fmt.Errorf("%w: sending connect: %v", ErrHandshake, err)
	}

	var res protocol.Frame
	if err := conn.ReadJSON(&res); err != nil {
		return protocol.Hello{}, fmt.Errorf("%w: reading hello: %v", ErrHandshake, err)
	}
	if res.Type != protocol.FrameTypeResponse || res.ID != req.ID {
		return protocol.Hello{}, fmt.Errorf("%w: unexpected %s frame", ErrHandshake, res.Type)
	}
	if !res.Succeeded() {
		if res.Error != nil && res.Error.Code == "unauthorized" {
			return protocol.Hello{}, fmt.Errorf("%w: %s", ErrUnauthorized, res.Error.Message)
		}
		if res.Error != nil {
			return protocol.Hello{}, fmt.Errorf("%w: %s", ErrHandshake, res.Error.Error())
		}
		return protocol.Hello{}, ErrHandshake
	}

	var hello protocol.Hello
	if err := json.Unmarshal(res.Payload, &hello); err != nil {
		return protocol.Hello{}, fmt.Errorf("%w: decoding hello: %v", ErrHandshake, err)
	}

	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return hello, nil
}

func (s *Socket) install(conn *websocket.Conn, hello protocol.Hello) {
	s.mu.Lock()
	s.conn = conn
	s.connID = hello.ConnID
	s.mu.Unlock()
	s.log.Info().Str("connId", hello.ConnID).Str("server", hello.Server).Msg("chat channel connected")
}

// run owns the read side of the socket across reconnects.
func (s *Socket) run(conn *websocket.Conn) {
	defer close(s.done)
	for {
		err := s.readLoop(conn)
		if s.isClosed() {
			return
		}
		s.log.Warn().Err(err).Msg("chat channel disconnected")
		s.drop(conn)
		for _, sub := range s.rooms.all() {
			sub.deliverError(ErrDisconnected)
		}
		if !s.opts.Reconnect {
			return
		}
		if conn = s.reconnect(); conn == nil {
			return
		}
	}
}

func (s *Socket) readLoop(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f protocol.Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		switch f.Type {
		case protocol.FrameTypeResponse:
			s.resolve(f)
		case protocol.FrameTypeEvent:
			s.dispatch(f)
		default:
			s.log.Debug().Str("type", f.Type).Msg("ignoring frame")
		}
	}
}

// dispatch routes a server event to the subscription of its conversation.
// Events for conversations that are not joined are dropped.
func (s *Socket) dispatch(f protocol.Frame) {
	event := protocol.CanonicalEvent(f.Event)
	switch event {
	case protocol.EventNewMessage:
		var p protocol.NewMessagePayload
		if !s.decode(f, &p) {
			return
		}
		if p.ChatID == "" {
			p.ChatID = p.Message.ConversationID
		}
		if p.Message.ConversationID == "" {
			p.Message.ConversationID = p.ChatID
		}
		if h, ok := s.handlersFor(p.ChatID); ok && h.OnMessage != nil {
			h.OnMessage(p.Message)
		}

	case protocol.EventUserTyping, protocol.EventUserStoppedTyping:
		var p protocol.RoomParams
		if !s.decode(f, &p) {
			return
		}
		h, ok := s.handlersFor(p.ChatID)
		if !ok {
			return
		}
		if event == protocol.EventUserTyping && h.OnTyping != nil {
			h.OnTyping(p.Participant())
		}
		if event == protocol.EventUserStoppedTyping && h.OnStopTyping != nil {
			h.OnStopTyping(p.Participant())
		}

	case protocol.EventChatResolved:
		var p protocol.ChatResolvedPayload
		if !s.decode(f, &p) {
			return
		}
		if h, ok := s.handlersFor(p.ChatID); ok && h.OnResolved != nil {
			h.OnResolved()
		}

	case protocol.EventError:
		var p protocol.ErrorPayload
		if !s.decode(f, &p) {
			return
		}
		rerr := &RemoteError{ChatID: p.ChatID, Message: p.Message}
		if p.ChatID != "" {
			if sub, ok := s.rooms.get(p.ChatID); ok {
				sub.deliverError(rerr)
			}
			return
		}
		for _, sub := range s.rooms.all() {
			sub.deliverError(rerr)
		}

	case protocol.EventChallenge:
		// Only meaningful during the handshake.

	default:
		s.log.Debug().Str("event", f.Event).Msg("ignoring unknown event")
	}
}

func (s *Socket) decode(f protocol.Frame, v any) bool {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		s.log.Warn().Err(err).Str("event", f.Event).Msg("dropping malformed event payload")
		return false
	}
	return true
}

func (s *Socket) handlersFor(chatID string) (Handlers, bool) {
	sub, ok := s.rooms.get(chatID)
	if !ok {
		s.log.Trace().Str("chatId", chatID).Msg("event for unjoined chat dropped")
		return Handlers{}, false
	}
	return sub.handlers(), true
}

// reconnect redials with doubling delays until it succeeds, the socket is
// closed, or the server rejects the credentials. Live subscriptions are
// re-joined on the new connection.
func (s *Socket) reconnect() *websocket.Conn {
	delay := reconnectBase
	for attempt := 1; ; attempt++ {
		t := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		conn, hello, err := s.connect(s.ctx)
		if err == nil {
			if s.isClosed() {
				conn.Close()
				return nil
			}
			s.install(conn, hello)
			s.rejoin()
			s.log.Info().Int("attempt", attempt).Int("rooms", s.rooms.count()).Msg("chat channel reconnected")
			return conn
		}
		if errors.Is(err, ErrUnauthorized) {
			s.log.Error().Err(err).Msg("giving up reconnecting")
			for _, sub := range s.rooms.all() {
				sub.deliverError(err)
			}
			return nil
		}

		s.log.Debug().Err(err).Int("attempt", attempt).Dur("retryIn", delay).Msg("reconnect failed")
		delay *= 2
		if delay > s.opts.ReconnectMax {
			delay = s.opts.ReconnectMax
		}
	}
}

// rejoin re-announces every live subscription. The read loop for the new
// connection is not running yet, so responses are not awaited.
func (s *Socket) rejoin() {
	for _, sub := range s.rooms.all() {
		if err := s.notify(s.ctx, protocol.MethodJoinChat, sub.params()); err != nil {
			s.log.Warn().Err(err).Str("chatId", sub.chatID).Msg("rejoin failed")
			continue
		}
		if h := sub.handlers(); h.OnReconnect != nil {
			h.OnReconnect()
		}
	}
}

// drop forgets a dead connection and fails requests waiting on it.
func (s *Socket) drop(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.failPendingLocked(ErrDisconnected)
	s.mu.Unlock()
	conn.Close()
}

func (s *Socket) failPendingLocked(err error) {
	for id, ch := range s.pending {
		ch <- protocol.Frame{Type: protocol.FrameTypeResponse, ID: id, Error: &protocol.ErrorShape{Code: "local", Message: err.Error()}}
		delete(s.pending, id)
	}
}

func (s *Socket) resolve(f protocol.Frame) {
	s.mu.Lock()
	ch, ok := s.pending[f.ID]
	delete(s.pending, f.ID)
	s.mu.Unlock()
	if ok {
		ch <- f
	}
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Socket) newID() string {
	return "c" + strconv.FormatInt(s.nextID.Add(1), 10)
}

// request sends a request frame and waits for its response.
func (s *Socket) request(ctx context.Context, method string, params any) (protocol.Frame, error) {
	id := s.newID()
	f, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return protocol.Frame{}, err
	}

	ch := make(chan protocol.Frame, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.write(ctx, f); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return protocol.Frame{}, err
	}

	select {
	case res := <-ch:
		if res.Succeeded() {
			return res, nil
		}
		if res.Error != nil && res.Error.Code == "local" {
			if s.isClosed() {
				return res, ErrClosed
			}
			return res, ErrDisconnected
		}
		if res.Error != nil {
			return res, res.Error
		}
		return res, fmt.Errorf("%s: request failed", method)
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return protocol.Frame{}, ctx.Err()
	}
}

// notify sends a request frame without waiting for the response.
func (s *Socket) notify(ctx context.Context, method string, params any) error {
	f, err := protocol.NewRequest(s.newID(), method, params)
	if err != nil {
		return err
	}
	return s.write(ctx, f)
}

func (s *Socket) write(ctx context.Context, f protocol.Frame) error {
	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrDisconnected
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("writing %s: %w", f.Method, err)
	}
	return nil
}
