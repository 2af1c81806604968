// Package relay is a reference chat relay: it persists conversations in
// SQLite, serves the chat REST routes the admin client calls and fans
// messages, typing and resolution events out to joined WebSocket clients.
package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/soyeahso/backoffice/internal/attachment"
	"github.com/soyeahso/backoffice/internal/auth"
	"github.com/soyeahso/backoffice/internal/config"
	"github.com/soyeahso/backoffice/internal/hooks"
	"github.com/soyeahso/backoffice/internal/logging"
	"github.com/soyeahso/backoffice/internal/protocol"
	"github.com/soyeahso/backoffice/internal/store"
	"github.com/soyeahso/backoffice/internal/version"
)

var (
	ErrClientClosed = errors.New("client connection closed")
	ErrNoSecret     = errors.New("relay.auth.secret is not set")
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	maxFrameSize     = 4 * 1024 * 1024
)

// Server is the relay HTTP + WebSocket server.
type Server struct {
	cfg      config.RelayConfig
	secret   []byte
	log      *logging.Logger
	chats    *store.ConversationStore
	hub      *Hub
	media    *mediaStore
	metrics  *metrics
	hooks    *hooks.Manager
	handlers map[string]RequestHandler

	mu         sync.RWMutex
	startedAt  time.Time
	addr       string
	httpServer *http.Server

	upgrader    websocket.Upgrader
	authLimiter *authRateLimiter
}

// authRateLimiter tracks failed auth attempts per IP to prevent brute-force attacks.
type authRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	now      func() time.Time
}

const (
	authRateWindow   = 5 * time.Minute
	authRateMaxFails = 10
	authRateMaxIPs   = 10000 // max tracked IPs to prevent memory exhaustion
)

func newAuthRateLimiter() *authRateLimiter {
	return &authRateLimiter{failures: make(map[string][]time.Time), now: time.Now}
}

// run removes stale entries every minute until ctx is done.
func (l *authRateLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.prune()
		}
	}
}

func (l *authRateLimiter) prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-authRateWindow)
	for ip, times := range l.failures {
		if recent := after(times, cutoff); len(recent) == 0 {
			delete(l.failures, ip)
		} else {
			l.failures[ip] = recent
		}
	}
}

func after(times []time.Time, cutoff time.Time) []time.Time {
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func hostOf(remoteAddr string) string {
	host, _, _ := net.SplitHostPort(remoteAddr)
	if host == "" {
		return remoteAddr
	}
	return host
}

func (l *authRateLimiter) allow(remoteAddr string) bool {
	host := hostOf(remoteAddr)
	l.mu.Lock()
	defer l.mu.Unlock()

	recent := after(l.failures[host], l.now().Add(-authRateWindow))
	if len(recent) == 0 {
		delete(l.failures, host)
		return true
	}
	l.failures[host] = recent
	return len(recent) < authRateMaxFails
}

func (l *authRateLimiter) recordFailure(remoteAddr string) {
	host := hostOf(remoteAddr)
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.failures[host]; !exists && len(l.failures) >= authRateMaxIPs {
		var oldestIP string
		var oldestTime time.Time
		for ip, times := range l.failures {
			if len(times) > 0 && (oldestIP == "" || times[0].Before(oldestTime)) {
				oldestIP = ip
				oldestTime = times[0]
			}
		}
		if oldestIP != "" {
			delete(l.failures, oldestIP)
		}
	}
	l.failures[host] = append(l.failures[host], l.now())
}

// ServerOption configures the relay server.
type ServerOption func(*Server)

// WithHooks sets the hook manager for lifecycle events.
func WithHooks(hm *hooks.Manager) ServerOption {
	return func(s *Server) {
		s.hooks = hm
	}
}

// WithLimits overrides the attachment size limits.
func WithLimits(l attachment.Limits) ServerOption {
	return func(s *Server) {
		s.media.limits = l
	}
}

// New creates a relay server over the given conversation store. Stored
// attachments go to cfg.MediaDir.
func New(cfg config.RelayConfig, chats *store.ConversationStore, log *logging.Logger, opts ...ServerOption) (*Server, error) {
	if cfg.Auth.Secret == "" {
		return nil, ErrNoSecret
	}
	m := newMetrics()
	s := &Server{
		cfg:         cfg,
		secret:      []byte(cfg.Auth.Secret),
		log:         log.Sub("relay"),
		chats:       chats,
		metrics:     m,
		hub:         NewHub(log.Sub("hub"), m),
		media:       &mediaStore{dir: cfg.MediaDir, publicURL: cfg.PublicURL, limits: attachment.DefaultLimits()},
		handlers:    make(map[string]RequestHandler),
		authLimiter: newAuthRateLimiter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.AllowedOrigins),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRPCHandlers()
	return s, nil
}

// checkWebSocketOrigin returns a function that validates WebSocket Origin headers.
// Requests without an Origin header (non-browser clients) are allowed; browser
// origins must be listed.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return originAllowed(origin, allowed)
	}
}

// Hub returns the room hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handle registers a WebSocket method handler.
func (s *Server) Handle(method string, handler RequestHandler) {
	s.handlers[method] = handler
}

// Handler returns the HTTP handler with every route and the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerHTTPRoutes(mux)
	return s.withMiddleware(mux)
}

// Start begins listening for HTTP and WebSocket connections.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.ListenAddr()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if s.cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertPath, s.cfg.TLS.KeyPath)
		if err != nil {
			ln.Close()
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		s.log.Info().Msg("TLS enabled")
	} else if s.cfg.Bind != "" && s.cfg.Bind != "loopback" {
		s.log.Warn().Msg("TLS is not enabled; bearer tokens travel in cleartext")
	}

	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 120 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.httpServer = srv
	s.addr = ln.Addr().String()
	s.startedAt = time.Now()
	s.mu.Unlock()

	go s.authLimiter.run(ctx)

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("bind", s.cfg.Bind).
		Str("media", s.media.dir).
		Int("methods", len(s.handlers)).
		Msg("relay ready")

	if s.hooks != nil {
		s.hooks.Emit(ctx, hooks.EventRelayStart, map[string]any{
			"addr": ln.Addr().String(),
		})
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.log.Info().Msg("shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.hub.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("relay shutdown incomplete")
		}
		if s.hooks != nil {
			s.hooks.Wait()
			s.hooks.Emit(context.Background(), hooks.EventRelayStop, nil)
		}
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}

// Addr returns the address the server listens on, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// handleWebSocket upgrades HTTP to WebSocket and runs the connection loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authLimiter.allow(r.RemoteAddr) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("rate limited: too many failed auth attempts")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrameSize)

	s.log.Debug().Str("remote", r.RemoteAddr).Msg("new websocket connection")

	client, err := s.handshake(conn)
	if err != nil {
		s.log.Warn().Err(err).Msg("handshake failed")
		s.metrics.handshakeFailures.Inc()
		s.authLimiter.recordFailure(r.RemoteAddr)
		conn.Close()
		return
	}

	s.hub.Add(client)
	defer func() {
		for chatID, p := range s.hub.Remove(client.ConnID) {
			s.hub.Broadcast(chatID, protocol.EventUserStoppedTyping, roomFrame(chatID, p), "")
		}
		client.Close()
	}()

	s.readLoop(r.Context(), client)
}

// handshake performs the WebSocket authentication handshake.
// Flow: server sends challenge → client sends connect → server verifies the bearer token → sends hello.
func (s *Server) handshake(conn *websocket.Conn) (*Client, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	challenge, err := protocol.NewEvent(protocol.EventChallenge, protocol.Challenge{
		Nonce: uuid.New().String(),
		TS:    time.Now().UnixMilli(),
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("creating challenge: %w", err)
	}
	if err := conn.WriteJSON(challenge); err != nil {
		return nil, fmt.Errorf("sending challenge: %w", err)
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading connect: %w", err)
	}

	var frame protocol.Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, fmt.Errorf("parsing connect frame: %w", err)
	}

	if frame.Type != protocol.FrameTypeRequest || frame.Method != protocol.MethodConnect {
		sendErrorAndClose(conn, frame.ID, "protocol_error", "expected connect request")
		return nil, fmt.Errorf("expected connect request, got type=%s method=%s", frame.Type, frame.Method)
	}

	var params protocol.ConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		sendErrorAndClose(conn, frame.ID, "invalid_params", "invalid connect params")
		return nil, fmt.Errorf("parsing connect params: %w", err)
	}

	if params.Auth == nil || params.Auth.Token == "" {
		sendErrorAndClose(conn, frame.ID, "unauthorized", "token required")
		return nil, errors.New("auth failed: no token")
	}
	claims, err := auth.VerifyToken(params.Auth.Token, s.secret)
	if err != nil {
		sendErrorAndClose(conn, frame.ID, "unauthorized", err.Error())
		return nil, fmt.Errorf("auth failed: %w", err)
	}

	conn.SetReadDeadline(time.Time{})

	client := NewClient(conn, params.Client, claims, s.log.Sub("ws"))

	resp, err := protocol.NewResponse(frame.ID, protocol.Hello{
		Protocol: protocol.Version,
		Server:   "backoffice-relay/" + version.Version,
		ConnID:   client.ConnID,
		Events:   protocol.Events(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating hello response: %w", err)
	}
	if err := conn.WriteJSON(resp); err != nil {
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	s.log.Info().
		Str("connId", client.ConnID).
		Str("clientId", params.Client.ID).
		Str("clientVersion", params.Client.Version).
		Str("role", string(claims.Role)).
		Msg("client authenticated")

	return client, nil
}

// readLoop processes incoming frames from an authenticated client.
func (s *Server) readLoop(ctx context.Context, client *Client) {
	for {
		frame, err := client.ReadFrame()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("connId", client.ConnID).Msg("client closed connection")
			} else {
				s.log.Debug().Err(err).Str("connId", client.ConnID).Msg("read error")
			}
			return
		}

		if frame.Type != protocol.FrameTypeRequest {
			s.log.Debug().Str("type", frame.Type).Msg("ignoring non-request frame")
			continue
		}

		s.dispatch(ctx, client, frame)
	}
}

// dispatch routes a request frame to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, client *Client, frame protocol.Frame) {
	handler, ok := s.handlers[frame.Method]
	if !ok {
		client.RespondError(frame.ID, protocol.ErrorShape{
			Code:    "method_not_found",
			Message: "unknown method: " + frame.Method,
		})
		return
	}
	handler(&RequestContext{Ctx: ctx, Client: client, Frame: frame, Server: s})
}

// sendErrorAndClose sends an error response and closes the connection.
func sendErrorAndClose(conn *websocket.Conn, reqID, code, message string) {
	conn.WriteJSON(protocol.NewErrorResponse(reqID, protocol.ErrorShape{
		Code:    code,
		Message: message,
	}))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, message))
}
