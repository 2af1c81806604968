package relay

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/soyeahso/backoffice/internal/auth"
	"github.com/soyeahso/backoffice/internal/domain"
	"github.com/soyeahso/backoffice/internal/logging"
	"github.com/soyeahso/backoffice/internal/protocol"
)

// Client represents an authenticated WebSocket connection.
type Client struct {
	ConnID      string
	Info        protocol.ClientInfo
	Claims      *auth.Claims
	Socket      *websocket.Conn
	ConnectedAt time.Time

	mu     sync.Mutex
	closed bool
	log    *logging.Logger
}

// NewClient creates a Client for a newly authenticated WebSocket connection.
func NewClient(conn *websocket.Conn, info protocol.ClientInfo, claims *auth.Claims, log *logging.Logger) *Client {
	return &Client{
		ConnID:      uuid.New().String(),
		Info:        info,
		Claims:      claims,
		Socket:      conn,
		ConnectedAt: time.Now(),
		log:         log,
	}
}

// Send sends a frame to the client. Thread-safe.
func (c *Client) Send(frame protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	_ = c.Socket.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Socket.WriteJSON(frame)
}

// SendEvent sends a named event with payload.
func (c *Client) SendEvent(event string, payload any, seq int64) error {
	f, err := protocol.NewEvent(event, payload, seq)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// Respond sends a success response for the given request ID.
func (c *Client) Respond(reqID string, payload any) error {
	f, err := protocol.NewResponse(reqID, payload)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// RespondError sends an error response for the given request ID.
func (c *Client) RespondError(reqID string, errShape protocol.ErrorShape) error {
	return c.Send(protocol.NewErrorResponse(reqID, errShape))
}

// ReadFrame reads the next frame from the WebSocket.
func (c *Client) ReadFrame() (protocol.Frame, error) {
	_, msg, err := c.Socket.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}
	var f protocol.Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return protocol.Frame{}, err
	}
	return f, nil
}

// Close closes the WebSocket connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.Socket.Close()
}

// Hub tracks connected clients and the conversations each has joined.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client                      // connID → Client
	rooms   map[string]map[string]domain.Participant // chatID → connID → announced participant
	seq     int64
	log     *logging.Logger
	metrics *metrics
}

// NewHub creates an empty hub.
func NewHub(log *logging.Logger, m *metrics) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]domain.Participant),
		log:     log,
		metrics: m,
	}
}

// Add registers a connected client.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ConnID] = c
	h.metrics.connections.Set(float64(len(h.clients)))
	h.log.Info().Str("connId", c.ConnID).Str("client", c.Info.ID).Msg("client connected")
}

// Remove unregisters a client and drops it from every room. It returns the
// participants the client had announced, keyed by conversation.
func (h *Hub) Remove(connID string) map[string]domain.Participant {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, connID)
	left := make(map[string]domain.Participant)
	for chatID, members := range h.rooms {
		if p, ok := members[connID]; ok {
			left[chatID] = p
			delete(members, connID)
			if len(members) == 0 {
				delete(h.rooms, chatID)
			}
		}
	}
	h.metrics.connections.Set(float64(len(h.clients)))
	h.metrics.rooms.Set(float64(len(h.rooms)))
	h.log.Info().Str("connId", connID).Int("rooms", len(left)).Msg("client disconnected")
	return left
}

// Join adds a client to a conversation. It reports false when the client had
// already joined, in which case the announced participant is updated.
func (h *Hub) Join(connID, chatID string, p domain.Participant) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[chatID]
	if !ok {
		members = make(map[string]domain.Participant)
		h.rooms[chatID] = members
	}
	_, already := members[connID]
	members[connID] = p
	h.metrics.rooms.Set(float64(len(h.rooms)))
	return !already
}

// Leave removes a client from a conversation and returns the participant it
// had announced.
func (h *Hub) Leave(connID, chatID string) (domain.Participant, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[chatID]
	if !ok {
		return domain.Participant{}, false
	}
	p, ok := members[connID]
	if !ok {
		return domain.Participant{}, false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, chatID)
	}
	h.metrics.rooms.Set(float64(len(h.rooms)))
	return p, true
}

// Joined reports whether a client is in a conversation.
func (h *Hub) Joined(connID, chatID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[chatID][connID]
	return ok
}

// Members returns the connection IDs in a conversation, sorted.
func (h *Hub) Members(chatID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.rooms[chatID]))
	for id := range h.rooms[chatID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomCount returns the number of conversations with at least one member.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Broadcast sends an event to every client in a conversation except the
// connection named by except (empty for none). It returns the number of
// clients the event was delivered to.
func (h *Hub) Broadcast(chatID, event string, payload any, except string) int {
	h.mu.Lock()
	h.seq++
	seq := h.seq
	targets := make([]*Client, 0, len(h.rooms[chatID]))
	for connID := range h.rooms[chatID] {
		if connID == except {
			continue
		}
		if c, ok := h.clients[connID]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	sent := 0
	for _, c := range targets {
		if err := c.SendEvent(event, payload, seq); err != nil {
			h.log.Warn().Err(err).Str("connId", c.ConnID).Str("event", event).Msg("broadcast send failed")
			continue
		}
		sent++
	}
	h.metrics.events.WithLabelValues(event).Add(float64(sent))
	return sent
}

// CloseAll closes all connected clients.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
	h.rooms = make(map[string]map[string]domain.Participant)
	h.metrics.connections.Set(0)
	h.metrics.rooms.Set(0)
}
