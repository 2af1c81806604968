// Package protocol defines the JSON frames exchanged over the chat WebSocket.
package protocol

import (
	"encoding/json"

	"github.com/soyeahso/backoffice/internal/domain"
)

// Frame types for the WebSocket protocol.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// Version of the chat protocol spoken by this module.
const Version = 1

// Client-to-server methods.
const (
	MethodConnect    = "connect"
	MethodJoinChat   = "joinChat"
	MethodLeaveChat  = "leaveChat"
	MethodTyping     = "typing"
	MethodStopTyping = "stopTyping"
	MethodPing       = "ping"
)

// Server-to-client events.
const (
	EventChallenge         = "connect.challenge"
	EventNewMessage        = "newMessage"
	EventUserTyping        = "userTyping"
	EventUserStoppedTyping = "userStoppedTyping"
	EventChatResolved      = "chatResolved"
	EventError             = "error"
)

// Events lists every server-to-client event name.
func Events() []string {
	return []string{
		EventChallenge, EventNewMessage, EventUserTyping,
		EventUserStoppedTyping, EventChatResolved, EventError,
	}
}

// CanonicalEvent folds the short typing aliases some servers emit onto
// the canonical event names.
func CanonicalEvent(name string) string {
	switch name {
	case MethodTyping:
		return EventUserTyping
	case MethodStopTyping:
		return EventUserStoppedTyping
	}
	return name
}

// Frame is the base envelope for all WebSocket messages.
// The Type field discriminates between request, response, and event frames.
type Frame struct {
	Type string `json:"type"`

	// Request fields
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Event fields
	Event string `json:"event,omitempty"`
	Seq   int64  `json:"seq,omitempty"`

	// Error (response only)
	Error *ErrorShape `json:"error,omitempty"`
}

// ErrorShape is the standard error format in response frames.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorShape) Error() string {
	return e.Code + ": " + e.Message
}

// ConnectParams are sent by the client in the initial "connect" request.
type ConnectParams struct {
	Protocol int          `json:"protocol"`
	Client   ClientInfo   `json:"client"`
	Auth     *ConnectAuth `json:"auth,omitempty"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"` // "agent" | "customer"
}

// ConnectAuth carries the bearer token in the connect request.
type ConnectAuth struct {
	Token string `json:"token,omitempty"`
}

// Challenge is the payload of the connect.challenge event.
type Challenge struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// Hello is the server's response payload after successful authentication.
type Hello struct {
	Protocol int      `json:"protocol"`
	Server   string   `json:"server"`
	ConnID   string   `json:"connId"`
	Events   []string `json:"events"`
}

// RoomParams address a conversation on behalf of a participant. They are
// the params of joinChat, leaveChat, typing and stopTyping, and the payload
// of the userTyping and userStoppedTyping events.
type RoomParams struct {
	ChatID   string        `json:"chatId"`
	UserType domain.Sender `json:"userType"`
	UserID   string        `json:"userId"`
}

// Participant returns the sender of a room frame.
func (p RoomParams) Participant() domain.Participant {
	return domain.Participant{Type: p.UserType, ID: p.UserID}
}

// NewMessagePayload is the payload of the newMessage event.
type NewMessagePayload struct {
	ChatID  string         `json:"chatId"`
	Message domain.Message `json:"message"`
}

// ChatResolvedPayload is the payload of the chatResolved event.
type ChatResolvedPayload struct {
	ChatID string `json:"chatId"`
}

// ErrorPayload is the payload of the error event. ChatID is set when the
// error concerns a single conversation.
type ErrorPayload struct {
	ChatID  string `json:"chatId,omitempty"`
	Message string `json:"message"`
}

// NewRequest creates a request frame.
func NewRequest(id, method string, params any) (Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:   FrameTypeRequest,
		ID:     id,
		Method: method,
		Params: raw,
	}, nil
}

// NewResponse creates a success response frame.
func NewResponse(id string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	ok := true
	return Frame{
		Type:    FrameTypeResponse,
		ID:      id,
		OK:      &ok,
		Payload: raw,
	}, nil
}

// NewErrorResponse creates an error response frame.
func NewErrorResponse(id string, errShape ErrorShape) Frame {
	ok := false
	return Frame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    &ok,
		Error: &errShape,
	}
}

// NewEvent creates an event frame.
func NewEvent(event string, payload any, seq int64) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:    FrameTypeEvent,
		Event:   event,
		Payload: raw,
		Seq:     seq,
	}, nil
}

// Succeeded reports whether a response frame carries ok=true.
func (f Frame) Succeeded() bool {
	return f.OK != nil && *f.OK
}
