package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/soyeahso/backoffice/internal/domain"
	"github.com/soyeahso/backoffice/internal/protocol"
	"github.com/soyeahso/backoffice/internal/store"
	"github.com/soyeahso/backoffice/internal/version"
)

// HealthResponse is returned by the public health endpoint and the ping method.
type HealthResponse struct {
	Status  string         `json:"status"`
	Build   *version.Build `json:"build,omitempty"`
	Clients int            `json:"clients,omitempty"`
	Rooms   int            `json:"rooms,omitempty"`
	Uptime  string         `json:"uptime,omitempty"`
}

// handleHealth returns the server status. Room and client counts are only
// reported over an authenticated connection.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// handleNotFound returns a 404 for unknown routes.
func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"message": "not found",
		"path":    r.URL.Path,
	})
}

// RequestHandler processes an incoming request frame from a client.
type RequestHandler func(ctx *RequestContext)

// RequestContext carries everything a handler needs.
type RequestContext struct {
	Ctx    context.Context
	Client *Client
	Frame  protocol.Frame
	Server *Server
}

// Respond sends a success response.
func (rc *RequestContext) Respond(payload any) {
	if err := rc.Client.Respond(rc.Frame.ID, payload); err != nil {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("failed to send response")
	}
}

// RespondError sends an error response.
func (rc *RequestContext) RespondError(code, message string) {
	rc.Client.RespondError(rc.Frame.ID, protocol.ErrorShape{
		Code:    code,
		Message: message,
	})
}

// Params unmarshals the request params into the given target.
func (rc *RequestContext) Params(target any) error {
	if rc.Frame.Params == nil {
		return nil
	}
	return json.Unmarshal(rc.Frame.Params, target)
}

// room decodes RoomParams and checks the required fields.
func (rc *RequestContext) room() (protocol.RoomParams, bool) {
	var p protocol.RoomParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return p, false
	}
	if p.ChatID == "" {
		rc.RespondError("invalid_params", "chatId is required")
		return p, false
	}
	if !p.UserType.Valid() {
		rc.RespondError("invalid_params", "userType must be customer or agent")
		return p, false
	}
	return p, true
}

func roomFrame(chatID string, p domain.Participant) protocol.RoomParams {
	return protocol.RoomParams{ChatID: chatID, UserType: p.Type, UserID: p.ID}
}

// registerRPCHandlers sets up the WebSocket method handlers.
func (s *Server) registerRPCHandlers() {
	s.Handle(protocol.MethodJoinChat, s.rpcJoinChat)
	s.Handle(protocol.MethodLeaveChat, s.rpcLeaveChat)
	s.Handle(protocol.MethodTyping, s.rpcTyping)
	s.Handle(protocol.MethodStopTyping, s.rpcStopTyping)
	s.Handle(protocol.MethodPing, s.rpcPing)
}

func (s *Server) rpcJoinChat(rc *RequestContext) {
	p, ok := rc.room()
	if !ok {
		return
	}
	_, err := s.chats.Get(rc.Ctx, p.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		rc.RespondError("not_found", "chat not found: "+p.ChatID)
		return
	}
	if err != nil {
		rc.RespondError("internal", err.Error())
		return
	}
	s.hub.Join(rc.Client.ConnID, p.ChatID, p.Participant())
	s.log.Debug().Str("connId", rc.Client.ConnID).Str("chatId", p.ChatID).Str("as", p.Participant().String()).Msg("joined chat")
	rc.Respond(map[string]any{"chatId": p.ChatID, "members": len(s.hub.Members(p.ChatID))})
}

func (s *Server) rpcLeaveChat(rc *RequestContext) {
	p, ok := rc.room()
	if !ok {
		return
	}
	if announced, left := s.hub.Leave(rc.Client.ConnID, p.ChatID); left {
		s.hub.Broadcast(p.ChatID, protocol.EventUserStoppedTyping, roomFrame(p.ChatID, announced), rc.Client.ConnID)
	}
	rc.Respond(map[string]any{"chatId": p.ChatID})
}

func (s *Server) rpcTyping(rc *RequestContext) {
	s.relayTyping(rc, protocol.EventUserTyping)
}

func (s *Server) rpcStopTyping(rc *RequestContext) {
	s.relayTyping(rc, protocol.EventUserStoppedTyping)
}

// relayTyping forwards a typing signal to everyone else in the room.
func (s *Server) relayTyping(rc *RequestContext, event string) {
	p, ok := rc.room()
	if !ok {
		return
	}
	if !s.hub.Joined(rc.Client.ConnID, p.ChatID) {
		rc.RespondError("not_joined", "join the chat first: "+p.ChatID)
		return
	}
	n := s.hub.Broadcast(p.ChatID, event, p, rc.Client.ConnID)
	rc.Respond(map[string]any{"delivered": n})
}

func (s *Server) rpcPing(rc *RequestContext) {
	s.mu.RLock()
	started := s.startedAt
	s.mu.RUnlock()
	resp := HealthResponse{
		Status:  "ok",
		Clients: s.hub.Count(),
		Rooms:   s.hub.RoomCount(),
	}
	build := version.Current()
	resp.Build = &build
	if !started.IsZero() {
		resp.Uptime = time.Since(started).Round(time.Second).String()
	}
	rc.Respond(resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
