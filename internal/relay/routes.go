package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/soyeahso/backoffice/internal/attachment"
	"github.com/soyeahso/backoffice/internal/auth"
	"github.com/soyeahso/backoffice/internal/domain"
	"github.com/soyeahso/backoffice/internal/hooks"
	"github.com/soyeahso/backoffice/internal/protocol"
	"github.com/soyeahso/backoffice/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxJSONBody      = 1 << 20
)

type claimsKey struct{}

// claimsFrom returns the verified token claims attached by requireAuth.
func claimsFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return c
}

// registerHTTPRoutes sets up all HTTP routes on the server mux.
func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.Handle("GET /metrics", s.metrics.handler())
	mux.HandleFunc("GET /media/{name}", s.handleMedia)

	mux.Handle("GET /api/chat", s.requireAuth(s.handleListChats))
	mux.Handle("POST /api/chat", s.requireAuth(s.handleCreateChat))
	mux.Handle("GET /api/chat/{id}", s.requireAuth(s.handleGetChat))
	mux.Handle("POST /api/chat/{id}/reply", s.requireAuth(s.handleReply))
	mux.Handle("POST /api/chat/{id}/messages", s.requireAuth(s.handleCustomerMessage))
	mux.Handle("PUT /api/chat/{id}/resolve", s.requireAuth(s.handleResolve))

	// Catch-all for unknown routes
	mux.HandleFunc("/", handleNotFound)
}

// requireAuth verifies the bearer token before calling next.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := auth.VerifyToken(token, s.secret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	chats, err := s.chats.List(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if chats == nil {
		chats = []domain.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	conv, err := s.chats.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": conv})
}

type createChatRequest struct {
	CustomerName  string `json:"customerName"`
	CustomerEmail string `json:"customerEmail"`
	ChatType      string `json:"chatType"`
	Text          string `json:"text"`
}

// handleCreateChat opens a conversation for a customer's first contact. A
// non-empty text is stored as the opening customer message.
func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.CustomerName) == "" {
		writeError(w, http.StatusBadRequest, "customerName is required")
		return
	}
	conv, err := s.chats.Create(r.Context(), domain.Conversation{
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		Category:      req.ChatType,
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Text) != "" {
		msg, err := s.chats.Append(r.Context(), conv.ID, domain.Message{
			Sender:   domain.SenderCustomer,
			SenderID: claimsFrom(r.Context()).UserID,
			Text:     req.Text,
		})
		if err != nil {
			s.storeError(w, r, err)
			return
		}
		s.persisted(r.Context(), conv.ID, msg)
		conv.Messages = append(conv.Messages, msg)
	}
	s.log.Info().Str("chatId", conv.ID).Str("customer", conv.CustomerName).Msg("conversation opened")
	writeJSON(w, http.StatusCreated, map[string]any{"data": conv})
}

// handleReply stores an agent reply. The body is JSON {text, agentId} or
// multipart with the same fields plus a media part.
func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	msg := domain.Message{Sender: domain.SenderAgent, SenderID: claims.UserID}
	if !s.acceptsMessages(w, r) || !s.readMessage(w, r, &msg, "agentId") {
		return
	}
	s.appendAndBroadcast(w, r, msg)
}

// handleCustomerMessage stores a message from the customer side.
func (s *Server) handleCustomerMessage(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	msg := domain.Message{Sender: domain.SenderCustomer, SenderID: claims.UserID}
	if !s.acceptsMessages(w, r) || !s.readMessage(w, r, &msg, "userId") {
		return
	}
	s.appendAndBroadcast(w, r, msg)
}

// acceptsMessages rejects messages to unknown or resolved conversations before
// any upload is read. Append checks again under its transaction.
func (s *Server) acceptsMessages(w http.ResponseWriter, r *http.Request) bool {
	conv, err := s.chats.Get(r.Context(), r.PathValue("id"))
	if err == nil && conv.Resolved() {
		err = store.ErrResolved
	}
	if err != nil {
		s.storeError(w, r, err)
		return false
	}
	return true
}

// readMessage fills text, sender ID and attachment from the request body.
// It writes the error response and reports false on failure.
func (s *Server) readMessage(w http.ResponseWriter, r *http.Request, msg *domain.Message, idField string) bool {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var body map[string]string
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return false
		}
		msg.Text = body["text"]
		if id := body[idField]; id != "" {
			msg.SenderID = id
		}
	} else {
		mr, err := r.MultipartReader()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return false
		}
		for {
			part, err := mr.NextPart()
			// A body cut short surfaces as a wrapped io.EOF; only the bare
			// sentinel marks the end of the form.
			if err == io.EOF {
				break
			}
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("reading form: %v", err))
				return false
			}
			switch part.FormName() {
			case "text":
				msg.Text = readField(part)
			case idField:
				if id := readField(part); id != "" {
					msg.SenderID = id
				}
			case "media":
				att, err := s.media.save(part, part.FileName(), part.Header.Get("Content-Type"), 0)
				if err != nil {
					s.mediaError(w, err)
					return false
				}
				msg.Attachment = att
			}
			part.Close()
		}
	}
	if msg.Empty() {
		writeError(w, http.StatusBadRequest, "message has no text or attachment")
		return false
	}
	return true
}

func (s *Server) appendAndBroadcast(w http.ResponseWriter, r *http.Request, msg domain.Message) {
	chatID := r.PathValue("id")
	stored, err := s.chats.Append(r.Context(), chatID, msg)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.persisted(r.Context(), chatID, stored)
	writeJSON(w, http.StatusCreated, map[string]any{"message": stored})
}

// persisted fans a stored message out to the room and emits the hook.
func (s *Server) persisted(ctx context.Context, chatID string, msg domain.Message) {
	s.metrics.messages.WithLabelValues(string(msg.Sender)).Inc()
	n := s.hub.Broadcast(chatID, protocol.EventNewMessage, protocol.NewMessagePayload{
		ChatID:  chatID,
		Message: msg,
	}, "")
	s.log.Debug().Str("chatId", chatID).Str("messageId", msg.ID).Int("delivered", n).Msg("message persisted")
	if s.hooks != nil {
		s.hooks.EmitAsync(context.WithoutCancel(ctx), hooks.EventMessagePersisted, map[string]any{
			"chatId":    chatID,
			"messageId": msg.ID,
			"sender":    string(msg.Sender),
			"text":      msg.Text,
		})
	}
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	changed, err := s.chats.Resolve(r.Context(), chatID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if changed {
		s.metrics.resolved.Inc()
		s.hub.Broadcast(chatID, protocol.EventChatResolved, protocol.ChatResolvedPayload{ChatID: chatID}, "")
		s.log.Info().Str("chatId", chatID).Str("by", claimsFrom(r.Context()).Email).Msg("conversation resolved")
		if s.hooks != nil {
			s.hooks.EmitAsync(context.WithoutCancel(r.Context()), hooks.EventChatResolved, map[string]any{
				"chatId": chatID,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chatId": chatID, "status": domain.StatusResolved})
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	path, ok := s.media.open(r.PathValue("name"))
	if !ok {
		handleNotFound(w, r)
		return
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeFile(w, r, path)
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "chat not found")
	case errors.Is(err, store.ErrResolved):
		writeError(w, http.StatusConflict, "chat is resolved")
	default:
		s.internalError(w, r, err)
	}
}

func (s *Server) mediaError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, attachment.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, attachment.ErrUnsupportedType):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, attachment.ErrEmptyFile):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error().Err(err).Msg("storing media failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func readField(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxJSONBody))
	return string(b)
}
