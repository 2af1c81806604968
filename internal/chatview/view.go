// Package chatview holds the state of one open conversation: the message
// history fetched over REST merged with live events from the chat channel.
package chatview

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/soyeahso/backoffice/internal/api"
	"github.com/soyeahso/backoffice/internal/attachment"
	"github.com/soyeahso/backoffice/internal/channel"
	"github.com/soyeahso/backoffice/internal/domain"
	"github.com/soyeahso/backoffice/internal/logging"
)

// Status is the lifecycle state of a view.
type Status string

const (
	StatusLoading  Status = "loading"
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
	StatusFailed   Status = "failed"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrResolved     = errors.New("conversation is resolved")
	ErrNotOpen      = errors.New("conversation is not open")
)

const reconnectReloadTimeout = 15 * time.Second

// ChatAPI is the REST surface a view needs.
type ChatAPI interface {
	Get(ctx context.Context, id string) (*domain.Conversation, error)
	Reply(ctx context.Context, id string, r api.Reply) (*domain.Message, error)
	Resolve(ctx context.Context, id string) error
}

// Room is a joined conversation on the live channel.
type Room interface {
	Typing(ctx context.Context) error
	StopTyping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Channel joins conversations on the live channel. A nil Channel puts the
// view in REST-only mode.
type Channel interface {
	Join(ctx context.Context, chatID string, self domain.Participant, h channel.Handlers) (Room, error)
}

// Deps are the collaborators of a view.
type Deps struct {
	Chats   ChatAPI
	Channel Channel
	Self    domain.Participant
	Limits  attachment.Limits
	Log     *logging.Logger
}

// Draft is a reply being composed.
type Draft struct {
	Text string
	File *attachment.File
}

// Empty reports whether the draft has neither text nor a file.
func (d Draft) Empty() bool {
	return strings.TrimSpace(d.Text) == "" && d.File == nil
}

// State is an immutable copy of a view for rendering.
type State struct {
	ChatID       string
	Status       Status
	Conversation domain.Conversation
	Messages     []domain.Message
	Typing       []domain.Participant
	Live         bool
	Err          error
}

// CanReply reports whether the reply affordance should be offered.
func (s State) CanReply() bool { return s.Status == StatusOpen }

// View is the view model of one conversation. It is safe for concurrent use;
// channel events arrive on the channel's goroutine.
type View struct {
	chatID string
	deps   Deps
	log    *logging.Logger

	mu              sync.Mutex
	status          Status
	header          domain.Conversation
	messages        []domain.Message
	seen            map[string]struct{}
	buffered        []domain.Message
	resolvedEarly   bool
	typing          map[domain.Participant]struct{}
	lastErr         error
	room            Room
	observers       []func(State)
}

// New creates a view for chatID. Nothing is fetched until Open.
func New(chatID string, deps Deps) *View {
	if deps.Log == nil {
		deps.Log = logging.New(nil, "silent")
	}
	if deps.Limits == (attachment.Limits{}) {
		deps.Limits = attachment.DefaultLimits()
	}
	return &View{
		chatID: chatID,
		deps:   deps,
		log:    deps.Log.Sub("chatview").With("chatId", chatID),
		status: StatusLoading,
		seen:   make(map[string]struct{}),
		typing: make(map[domain.Participant]struct{}),
	}
}

// ChatID returns the conversation the view shows.
func (v *View) ChatID() string { return v.chatID }

// OnChange registers an observer called with a fresh State after every
// change. Observers run without the view's lock held.
func (v *View) OnChange(fn func(State)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.observers = append(v.observers, fn)
}

// Open joins the live channel and then fetches the history. Events that
// arrive before the history are buffered and merged after it. A join
// failure leaves the view REST-only; a fetch failure moves it to failed.
func (v *View) Open(ctx context.Context) error {
	v.mu.Lock()
	switch v.status {
	case StatusOpen, StatusResolved:
		v.mu.Unlock()
		return v.Reload(ctx)
	}
	v.status = StatusLoading
	needJoin := v.room == nil && v.deps.Channel != nil
	v.mu.Unlock()

	if needJoin {
		room, err := v.deps.Channel.Join(ctx, v.chatID, v.deps.Self, v.handlers())
		if err != nil {
			v.log.Warn().Err(err).Msg("live updates unavailable")
			v.setErr(fmt.Errorf("joining live chat: %w", err))
		} else {
			v.mu.Lock()
			v.room = room
			v.mu.Unlock()
		}
	}

	conv, err := v.deps.Chats.Get(ctx, v.chatID)
	if err != nil {
		v.mu.Lock()
		v.status = StatusFailed
		v.lastErr = err
		v.mu.Unlock()
		v.changed()
		return fmt.Errorf("loading chat %s: %w", v.chatID, err)
	}

	v.mu.Lock()
	v.applySnapshotLocked(conv)
	v.settleLocked(conv)
	v.log.Debug().Int("messages", len(v.messages)).Str("status", string(v.status)).Msg("chat opened")
	v.mu.Unlock()
	v.changed()
	return nil
}

// Reload re-fetches the conversation and merges it into the current state.
// The message list never shrinks.
func (v *View) Reload(ctx context.Context) error {
	conv, err := v.deps.Chats.Get(ctx, v.chatID)
	if err != nil {
		v.setErr(err)
		return fmt.Errorf("reloading chat %s: %w", v.chatID, err)
	}

	v.mu.Lock()
	if v.status == StatusResolved {
		v.mu.Unlock()
		return nil
	}
	v.applySnapshotLocked(conv)
	v.settleLocked(conv)
	v.lastErr = nil
	v.mu.Unlock()
	v.changed()
	return nil
}

// Send posts a reply. Empty drafts and invalid attachments are rejected
// without touching the network. The persisted message is merged when the
// server returns it and otherwise arrives over the channel.
func (v *View) Send(ctx context.Context, d Draft) (*domain.Message, error) {
	if d.Empty() {
		return nil, ErrEmptyMessage
	}
	if d.File != nil {
		if _, err := v.deps.Limits.Validate(d.File.MimeType, d.File.Size); err != nil {
			return nil, err
		}
	}

	v.mu.Lock()
	status := v.status
	v.mu.Unlock()
	switch status {
	case StatusResolved:
		return nil, ErrResolved
	case StatusOpen:
	default:
		return nil, ErrNotOpen
	}

	msg, err := v.deps.Chats.Reply(ctx, v.chatID, api.Reply{Text: d.Text, AgentID: v.deps.Self.ID, File: d.File})
	if err != nil {
		if errors.Is(err, api.ErrConflict) {
			v.ApplyResolved()
			return nil, ErrResolved
		}
		v.setErr(err)
		return nil, fmt.Errorf("sending reply: %w", err)
	}
	if msg != nil {
		v.ApplyMessage(*msg)
	}
	return msg, nil
}

// Resolve closes the conversation. With a live channel the state moves to
// resolved when the chatResolved broadcast arrives; without one it moves
// as soon as the request succeeds.
func (v *View) Resolve(ctx context.Context) error {
	v.mu.Lock()
	status, live := v.status, v.room != nil
	v.mu.Unlock()
	switch status {
	case StatusResolved:
		return ErrResolved
	case StatusOpen:
	default:
		return ErrNotOpen
	}

	if err := v.deps.Chats.Resolve(ctx, v.chatID); err != nil {
		v.setErr(err)
		return fmt.Errorf("resolving chat %s: %w", v.chatID, err)
	}
	v.log.Info().Msg("chat resolved")
	if !live {
		v.ApplyResolved()
	}
	return nil
}

// Typing announces that self is typing. It is a no-op without a channel or
// once the conversation is resolved.
func (v *View) Typing(ctx context.Context) error {
	if room := v.liveRoom(); room != nil {
		return room.Typing(ctx)
	}
	return nil
}

// StopTyping announces that self stopped typing.
func (v *View) StopTyping(ctx context.Context) error {
	if room := v.liveRoom(); room != nil {
		return room.StopTyping(ctx)
	}
	return nil
}

// Close leaves the live channel. The view keeps its last state.
func (v *View) Close(ctx context.Context) error {
	v.mu.Lock()
	room := v.room
	v.room = nil
	v.mu.Unlock()
	if room == nil {
		return nil
	}
	if err := room.Close(ctx); err != nil {
		v.log.Debug().Err(err).Msg("leaving chat")
		return err
	}
	return nil
}

// Snapshot returns a copy of the current state.
func (v *View) Snapshot() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stateLocked()
}

// ApplyMessage merges a live message. Messages for other conversations,
// messages already present and messages arriving after resolution are
// dropped. Before the history is loaded messages are buffered.
func (v *View) ApplyMessage(m domain.Message) {
	if m.ConversationID != "" && m.ConversationID != v.chatID {
		return
	}
	v.mu.Lock()
	switch v.status {
	case StatusLoading, StatusFailed:
		v.buffered = append(v.buffered, m)
		v.mu.Unlock()
		return
	case StatusResolved:
		v.mu.Unlock()
		v.log.Debug().Str("messageId", m.ID).Msg("message after resolution dropped")
		return
	}
	added := v.appendLocked(m)
	if added {
		v.clearTypingLocked(m)
	}
	v.mu.Unlock()
	if added {
		v.changed()
	}
}

// ApplyTyping records that another participant is typing.
func (v *View) ApplyTyping(p domain.Participant) {
	if p == v.deps.Self {
		return
	}
	v.mu.Lock()
	if v.status == StatusResolved {
		v.mu.Unlock()
		return
	}
	if _, ok := v.typing[p]; ok {
		v.mu.Unlock()
		return
	}
	v.typing[p] = struct{}{}
	v.mu.Unlock()
	v.changed()
}

// ApplyStopTyping clears a participant's typing indicator.
func (v *View) ApplyStopTyping(p domain.Participant) {
	v.mu.Lock()
	if _, ok := v.typing[p]; !ok {
		v.mu.Unlock()
		return
	}
	delete(v.typing, p)
	v.mu.Unlock()
	v.changed()
}

// ApplyResolved moves the view to resolved. A resolution seen before the
// history is loaded is remembered and wins over the fetched status.
func (v *View) ApplyResolved() {
	v.mu.Lock()
	switch v.status {
	case StatusResolved:
		v.mu.Unlock()
		return
	case StatusLoading, StatusFailed:
		v.resolvedEarly = true
		v.mu.Unlock()
		return
	}
	v.resolveLocked()
	v.mu.Unlock()
	v.changed()
}

// ApplyError records a channel error for display.
func (v *View) ApplyError(err error) {
	v.log.Warn().Err(err).Msg("chat channel error")
	v.setErr(err)
}

func (v *View) handlers() channel.Handlers {
	return channel.Handlers{
		OnMessage:    v.ApplyMessage,
		OnTyping:     v.ApplyTyping,
		OnStopTyping: v.ApplyStopTyping,
		OnResolved:   v.ApplyResolved,
		OnError:      v.ApplyError,
		OnReconnect:  v.catchUp,
	}
}

// catchUp reloads after a reconnect to pick up messages sent while the
// channel was down.
func (v *View) catchUp() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), reconnectReloadTimeout)
		defer cancel()
		if err := v.Reload(ctx); err != nil {
			v.log.Warn().Err(err).Msg("reload after reconnect failed")
		}
	}()
}

func (v *View) liveRoom() Room {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.status == StatusResolved {
		return nil
	}
	return v.room
}

func (v *View) setErr(err error) {
	v.mu.Lock()
	v.lastErr = err
	v.mu.Unlock()
	v.changed()
}

// applySnapshotLocked copies the header of conv and merges its messages.
func (v *View) applySnapshotLocked(conv *domain.Conversation) {
	header := *conv
	header.Messages = nil
	v.header = header
	for _, m := range conv.Messages {
		v.appendLocked(m)
	}
	sort.SliceStable(v.messages, func(i, j int) bool {
		return v.messages[i].Timestamp.Before(v.messages[j].Timestamp)
	})
}

// appendLocked adds m unless a message with the same identity is present.
func (v *View) appendLocked(m domain.Message) bool {
	key := m.Key()
	if _, dup := v.seen[key]; dup {
		return false
	}
	if m.ConversationID == "" {
		m.ConversationID = v.chatID
	}
	v.seen[key] = struct{}{}
	v.messages = append(v.messages, m)
	return true
}

// clearTypingLocked drops the indicator of the message's sender. Messages
// without a sender ID clear every participant of the sender's type.
func (v *View) clearTypingLocked(m domain.Message) {
	if m.SenderID != "" {
		delete(v.typing, domain.Participant{Type: m.Sender, ID: m.SenderID})
		return
	}
	for p := range v.typing {
		if p.Type == m.Sender {
			delete(v.typing, p)
		}
	}
}

// settleLocked merges events buffered while the history was unavailable and
// moves the view to open or resolved.
func (v *View) settleLocked(conv *domain.Conversation) {
	for _, m := range v.buffered {
		v.appendLocked(m)
	}
	v.buffered = nil
	if conv.Resolved() || v.resolvedEarly {
		v.resolvedEarly = false
		v.resolveLocked()
		return
	}
	v.status = StatusOpen
}

func (v *View) resolveLocked() {
	v.status = StatusResolved
	v.header.Status = domain.StatusResolved
	v.typing = make(map[domain.Participant]struct{})
}

func (v *View) stateLocked() State {
	typing := make([]domain.Participant, 0, len(v.typing))
	for p := range v.typing {
		typing = append(typing, p)
	}
	sort.Slice(typing, func(i, j int) bool { return typing[i].String() < typing[j].String() })

	conv := v.header
	conv.Messages = nil
	return State{
		ChatID:       v.chatID,
		Status:       v.status,
		Conversation: conv,
		Messages:     append([]domain.Message(nil), v.messages...),
		Typing:       typing,
		Live:         v.room != nil,
		Err:          v.lastErr,
	}
}

func (v *View) changed() {
	v.mu.Lock()
	state := v.stateLocked()
	observers := slices.Clone(v.observers)
	v.mu.Unlock()
	for _, fn := range observers {
		fn(state)
	}
}
