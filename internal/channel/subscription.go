package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/soyeahso/backoffice/internal/domain"
	"github.com/soyeahso/backoffice/internal/protocol"
)

// Handlers receive the events of one conversation. They run on the socket's
// read goroutine and must not block. Nil handlers are skipped.
type Handlers struct {
	OnMessage    func(domain.Message)
	OnTyping     func(domain.Participant)
	OnStopTyping func(domain.Participant)
	OnResolved   func()
	OnError      func(error)
	// OnReconnect fires after the socket re-established the connection and
	// re-joined the conversation. Events sent while disconnected are lost.
	OnReconnect func()
}

// Subscription is a joined conversation on a Socket.
type Subscription struct {
	socket *Socket
	chatID string
	self   domain.Participant

	mu     sync.Mutex
	h      Handlers
	closed bool
}

// ChatID returns the conversation this subscription observes.
func (s *Subscription) ChatID() string { return s.chatID }

// Self returns the participant the subscription announces itself as.
func (s *Subscription) Self() domain.Participant { return s.self }

// Typing tells the room that self started typing.
func (s *Subscription) Typing(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.socket.notify(ctx, protocol.MethodTyping, s.params())
}

// StopTyping tells the room that self stopped typing.
func (s *Subscription) StopTyping(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.socket.notify(ctx, protocol.MethodStopTyping, s.params())
}

// Close emits stopTyping and leaveChat for self and detaches every handler
// of the conversation. It is safe to call more than once.
func (s *Subscription) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.h = Handlers{}
	s.mu.Unlock()

	var errs []error
	if err := s.socket.notify(ctx, protocol.MethodStopTyping, s.params()); err != nil {
		errs = append(errs, fmt.Errorf("sending stopTyping: %w", err))
	}
	if err := s.socket.notify(ctx, protocol.MethodLeaveChat, s.params()); err != nil {
		errs = append(errs, fmt.Errorf("sending leaveChat: %w", err))
	}
	s.socket.rooms.detach(s)
	return errors.Join(errs...)
}

func (s *Subscription) params() protocol.RoomParams {
	return protocol.RoomParams{ChatID: s.chatID, UserType: s.self.Type, UserID: s.self.ID}
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) setHandlers(h Handlers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h = h
}

func (s *Subscription) handlers() Handlers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h
}

func (s *Subscription) deliverError(err error) {
	if h := s.handlers(); h.OnError != nil {
		h.OnError(err)
	}
}
