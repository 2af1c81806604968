// Package channel is the client side of the real-time chat socket: it dials
// the relay, performs the connect handshake, keeps one subscription per
// joined conversation and routes inbound events to their handlers.
package channel

import (
	"sort"
	"sync"

	"github.com/soyeahso/backoffice/internal/logging"
)

// rooms tracks the live subscriptions of a socket, one per conversation.
type rooms struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
	log  *logging.Logger
}

func newRooms(log *logging.Logger) *rooms {
	return &rooms{
		subs: make(map[string]*Subscription),
		log:  log,
	}
}

// attach registers sub unless the conversation already has one, in which
// case the existing subscription is returned with created=false.
func (r *rooms) attach(sub *Subscription) (existing *Subscription, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.subs[sub.chatID]; ok {
		return cur, false
	}
	r.subs[sub.chatID] = sub
	r.log.Debug().Str("chatId", sub.chatID).Msg("room attached")
	return sub, true
}

// detach removes sub if it is still the registered subscription.
func (r *rooms) detach(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.subs[sub.chatID]; ok && cur == sub {
		delete(r.subs, sub.chatID)
		r.log.Debug().Str("chatId", sub.chatID).Msg("room detached")
	}
}

// get returns the subscription for a conversation.
func (r *rooms) get(chatID string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[chatID]
	return sub, ok
}

// all returns every live subscription ordered by conversation ID.
func (r *rooms) all() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].chatID < out[j].chatID })
	return out
}

// ids returns the joined conversation IDs, sorted.
func (r *rooms) ids() []string {
	subs := r.all()
	ids := make([]string, len(subs))
	for i, s := range subs {
		ids[i] = s.chatID
	}
	return ids
}

// count returns the number of live subscriptions.
func (r *rooms) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// clear drops every subscription and returns them.
func (r *rooms) clear() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscription, 0, len(r.subs))
	for id, s := range r.subs {
		out = append(out, s)
		delete(r.subs, id)
	}
	return out
}
