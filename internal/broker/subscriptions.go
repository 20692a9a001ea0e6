// ABOUTME: In-memory fan-out broker mapping conversations to subscriber sessions
// ABOUTME: Broadcast is O(subscribers); broken sessions are pruned lazily

package broker

import (
	"log/slog"
	"sync"

	"github.com/VeriTeknik/pluggedin-broker/internal/protocol"
	"github.com/VeriTeknik/pluggedin-broker/internal/session"
)

// RemoveFunc is called when a broadcast finds a dead session. The registry's
// Remove is plugged in here so pruning funnels through the standard
// disconnect path.
type RemoveFunc func(sessionID string)

// Subscriptions provides in-memory pub/sub from conversation IDs to live
// supervisor sessions. Subscriber counts per conversation are expected to be
// small (human supervisors, not mass fan-out).
type Subscriptions struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*session.Session // conversationID -> sessionID -> session
	remove      RemoveFunc
	logger      *slog.Logger
}

// New creates a broker. Pass nil logger for default.
func New(logger *slog.Logger) *Subscriptions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriptions{
		subscribers: make(map[string]map[string]*session.Session),
		logger:      logger.With("component", "broker"),
	}
}

// SetRemoveFunc installs the dead-session pruning hook.
func (b *Subscriptions) SetRemoveFunc(fn RemoveFunc) {
	b.remove = fn
}

// Subscribe adds the session to the conversation's subscriber set and
// records the subscription on the session. Idempotent.
func (b *Subscriptions) Subscribe(s *session.Session, conversationID string) {
	b.mu.Lock()
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]*session.Session)
	}
	b.subscribers[conversationID][s.ID] = s
	b.mu.Unlock()

	s.AddSubscription(conversationID)

	b.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"session_id", s.ID)
}

// Unsubscribe removes the session from the conversation's subscriber set.
// Empty sets are pruned to avoid unbounded map growth.
func (b *Subscriptions) Unsubscribe(s *session.Session, conversationID string) {
	b.mu.Lock()
	if subs, ok := b.subscribers[conversationID]; ok {
		delete(subs, s.ID)
		if len(subs) == 0 {
			delete(b.subscribers, conversationID)
		}
	}
	b.mu.Unlock()

	s.RemoveSubscription(conversationID)

	b.logger.Debug("subscriber removed",
		"conversation_id", conversationID,
		"session_id", s.ID)
}

// DropSession removes the session from every conversation it subscribed to.
// Called via the registry's removal hook on disconnect.
func (b *Subscriptions) DropSession(s *session.Session) {
	for _, conversationID := range s.Subscriptions() {
		b.Unsubscribe(s, conversationID)
	}
}

// Broadcast sends the envelope to every session subscribed to the
// conversation, excluding excludeSessionID when non-empty. Sessions found
// closed during iteration are pruned through the registry's removal path.
func (b *Subscriptions) Broadcast(conversationID string, env *protocol.Outbound, excludeSessionID string) {
	b.mu.RLock()
	subs, ok := b.subscribers[conversationID]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}

	// Copy targets under read lock to avoid holding it during sends
	targets := make([]*session.Session, 0, len(subs))
	for id, s := range subs {
		if excludeSessionID != "" && id == excludeSessionID {
			continue
		}
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		err := s.Send(env)
		switch err {
		case nil:
		case session.ErrSessionClosed:
			if b.remove != nil {
				b.remove(s.ID)
			}
		default:
			// Queue full: drop this event for the slow subscriber only
			b.logger.Debug("dropped event for slow subscriber",
				"conversation_id", conversationID,
				"session_id", s.ID,
				"type", env.Type)
		}
	}
}

// Subscribers returns a snapshot of the conversation's subscriber session IDs.
func (b *Subscriptions) Subscribers(conversationID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.subscribers[conversationID]
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	return out
}

// Conversations returns the number of conversations with live subscribers.
func (b *Subscriptions) Conversations() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
