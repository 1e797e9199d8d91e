// Package fanout maintains the (collection, pattern) -> sessions index
// and pushes SUBSCRIPTION_UPDATE notifications on mutation. The
// locking discipline and non-blocking delivery are grounded on the
// teacher's events.Bus, generalized from a single broadcast channel
// set to a keyed index over live sessions.
package fanout

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/kvbridge/kvbridge/internal/protocol"
	"github.com/kvbridge/kvbridge/internal/session"
)

// Registry tracks which sessions are subscribed to which
// (collection, pattern) keys and fans out mutation notifications.
type Registry struct {
	log *slog.Logger

	mu    sync.RWMutex
	index map[session.Key]map[*session.Session]struct{}
}

// New creates an empty registry. A nil logger falls back to
// slog.Default().
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:   log,
		index: make(map[session.Key]map[*session.Session]struct{}),
	}
}

// Subscribe adds key to both s's own subscription set and the global
// index. Returns false if s was already subscribed to key (the
// broker's chosen resolution of the double-subscribe open question:
// a no-op success, not an error).
func (r *Registry) Subscribe(s *session.Session, key session.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !s.Subscribe(key) {
		return false
	}
	sessions, ok := r.index[key]
	if !ok {
		sessions = make(map[*session.Session]struct{})
		r.index[key] = sessions
	}
	sessions[s] = struct{}{}
	return true
}

// Unsubscribe removes key from both s's subscription set and the
// global index. Returns false if s was not subscribed to key.
func (r *Registry) Unsubscribe(s *session.Session, key session.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !s.Unsubscribe(key) {
		return false
	}
	if sessions, ok := r.index[key]; ok {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(r.index, key)
		}
	}
	return true
}

// RemoveSession purges every index entry the session holds, called on
// transport close.
func (r *Registry) RemoveSession(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range s.Subscriptions() {
		if sessions, ok := r.index[key]; ok {
			delete(sessions, s)
			if len(sessions) == 0 {
				delete(r.index, key)
			}
		}
	}
}

// Notify fans out a SUBSCRIPTION_UPDATE for a mutation of
// (collection, key) to every session subscribed to the exact key or
// the collection's wildcard, excluding originator. Delivery is
// best-effort and non-blocking: a session whose outbound queue is
// full (Send returns an error) is logged and skipped, never retried
// here and never allowed to stall the mutator.
func (r *Registry) Notify(collection, key, operation string, value json.RawMessage, originator *session.Session) {
	r.mu.RLock()
	recipients := make(map[*session.Session]struct{})
	for s := range r.index[session.Key{Collection: collection, Pattern: key}] {
		recipients[s] = struct{}{}
	}
	for s := range r.index[session.Key{Collection: collection, Pattern: session.WildcardPattern}] {
		recipients[s] = struct{}{}
	}
	r.mu.RUnlock()

	delete(recipients, originator)
	if len(recipients) == 0 {
		return
	}

	env := protocol.Envelope{
		Type:       protocol.OpSubscriptionUpdate,
		Collection: collection,
		Key:        key,
		Operation:  operation,
		Value:      value,
		Timestamp:  time.Now().UnixMilli(),
	}

	for s := range recipients {
		if err := s.Send(env); err != nil {
			r.log.Warn("dropping subscription update, outbound queue unavailable",
				"session", s.ID, "collection", collection, "key", key, "error", err)
		}
	}
}
