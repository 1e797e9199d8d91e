// Package session holds per-connection broker state: identity,
// platform, subscription membership, and liveness.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/kvbridge/kvbridge/internal/protocol"
)

// Key identifies one subscription entry: a collection paired with
// either a literal key or the wildcard pattern "*".
type Key struct {
	Collection string
	Pattern    string
}

// WildcardPattern matches every key in a collection.
const WildcardPattern = "*"

// Sender delivers an envelope to the connection's outbound queue. The
// broker wires this to a single writer goroutine per connection so
// Send is safe to call concurrently from handler goroutines and the
// keep-alive sweeper.
type Sender func(protocol.Envelope) error

// Session is the broker-side record of one live client connection.
type Session struct {
	ID       string
	Platform Platform
	send     Sender

	alive atomic.Bool

	mu   sync.RWMutex
	subs map[Key]struct{}
}

// New creates a session with the given id, platform, and outbound
// sender. The session starts alive.
func New(id string, platform Platform, send Sender) *Session {
	s := &Session{
		ID:       id,
		Platform: platform,
		send:     send,
		subs:     make(map[Key]struct{}),
	}
	s.alive.Store(true)
	return s
}

// Send delivers env to this connection's outbound queue.
func (s *Session) Send(env protocol.Envelope) error {
	return s.send(env)
}

// Alive reports the current liveness flag.
func (s *Session) Alive() bool { return s.alive.Load() }

// SetAlive sets the liveness flag, used by the keep-alive sweeper and
// by pong handling.
func (s *Session) SetAlive(v bool) { s.alive.Store(v) }

// Subscribe adds key to this session's subscription set. Returns false
// if the session was already subscribed (a no-op per the broker's
// chosen open-question resolution — see fanout.Registry.Subscribe).
func (s *Session) Subscribe(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[key]; exists {
		return false
	}
	s.subs[key] = struct{}{}
	return true
}

// Unsubscribe removes key from this session's subscription set.
// Returns false if the session was not subscribed.
func (s *Session) Unsubscribe(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[key]; !exists {
		return false
	}
	delete(s.subs, key)
	return true
}

// Subscriptions returns a snapshot of this session's current
// subscription set, used by the fan-out registry to purge its own
// index on teardown.
func (s *Session) Subscriptions() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]Key, 0, len(s.subs))
	for k := range s.subs {
		keys = append(keys, k)
	}
	return keys
}

// IsSubscribed reports whether the session currently holds key.
func (s *Session) IsSubscribed(key Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subs[key]
	return ok
}
