package session

import (
	"testing"

	"github.com/kvbridge/kvbridge/internal/protocol"
)

func TestSessionSubscribeIsNoOpOnDuplicate(t *testing.T) {
	s := New("c1", Browser, func(protocol.Envelope) error { return nil })
	key := Key{Collection: "cart", Pattern: "u1"}

	if !s.Subscribe(key) {
		t.Fatal("expected first subscribe to succeed")
	}
	if s.Subscribe(key) {
		t.Fatal("expected duplicate subscribe to be a no-op")
	}
}

func TestSessionUnsubscribeFailsWhenNotSubscribed(t *testing.T) {
	s := New("c1", Browser, func(protocol.Envelope) error { return nil })
	if s.Unsubscribe(Key{Collection: "cart", Pattern: "u1"}) {
		t.Fatal("expected unsubscribe of unknown key to fail")
	}
}

func TestSessionSendDelegatesToSender(t *testing.T) {
	var got protocol.Envelope
	s := New("c1", Browser, func(e protocol.Envelope) error {
		got = e
		return nil
	})
	want := protocol.Envelope{Type: protocol.OpPing}
	if err := s.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Type != want.Type {
		t.Fatalf("sender did not receive envelope")
	}
}

func TestSessionAliveDefaultsTrue(t *testing.T) {
	s := New("c1", Browser, func(protocol.Envelope) error { return nil })
	if !s.Alive() {
		t.Fatal("expected new session to start alive")
	}
	s.SetAlive(false)
	if s.Alive() {
		t.Fatal("expected SetAlive(false) to take effect")
	}
}
