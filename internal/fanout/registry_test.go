package fanout

import (
	"sync"
	"testing"

	"github.com/kvbridge/kvbridge/internal/protocol"
	"github.com/kvbridge/kvbridge/internal/session"
)

func newRecordingSession(id string) (*session.Session, *[]protocol.Envelope) {
	var mu sync.Mutex
	var received []protocol.Envelope
	s := session.New(id, session.Browser, func(e protocol.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e)
		return nil
	})
	return s, &received
}

func TestRegistrySubscribeIsNoOpOnDuplicate(t *testing.T) {
	r := New(nil)
	s, _ := newRecordingSession("a")
	key := session.Key{Collection: "cart", Pattern: "u1"}

	if !r.Subscribe(s, key) {
		t.Fatal("expected first subscribe to succeed")
	}
	if r.Subscribe(s, key) {
		t.Fatal("expected duplicate subscribe to be a no-op")
	}
}

func TestRegistryNotifyExcludesOriginator(t *testing.T) {
	r := New(nil)
	a, aReceived := newRecordingSession("a")
	b, bReceived := newRecordingSession("b")
	key := session.Key{Collection: "cart", Pattern: "u1"}

	r.Subscribe(a, key)
	r.Subscribe(b, key)

	r.Notify("cart", "u1", "SET", []byte(`{"total":7}`), b)

	if len(*aReceived) != 1 {
		t.Fatalf("expected subscriber a to receive 1 update, got %d", len(*aReceived))
	}
	if len(*bReceived) != 0 {
		t.Fatalf("expected originator b to receive 0 updates, got %d", len(*bReceived))
	}
}

func TestRegistryWildcardMatchesEveryKeyInCollection(t *testing.T) {
	r := New(nil)
	a, aReceived := newRecordingSession("a")
	b, _ := newRecordingSession("b")

	r.Subscribe(a, session.Key{Collection: "cart", Pattern: session.WildcardPattern})

	r.Notify("cart", "u1", "SET", []byte(`{}`), b)
	r.Notify("cart", "u2", "DELETE", nil, b)

	if len(*aReceived) != 2 {
		t.Fatalf("expected 2 wildcard updates, got %d", len(*aReceived))
	}
	if (*aReceived)[0].Operation != "SET" || (*aReceived)[1].Operation != "DELETE" {
		t.Fatalf("expected updates in order [SET DELETE], got %+v", *aReceived)
	}
}

func TestRegistryUnsubscribeFailsWhenNotSubscribed(t *testing.T) {
	r := New(nil)
	s, _ := newRecordingSession("a")
	if r.Unsubscribe(s, session.Key{Collection: "cart", Pattern: "u1"}) {
		t.Fatal("expected unsubscribe of unknown key to fail")
	}
}

func TestRegistryRemoveSessionPurgesIndex(t *testing.T) {
	r := New(nil)
	a, _ := newRecordingSession("a")
	b, bReceived := newRecordingSession("b")
	key := session.Key{Collection: "cart", Pattern: "u1"}

	r.Subscribe(a, key)
	r.RemoveSession(a)
	r.Notify("cart", "u1", "SET", []byte(`{}`), b)

	if len(*bReceived) != 0 {
		t.Fatalf("expected 0 updates after session removal, got %d", len(*bReceived))
	}
}

func TestRegistryNotifySkipsSessionsWithFailingSend(t *testing.T) {
	r := New(nil)
	failing := session.New("slow", session.Browser, func(protocol.Envelope) error {
		return assertCalled
	})
	key := session.Key{Collection: "cart", Pattern: "u1"}
	r.Subscribe(failing, key)

	originator, _ := newRecordingSession("origin")
	r.Notify("cart", "u1", "SET", []byte(`{}`), originator)
}

var assertCalled = errOutboundFull{}

type errOutboundFull struct{}

func (errOutboundFull) Error() string { return "outbound queue full" }
