package websocket

import (
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newUnstartedSession(handler Handler) *Session {
	tr := newTransport(nil, defaultWriteBufferSize)
	req, _ := http.NewRequest(http.MethodGet, "/ws", http.NoBody)
	return newSession("s", tr, handler, InitOK(nil), req, zerolog.Nop(), defaultReadBufferSize, 0)
}

// TestHub_BroadcastReachesRegisteredSessions checks a broadcast message
// lands on every registered session's mailbox, ready for its own loop to
// hand to OnInfo - Hub never touches the wire directly.
func TestHub_BroadcastReachesRegisteredSessions(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Close()

	s1 := newUnstartedSession(&stubHandler{})
	s2 := newUnstartedSession(&stubHandler{})
	hub.Register(s1)
	hub.Register(s2)

	hub.Broadcast(BroadcastMessage{Type: TextMessage, Payload: []byte("hi")})

	for _, sess := range []*Session{s1, s2} {
		select {
		case msg := <-sess.notify:
			bm, ok := msg.(BroadcastMessage)
			if !ok || string(bm.Payload) != "hi" {
				t.Errorf("unexpected mailbox content: %+v", msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast never reached a registered session's mailbox")
		}
	}

	if hub.SessionCount() != 2 {
		t.Errorf("expected 2 registered sessions, got %d", hub.SessionCount())
	}

	hub.Unregister(s1)
	time.Sleep(20 * time.Millisecond)
	if hub.SessionCount() != 1 {
		t.Errorf("expected 1 registered session after unregister, got %d", hub.SessionCount())
	}
}

// TestHub_CloseStopsDeliveringBroadcasts checks Broadcast becomes a no-op
// after Close.
func TestHub_CloseStopsDeliveringBroadcasts(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	sess := newUnstartedSession(&stubHandler{})
	hub.Register(sess)

	if err := hub.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	hub.Broadcast(BroadcastMessage{Type: TextMessage, Payload: []byte("too late")})

	select {
	case msg := <-sess.notify:
		t.Errorf("expected no delivery after Close, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}
