package websocket

import (
	"sync"
)

// BroadcastMessage is the payload Hub hands to every registered session's
// Handler.OnInfo. A handler distinguishes it from other OnInfo shapes with
// a type switch and turns it into a Result carrying the actual reply frame
// - Hub itself never touches the wire, so broadcast delivery still goes
// through each session's own single-writer loop.
type BroadcastMessage struct {
	Type    MessageType
	Payload []byte
}

// Hub tracks the live sessions for a server so application code can
// broadcast to all of them without reaching into the transport layer
// directly.
//
// Hub registers *Session rather than a raw connection and delivers
// broadcasts via Session.Notify, which lands on the session's mailbox and
// is turned into a write by its own OnInfo handler - keeping every socket
// write on that session's single loop goroutine.
type Hub struct {
	sessions map[*Session]bool

	register   chan *Session
	unregister chan *Session
	broadcast  chan BroadcastMessage

	done   chan struct{}
	closed bool
	wg     sync.WaitGroup

	mu sync.RWMutex
}

// NewHub creates a new Hub. Call Run in a goroutine before registering any
// session.
func NewHub() *Hub {
	return &Hub{
		sessions:   make(map[*Session]bool),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		broadcast:  make(chan BroadcastMessage, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the Hub's event loop. Blocks until Close is called.
func (h *Hub) Run() {
	h.wg.Add(1)
	defer h.wg.Done()

	for {
		select {
		case sess := <-h.register:
			h.mu.Lock()
			h.sessions[sess] = true
			h.mu.Unlock()

		case sess := <-h.unregister:
			h.mu.Lock()
			delete(h.sessions, sess)
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for sess := range h.sessions {
				sess.Notify(msg)
			}
			h.mu.RUnlock()

		case <-h.done:
			return
		}
	}
}

// Register adds a session to the Hub. Typically called right after
// Upgrade succeeds, before the session's own Run starts.
func (h *Hub) Register(sess *Session) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	h.register <- sess
}

// Unregister removes a session from the Hub. Safe to call from a
// session's own OnTerminate.
func (h *Hub) Unregister(sess *Session) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	h.unregister <- sess
}

// Broadcast queues a message for delivery to every registered session's
// OnInfo callback. It queues the message and returns without waiting for
// delivery; it blocks only while 256 broadcasts are already queued.
func (h *Hub) Broadcast(msg BroadcastMessage) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	h.broadcast <- msg
}

// BroadcastText queues a text message for delivery to every registered
// session.
func (h *Hub) BroadcastText(text string) {
	h.Broadcast(BroadcastMessage{Type: TextMessage, Payload: []byte(text)})
}

// SessionCount returns the number of currently registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close stops the Hub's event loop and waits for it to exit. It does not
// terminate registered sessions - each session's own lifecycle owns that
// decision.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	close(h.done)
	h.wg.Wait()

	h.mu.Lock()
	h.sessions = make(map[*Session]bool)
	h.mu.Unlock()

	close(h.register)
	close(h.unregister)
	close(h.broadcast)

	return nil
}
