package websocket

import (
	"bufio"
	"io"
	"net"
	"sync"
)

// transportEventKind tags the three shapes of event the session loop ever
// receives from a transport: data arrived, the peer closed the connection,
// or the read failed.
type transportEventKind int

const (
	transportReady transportEventKind = iota
	transportClosed
	transportError
)

// transportEvent is one event delivered on a transport's events channel.
type transportEvent struct {
	kind transportEventKind
	data []byte
	err  error
}

// transport is the capability set the session loop needs from the
// underlying socket: send bytes, arm a background reader, and receive
// ready/closed/error events.
//
// net.Conn's Read is blocking, so the idiomatic Go realization of "arm for
// one-shot readable notification" is a dedicated reader goroutine that
// blocks in Read and emits exactly one event per call; SessionLoop re-arms
// implicitly by returning to its select, which is what lets the goroutine
// issue its next Read.
type transport struct {
	conn   net.Conn
	bw     *bufio.Writer
	events chan transportEvent

	armOnce sync.Once
	closed  chan struct{}
}

// newTransport wraps a hijacked net.Conn. writeBufSize sizes the outbound
// buffer each send flushes through; it is independent of the read side,
// which is sized separately by armRead's own argument.
func newTransport(conn net.Conn, writeBufSize int) *transport {
	var bw *bufio.Writer
	if conn != nil {
		bw = bufio.NewWriterSize(conn, writeBufSize)
	}

	return &transport{
		conn:   conn,
		bw:     bw,
		events: make(chan transportEvent, 1),
		closed: make(chan struct{}),
	}
}

// name identifies the transport for logging.
func (t *transport) name() string {
	if t.conn == nil {
		return "unknown"
	}
	return t.conn.RemoteAddr().String()
}

// armRead starts the background reader goroutine the first time it is
// called; subsequent calls are no-ops, since the goroutine re-arms itself
// after every read by looping.
func (t *transport) armRead(readBufSize int) {
	t.armOnce.Do(func() {
		go t.readLoop(readBufSize)
	})
}

func (t *transport) readLoop(readBufSize int) {
	buf := make([]byte, readBufSize)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case t.events <- transportEvent{kind: transportReady, data: data}:
			case <-t.closed:
				return
			}
		}
		if err != nil {
			kind := transportError
			if err == io.EOF {
				kind = transportClosed
			}
			select {
			case t.events <- transportEvent{kind: kind, err: err}:
			case <-t.closed:
			}
			return
		}
	}
}

// send writes bytes to the socket. The session loop is the only caller, so
// no additional synchronization is needed here: single-writer semantics
// are enforced by routing every outbound frame through the loop goroutine.
func (t *transport) send(b []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	if t.bw != nil {
		if _, err := t.bw.Write(b); err != nil {
			return err
		}
		return t.bw.Flush()
	}

	_, err := t.conn.Write(b)
	return err
}

// close tears down the socket and unblocks the reader goroutine.
func (t *transport) close() error {
	select {
	case <-t.closed:
		// already closed
	default:
		close(t.closed)
	}
	return t.conn.Close()
}
