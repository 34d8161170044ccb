package websocket

import (
	"context"
	"net/http"
	"time"
)

// Handler is the application callback contract the session loop drives.
// The session owns handler state by value and threads it through every
// callback; the session never inspects it.
//
// No callback is ever invoked concurrently with itself, or with another
// callback, for the same connection. Init runs inside Upgrade, before the
// session exists; OnMessage, OnInfo and OnTerminate all run on the
// session's single loop goroutine.
type Handler interface {
	// Init runs once, after the upgrade handshake validates but before the
	// 101 response is written. transportName identifies the underlying
	// connection (its remote address) for logging and correlation. It
	// returns either an InitResult that lets the handshake proceed, or a
	// shutdown InitResult that answers 400 instead.
	Init(ctx context.Context, transportName string, r *http.Request, opts map[string]any) (InitResult, error)

	// OnMessage is invoked once per application-level message: a single
	// unfragmented frame, or a fully reassembled fragmented one.
	OnMessage(ctx context.Context, msg Message, state any) (Result, error)

	// OnInfo is invoked for externally delivered messages - anything handed
	// to the session from outside the wire via Session.Notify.
	OnInfo(ctx context.Context, info any, state any) (Result, error)

	// OnTerminate runs exactly once per session that successfully upgraded.
	// Its return value, if any, is ignored; a panic here is logged and
	// swallowed.
	OnTerminate(ctx context.Context, reason TerminateReason, state any)
}

// InitResult is Handler.Init's response shape.
type InitResult struct {
	shutdown  bool
	State     any
	Timeout   time.Duration // 0 means infinite
	Hibernate bool
}

// InitOK continues the handshake with infinite timeout and no hibernate.
func InitOK(state any) InitResult {
	return InitResult{State: state}
}

// InitOKTimeout continues the handshake with an inactivity timeout.
func InitOKTimeout(state any, timeout time.Duration) InitResult {
	return InitResult{State: state, Timeout: timeout}
}

// InitOKHibernate continues the handshake with the hibernate hint set.
func InitOKHibernate(state any) InitResult {
	return InitResult{State: state, Hibernate: true}
}

// InitOKTimeoutHibernate continues the handshake with both a timeout and
// the hibernate hint set.
func InitOKTimeoutHibernate(state any, timeout time.Duration) InitResult {
	return InitResult{State: state, Timeout: timeout, Hibernate: true}
}

// InitShutdown answers the handshake with 400 and never creates a session.
func InitShutdown() InitResult {
	return InitResult{shutdown: true}
}

// Result is the response shape shared by Handler.OnMessage and
// Handler.OnInfo.
type Result struct {
	shutdown  bool
	State     any
	Hibernate bool
	Replies   []OutboundFrame
}

// ResultOK continues the session with updated state.
func ResultOK(state any) Result {
	return Result{State: state}
}

// ResultOKHibernate continues the session with updated state and sets the
// hibernate hint.
func ResultOKHibernate(state any) Result {
	return Result{State: state, Hibernate: true}
}

// ResultReply enqueues one or more outbound frames, then continues the
// session with updated state. If any of the frames is a close frame, the
// session terminates normally once it is flushed.
func ResultReply(state any, frames ...OutboundFrame) Result {
	return Result{State: state, Replies: frames}
}

// ResultReplyHibernate is ResultReply plus the hibernate hint.
func ResultReplyHibernate(state any, frames ...OutboundFrame) Result {
	return Result{State: state, Replies: frames, Hibernate: true}
}

// ResultShutdown sends a close frame, runs OnTerminate with
// ReasonNormalShutdown, and exits.
func ResultShutdown(state any) Result {
	return Result{shutdown: true, State: state}
}

// OutboundFrame is a logical frame a handler wants written to the wire.
type OutboundFrame struct {
	opcode    byte
	payload   []byte
	closeCode CloseCode
	hasStatus bool
}

// Text builds a text frame from a UTF-8 string.
func Text(s string) OutboundFrame {
	return OutboundFrame{opcode: opcodeText, payload: []byte(s)}
}

// Binary builds a binary frame.
func Binary(b []byte) OutboundFrame {
	return OutboundFrame{opcode: opcodeBinary, payload: b}
}

// PingOut builds a ping control frame (payload must be <= 125 bytes).
func PingOut(payload []byte) OutboundFrame {
	return OutboundFrame{opcode: opcodePing, payload: payload}
}

// PongOut builds a pong control frame (payload must be <= 125 bytes).
func PongOut(payload []byte) OutboundFrame {
	return OutboundFrame{opcode: opcodePong, payload: payload}
}

// CloseOut builds a close frame with no status code or reason.
func CloseOut() OutboundFrame {
	return OutboundFrame{opcode: opcodeClose}
}

// CloseOutWithStatus builds a close frame carrying a status code and
// optional reason.
func CloseOutWithStatus(code CloseCode, reason string) OutboundFrame {
	return OutboundFrame{opcode: opcodeClose, payload: []byte(reason), closeCode: code, hasStatus: true}
}

// toFrame converts the logical OutboundFrame into a wire frame.
func (o OutboundFrame) toFrame() (*frame, error) {
	switch o.opcode {
	case opcodeText:
		return textFrame(o.payload), nil
	case opcodeBinary:
		return binaryFrame(o.payload), nil
	case opcodePing:
		return pingFrame(o.payload)
	case opcodePong:
		return pongFrame(o.payload)
	case opcodeClose:
		if o.hasStatus {
			return closeFrameWithStatus(o.closeCode, string(o.payload))
		}
		return closeFrame(), nil
	default:
		return nil, ErrInvalidOpcode
	}
}
