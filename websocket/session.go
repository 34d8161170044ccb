package websocket

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Session owns the socket and timers for one upgraded connection and drives
// decode -> assemble -> dispatch handler -> encode replies. It is created
// by Upgrade and started with Run.
type Session struct {
	id        string
	transport *transport
	handler   Handler
	state     any
	request   *http.Request
	logger    zerolog.Logger

	decoder   *decoder
	assembler *assembler

	timeout     time.Duration
	timer       *time.Timer
	timerGen    uint64
	timerFires  chan uint64
	hibernate   bool
	readBufSize int

	notify chan any
}

// newSession builds a Session from a validated handshake. It does not start
// the event loop - call Run in a goroutine. maxMessageSize overrides the
// assembler's defaultMaxMessageSize when positive; 0 keeps the default.
func newSession(id string, tr *transport, handler Handler, init InitResult, r *http.Request, logger zerolog.Logger, readBufSize, maxMessageSize int) *Session {
	a := newAssembler()
	if maxMessageSize > 0 {
		a.maxMessageSize = maxMessageSize
	}

	return &Session{
		id:          id,
		transport:   tr,
		handler:     handler,
		state:       init.State,
		request:     r,
		logger:      logger,
		decoder:     newDecoder(),
		assembler:   a,
		timeout:     init.Timeout,
		timerFires:  make(chan uint64, 1),
		hibernate:   init.Hibernate,
		readBufSize: readBufSize,
		notify:      make(chan any, 256),
	}
}

// Notify delivers an externally produced message to the session's OnInfo
// callback. Safe to call from any goroutine; blocks if the mailbox is
// full.
func (s *Session) Notify(msg any) {
	s.notify <- msg
}

// ID returns the session's short, log-friendly identifier.
func (s *Session) ID() string { return s.id }

// Run drives the session's main cycle until termination. It returns once
// OnTerminate has run and the socket is closed.
func (s *Session) Run(ctx context.Context) {
	s.transport.armRead(s.readBufSize)
	s.armTimeout()

	for {
		if s.hibernate {
			// Hibernate is a scheduler hint: observable semantics are
			// unchanged whether or not the runtime actually parks anything,
			// so this is a no-op beyond clearing the flag.
			s.hibernate = false
		}

		select {
		case ev, ok := <-s.transport.events:
			if !ok {
				return
			}
			switch ev.kind {
			case transportReady:
				if s.handleReadable(ctx, ev.data) {
					return
				}
			case transportClosed:
				s.terminate(ctx, ReasonRemoteClosed)
				return
			case transportError:
				s.terminate(ctx, ReasonTransportError)
				return
			}

		case gen := <-s.timerFires:
			// A fired handle that is not the current generation is
			// deliberately ignored, not an error - it means a newer timer
			// already superseded it.
			if gen != s.timerGen {
				continue
			}
			_ = s.sendOutbound(CloseOut())
			s.terminate(ctx, ReasonNormalTimeout)
			return

		case msg := <-s.notify:
			if s.handleInfo(ctx, msg) {
				return
			}
		}
	}
}

// armTimeout (re)arms the inactivity timer, bumping the generation counter
// so any previously scheduled fire is recognized as stale. Called on
// session start, on each successful inbound-frame decode, and on each
// successful reply flush.
func (s *Session) armTimeout() {
	if s.timeout <= 0 {
		return
	}

	if s.timer != nil {
		s.timer.Stop()
	}

	s.timerGen++
	gen := s.timerGen
	fires := s.timerFires

	s.timer = time.AfterFunc(s.timeout, func() {
		select {
		case fires <- gen:
		default:
		}
	})
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

// handleReadable appends newly read bytes to the decoder and drains every
// complete frame it yields, dispatching each in arrival order. Returns true
// if the session terminated while draining.
func (s *Session) handleReadable(ctx context.Context, data []byte) bool {
	s.decoder.feed(data)

	for {
		f, ok, err := s.decoder.next()
		if err != nil {
			s.protocolError(ctx, err)
			return true
		}
		if !ok {
			return false
		}

		s.armTimeout()

		if s.dispatchFrame(ctx, f) {
			return true
		}
	}
}

// dispatchFrame feeds one decoded frame to the assembler and acts on
// whatever application event it produces. Returns true if the session
// terminated.
func (s *Session) dispatchFrame(ctx context.Context, f *frame) bool {
	ev, err := s.assembler.feed(f)
	if errors.Is(err, ErrMessageTooLarge) {
		s.logger.Warn().Err(err).Msg("reassembled message exceeded the size limit, closing connection")
		_ = s.sendOutbound(CloseOutWithStatus(CloseMessageTooBig, ""))
		s.terminate(ctx, ReasonProtocolError)
		return true
	}
	if err != nil {
		s.protocolError(ctx, err)
		return true
	}

	switch ev.kind {
	case eventNone:
		return false

	case eventMessage:
		return s.dispatchMessage(ctx, ev.message)

	case eventPing:
		// A received ping must produce the pong on the wire strictly before
		// OnMessage(ping, ...) returns: send it first, synchronously, before
		// calling the handler.
		if out := s.sendOutbound(PongOut(ev.payload)); out != outcomeOK {
			s.terminate(ctx, ReasonTransportError)
			return true
		}
		return s.dispatchMessage(ctx, Message{Type: PingMessage, Payload: ev.payload})

	case eventPong:
		return s.dispatchMessage(ctx, Message{Type: PongMessage, Payload: ev.payload})

	case eventClose:
		code, reason := decodeClosePayload(ev.payload)
		s.logger.Info().
			Int("close_code", int(code)).
			Str("close_reason", reason).
			Msg("received close frame")
		_ = s.sendOutbound(CloseOut())
		s.terminate(ctx, ReasonRemoteClosed)
		return true

	default:
		return false
	}
}

// dispatchMessage runs Handler.OnMessage and applies its Result.
func (s *Session) dispatchMessage(ctx context.Context, msg Message) bool {
	result, ok := s.callOnMessage(ctx, msg)
	if !ok {
		s.handlerError(ctx)
		return true
	}
	return s.processResult(ctx, result)
}

// handleInfo runs Handler.OnInfo and applies its Result.
func (s *Session) handleInfo(ctx context.Context, msg any) bool {
	result, ok := s.callOnInfo(ctx, msg)
	if !ok {
		s.handlerError(ctx)
		return true
	}
	return s.processResult(ctx, result)
}

// processResult applies a handler Result: updates state, flushes any
// replies in order (short-circuiting on the first non-Ok encoder outcome),
// and honors an explicit shutdown. Returns true if the session terminated.
func (s *Session) processResult(ctx context.Context, result Result) bool {
	s.state = result.State

	for _, of := range result.Replies {
		switch s.sendOutbound(of) {
		case outcomeShutdown:
			s.terminate(ctx, ReasonNormalShutdown)
			return true
		case outcomeError:
			s.terminate(ctx, ReasonTransportError)
			return true
		}
		s.armTimeout()
	}

	if result.shutdown {
		_ = s.sendOutbound(CloseOut())
		s.terminate(ctx, ReasonNormalShutdown)
		return true
	}

	s.hibernate = result.Hibernate
	return false
}

// sendOutbound encodes and writes a logical frame, returning the send
// path's return discipline.
func (s *Session) sendOutbound(of OutboundFrame) outcome {
	f, err := of.toFrame()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to build outbound frame")
		return outcomeError
	}

	raw, err := encodeFrame(f)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode outbound frame")
		return outcomeError
	}

	if err := s.transport.send(raw); err != nil {
		s.logger.Error().Err(err).Msg("failed to write outbound frame")
		return outcomeError
	}

	if f.opcode == opcodeClose {
		return outcomeShutdown
	}
	return outcomeOK
}

// protocolError handles a fatal malformed-frame condition: send a close
// frame best-effort, then terminate with ReasonProtocolError.
func (s *Session) protocolError(ctx context.Context, err error) {
	s.logger.Warn().Err(err).Msg("protocol error, closing connection")
	_ = s.sendOutbound(CloseOutWithStatus(CloseProtocolError, ""))
	s.terminate(ctx, ReasonProtocolError)
}

// handlerError handles a callback that panicked or returned an error: send
// a close frame best-effort, then terminate with ReasonHandlerError.
func (s *Session) handlerError(ctx context.Context) {
	_ = s.sendOutbound(CloseOutWithStatus(CloseInternalServerErr, ""))
	s.terminate(ctx, ReasonHandlerError)
}

// callOnMessage invokes Handler.OnMessage with panic recovery. A recovered
// panic and a returned error are both treated as HandlerError - Go
// expresses "the callback threw" as either shape.
func (s *Session) callOnMessage(ctx context.Context, msg Message) (result Result, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logHandlerPanic("OnMessage", rec)
			ok = false
		}
	}()

	r, err := s.handler.OnMessage(ctx, msg, s.state)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("callback", "OnMessage").
			Str("message_type", msg.Type.String()).
			Msg("handler returned error")
		return Result{}, false
	}

	return r, true
}

// callOnInfo invokes Handler.OnInfo with panic recovery, mirroring
// callOnMessage.
func (s *Session) callOnInfo(ctx context.Context, msg any) (result Result, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logHandlerPanic("OnInfo", rec)
			ok = false
		}
	}()

	r, err := s.handler.OnInfo(ctx, msg, s.state)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("callback", "OnInfo").
			Msg("handler returned error")
		return Result{}, false
	}

	return r, true
}

func (s *Session) logHandlerPanic(callback string, rec any) {
	s.logger.Error().
		Str("callback", callback).
		Interface("panic", rec).
		Bytes("stack", debug.Stack()).
		Msg("handler panicked")
}

// terminate stops the inactivity timer, runs OnTerminate exactly once
// (recovering and swallowing any panic from it), and closes the transport.
func (s *Session) terminate(ctx context.Context, reason TerminateReason) {
	s.stopTimer()

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().Interface("panic", rec).Msg("OnTerminate panicked, swallowing")
			}
		}()
		s.handler.OnTerminate(ctx, reason, s.state)
	}()

	_ = s.transport.close()
	s.logger.Info().Str("reason", reason.String()).Msg("session terminated")
}
