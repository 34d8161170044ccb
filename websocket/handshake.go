package websocket

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // SHA-1 required by RFC 6455 Section 1.3, not used cryptographically
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// websocketGUID is the magic GUID from RFC 6455 Section 1.3, used to
// compute Sec-WebSocket-Accept.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// supportedVersions lists the handshake versions this core accepts: RFC
// 6455's 13, plus the compatible drafts 7 and 8.
var supportedVersions = map[string]bool{"7": true, "8": true, "13": true}

// Default buffer sizes for WebSocket connections.
const (
	defaultReadBufferSize  = 4096
	defaultWriteBufferSize = 4096
)

// UpgradeOptions configures the handshake and the session it produces.
//
// All fields are optional. Zero values use sensible defaults.
type UpgradeOptions struct {
	// Subprotocols is the list of subprotocols advertised by the server.
	// The server selects the first match from the client's requested
	// list. Empty = no subprotocol negotiation.
	Subprotocols []string

	// CheckOrigin verifies the Origin header. nil defaults to
	// checkSameOrigin: browser requests with a cross-origin Origin header
	// are refused, non-browser clients (no Origin header) are allowed.
	CheckOrigin func(*http.Request) bool

	// ReadBufferSize sets the size of each socket read (default 4096).
	ReadBufferSize int

	// WriteBufferSize sizes the transport's outbound write buffer (default
	// 4096).
	WriteBufferSize int

	// MaxMessageSize bounds how large a reassembled fragmented message may
	// grow before the session aborts it with ErrMessageTooLarge (default
	// 32 MB, see defaultMaxMessageSize).
	MaxMessageSize int

	// HandlerOptions is passed through to Handler.Init verbatim.
	HandlerOptions map[string]any

	// Logger receives structured handshake and session log events. The
	// zero value falls back to zerolog's global logger.
	Logger *zerolog.Logger
}

// Upgrade validates an HTTP/1.1 request as a WebSocket opening handshake
// (RFC 6455 Section 4), hijacks the connection, calls handler.Init with the
// transport's name, and on success writes the 101 response and returns a
// ready-to-run *Session. On any failure after the hijack, a raw 400
// response is written directly to the hijacked connection, since the
// http.ResponseWriter can no longer be trusted once Hijack has been called.
//
// Validation sequence, checked in this order (a failure before the hijack
// returns its error without writing any response; answering it, e.g. with
// 400 through w, is left to the caller):
//  1. The request method is GET.
//  2. Upgrade header is exactly "websocket" (case-insensitive).
//  3. Connection header tokens contain "upgrade" (case-insensitive).
//  4. Sec-WebSocket-Version is one of "7", "8", "13".
//  5. Sec-WebSocket-Key is present and non-empty.
//  6. CheckOrigin (or its checkSameOrigin default) accepts the request.
//
// If handler.Init panics, it is recovered, logged, and answered with 400.
//
// Upgrade does not start the session's event loop - call Session.Run in a
// goroutine once Upgrade returns successfully.
func Upgrade(w http.ResponseWriter, r *http.Request, handler Handler, opts *UpgradeOptions) (*Session, error) {
	if opts == nil {
		opts = &UpgradeOptions{}
	}
	if opts.ReadBufferSize == 0 {
		opts.ReadBufferSize = defaultReadBufferSize
	}
	if opts.WriteBufferSize == 0 {
		opts.WriteBufferSize = defaultWriteBufferSize
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	sessionID := shortuuid.New()
	logger = logger.With().Str("session_id", sessionID).Str("remote_addr", r.RemoteAddr).Logger()

	if r.Method != http.MethodGet {
		return nil, ErrInvalidMethod
	}

	if !strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket") {
		return nil, ErrMissingUpgrade
	}

	if !headerContainsToken(r.Header.Get("Connection"), "upgrade") {
		return nil, ErrMissingConnection
	}

	if !supportedVersions[r.Header.Get("Sec-WebSocket-Version")] {
		return nil, ErrInvalidVersion
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, ErrMissingSecKey
	}

	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = checkSameOrigin
	}
	if !checkOrigin(r) {
		return nil, ErrOriginDenied
	}

	subprotocol := negotiateSubprotocol(r, opts.Subprotocols)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, ErrHijackFailed
	}

	netConn, bufrw, err := hijacker.Hijack()
	if err != nil {
		return nil, err
	}

	tr := newTransport(netConn, opts.WriteBufferSize)
	transportName := tr.name()
	logger = logger.With().Str("transport", transportName).Logger()

	init, err := callInit(handler, transportName, r, opts.HandlerOptions, logger)
	if err != nil {
		logger.Error().Err(err).Msg("handler init failed, refusing upgrade")
		writeHandshakeRejection(bufrw)
		_ = netConn.Close()
		return nil, err
	}
	if init.shutdown {
		logger.Info().Msg("handler requested shutdown during init, refusing upgrade")
		writeHandshakeRejection(bufrw)
		_ = netConn.Close()
		return nil, ErrHandlerShutdown
	}

	accept := computeAcceptKey(key)
	if err := writeHandshakeAccept(bufrw, accept, subprotocol); err != nil {
		_ = netConn.Close()
		return nil, err
	}

	// Any bytes the hijacked bufio.Reader already buffered belong to the
	// WebSocket stream (a pipelining client could have sent frames right
	// after its handshake request); hand them to the session's decoder
	// instead of dropping them on the floor.
	var leftover []byte
	if n := bufrw.Reader.Buffered(); n > 0 {
		leftover, _ = bufrw.Reader.Peek(n)
		leftover = append([]byte(nil), leftover...)
	}

	sess := newSession(sessionID, tr, handler, init, r, logger, opts.ReadBufferSize, opts.MaxMessageSize)
	if len(leftover) > 0 {
		sess.decoder.feed(leftover)
	}

	return sess, nil
}

// callInit invokes handler.Init with panic recovery: a panic is logged and
// turned into an error so the caller answers the upgrade with 400.
func callInit(handler Handler, transportName string, r *http.Request, opts map[string]any, logger zerolog.Logger) (result InitResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("handler Init panicked")
			err = ErrHandlerPanic
		}
	}()

	return handler.Init(r.Context(), transportName, r, opts)
}

// writeHandshakeAccept writes the 101 Switching Protocols response directly
// to the hijacked connection and flushes it. Called only once the handshake
// has validated and handler.Init has accepted the connection - by this
// point the http.ResponseWriter has already been hijacked away, so the
// response can no longer go through it.
func writeHandshakeAccept(bw *bufio.ReadWriter, accept, subprotocol string) error {
	fmt.Fprint(bw, "HTTP/1.1 101 Switching Protocols\r\n")
	fmt.Fprint(bw, "Upgrade: websocket\r\n")
	fmt.Fprint(bw, "Connection: Upgrade\r\n")
	fmt.Fprintf(bw, "Sec-WebSocket-Accept: %s\r\n", accept)
	if subprotocol != "" {
		fmt.Fprintf(bw, "Sec-WebSocket-Protocol: %s\r\n", subprotocol)
	}
	fmt.Fprint(bw, "\r\n")
	return bw.Flush()
}

// writeHandshakeRejection writes a bare 400 response to the hijacked
// connection, best-effort - the connection is being closed either way, so
// a write failure here is not itself an error worth returning.
func writeHandshakeRejection(bw *bufio.ReadWriter) {
	fmt.Fprint(bw, "HTTP/1.1 400 Bad Request\r\nConnection: close\r\n\r\n")
	_ = bw.Flush()
}

// computeAcceptKey computes Sec-WebSocket-Accept from the client's key
// (RFC 6455 Section 1.3): base64(SHA1(key + GUID)), byte-wise concatenation,
// no normalization of the key.
func computeAcceptKey(key string) string {
	h := sha1.New() //nolint:gosec // not used cryptographically
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// negotiateSubprotocol selects the first match from the client's requested
// subprotocols (RFC 6455 Section 1.9).
func negotiateSubprotocol(r *http.Request, serverProtos []string) string {
	if len(serverProtos) == 0 {
		return ""
	}

	clientProtos := strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",")
	for _, clientProto := range clientProtos {
		clientProto = strings.TrimSpace(clientProto)
		for _, serverProto := range serverProtos {
			if clientProto == serverProto {
				return clientProto
			}
		}
	}

	return ""
}

// headerContainsToken reports whether header contains token as one of its
// comma-separated values, case-insensitively.
func headerContainsToken(header, token string) bool {
	header = strings.ToLower(header)
	token = strings.ToLower(token)

	for _, h := range strings.Split(header, ",") {
		if strings.TrimSpace(h) == token {
			return true
		}
	}

	return false
}

// checkSameOrigin is the default CheckOrigin: it rejects cross-origin
// browser requests while allowing non-browser clients (no Origin header).
func checkSameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	return origin == scheme+"://"+r.Host
}
