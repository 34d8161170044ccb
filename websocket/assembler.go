package websocket

import "fmt"

// defaultMaxMessageSize bounds how large a reassembled fragmented message
// may grow before the assembler gives up and reports ErrMessageTooLarge.
// Matches maxFramePayload, the limit already enforced per-frame.
const defaultMaxMessageSize = 32 * 1024 * 1024

// fragState tracks in-progress message fragmentation. Continuation frames
// (opcode 0) never name a fragState on their own - they only ever continue
// whatever data opcode started the sequence.
type fragState struct {
	active  bool
	opcode  byte
	payload []byte
}

// assembler collapses a sequence of frames into application messages,
// honoring RFC 6455's fragmentation rules and control-frame interleaving.
//
// This logic is pulled out of the connection's read path into its own type
// so it can be driven frame-by-frame by the session loop (and unit-tested)
// without a live connection.
type assembler struct {
	frag           fragState
	maxMessageSize int
}

// newAssembler returns an assembler with no fragment in progress, bounded by
// defaultMaxMessageSize. UpgradeOptions.MaxMessageSize overrides this on the
// Session the assembler belongs to.
func newAssembler() *assembler {
	return &assembler{maxMessageSize: defaultMaxMessageSize}
}

// event is what feed emits for one input frame. Exactly one of the fields
// applies, selected by kind.
type event struct {
	kind    eventKind
	message Message
	payload []byte // ping/pong payload
}

type eventKind int

const (
	eventNone eventKind = iota
	eventMessage
	eventPing
	eventPong
	eventClose
)

// feed applies one decoded frame to the assembler's fragmentation state and
// returns the application-level event it produces, if any.
//
// Control frames (ping/pong/close) pass through unchanged fragment state and
// may appear mid-fragmentation. Data frames drive the fragState transitions:
// a FIN=1 frame with a data opcode emits immediately; a FIN=0 frame opens a
// fragment; continuation frames extend or close it.
func (a *assembler) feed(f *frame) (event, error) {
	switch {
	case isControlFrame(f.opcode):
		return a.feedControl(f)
	case isDataFrame(f.opcode):
		return a.feedData(f)
	default:
		return event{}, ErrInvalidOpcode
	}
}

func (a *assembler) feedControl(f *frame) (event, error) {
	switch f.opcode {
	case opcodeClose:
		return event{kind: eventClose, payload: f.payload}, nil
	case opcodePing:
		return event{kind: eventPing, payload: f.payload}, nil
	case opcodePong:
		return event{kind: eventPong, payload: f.payload}, nil
	default:
		return event{}, ErrInvalidOpcode
	}
}

func (a *assembler) feedData(f *frame) (event, error) {
	switch f.opcode {
	case opcodeText, opcodeBinary:
		if a.frag.active {
			// A new data opcode while a fragment is already open is illegal:
			// only continuation (0) may appear until the FIN fragment.
			return event{}, ErrProtocolError
		}

		if len(f.payload) > a.maxMessageSize {
			return event{}, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(f.payload))
		}

		if f.fin {
			return event{kind: eventMessage, message: Message{
				Type:    MessageType(f.opcode),
				Payload: f.payload,
			}}, nil
		}

		a.frag = fragState{active: true, opcode: f.opcode, payload: append([]byte(nil), f.payload...)}
		return event{}, nil

	case opcodeContinuation:
		if !a.frag.active {
			return event{}, ErrUnexpectedContinuation
		}

		a.frag.payload = append(a.frag.payload, f.payload...)
		if size := len(a.frag.payload); size > a.maxMessageSize {
			a.frag = fragState{}
			return event{}, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
		}

		if !f.fin {
			return event{}, nil
		}

		msg := Message{Type: MessageType(a.frag.opcode), Payload: a.frag.payload}
		a.frag = fragState{}
		return event{kind: eventMessage, message: msg}, nil

	default:
		return event{}, ErrInvalidOpcode
	}
}
