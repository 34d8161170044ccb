package websocket

import (
	"encoding/binary"
	"fmt"
)

// decoder turns a growing byte buffer into a sequence of complete, unmasked
// frames.
//
// decoder never touches I/O: the session loop appends whatever bytes a
// single socket read produced via feed, then calls next in a loop until it
// reports need-more (ok=false, err=nil). This is what lets decode-by-byte
// and decode-in-one-shot agree - the buffer itself is the only state, there
// is no blocking read to make the two cases diverge.
type decoder struct {
	buf []byte
}

// newDecoder returns a decoder with an empty buffer.
func newDecoder() *decoder {
	return &decoder{}
}

// feed appends newly read bytes to the buffer. Bytes already consumed by a
// decoded frame are never retained - the buffer only ever holds bytes not
// yet consumed.
func (d *decoder) feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// pending reports how many unconsumed bytes remain buffered.
func (d *decoder) pending() int {
	return len(d.buf)
}

// next attempts to decode one frame from the front of the buffer.
//
// Returns (frame, true, nil) and advances past the consumed bytes on
// success. Returns (nil, false, nil) - the need-more signal - when the
// buffer does not yet hold a complete frame; the buffer is left untouched so
// the caller can feed more bytes and retry. Returns (nil, false, err) for a
// fatal malformed-frame condition.
func (d *decoder) next() (*frame, bool, error) {
	buf := d.buf

	// Step 1: require >= 2 bytes for the base header.
	if len(buf) < 2 {
		return nil, false, nil
	}

	b0, b1 := buf[0], buf[1]
	fin := b0&0x80 != 0
	rsv1 := b0&0x40 != 0
	rsv2 := b0&0x20 != 0
	rsv3 := b0&0x10 != 0
	opcode := b0 & 0x0F
	masked := b1&0x80 != 0
	lenField := uint64(b1 & 0x7F)

	if !isValidOpcode(opcode) {
		return nil, false, fmt.Errorf("%w: 0x%X", ErrInvalidOpcode, opcode)
	}
	if rsv1 || rsv2 || rsv3 {
		return nil, false, ErrReservedBits
	}
	if isControlFrame(opcode) && !fin {
		return nil, false, ErrControlFragmented
	}
	if !masked {
		return nil, false, ErrMaskRequired
	}

	// Step 2-4: resolve the length encoding, requiring more bytes as each
	// extended-length field itself needs to be read.
	headerLen := 2
	var payloadLen uint64

	switch lenField {
	case payloadLen16Bit:
		if len(buf) < 4 {
			return nil, false, nil
		}
		payloadLen = uint64(binary.BigEndian.Uint16(buf[2:4]))
		if payloadLen <= payloadLen7Bit {
			return nil, false, ErrProtocolError
		}
		headerLen = 4

	case payloadLen64Bit:
		if len(buf) < 10 {
			return nil, false, nil
		}
		payloadLen = binary.BigEndian.Uint64(buf[2:10])
		if payloadLen&(1<<63) != 0 {
			return nil, false, ErrProtocolError
		}
		if payloadLen <= 0xFFFF {
			return nil, false, ErrProtocolError
		}
		headerLen = 10

	default:
		payloadLen = lenField
	}

	if isControlFrame(opcode) && payloadLen > maxControlPayload {
		return nil, false, ErrControlTooLarge
	}
	if payloadLen > maxFramePayload {
		return nil, false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, payloadLen)
	}

	// Step 5: require the full header (extended length included) before
	// looking for the mask key and payload.
	maskOffset := headerLen
	payloadOffset := maskOffset + 4
	total := payloadOffset + int(payloadLen)

	if len(buf) < total {
		return nil, false, nil
	}

	// Step 6-7: read the mask key, then unmask the payload.
	var mask [4]byte
	copy(mask[:], buf[maskOffset:payloadOffset])

	payload := make([]byte, payloadLen)
	copy(payload, buf[payloadOffset:total])
	applyMask(payload, mask)

	f := &frame{
		fin:     fin,
		rsv1:    rsv1,
		rsv2:    rsv2,
		rsv3:    rsv3,
		opcode:  opcode,
		masked:  masked,
		mask:    mask,
		payload: payload,
	}

	d.buf = buf[total:]

	return f, true, nil
}
