package websocket

import (
	"bytes"
	"errors"
	"testing"
)

func maskedFrameBytes(b0, b1 byte, mask [4]byte, payload []byte) []byte {
	masked := make([]byte, len(payload))
	copy(masked, payload)
	applyMask(masked, mask)

	data := []byte{b0, b1 | 0x80}
	data = append(data, mask[:]...)
	data = append(data, masked...)
	return data
}

// TestDecoder_TextUnfragmented decodes a single masked text frame.
func TestDecoder_TextUnfragmented(t *testing.T) {
	mask := [4]byte{0x12, 0x34, 0x56, 0x78}
	data := maskedFrameBytes(0x81, 0x05, mask, []byte("Hello"))

	d := newDecoder()
	d.feed(data)

	f, ok, err := d.next()
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if !ok {
		t.Fatal("expected a decoded frame")
	}
	if !f.fin {
		t.Error("expected FIN=1")
	}
	if f.opcode != opcodeText {
		t.Errorf("expected text opcode, got 0x%X", f.opcode)
	}
	if string(f.payload) != "Hello" {
		t.Errorf("expected payload 'Hello', got %q", f.payload)
	}
	if d.pending() != 0 {
		t.Errorf("expected buffer fully consumed, got %d bytes left", d.pending())
	}
}

// TestDecoder_ByteAtATime feeds the same frame one byte at a time and
// checks the result matches feeding it in one shot.
func TestDecoder_ByteAtATime(t *testing.T) {
	mask := [4]byte{0xAA, 0xBB, 0xCC, 0xDD}
	payload := []byte("the quick brown fox")
	data := maskedFrameBytes(0x82, byte(len(payload)), mask, payload)

	oneShot := newDecoder()
	oneShot.feed(data)
	want, ok, err := oneShot.next()
	if err != nil || !ok {
		t.Fatalf("one-shot decode failed: ok=%v err=%v", ok, err)
	}

	incremental := newDecoder()
	var got *frame
	for i, b := range data {
		incremental.feed([]byte{b})
		f, ok, err := incremental.next()
		if err != nil {
			t.Fatalf("incremental decode failed at byte %d: %v", i, err)
		}
		if ok {
			got = f
			break
		}
	}

	if got == nil {
		t.Fatal("incremental decode never produced a frame")
	}
	if got.opcode != want.opcode || !bytes.Equal(got.payload, want.payload) || got.fin != want.fin {
		t.Errorf("incremental decode diverged from one-shot: got %+v, want %+v", got, want)
	}
}

// TestDecoder_NeedMore checks that a partial header or payload reports
// need-more without consuming the buffer.
func TestDecoder_NeedMore(t *testing.T) {
	mask := [4]byte{1, 2, 3, 4}
	data := maskedFrameBytes(0x81, 0x05, mask, []byte("Hello"))

	tests := []struct {
		name string
		n    int
	}{
		{"no bytes", 0},
		{"partial header", 1},
		{"header plus partial mask", 4},
		{"header plus mask, no payload", 6},
		{"header plus mask plus partial payload", 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDecoder()
			d.feed(data[:tt.n])

			f, ok, err := d.next()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok {
				t.Fatalf("expected need-more, got a frame: %+v", f)
			}
			if d.pending() != tt.n {
				t.Errorf("need-more must not consume the buffer: pending=%d, want %d", d.pending(), tt.n)
			}
		})
	}
}

// TestDecoder_ExtendedLength16 exercises the 126 length-field escape.
func TestDecoder_ExtendedLength16(t *testing.T) {
	mask := [4]byte{9, 9, 9, 9}
	payload := bytes.Repeat([]byte{'x'}, 300)

	header := []byte{0x82, 0x80 | payloadLen16Bit, 0x01, 0x2C} // 300 = 0x012C
	header = append(header, mask[:]...)
	masked := make([]byte, len(payload))
	copy(masked, payload)
	applyMask(masked, mask)
	data := append(header, masked...)

	d := newDecoder()
	d.feed(data)

	f, ok, err := d.next()
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if !ok {
		t.Fatal("expected a decoded frame")
	}
	if !bytes.Equal(f.payload, payload) {
		t.Error("payload mismatch for 16-bit extended length")
	}
}

// TestDecoder_ExtendedLength16MustBeMinimal rejects a 16-bit length field
// that encodes a value that should have fit in the 7-bit field (RFC 6455
// Section 5.2 minimal-encoding requirement).
func TestDecoder_ExtendedLength16MustBeMinimal(t *testing.T) {
	mask := [4]byte{1, 1, 1, 1}
	header := []byte{0x82, 0x80 | payloadLen16Bit, 0x00, 0x05} // 5, should be 7-bit
	header = append(header, mask[:]...)
	data := append(header, []byte("hello")...)

	d := newDecoder()
	d.feed(data)

	_, _, err := d.next()
	if !errors.Is(err, ErrProtocolError) {
		t.Errorf("expected ErrProtocolError, got %v", err)
	}
}

// TestDecoder_RejectsReservedBits checks RSV1/2/3 are rejected.
func TestDecoder_RejectsReservedBits(t *testing.T) {
	mask := [4]byte{1, 2, 3, 4}
	data := maskedFrameBytes(0xC1, 0x05, mask, []byte("Hello")) // RSV1 set

	d := newDecoder()
	d.feed(data)

	_, _, err := d.next()
	if !errors.Is(err, ErrReservedBits) {
		t.Errorf("expected ErrReservedBits, got %v", err)
	}
}

// TestDecoder_RejectsUnmaskedClientFrame checks MASK=0 is rejected
// (RFC 6455 Section 5.3: client frames must be masked).
func TestDecoder_RejectsUnmaskedClientFrame(t *testing.T) {
	data := []byte{0x81, 0x05, 'H', 'e', 'l', 'l', 'o'}

	d := newDecoder()
	d.feed(data)

	_, _, err := d.next()
	if !errors.Is(err, ErrMaskRequired) {
		t.Errorf("expected ErrMaskRequired, got %v", err)
	}
}

// TestDecoder_RejectsFragmentedControlFrame checks FIN=0 on a control
// opcode is rejected (RFC 6455 Section 5.5).
func TestDecoder_RejectsFragmentedControlFrame(t *testing.T) {
	mask := [4]byte{1, 2, 3, 4}
	data := maskedFrameBytes(0x09, 0x00, mask, nil) // FIN=0, opcode=ping

	d := newDecoder()
	d.feed(data)

	_, _, err := d.next()
	if !errors.Is(err, ErrControlFragmented) {
		t.Errorf("expected ErrControlFragmented, got %v", err)
	}
}

// TestDecoder_RejectsOversizeControlFrame checks control payload > 125 is
// rejected.
func TestDecoder_RejectsOversizeControlFrame(t *testing.T) {
	mask := [4]byte{1, 2, 3, 4}
	payload := bytes.Repeat([]byte{'a'}, 126)
	header := []byte{0x89, 0x80 | payloadLen16Bit, 0x00, 0x7E}
	header = append(header, mask[:]...)
	data := append(header, payload...)

	d := newDecoder()
	d.feed(data)

	_, _, err := d.next()
	if !errors.Is(err, ErrControlTooLarge) {
		t.Errorf("expected ErrControlTooLarge, got %v", err)
	}
}

// TestDecoder_RejectsInvalidOpcode checks reserved opcodes are rejected.
func TestDecoder_RejectsInvalidOpcode(t *testing.T) {
	mask := [4]byte{1, 2, 3, 4}
	data := maskedFrameBytes(0x83, 0x00, mask, nil) // opcode 0x3 is reserved

	d := newDecoder()
	d.feed(data)

	_, _, err := d.next()
	if !errors.Is(err, ErrInvalidOpcode) {
		t.Errorf("expected ErrInvalidOpcode, got %v", err)
	}
}

// TestDecoder_ConsumesOnlyOneFrame checks that next leaves a second
// buffered frame untouched until called again.
func TestDecoder_ConsumesOnlyOneFrame(t *testing.T) {
	mask := [4]byte{1, 2, 3, 4}
	one := maskedFrameBytes(0x81, 0x03, mask, []byte("one"))
	two := maskedFrameBytes(0x81, 0x03, mask, []byte("two"))

	d := newDecoder()
	d.feed(one)
	d.feed(two)

	f1, ok, err := d.next()
	if err != nil || !ok {
		t.Fatalf("first decode failed: ok=%v err=%v", ok, err)
	}
	if string(f1.payload) != "one" {
		t.Errorf("expected 'one', got %q", f1.payload)
	}

	f2, ok, err := d.next()
	if err != nil || !ok {
		t.Fatalf("second decode failed: ok=%v err=%v", ok, err)
	}
	if string(f2.payload) != "two" {
		t.Errorf("expected 'two', got %q", f2.payload)
	}

	if d.pending() != 0 {
		t.Errorf("expected buffer drained, got %d bytes left", d.pending())
	}
}
