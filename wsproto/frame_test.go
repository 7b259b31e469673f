package wsproto_test

import (
	"bytes"
	"testing"

	"github.com/momentics/ioring-server/wsproto"
)

func TestFrameRoundTripUnmasked(t *testing.T) {
	payload := []byte("hello websocket")
	encoded, err := wsproto.EncodeFrame(wsproto.OpcodeText, payload, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	frame, consumed, err := wsproto.DecodeFrame(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame == nil {
		t.Fatal("complete frame decoded as incomplete")
	}
	if consumed != len(encoded) {
		t.Errorf("consumed %d of %d bytes", consumed, len(encoded))
	}
	if !frame.Fin || frame.Opcode != wsproto.OpcodeText || frame.Masked {
		t.Errorf("header: fin=%v opcode=%#x masked=%v", frame.Fin, frame.Opcode, frame.Masked)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Errorf("payload %q, want %q", frame.Payload, payload)
	}
}

func TestFrameRoundTripMasked(t *testing.T) {
	payload := bytes.Repeat([]byte("mask"), 100)
	encoded, err := wsproto.EncodeFrame(wsproto.OpcodeBinary, payload, true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// The masked wire bytes must differ from the plaintext.
	if bytes.Contains(encoded, payload[:16]) {
		t.Error("masked frame leaks plaintext payload")
	}

	frame, _, err := wsproto.DecodeFrame(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame == nil || !frame.Masked {
		t.Fatal("masked frame not decoded as masked")
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Error("unmasking did not restore the payload")
	}
}

func TestFrameExtendedLengths(t *testing.T) {
	for _, size := range []int{125, 126, 65535, 65536} {
		payload := bytes.Repeat([]byte{0xAB}, size)
		encoded, err := wsproto.EncodeFrame(wsproto.OpcodeBinary, payload, false)
		if err != nil {
			t.Fatalf("size %d: encode: %v", size, err)
		}
		frame, consumed, err := wsproto.DecodeFrame(encoded)
		if err != nil {
			t.Fatalf("size %d: decode: %v", size, err)
		}
		if frame == nil || consumed != len(encoded) {
			t.Fatalf("size %d: frame=%v consumed=%d", size, frame, consumed)
		}
		if len(frame.Payload) != size {
			t.Fatalf("size %d: decoded %d bytes", size, len(frame.Payload))
		}
	}
}

func TestFrameIncompleteReturnsNil(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 300)
	encoded, err := wsproto.EncodeFrame(wsproto.OpcodeText, payload, true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	for cut := 0; cut < len(encoded); cut += 7 {
		frame, consumed, err := wsproto.DecodeFrame(encoded[:cut])
		if err != nil {
			t.Fatalf("cut %d: %v", cut, err)
		}
		if frame != nil || consumed != 0 {
			t.Fatalf("cut %d: partial frame decoded (consumed %d)", cut, consumed)
		}
	}
}

func TestFrameTrailingBytesPreserved(t *testing.T) {
	first, _ := wsproto.EncodeFrame(wsproto.OpcodeText, []byte("one"), false)
	second, _ := wsproto.EncodeFrame(wsproto.OpcodeText, []byte("two"), false)
	raw := append(append([]byte{}, first...), second...)

	frame, consumed, err := wsproto.DecodeFrame(raw)
	if err != nil || frame == nil {
		t.Fatalf("decode: frame=%v err=%v", frame, err)
	}
	if string(frame.Payload) != "one" {
		t.Fatalf("payload %q", frame.Payload)
	}
	if consumed != len(first) {
		t.Fatalf("consumed %d, want %d", consumed, len(first))
	}

	frame, _, err = wsproto.DecodeFrame(raw[consumed:])
	if err != nil || frame == nil || string(frame.Payload) != "two" {
		t.Fatalf("second decode: frame=%v err=%v", frame, err)
	}
}

func TestFrameOversizeRejected(t *testing.T) {
	// A hand-built header claiming a payload beyond the cap must error
	// rather than allocate.
	var raw [10]byte
	raw[0] = wsproto.FinBit | wsproto.OpcodeBinary
	raw[1] = 127
	raw[2] = 0xFF // 64-bit length far above MaxFramePayload
	if _, _, err := wsproto.DecodeFrame(raw[:]); err == nil {
		t.Fatal("oversize frame accepted")
	}

	if _, err := wsproto.EncodeFrame(wsproto.OpcodeBinary, make([]byte, wsproto.MaxFramePayload+1), false); err == nil {
		t.Fatal("oversize encode accepted")
	}
}
