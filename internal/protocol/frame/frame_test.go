package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/tcphub/internal/protocol/tlv"
)

func TestHeaderRoundTripDataLast(t *testing.T) {
	in := Header{MetaData: false, Last: true, Length: 237}
	out, err := DecodeHeader(EncodeHeader(in))
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if out != in {
		t.Fatalf("header mismatch: got=%+v want=%+v", out, in)
	}
	if !out.IsData() {
		t.Fatalf("expected data header")
	}
	if got := Pack(in); got != FlagLast|237 {
		t.Fatalf("unexpected header word: %#x", got)
	}
}

func TestHeaderBitLayout(t *testing.T) {
	h := Unpack(0x80000010)
	if !h.MetaData || h.Last || h.Length != 16 {
		t.Fatalf("unexpected metadata header: %+v", h)
	}
	h = Unpack(FlagMetaData | FlagLast | LengthMask)
	if !h.MetaData || !h.Last || h.Length != MaxLength {
		t.Fatalf("unexpected full header: %+v", h)
	}
}

func TestReadWriteFrameRoundTrip(t *testing.T) {
	payload := tlv.EncodeFields([]tlv.Field{{ID: 3, Type: tlv.TypeString, Value: []byte("echo")}})
	in := Frame{Header: Header{MetaData: true}, Payload: payload}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !out.Header.MetaData || out.Header.Length != len(payload) {
		t.Fatalf("header mismatch: %+v", out.Header)
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(Header{Last: true})), DefaultLimits())
	if !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	h := EncodeHeader(Header{Length: 1024})
	_, err := ReadFrame(bytes.NewReader(h), Limits{MaxPayloadBytes: 512})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestReadFrameShortPayload(t *testing.T) {
	buf := append(EncodeHeader(Header{Length: 8}), 1, 2, 3)
	_, err := ReadFrame(bytes.NewReader(buf), DefaultLimits())
	if !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
}

func TestAppendRejectsEmptyPayload(t *testing.T) {
	if _, err := Append(nil, false, true, nil, DefaultLimits()); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
}
