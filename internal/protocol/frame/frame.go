package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Header word layout: bit 31 metadata flag, bit 30 last-frame flag, bits 0..29 payload length.
const (
	HeaderLen           = 4
	FlagMetaData uint32 = 1 << 31
	FlagLast     uint32 = 1 << 30
	LengthMask   uint32 = FlagLast - 1
	MaxLength           = int(LengthMask)
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrEmptyPayload    = errors.New("frame: zero length payload")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrShortPayload    = errors.New("frame: short payload")
)

// Header is the decoded 4-byte frame header.
type Header struct {
	MetaData bool
	Last     bool
	Length   int
}

// IsData reports whether the frame carries a data document.
func (h Header) IsData() bool { return !h.MetaData }

func (h Header) String() string {
	kind := "data"
	if h.MetaData {
		kind = "meta"
	}
	return fmt.Sprintf("%s len=%d last=%t", kind, h.Length, h.Last)
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: MaxLength}
}

func (l Limits) max() int {
	if l.MaxPayloadBytes <= 0 || l.MaxPayloadBytes > MaxLength {
		return MaxLength
	}
	return l.MaxPayloadBytes
}

// Pack builds the header word. Length is not range checked; see Validate.
func Pack(h Header) uint32 {
	word := uint32(h.Length) & LengthMask
	if h.MetaData {
		word |= FlagMetaData
	}
	if h.Last {
		word |= FlagLast
	}
	return word
}

// Unpack splits a header word into its fields.
func Unpack(word uint32) Header {
	return Header{
		MetaData: word&FlagMetaData != 0,
		Last:     word&FlagLast != 0,
		Length:   int(word & LengthMask),
	}
}

// Validate enforces 0 < length <= limit.
func Validate(h Header, limits Limits) error {
	if h.Length <= 0 {
		return ErrEmptyPayload
	}
	if h.Length > limits.max() {
		return fmt.Errorf("%w: len=%d max=%d", ErrPayloadTooLarge, h.Length, limits.max())
	}
	return nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf, Pack(h))
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("frame: invalid header length: %d", len(b))
	}
	return Unpack(binary.BigEndian.Uint32(b)), nil
}

// ReadHeader blocks until a full header is read and validated.
func ReadHeader(r io.Reader, limits Limits) (Header, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, ErrShortHeader
		}
		return Header{}, err
	}
	h := Unpack(binary.BigEndian.Uint32(fixed[:]))
	if err := Validate(h, limits); err != nil {
		return h, err
	}
	return h, nil
}

// ReadPayload reads exactly h.Length bytes.
func ReadPayload(r io.Reader, h Header) ([]byte, error) {
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrShortPayload
		}
		return nil, err
	}
	return payload, nil
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	h, err := ReadHeader(r, limits)
	if err != nil {
		return Frame{}, err
	}
	payload, err := ReadPayload(r, h)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Header: h, Payload: payload}, nil
}

// Append encodes one frame onto dst.
func Append(dst []byte, metaData, last bool, payload []byte, limits Limits) ([]byte, error) {
	h := Header{MetaData: metaData, Last: last, Length: len(payload)}
	if err := Validate(h, limits); err != nil {
		return dst, err
	}
	dst = binary.BigEndian.AppendUint32(dst, Pack(h))
	return append(dst, payload...), nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	buf, err := Append(make([]byte, 0, HeaderLen+len(f.Payload)), f.Header.MetaData, f.Header.Last, f.Payload, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
