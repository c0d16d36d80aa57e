package protocol

import "github.com/danmuck/tcphub/internal/protocol/tlv"

// Field is one typed document field.
type Field tlv.Field

// NewFieldInt64 creates a signed 64-bit field; tids, cids and timestamps use it.
func NewFieldInt64(id uint16, v int64) Field {
	return Field{ID: id, Type: tlv.TypeI64, Value: tlv.PutU64(uint64(v))}
}

// NewFieldBool creates a bool TLV field.
func NewFieldBool(id uint16, v bool) Field {
	b := byte(0)
	if v {
		b = 1
	}
	return Field{ID: id, Type: tlv.TypeBool, Value: []byte{b}}
}

// NewFieldString creates a string TLV field.
func NewFieldString(id uint16, v string) Field {
	return Field{ID: id, Type: tlv.TypeString, Value: []byte(v)}
}

// NewFieldBytes creates a bytes TLV field.
func NewFieldBytes(id uint16, v []byte) Field {
	buf := make([]byte, len(v))
	copy(buf, v)
	return Field{ID: id, Type: tlv.TypeBytes, Value: buf}
}

// Int64 returns the field value as int64.
func (f Field) Int64() (int64, error) {
	if f.Type != tlv.TypeI64 {
		return 0, ErrFieldTypeMismatch
	}
	v, err := tlv.U64FromBytes(f.Value)
	if err != nil {
		return 0, ErrInvalidLength
	}
	return int64(v), nil
}

// Bool returns the field value as bool.
func (f Field) Bool() (bool, error) {
	if f.Type != tlv.TypeBool {
		return false, ErrFieldTypeMismatch
	}
	if len(f.Value) != 1 {
		return false, ErrInvalidLength
	}
	switch f.Value[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ErrInvalidBool
	}
}

// String returns the field value as string.
func (f Field) String() (string, error) {
	if f.Type != tlv.TypeString {
		return "", ErrFieldTypeMismatch
	}
	return string(f.Value), nil
}

// Bytes returns a copy of the field value.
func (f Field) Bytes() ([]byte, error) {
	if f.Type != tlv.TypeBytes {
		return nil, ErrFieldTypeMismatch
	}
	buf := make([]byte, len(f.Value))
	copy(buf, f.Value)
	return buf, nil
}
