package protocol

import "errors"

var (
	ErrFieldTypeMismatch = errors.New("protocol: field type mismatch")
	ErrInvalidLength     = errors.New("protocol: invalid length")
	ErrInvalidBool       = errors.New("protocol: invalid bool value")
	ErrEmptyDocument     = errors.New("protocol: empty document")
	ErrMissingField      = errors.New("protocol: missing field")
)
