package hub

import "errors"

var (
	// ErrConnectionDropped: the socket closed while the operation was pending.
	ErrConnectionDropped = errors.New("hub: connection dropped")
	// ErrTimeout: no reply arrived within the caller's deadline.
	ErrTimeout = errors.New("hub: timeout")
	// ErrNotConnected: no socket was available for the operation.
	ErrNotConnected = errors.New("hub: not connected")
	// ErrProtocolViolation tags malformed or misrouted inbound frames. It is logged and counted,
	// never returned to callers.
	ErrProtocolViolation = errors.New("hub: protocol violation")
	ErrHubClosed         = errors.New("hub: closed")
	ErrDuplicateTID      = errors.New("hub: tid already registered")
	ErrReservedTID       = errors.New("hub: tid 0 is reserved")
	ErrWriteBusy         = errors.New("hub: write lock busy")
	ErrNoAddresses       = errors.New("hub: address list required")
)
