package transport

import "errors"

var (
	// ErrConnConfigNil indicates that a nil ConnectionConfig was provided.
	ErrConnConfigNil = errors.New("transport: connection config is nil")

	// ErrInvalidOption indicates that a connection option carries an out of range value.
	ErrInvalidOption = errors.New("transport: invalid connection option")
)

var (
	// ErrNotConnected indicates that a request was issued while the port is not open.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrConnClosed indicates that the connection was closed while a request was pending.
	ErrConnClosed = errors.New("transport: connection closed")

	// ErrRequestTimeout indicates that no response arrived within the request timeout.
	ErrRequestTimeout = errors.New("transport: request timeout")

	// ErrQueueFull indicates that the request queue of the given priority class is full.
	ErrQueueFull = errors.New("transport: request queue full")

	// ErrDisabled indicates that the unit has been disabled administratively.
	ErrDisabled = errors.New("transport: unit disabled")

	// ErrInvalidTransition is returned when an attempt is made to transition the connection
	// state to an invalid state.
	ErrInvalidTransition = errors.New("transport: invalid state transition")
)

var (
	// ErrPayloadTooLarge indicates that a payload does not fit the 16-bit length field.
	ErrPayloadTooLarge = errors.New("transport: payload too large")

	// ErrBadTerminator indicates a frame whose terminator byte is not 0xFE.
	ErrBadTerminator = errors.New("transport: invalid frame tail")

	// ErrBadCRC indicates a frame whose checksum does not match its payload.
	ErrBadCRC = errors.New("transport: invalid CRC")

	// ErrResync indicates that bytes in front of a frame header were discarded.
	ErrResync = errors.New("transport: resync")
)

var (
	// ErrNoDevice indicates that the port finder found no matching ACE device.
	ErrNoDevice = errors.New("transport: no ACE device found")

	// ErrTopologyMismatch indicates that the resolved device sits at a different USB
	// position than the one bound to the logical unit.
	ErrTopologyMismatch = errors.New("transport: usb topology mismatch")
)
