package pkg

import "errors"

// USB protocol errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrNAK indicates a NAK response (endpoint not ready).
	ErrNAK = errors.New("NAK received")

	// ErrProtocol indicates a protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrNoDevice indicates the device is not present.
	ErrNoDevice = errors.New("device not present")

	// ErrNotConnected indicates the device is not attached to the bus.
	ErrNotConnected = errors.New("not connected")

	// ErrNotConfigured indicates the device is not configured.
	ErrNotConfigured = errors.New("device not configured")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidState indicates an invalid device state for the operation.
	ErrInvalidState = errors.New("invalid device state")

	// ErrInvalidRequest indicates an invalid or unsupported request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrBusy indicates the resource is busy.
	ErrBusy = errors.New("resource busy")

	// ErrNoMemory indicates a fixed-size table is full.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrAlreadyRunning indicates the component is already initialized or running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the component is not initialized or running.
	ErrNotRunning = errors.New("not running")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidPort indicates a CDC port number outside the configured range.
	ErrInvalidPort = errors.New("invalid port")

	// ErrInvalidIRQ indicates an interrupt source outside the controller's range.
	ErrInvalidIRQ = errors.New("invalid interrupt source")

	// ErrInvalidPriority indicates an interrupt priority outside the controller's range.
	ErrInvalidPriority = errors.New("invalid interrupt priority")
)
