// Package transport implements the fieldbus drivers (Modbus/TCP and CAN)
// that the device layer builds on.
package transport

import "errors"

// Error kinds shared by every transport and device in the system. Devices
// translate bus-specific errors into one of these at the device boundary so
// the controller never sees a transport-specific error type.
var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrTimeout          = errors.New("operation timed out")
	ErrProtocolError    = errors.New("protocol error")
	ErrInvalidData      = errors.New("invalid data")
	ErrConfigError      = errors.New("configuration error")
	ErrNotConnected     = errors.New("not connected")
	ErrPoisoned         = errors.New("guarded resource poisoned")
)
