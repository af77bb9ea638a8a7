package devices

import "context"

// Device is the capability set shared by every device variant. The
// controller only ever calls through this interface, never type-switches
// on a concrete variant to decide policy.
type Device interface {
	// ID returns the device's stable textual identifier.
	ID() string

	// ReadStatus performs a fresh transport read, updates the device's
	// cache on success, and returns the new status. On failure the cache
	// is left untouched and the returned error is one of the taxonomy
	// errors defined in package transport.
	ReadStatus(ctx context.Context) (any, error)

	// CachedStatus returns the last successfully read status without
	// touching the transport. It never fails and never blocks on I/O.
	CachedStatus() any

	// SetMode requests a mode change by name. The set of valid names is
	// device-specific.
	SetMode(ctx context.Context, mode string) error

	// SetPowerSetpoint requests a power setpoint in the device's native
	// unit (kW, except PV which is W). Implementations clamp to their
	// device's valid range before writing.
	SetPowerSetpoint(ctx context.Context, value float64) error

	// IsConnected reports whether the device currently holds a live
	// transport handle.
	IsConnected() bool
}
