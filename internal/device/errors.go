package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrUnknownDevice) {
//	    // benign race between an event and discovery
//	}
var (
	// ErrUnknownDevice is returned when an ID is not present in the Registry.
	ErrUnknownDevice = errors.New("device: unknown device reference")

	// ErrInvalidID is returned when a discovery carries an empty ID.
	ErrInvalidID = errors.New("device: invalid id")

	// ErrInvalidState is returned when a state value is not recognised.
	ErrInvalidState = errors.New("device: invalid state")

	// ErrInvalidTransition is returned when an operation requests a move
	// the connection state machine does not allow.
	ErrInvalidTransition = errors.New("device: invalid state transition")

	// ErrStaleEvent is returned when a confirmation is older than the last
	// confirmation already applied to the device.
	ErrStaleEvent = errors.New("device: stale event")
)
