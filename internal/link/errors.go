package link

import (
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-ble/internal/device"
)

// Errors surfaced by the link manager.
//
// Operation failures are returned as *OpError, which matches both the
// sentinel for its kind and the underlying transport error:
//
//	if errors.Is(err, link.ErrConnectFailed) { ... }
var (
	// ErrAuthorizationDenied stops scanning until authorization succeeds.
	ErrAuthorizationDenied = errors.New("link: authorization denied")

	// ErrScanStartFailed is returned when the radio refuses to scan. It is not retried.
	ErrScanStartFailed = errors.New("link: scan start failed")

	// ErrScanInProgress is returned when a scan is requested while one runs.
	ErrScanInProgress = errors.New("link: scan already in progress")

	// ErrConnectFailed covers every failed connect attempt.
	ErrConnectFailed = errors.New("link: connect failed")

	// ErrDisconnectFailed covers failed disconnects. They are not retried.
	ErrDisconnectFailed = errors.New("link: disconnect failed")

	// ErrServiceRetrievalFailed is recovered internally by reconnecting.
	ErrServiceRetrievalFailed = errors.New("link: service retrieval failed")

	// ErrOperationInFlight rejects a second operation on a device that is
	// already being connected or disconnected.
	ErrOperationInFlight = errors.New("link: operation already in flight")

	// ErrUnknownDevice is the registry's unknown-reference error.
	ErrUnknownDevice = device.ErrUnknownDevice

	// ErrNotRunning is returned by requests made before Start or after Stop.
	ErrNotRunning = errors.New("link: manager not running")
)

// OpError describes a failed transport operation on one device.
type OpError struct {
	Op       string // "connect", "disconnect", "services", "scan"
	DeviceID string
	Mode     ConnectMode
	Attempt  int
	Kind     error // one of the sentinels above
	Err      error
}

func (e *OpError) Error() string {
	msg := e.Kind.Error()
	if e.DeviceID != "" {
		msg += " " + e.DeviceID
	}
	if e.Mode != "" {
		msg += fmt.Sprintf(" (mode=%s attempt=%d)", e.Mode, e.Attempt)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
