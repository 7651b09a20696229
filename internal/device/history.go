package device

import (
	"context"
	"time"
)

// Link event kinds stored in the history table.
const (
	EventKindDiscovered       = "discovered"
	EventKindConnectAttempt   = "connect_attempt"
	EventKindConnected        = "connected"
	EventKindConnectFailed    = "connect_failed"
	EventKindDisconnected     = "disconnected"
	EventKindDisconnectFailed = "disconnect_failed"
	EventKindServices         = "services"
	EventKindServicesFailed   = "services_failed"
	EventKindRecovery         = "recovery"
)

// LinkEvent is one diagnostic record of what happened to a device's link.
//
// History is an audit trail only. The Registry is never rebuilt from it;
// device state starts empty on every run.
type LinkEvent struct {
	ID       int64  `json:"id"`
	DeviceID string `json:"device_id"`
	Kind     string `json:"kind"`

	// Mode is the connect mode for attempt rows ("auto" or "direct").
	Mode    string `json:"mode,omitempty"`
	Attempt int    `json:"attempt,omitempty"`

	// Detail carries an error message or a short summary such as "3 services".
	Detail string `json:"detail,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// HistoryRepository stores and retrieves link events.
//
// Implementations must be thread-safe and use UTC timestamps.
type HistoryRepository interface {
	// Record appends an event. A zero CreatedAt means now.
	Record(ctx context.Context, ev LinkEvent) error

	// List returns the most recent events for the device, newest first.
	List(ctx context.Context, deviceID string, limit int) ([]LinkEvent, error)
}
