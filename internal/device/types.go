package device

import "time"

// ConnectionState is the link state of a peripheral as tracked by the Registry.
type ConnectionState string

// Connection states.
const (
	StateDisconnected  ConnectionState = "disconnected"
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateDisconnecting ConnectionState = "disconnecting"
)

// AllConnectionStates lists every state in lifecycle order.
func AllConnectionStates() []ConnectionState {
	return []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateDisconnecting}
}

// Valid reports whether s is a known state.
func (s ConnectionState) Valid() bool {
	switch s {
	case StateDisconnected, StateConnecting, StateConnected, StateDisconnecting:
		return true
	}
	return false
}

// Transient reports whether s is an in-progress state that must resolve
// to connected or disconnected.
func (s ConnectionState) Transient() bool {
	return s == StateConnecting || s == StateDisconnecting
}

func (s ConnectionState) String() string { return string(s) }

// transitions lists the moves an operation may request. Same-state writes
// are always accepted as no-ops.
var transitions = map[ConnectionState][]ConnectionState{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateConnected, StateDisconnected},
	StateConnected:     {StateDisconnecting, StateConnecting},
	StateDisconnecting: {StateDisconnected},
}

// CanTransition reports whether an operation may move a device from one state to another.
func CanTransition(from, to ConnectionState) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Device is one physical peripheral observed by the radio.
//
// All fields are values, so a copy of a Device never aliases Registry memory.
type Device struct {
	// ID is the transport-assigned identifier (MAC address or platform UUID).
	ID string `json:"id"`

	// Name is the last non-empty advertised name.
	Name string `json:"name"`

	State ConnectionState `json:"state"`

	// RSSI is the signal strength from the last advertisement, in dBm.
	RSSI int `json:"rssi,omitempty"`

	// Services and Characteristics hold the last successful enumeration.
	Services        int `json:"services"`
	Characteristics int `json:"characteristics"`

	// LastError is the most recent diagnostic message, cleared on success.
	LastError string `json:"last_error,omitempty"`

	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	LastEventAt    time.Time `json:"last_event_at"`
	StateChangedAt time.Time `json:"state_changed_at"`

	// LastConfirmAt is the transport timestamp of the last link
	// confirmation. It is only compared with other transport timestamps,
	// never with the local clock.
	LastConfirmAt time.Time `json:"last_confirm_at"`
}

// IsConnected reports whether the device is in the connected state.
func (d Device) IsConnected() bool {
	return d.State == StateConnected
}

// DisplayName returns the advertised name, or the ID when no name was seen.
func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}
