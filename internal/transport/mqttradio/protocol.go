package mqttradio

import (
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/link"
)

// Operations a gateway accepts on its request topic.
const (
	OpAuthorize  = "authorize"
	OpScan       = "scan"
	OpConnect    = "connect"
	OpDisconnect = "disconnect"
	OpServices   = "services"
)

// Failure codes a gateway may put in a response.
const (
	CodeDenied       = "denied"
	CodeUnknown      = "unknown_device"
	CodeNotConnected = "not_connected"
)

// Event types a gateway publishes on its event topic.
const (
	EventDiscovered   = "discovered"
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

// Request is published to the gateway's request topic. The gateway answers
// on the response topic suffixed with ID.
type Request struct {
	ID       string           `json:"id"`
	Op       string           `json:"op"`
	DeviceID string           `json:"device_id,omitempty"`
	Mode     link.ConnectMode `json:"mode,omitempty"`
	WindowMS int64            `json:"window_ms,omitempty"`
	Allow    []string         `json:"allow,omitempty"`
}

// Response is the gateway's answer to one Request.
type Response struct {
	ID       string                 `json:"id"`
	OK       bool                   `json:"ok"`
	Code     string                 `json:"code,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Services *link.ServiceInventory `json:"services,omitempty"`
}

// Message is an unsolicited notification from the gateway.
type Message struct {
	Type     string    `json:"type"`
	DeviceID string    `json:"device_id"`
	Name     string    `json:"name,omitempty"`
	RSSI     int       `json:"rssi,omitempty"`

	// At is the gateway's clock when it saw the event. It is logged for
	// diagnostics; events are ordered by local receive time.
	At time.Time `json:"at,omitempty"`
}
