package linkmqtt

import (
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/device"
	"github.com/nerrad567/gray-logic-ble/internal/link"
)

// CommandRequest is the optional JSON body of a command message. An empty
// payload is a valid request.
type CommandRequest struct {
	RequestID string `json:"request_id,omitempty"`
}

// CommandResult is published on the result topic after a command finishes.
type CommandResult struct {
	RequestID string                  `json:"request_id,omitempty"`
	Action    string                  `json:"action"`
	DeviceID  string                  `json:"device_id,omitempty"`
	Success   bool                    `json:"success"`
	Error     string                  `json:"error,omitempty"`
	State     *device.ConnectionState `json:"state,omitempty"`
	Scan      *link.ScanResult        `json:"scan,omitempty"`
	Bulk      *link.BulkResult        `json:"bulk,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// DeviceState is the retained per-device message.
type DeviceState struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	State           device.ConnectionState `json:"state"`
	RSSI            int                    `json:"rssi,omitempty"`
	Services        int                    `json:"services"`
	Characteristics int                    `json:"characteristics"`
	LastError       string                 `json:"last_error,omitempty"`
	LastSeen        time.Time              `json:"last_seen"`
	Timestamp       time.Time              `json:"timestamp"`
}

func newDeviceState(d device.Device) DeviceState {
	return DeviceState{
		ID:              d.ID,
		Name:            d.Name,
		State:           d.State,
		RSSI:            d.RSSI,
		Services:        d.Services,
		Characteristics: d.Characteristics,
		LastError:       d.LastError,
		LastSeen:        d.LastSeen,
		Timestamp:       time.Now().UTC(),
	}
}

// sameState reports whether two snapshots of a device would publish the
// same state message. RSSI jitter alone does not count as a change.
func sameState(a, b device.Device) bool {
	return a.Name == b.Name &&
		a.State == b.State &&
		a.Services == b.Services &&
		a.Characteristics == b.Characteristics &&
		a.LastError == b.LastError
}

// Snapshot is the retained ordered device list.
type Snapshot struct {
	Devices   []device.Device `json:"devices"`
	Timestamp time.Time       `json:"timestamp"`
}

// HealthStatus is the overall bridge health.
type HealthStatus string

const (
	HealthStarting HealthStatus = "starting"
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is published on the health topic.
type HealthMessage struct {
	Status        HealthStatus `json:"status"`
	Reason        string       `json:"reason,omitempty"`
	Version       string       `json:"version,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Link          link.Status  `json:"link"`
	Timestamp     time.Time    `json:"timestamp"`
}
