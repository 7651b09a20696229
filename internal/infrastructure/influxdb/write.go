package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementConnect    = "ble_connect_attempt"
	MeasurementDisconnect = "ble_disconnect"
	MeasurementServices   = "ble_services"
	MeasurementScan       = "ble_scan"
	MeasurementBulk       = "ble_bulk"
	MeasurementDevices    = "ble_devices"
)

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func connectAttemptPoint(deviceID, mode string, attempt int, took time.Duration, ok bool, at time.Time) *write.Point {
	return write.NewPoint(MeasurementConnect,
		map[string]string{"device_id": deviceID, "mode": mode, "result": result(ok)},
		map[string]any{"attempt": attempt, "duration_ms": millis(took)},
		at)
}

// WriteConnectAttempt records one connect attempt.
func (c *Client) WriteConnectAttempt(deviceID, mode string, attempt int, took time.Duration, ok bool, at time.Time) {
	c.writePoint(connectAttemptPoint(deviceID, mode, attempt, took, ok, at))
}

// WriteDisconnect records one disconnect attempt.
func (c *Client) WriteDisconnect(deviceID string, took time.Duration, ok bool, at time.Time) {
	c.writePoint(write.NewPoint(MeasurementDisconnect,
		map[string]string{"device_id": deviceID, "result": result(ok)},
		map[string]any{"duration_ms": millis(took)},
		at))
}

func servicesPoint(deviceID string, services, characteristics int, took time.Duration, ok bool, at time.Time) *write.Point {
	return write.NewPoint(MeasurementServices,
		map[string]string{"device_id": deviceID, "result": result(ok)},
		map[string]any{"services": services, "characteristics": characteristics, "duration_ms": millis(took)},
		at)
}

// WriteServices records a service retrieval.
func (c *Client) WriteServices(deviceID string, services, characteristics int, took time.Duration, ok bool, at time.Time) {
	c.writePoint(servicesPoint(deviceID, services, characteristics, took, ok, at))
}

// WriteScan records a finished scan window.
func (c *Client) WriteScan(accepted, ignored int, took time.Duration, ok bool, at time.Time) {
	c.writePoint(write.NewPoint(MeasurementScan,
		map[string]string{"result": result(ok)},
		map[string]any{"accepted": accepted, "ignored": ignored, "duration_ms": millis(took)},
		at))
}

// WriteBulk records a connect-all or disconnect-all.
func (c *Client) WriteBulk(op string, devices, failed int, took time.Duration, at time.Time) {
	c.writePoint(write.NewPoint(MeasurementBulk,
		map[string]string{"op": op},
		map[string]any{"devices": devices, "failed": failed, "duration_ms": millis(took)},
		at))
}

func stateCountPoints(counts map[string]int, at time.Time) []*write.Point {
	out := make([]*write.Point, 0, len(counts))
	for state, n := range counts {
		out = append(out, write.NewPoint(MeasurementDevices,
			map[string]string{"state": state},
			map[string]any{"count": n},
			at))
	}
	return out
}

// WriteStateCounts records how many devices are in each state.
func (c *Client) WriteStateCounts(counts map[string]int, at time.Time) {
	for _, p := range stateCountPoints(counts, at) {
		c.writePoint(p)
	}
}
