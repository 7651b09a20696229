// Package influxdb records BLE link metrics in InfluxDB 2.x.
//
// It wraps influxdb-client-go v2 with a non-blocking, batched write API.
// Points are dropped silently while the client is closed, so callers on
// the link hot path never wait on the database.
//
// Measurements:
//
//	ble_connect_attempt  tags device_id, mode, result   fields attempt, duration_ms
//	ble_disconnect       tags device_id, result         fields duration_ms
//	ble_services         tags device_id, result         fields services, characteristics, duration_ms
//	ble_scan             tags result                    fields accepted, ignored, duration_ms
//	ble_bulk             tags op                        fields devices, failed, duration_ms
//	ble_devices          tags state                     fields count
package influxdb
