// Package telemetry turns link manager diagnostics into durable records.
//
// HistoryRecorder appends per-device link events to the SQLite history
// table. MetricsRecorder writes attempt timings and state counts to
// InfluxDB. Both implement link.Observer and never block the caller:
// writes are queued and performed on their own goroutine.
package telemetry
