package link

import "time"

// Logger defines the logging interface used by the link components.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Observer receives diagnostics from the link manager. Calls are made
// synchronously from the goroutine doing the work, so implementations must
// not block. Embed NopObserver to implement a subset.
type Observer interface {
	EventApplied(ev Event, changed bool)
	ScanFinished(res ScanResult, err error)
	ConnectAttempt(id string, mode ConnectMode, attempt int, took time.Duration, err error)
	DisconnectAttempt(id string, took time.Duration, err error)
	ServicesRetrieved(id string, inv ServiceInventory, took time.Duration, err error)
	RecoveryIssued(id string, action string, reason error)
	BulkFinished(res BulkResult)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) EventApplied(Event, bool)                                         {}
func (NopObserver) ScanFinished(ScanResult, error)                                   {}
func (NopObserver) ConnectAttempt(string, ConnectMode, int, time.Duration, error)    {}
func (NopObserver) DisconnectAttempt(string, time.Duration, error)                   {}
func (NopObserver) ServicesRetrieved(string, ServiceInventory, time.Duration, error) {}
func (NopObserver) RecoveryIssued(string, string, error)                             {}
func (NopObserver) BulkFinished(BulkResult)                                          {}

// Observers fans every call out to each element in order.
type Observers []Observer

func (o Observers) EventApplied(ev Event, changed bool) {
	for _, ob := range o {
		ob.EventApplied(ev, changed)
	}
}

func (o Observers) ScanFinished(res ScanResult, err error) {
	for _, ob := range o {
		ob.ScanFinished(res, err)
	}
}

func (o Observers) ConnectAttempt(id string, mode ConnectMode, attempt int, took time.Duration, err error) {
	for _, ob := range o {
		ob.ConnectAttempt(id, mode, attempt, took, err)
	}
}

func (o Observers) DisconnectAttempt(id string, took time.Duration, err error) {
	for _, ob := range o {
		ob.DisconnectAttempt(id, took, err)
	}
}

func (o Observers) ServicesRetrieved(id string, inv ServiceInventory, took time.Duration, err error) {
	for _, ob := range o {
		ob.ServicesRetrieved(id, inv, took, err)
	}
}

func (o Observers) RecoveryIssued(id string, action string, reason error) {
	for _, ob := range o {
		ob.RecoveryIssued(id, action, reason)
	}
}

func (o Observers) BulkFinished(res BulkResult) {
	for _, ob := range o {
		ob.BulkFinished(res)
	}
}
