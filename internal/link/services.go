package link

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/device"
)

// ServiceFallback verifies fresh connections by enumerating services
// within a time budget. A failed or timed-out enumeration means the link
// only looked connected, so the device is reconnected. After maxRecoveries
// consecutive failures the device is disconnected instead, which leaves it
// in a terminal state with a diagnostic.
type ServiceFallback struct {
	reg           *device.Registry
	transport     Transport
	timeout       time.Duration
	maxRecoveries int

	reconnect  func(ctx context.Context, id string) error
	disconnect func(ctx context.Context, id string) error

	mu         sync.Mutex
	ctx        context.Context
	pending    map[string]struct{}
	recoveries map[string]int
	wg         sync.WaitGroup

	logger   Logger
	observer Observer
}

// NewServiceFallback creates a fallback. reconnect and disconnect are the
// corrective actions, normally Orchestrator.Reconnect and Disconnect.
func NewServiceFallback(reg *device.Registry, t Transport, timeout time.Duration, maxRecoveries int,
	reconnect, disconnect func(ctx context.Context, id string) error) *ServiceFallback {
	return &ServiceFallback{
		reg:           reg,
		transport:     t,
		timeout:       timeout,
		maxRecoveries: maxRecoveries,
		reconnect:     reconnect,
		disconnect:    disconnect,
		pending:       make(map[string]struct{}),
		recoveries:    make(map[string]int),
		logger:        noopLogger{},
		observer:      NopObserver{},
	}
}

// SetLogger sets the logger. Call before use.
func (f *ServiceFallback) SetLogger(logger Logger) { f.logger = logger }

// SetObserver sets the diagnostics observer.
func (f *ServiceFallback) SetObserver(o Observer) { f.observer = o }

// Start enables triggers. Checks run under ctx and stop with it.
func (f *ServiceFallback) Start(ctx context.Context) {
	f.mu.Lock()
	f.ctx = ctx
	f.mu.Unlock()
}

// Wait blocks until every running check has finished.
func (f *ServiceFallback) Wait() { f.wg.Wait() }

// Trigger starts a check for id unless one is already running. It never
// blocks. Reports whether a check was started.
func (f *ServiceFallback) Trigger(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ctx == nil || f.ctx.Err() != nil {
		return false
	}
	if _, busy := f.pending[id]; busy {
		return false
	}
	f.pending[id] = struct{}{}
	f.wg.Add(1)
	go f.check(f.ctx, id)
	return true
}

// Reset clears the recovery count for id, for example when a user asks for
// a fresh connect.
func (f *ServiceFallback) Reset(id string) {
	f.mu.Lock()
	delete(f.recoveries, id)
	f.mu.Unlock()
}

// ResetAll clears every recovery count.
func (f *ServiceFallback) ResetAll() {
	f.mu.Lock()
	clear(f.recoveries)
	f.mu.Unlock()
}

func (f *ServiceFallback) check(ctx context.Context, id string) {
	defer f.wg.Done()

	start := time.Now()
	var inv ServiceInventory
	err := callWithTimeout(ctx, f.timeout, func(ctx context.Context) error {
		var err error
		inv, err = f.transport.RetrieveServices(ctx, id)
		return err
	})
	took := time.Since(start)

	f.mu.Lock()
	delete(f.pending, id)
	f.mu.Unlock()

	if err == nil {
		f.mu.Lock()
		delete(f.recoveries, id)
		f.mu.Unlock()

		if rerr := f.reg.RecordServices(id, inv.Services, inv.Characteristics); rerr != nil {
			f.logger.Warn("services for unknown device", "device_id", id)
			return
		}
		f.logger.Info("services retrieved", "device_id", id,
			"services", inv.Services, "characteristics", inv.Characteristics, "took", took)
		f.observer.ServicesRetrieved(id, inv, took, nil)
		return
	}

	opErr := &OpError{Op: "services", DeviceID: id, Kind: ErrServiceRetrievalFailed, Err: err}
	f.observer.ServicesRetrieved(id, ServiceInventory{}, took, opErr)

	if ctx.Err() != nil {
		return
	}
	d, gerr := f.reg.Get(id)
	if gerr != nil || d.State != device.StateConnected {
		f.logger.Debug("service check failed for device no longer connected", "device_id", id, "error", err)
		return
	}
	_ = f.reg.RecordError(id, opErr.Error())

	f.mu.Lock()
	f.recoveries[id]++
	n := f.recoveries[id]
	f.mu.Unlock()

	if n <= f.maxRecoveries {
		f.logger.Warn("service retrieval failed, reconnecting", "device_id", id, "recovery", n, "took", took, "error", err)
		f.observer.RecoveryIssued(id, "reconnect", opErr)
		if rerr := f.reconnect(ctx, id); rerr != nil {
			if errors.Is(rerr, ErrOperationInFlight) {
				f.logger.Debug("recovery skipped, operation in flight", "device_id", id)
				return
			}
			f.logger.Warn("recovery connect failed", "device_id", id, "error", rerr)
		}
		return
	}

	f.logger.Error("service retrieval keeps failing, disconnecting", "device_id", id, "recoveries", n-1, "error", err)
	f.observer.RecoveryIssued(id, "disconnect", opErr)
	f.Reset(id)
	if derr := f.disconnect(ctx, id); derr != nil && !errors.Is(derr, ErrOperationInFlight) {
		f.logger.Warn("recovery disconnect failed", "device_id", id, "error", derr)
	}
}
