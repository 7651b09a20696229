package link

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/gray-logic-ble/internal/device"
)

// Reconciler is the single consumer of link events. Everything that reports
// what the radio did, whether the scanner or the transport's own
// notification stream, ends up on one channel and is applied to the
// Registry in arrival order by one goroutine.
type Reconciler struct {
	reg *device.Registry
	in  chan Event

	admit       func(name string) bool
	onConnected func(id string)

	logger   Logger
	observer Observer

	applied   atomic.Uint64
	discarded atomic.Uint64
}

// NewReconciler creates a reconciler feeding reg. buffer sizes the inbound
// queue; senders block when it is full.
func NewReconciler(reg *device.Registry, buffer int) *Reconciler {
	if buffer < 1 {
		buffer = 1
	}
	return &Reconciler{
		reg:      reg,
		in:       make(chan Event, buffer),
		logger:   noopLogger{},
		observer: NopObserver{},
	}
}

// SetLogger sets the logger. Call before Run.
func (r *Reconciler) SetLogger(logger Logger) { r.logger = logger }

// SetObserver sets the diagnostics observer. Call before Run.
func (r *Reconciler) SetObserver(o Observer) { r.observer = o }

// SetAdmit installs the name filter for discovery events. Discoveries whose
// name fails it never reach the Registry. Call before Run.
func (r *Reconciler) SetAdmit(fn func(name string) bool) { r.admit = fn }

// OnConnected registers fn to run whenever an event moves a device to
// connected. fn runs on the consumer goroutine and must not block.
func (r *Reconciler) OnConnected(fn func(id string)) { r.onConnected = fn }

// Submit queues ev. It blocks until there is room or ctx is done.
func (r *Reconciler) Submit(ctx context.Context, ev Event) error {
	select {
	case r.in <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run applies queued events until ctx is cancelled. Each source is drained
// by its own forwarder into the shared queue, which preserves per-source
// order.
func (r *Reconciler) Run(ctx context.Context, sources ...<-chan Event) {
	var wg sync.WaitGroup
	for _, src := range sources {
		if src == nil {
			continue
		}
		wg.Add(1)
		go func(src <-chan Event) {
			defer wg.Done()
			r.forward(ctx, src)
		}(src)
	}
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.in:
			r.apply(ev)
		}
	}
}

func (r *Reconciler) forward(ctx context.Context, src <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src:
			if !ok {
				return
			}
			if r.Submit(ctx, ev) != nil {
				return
			}
		}
	}
}

// Counts returns how many events were applied and discarded so far.
func (r *Reconciler) Counts() (applied, discarded uint64) {
	return r.applied.Load(), r.discarded.Load()
}

func (r *Reconciler) apply(ev Event) {
	var (
		changed bool
		err     error
	)

	switch ev.Kind {
	case EventDiscovered:
		if r.admit != nil && !r.admit(ev.Name) {
			r.discarded.Add(1)
			r.logger.Debug("discovery ignored", "device_id", ev.DeviceID, "name", ev.Name)
			return
		}
		changed, err = r.reg.UpsertDiscovered(ev.DeviceID, ev.Name, ev.RSSI, ev.At)
		if changed {
			r.logger.Info("discovered", "name", ev.Name, "device_id", ev.DeviceID)
		}
	case EventConnected:
		changed, err = r.reg.ConfirmState(ev.DeviceID, device.StateConnected, ev.At)
	case EventDisconnected:
		changed, err = r.reg.ConfirmState(ev.DeviceID, device.StateDisconnected, ev.At)
	default:
		r.discarded.Add(1)
		r.logger.Warn("unknown event kind discarded", "kind", ev.Kind, "device_id", ev.DeviceID)
		return
	}

	switch {
	case errors.Is(err, device.ErrUnknownDevice):
		r.discarded.Add(1)
		r.logger.Warn("event for unknown device discarded", "event", ev.Kind.String(), "device_id", ev.DeviceID)
		return
	case errors.Is(err, device.ErrStaleEvent):
		r.discarded.Add(1)
		r.logger.Debug("stale event discarded", "event", ev.Kind.String(), "device_id", ev.DeviceID)
		return
	case err != nil:
		r.discarded.Add(1)
		r.logger.Warn("event rejected", "event", ev.Kind.String(), "device_id", ev.DeviceID, "error", err)
		return
	}

	r.applied.Add(1)
	r.observer.EventApplied(ev, changed)

	if changed {
		switch ev.Kind {
		case EventConnected:
			r.logger.Info("device connected", "device_id", ev.DeviceID)
			if r.onConnected != nil {
				r.onConnected(ev.DeviceID)
			}
		case EventDisconnected:
			r.logger.Info("device disconnected", "device_id", ev.DeviceID)
		}
	}
}
