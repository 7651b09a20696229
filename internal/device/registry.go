package device

import (
	"fmt"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry is the authoritative, in-memory view of every peripheral seen
// since startup.
//
// Devices are keyed by ID, kept in first-discovery order and never removed.
// All reads return copies, so nothing outside the Registry can mutate its
// state. All public methods are thread-safe.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	order   []string

	// notifyMu serialises change notifications so subscribers observe
	// snapshots in mutation order.
	notifyMu sync.Mutex
	subsMu   sync.Mutex
	subs     map[uint64]func([]Device)
	nextSub  uint64

	logger Logger
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]*Device),
		subs:    make(map[uint64]func([]Device)),
		logger:  noopLogger{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger sets the logger for the registry. Call before the registry is
// shared with other goroutines.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// UpsertDiscovered records an advertisement for id.
//
// A new ID is inserted as disconnected. A known ID keeps its connection
// state; only the name (when non-empty), RSSI and sighting times change.
// Returns true when the device was created.
func (r *Registry) UpsertDiscovered(id, name string, rssi int, at time.Time) (bool, error) {
	if id == "" {
		return false, ErrInvalidID
	}
	if at.IsZero() {
		at = r.now()
	}

	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.devices[id] = &Device{
			ID:             id,
			Name:           name,
			State:          StateDisconnected,
			RSSI:           rssi,
			FirstSeen:      at,
			LastSeen:       at,
			LastEventAt:    at,
			StateChangedAt: at,
		}
		r.order = append(r.order, id)
		r.mu.Unlock()

		r.logger.Info("device discovered", "device_id", id, "name", name)
		r.notify()
		return true, nil
	}

	changed := false
	if name != "" && name != d.Name {
		d.Name = name
		changed = true
	}
	if rssi != 0 && rssi != d.RSSI {
		d.RSSI = rssi
		changed = true
	}
	if at.After(d.LastSeen) {
		d.LastSeen = at
	}
	r.mu.Unlock()

	if changed {
		r.notify()
	}
	return false, nil
}

// SetConnectionState moves id to state on behalf of an operation.
//
// Writing the current state again is a no-op. Moves outside the lifecycle
// (for example disconnected to connected) return ErrInvalidTransition.
func (r *Registry) SetConnectionState(id string, state ConnectionState) error {
	if !state.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, state)
	}

	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if d.State == state {
		r.mu.Unlock()
		return nil
	}
	if !CanTransition(d.State, state) {
		from := d.State
		r.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, state)
	}
	now := r.now()
	from := d.State
	d.State = state
	d.StateChangedAt = now
	d.LastEventAt = now
	r.mu.Unlock()

	r.logger.Debug("device state changed", "device_id", id, "from", from, "to", state)
	r.notify()
	return nil
}

// ConfirmState applies a link state reported by the transport and reports
// whether the device's state changed.
//
// The transport is authoritative, so any state may move to connected or
// disconnected. A confirmation stamped before the device's previous
// confirmation returns ErrStaleEvent and is ignored. Operation writes use
// the local clock and never make a confirmation stale.
func (r *Registry) ConfirmState(id string, state ConnectionState, at time.Time) (bool, error) {
	if state != StateConnected && state != StateDisconnected {
		return false, fmt.Errorf("%w: transport cannot confirm %q", ErrInvalidState, state)
	}
	if at.IsZero() {
		at = r.now()
	}

	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if at.Before(d.LastConfirmAt) {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %s %s at %s", ErrStaleEvent, id, state, at.Format(time.RFC3339Nano))
	}
	d.LastConfirmAt = at
	if at.After(d.LastEventAt) {
		d.LastEventAt = at
	}
	if d.State == state {
		r.mu.Unlock()
		return false, nil
	}
	from := d.State
	d.State = state
	d.StateChangedAt = at
	if state == StateConnected {
		d.LastError = ""
	}
	r.mu.Unlock()

	r.logger.Debug("device state confirmed", "device_id", id, "from", from, "to", state)
	r.notify()
	return true, nil
}

// SetStateIf moves id to next only while it is still in expected. It is
// used to settle an operation's own intermediate state once the transport
// call returns, without overwriting a confirmation that raced ahead.
// Reports whether the write happened.
func (r *Registry) SetStateIf(id string, expected, next ConnectionState) (bool, error) {
	if !next.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidState, next)
	}

	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if d.State != expected {
		r.mu.Unlock()
		return false, nil
	}
	now := r.now()
	d.State = next
	d.StateChangedAt = now
	d.LastEventAt = now
	r.mu.Unlock()

	r.logger.Debug("device state settled", "device_id", id, "from", expected, "to", next)
	r.notify()
	return true, nil
}

// RecordServices stores the result of a successful service enumeration.
func (r *Registry) RecordServices(id string, services, characteristics int) error {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	d.Services = services
	d.Characteristics = characteristics
	d.LastError = ""
	r.mu.Unlock()

	r.notify()
	return nil
}

// RecordError stores a diagnostic message for id. It never changes state.
func (r *Registry) RecordError(id, msg string) error {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if d.LastError == msg {
		r.mu.Unlock()
		return nil
	}
	d.LastError = msg
	r.mu.Unlock()

	r.notify()
	return nil
}

// Get returns a copy of the device with the given ID.
func (r *Registry) Get(id string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return *d, nil
}

// Snapshot returns every device in discovery order.
// The slice is freshly allocated on each call.
func (r *Registry) Snapshot() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.devices[id])
	}
	return out
}

// InState returns the devices currently in state, in discovery order.
func (r *Registry) InState(state ConnectionState) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Device
	for _, id := range r.order {
		if d := r.devices[id]; d.State == state {
			out = append(out, *d)
		}
	}
	return out
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Subscribe registers fn to receive a fresh snapshot after every change.
// fn runs on the mutating goroutine and must return quickly.
// The returned function removes the subscription.
func (r *Registry) Subscribe(fn func([]Device)) func() {
	r.subsMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.subsMu.Lock()
			delete(r.subs, id)
			r.subsMu.Unlock()
		})
	}
}

// Watch is Subscribe plus an immediate delivery of the current snapshot.
// The initial snapshot is delivered before any change notification.
func (r *Registry) Watch(fn func([]Device)) func() {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	cancel := r.Subscribe(fn)
	fn(r.Snapshot())
	return cancel
}

func (r *Registry) notify() {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.subsMu.Lock()
	if len(r.subs) == 0 {
		r.subsMu.Unlock()
		return
	}
	fns := make([]func([]Device), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.subsMu.Unlock()

	snap := r.Snapshot()
	for _, fn := range fns {
		// Each subscriber gets its own slice.
		cp := make([]Device, len(snap))
		copy(cp, snap)
		fn(cp)
	}
}

// Stats returns registry statistics for monitoring.
type Stats struct {
	TotalDevices int                     `json:"total_devices"`
	ByState      map[ConnectionState]int `json:"by_state"`
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalDevices: len(r.devices),
		ByState:      make(map[ConnectionState]int, len(transitions)),
	}
	for _, s := range AllConnectionStates() {
		stats.ByState[s] = 0
	}
	for _, d := range r.devices {
		stats.ByState[d.State]++
	}
	return stats
}
