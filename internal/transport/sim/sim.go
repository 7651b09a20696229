// Package sim is an in-process radio for development and tests.
//
// Peripherals are declared up front, usually from the bluetooth.simulated
// config section, and behave like well-mannered BLE devices: they advertise
// during scans, connect, report their GATT inventory and emit the same link
// events a real stack would. Failures can be injected per peripheral and
// per connect mode, and Drop simulates a device leaving radio range.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-ble/internal/link"
)

// Errors returned by the simulated radio.
var (
	ErrNoSuchPeripheral = errors.New("sim: no such peripheral")
	ErrRefused          = errors.New("sim: connection refused")
	ErrNotConnected     = errors.New("sim: not connected")
	ErrGATT             = errors.New("sim: service discovery failed")
	ErrClosed           = errors.New("sim: transport closed")
)

// Peripheral describes one simulated device.
type Peripheral struct {
	ID              string
	Name            string
	RSSI            int
	Services        int
	Characteristics int

	FailAuto     bool
	FailDirect   bool
	FailServices bool

	// HangServices makes service retrieval block until its context ends.
	HangServices bool
}

// FromConfig converts config entries to peripherals.
func FromConfig(in []config.SimulatedPeripheral) []Peripheral {
	out := make([]Peripheral, 0, len(in))
	for _, p := range in {
		out = append(out, Peripheral{
			ID:              p.ID,
			Name:            p.Name,
			RSSI:            p.RSSI,
			Services:        p.Services,
			Characteristics: p.Characteristics,
			FailAuto:        p.FailAuto,
			FailDirect:      p.FailDirect,
			FailServices:    p.FailServices,
		})
	}
	return out
}

// Logger defines the logging interface used by the simulator.
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

// Transport implements link.Transport and link.Authorizer in memory.
type Transport struct {
	mu          sync.Mutex
	order       []string
	peripherals map[string]*Peripheral
	connected   map[string]bool
	latency     time.Duration
	denied      bool
	closed      bool

	events chan link.Event
	logger Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithLatency delays every operation by d, to make UI state visible.
func WithLatency(d time.Duration) Option {
	return func(t *Transport) { t.latency = d }
}

// WithEventBuffer sets the event channel capacity.
func WithEventBuffer(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.events = make(chan link.Event, n)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// New creates a simulator serving peripherals.
func New(peripherals []Peripheral, opts ...Option) *Transport {
	t := &Transport{
		peripherals: make(map[string]*Peripheral, len(peripherals)),
		connected:   make(map[string]bool),
		events:      make(chan link.Event, 64),
		logger:      noopLogger{},
	}
	for _, o := range opts {
		o(t)
	}
	for i := range peripherals {
		t.Add(peripherals[i])
	}
	return t
}

// Add registers or replaces a peripheral.
func (t *Transport) Add(p Peripheral) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peripherals[p.ID]; !ok {
		t.order = append(t.order, p.ID)
	}
	cp := p
	t.peripherals[p.ID] = &cp
}

// Update changes a peripheral in place, for example to clear an injected
// failure.
func (t *Transport) Update(id string, fn func(*Peripheral)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peripherals[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchPeripheral, id)
	}
	fn(p)
	return nil
}

// Deny makes EnsureAuthorized fail until called again with false.
func (t *Transport) Deny(denied bool) {
	t.mu.Lock()
	t.denied = denied
	t.mu.Unlock()
}

// Connected reports whether the simulator holds a link to id.
func (t *Transport) Connected(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected[id]
}

// EnsureAuthorized implements link.Authorizer.
func (t *Transport) EnsureAuthorized(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.denied {
		return fmt.Errorf("%w: simulated permission refusal", link.ErrAuthorizationDenied)
	}
	return nil
}

// StartDiscovery advertises every peripheral once, spread over the window.
func (t *Transport) StartDiscovery(ctx context.Context, _ map[string]struct{}, window time.Duration, found func(link.Discovery)) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	adverts := make([]link.Discovery, 0, len(t.order))
	for _, id := range t.order {
		p := t.peripherals[id]
		adverts = append(adverts, link.Discovery{ID: p.ID, Name: p.Name, RSSI: p.RSSI})
	}
	t.mu.Unlock()

	deadline := time.NewTimer(window)
	defer deadline.Stop()

	step := window / time.Duration(len(adverts)+1)
	for _, a := range adverts {
		if step > 0 {
			select {
			case <-time.After(step):
			case <-deadline.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		a.At = time.Now().UTC()
		found(a)
	}

	select {
	case <-deadline.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect links to id. Auto and direct modes can fail independently.
func (t *Transport) Connect(ctx context.Context, id string, mode link.ConnectMode) error {
	if err := t.wait(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	p, ok := t.peripherals[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSuchPeripheral, id)
	}
	if (mode == link.ModeAuto && p.FailAuto) || (mode == link.ModeDirect && p.FailDirect) {
		t.mu.Unlock()
		t.logger.Debug("sim connect refused", "device_id", id, "mode", mode)
		return fmt.Errorf("%w: %s (%s)", ErrRefused, id, mode)
	}
	t.connected[id] = true
	t.mu.Unlock()

	t.emit(link.DeviceConnected(id))
	return nil
}

// Disconnect drops the link to id.
func (t *Transport) Disconnect(ctx context.Context, id string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	if !t.connected[id] {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	delete(t.connected, id)
	t.mu.Unlock()

	t.emit(link.DeviceDisconnected(id))
	return nil
}

// RetrieveServices returns the peripheral's configured inventory.
func (t *Transport) RetrieveServices(ctx context.Context, id string) (link.ServiceInventory, error) {
	if err := t.wait(ctx); err != nil {
		return link.ServiceInventory{}, err
	}

	t.mu.Lock()
	p, ok := t.peripherals[id]
	connected := t.connected[id]
	var cp Peripheral
	if ok {
		cp = *p
	}
	t.mu.Unlock()

	switch {
	case !ok:
		return link.ServiceInventory{}, fmt.Errorf("%w: %s", ErrNoSuchPeripheral, id)
	case !connected:
		return link.ServiceInventory{}, fmt.Errorf("%w: %s", ErrNotConnected, id)
	case cp.HangServices:
		<-ctx.Done()
		return link.ServiceInventory{}, ctx.Err()
	case cp.FailServices:
		return link.ServiceInventory{}, fmt.Errorf("%w: %s", ErrGATT, id)
	}

	inv := link.ServiceInventory{Services: cp.Services, Characteristics: cp.Characteristics}
	for i := 0; i < cp.Services; i++ {
		inv.UUIDs = append(inv.UUIDs, fmt.Sprintf("0000%04x-0000-1000-8000-00805f9b34fb", 0x1800+i))
	}
	return inv, nil
}

// Drop simulates id leaving radio range.
func (t *Transport) Drop(id string) {
	t.mu.Lock()
	was := t.connected[id]
	delete(t.connected, id)
	t.mu.Unlock()

	if was {
		t.emit(link.DeviceDisconnected(id))
	}
}

// Events implements link.Transport.
func (t *Transport) Events() <-chan link.Event { return t.events }

// Close stops the simulator. Later scans fail with ErrClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) wait(ctx context.Context) error {
	if t.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(t.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) emit(ev link.Event) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("sim event dropped, buffer full", "event", ev.Kind.String(), "device_id", ev.DeviceID)
	}
}
