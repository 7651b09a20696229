// Package tinyble implements the link transport with tinygo.org/x/bluetooth,
// which runs on Linux (through BlueZ), macOS and Windows.
//
// The library has no context support, so blocking calls run on their own
// goroutine and are abandoned when the context ends. A connect that
// completes after its caller gave up is disconnected again.
package tinyble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/nerrad567/gray-logic-ble/internal/link"
)

// Errors returned by the transport.
var (
	ErrNotSeen       = errors.New("tinyble: device not seen in a scan")
	ErrNoPriorLink   = errors.New("tinyble: no previous link to reconnect")
	ErrNotConnected  = errors.New("tinyble: device not connected")
	ErrScanCancelled = errors.New("tinyble: scan stopped")
)

// Logger defines the logging interface used by the transport.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Transport implements link.Transport and link.Authorizer.
type Transport struct {
	radio  radio
	logger Logger

	mu      sync.Mutex
	enabled bool
	peers   map[string]peer
	known   map[string]bool // devices linked at least once

	events chan link.Event
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(l Logger) Option { return func(t *Transport) { t.logger = l } }

// WithEventBuffer sets the capacity of the Events channel.
func WithEventBuffer(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.events = make(chan link.Event, n)
		}
	}
}

// New returns a transport on the platform's default adapter.
func New(opts ...Option) *Transport {
	t := newTransport(newAdapterRadio(bluetooth.DefaultAdapter), 64)
	for _, o := range opts {
		o(t)
	}
	return t
}

func newTransport(r radio, buffer int) *Transport {
	t := &Transport{
		radio:  r,
		logger: noopLogger{},
		peers:  make(map[string]peer),
		known:  make(map[string]bool),
		events: make(chan link.Event, buffer),
	}
	r.SetConnectHandler(t.onConnect)
	return t
}

// EnsureAuthorized enables the adapter. On platforms with a permission
// prompt this is where it appears.
func (t *Transport) EnsureAuthorized(ctx context.Context) error {
	t.mu.Lock()
	enabled := t.enabled
	t.mu.Unlock()
	if enabled {
		return nil
	}

	if err := run(ctx, t.radio.Enable); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: enable adapter: %w", link.ErrAuthorizationDenied, err)
	}

	t.mu.Lock()
	t.enabled = true
	t.mu.Unlock()
	return nil
}

// StartDiscovery scans for window. The library's Scan blocks until
// StopScan, so the window is enforced here.
func (t *Transport) StartDiscovery(ctx context.Context, _ map[string]struct{}, window time.Duration, found func(link.Discovery)) error {
	done := make(chan error, 1)
	go func() {
		done <- t.radio.Scan(func(id, name string, rssi int) {
			found(link.Discovery{ID: id, Name: name, RSSI: rssi, At: time.Now().UTC()})
		})
	}()

	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case err := <-done:
		// Scan returned before we stopped it: it never started.
		if err == nil {
			err = ErrScanCancelled
		}
		return fmt.Errorf("tinyble: scan: %w", err)
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := t.radio.StopScan(); err != nil {
		return fmt.Errorf("tinyble: stop scan: %w", err)
	}
	<-done
	return ctx.Err()
}

// Connect links to id. Auto mode only reconnects devices that were linked
// before in this process.
func (t *Transport) Connect(ctx context.Context, id string, mode link.ConnectMode) error {
	t.mu.Lock()
	known := t.known[id]
	t.mu.Unlock()
	if mode == link.ModeAuto && !known {
		return fmt.Errorf("%w: %s", ErrNoPriorLink, id)
	}

	type result struct {
		p   peer
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := t.radio.Connect(id)
		done <- result{p, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("tinyble: connect %s: %w", id, res.err)
		}
		t.mu.Lock()
		t.peers[id] = res.p
		t.known[id] = true
		t.mu.Unlock()
		return nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil {
				_ = res.p.Disconnect()
			}
		}()
		return ctx.Err()
	}
}

// Disconnect drops the link to id.
func (t *Transport) Disconnect(ctx context.Context, id string) error {
	t.mu.Lock()
	p, ok := t.peers[id]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	if err := run(ctx, p.Disconnect); err != nil {
		return fmt.Errorf("tinyble: disconnect %s: %w", id, err)
	}
	t.mu.Lock()
	delete(t.peers, id)
	t.mu.Unlock()
	return nil
}

// RetrieveServices enumerates every service and its characteristics.
func (t *Transport) RetrieveServices(ctx context.Context, id string) (link.ServiceInventory, error) {
	t.mu.Lock()
	p, ok := t.peers[id]
	t.mu.Unlock()
	if !ok {
		return link.ServiceInventory{}, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}

	var inv link.ServiceInventory
	err := run(ctx, func() error {
		s, c, uuids, err := p.Inventory()
		inv = link.ServiceInventory{Services: s, Characteristics: c, UUIDs: uuids}
		return err
	})
	if err != nil {
		return link.ServiceInventory{}, err
	}
	return inv, nil
}

// Events implements link.Transport.
func (t *Transport) Events() <-chan link.Event { return t.events }

func (t *Transport) onConnect(id string, connected bool) {
	ev := link.DeviceConnected(id)
	if !connected {
		t.mu.Lock()
		delete(t.peers, id)
		t.mu.Unlock()
		ev = link.DeviceDisconnected(id)
	}
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("tinyble event dropped, buffer full", "event", ev.Kind.String(), "device_id", id)
	}
}

// run calls fn and returns early if ctx ends first.
func run(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
