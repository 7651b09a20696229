// Package bluez implements the link transport on Linux through the BlueZ
// D-Bus API.
//
// Discovery uses Adapter1 with an LE-only filter. Device1 Connect and
// Disconnect drive the link, and Device1 PropertiesChanged signals on
// "Connected" become link events. Service retrieval waits for
// ServicesResolved and counts the GattService1 and GattCharacteristic1
// objects BlueZ exports under the device path.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"github.com/nerrad567/gray-logic-ble/internal/link"
)

const (
	bluezBus          = "org.bluez"
	adapterIface      = "org.bluez.Adapter1"
	deviceIface       = "org.bluez.Device1"
	gattServiceIface  = "org.bluez.GattService1"
	gattCharIface     = "org.bluez.GattCharacteristic1"
	objManagerIface   = "org.freedesktop.DBus.ObjectManager"
	propsIface        = "org.freedesktop.DBus.Properties"
	errAlreadyConn    = "org.bluez.Error.AlreadyConnected"
	errNotConnected   = "org.bluez.Error.NotConnected"
	errAccessDenied   = "org.freedesktop.DBus.Error.AccessDenied"
	errBluezNotReady  = "org.bluez.Error.NotReady"
	errBluezNotAuthed = "org.bluez.Error.NotAuthorized"
)

// Errors returned by the BlueZ transport.
var (
	ErrNotBonded     = errors.New("bluez: device not paired or trusted")
	ErrNotConnected  = errors.New("bluez: device not connected")
	ErrClosed        = errors.New("bluez: transport closed")
	ErrAdapterAbsent = errors.New("bluez: adapter not found")
)

// Logger defines the logging interface used by the transport.
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

// Transport talks to bluetoothd over the system bus.
type Transport struct {
	conn        *dbus.Conn
	adapter     string
	adapterPath dbus.ObjectPath
	pollEvery   time.Duration

	mu      sync.Mutex
	found   func(link.Discovery)
	names   map[dbus.ObjectPath]string
	closed  bool
	signals chan *dbus.Signal

	events chan link.Event
	done   chan struct{}
	wg     sync.WaitGroup
	logger Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(l Logger) Option { return func(t *Transport) { t.logger = l } }

// WithEventBuffer sets the event channel capacity.
func WithEventBuffer(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.events = make(chan link.Event, n)
		}
	}
}

// Open connects a private system bus connection and subscribes to the
// adapter's object and property signals.
func Open(ctx context.Context, adapter string, opts ...Option) (*Transport, error) {
	if adapter == "" {
		adapter = "hci0"
	}
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}

	t := &Transport{
		conn:        conn,
		adapter:     adapter,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapter),
		pollEvery:   200 * time.Millisecond,
		names:       make(map[dbus.ObjectPath]string),
		signals:     make(chan *dbus.Signal, 64),
		events:      make(chan link.Event, 64),
		done:        make(chan struct{}),
		logger:      noopLogger{},
	}
	for _, o := range opts {
		o(t)
	}

	if _, err := getProperty[string](conn, t.adapterPath, adapterIface, "Address"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrAdapterAbsent, adapter, err)
	}

	matches := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged"), dbus.WithMatchPathNamespace(t.adapterPath)},
	}
	for _, m := range matches {
		if err := conn.AddMatchSignal(m...); err != nil {
			conn.Close()
			return nil, fmt.Errorf("bluez: add match: %w", err)
		}
	}
	conn.Signal(t.signals)

	t.wg.Add(1)
	go t.signalLoop()

	t.logger.Info("bluez transport opened", "adapter", adapter)
	return t, nil
}

// Close removes the signal subscription and closes the bus connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.conn.RemoveSignal(t.signals)
	close(t.done)
	t.wg.Wait()
	return t.conn.Close()
}

// Events implements link.Transport.
func (t *Transport) Events() <-chan link.Event { return t.events }

// EnsureAuthorized powers the adapter if needed. A refusal from the bus or
// from BlueZ maps to link.ErrAuthorizationDenied.
func (t *Transport) EnsureAuthorized(ctx context.Context) error {
	powered, err := getProperty[bool](t.conn, t.adapterPath, adapterIface, "Powered")
	if err != nil {
		return t.authError("read Powered", err)
	}
	if powered {
		return nil
	}

	obj := t.conn.Object(bluezBus, t.adapterPath)
	call := obj.CallWithContext(ctx, propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(true))
	if call.Err != nil {
		return t.authError("power on adapter", call.Err)
	}
	t.logger.Info("bluetooth adapter powered on", "adapter", t.adapter)
	return nil
}

func (t *Transport) authError(op string, err error) error {
	switch dbusErrorName(err) {
	case errAccessDenied, errBluezNotAuthed, errBluezNotReady, "org.bluez.Error.Blocked":
		return fmt.Errorf("%w: %s: %w", link.ErrAuthorizationDenied, op, err)
	}
	return fmt.Errorf("bluez: %s: %w", op, err)
}

// StartDiscovery runs LE discovery for window and reports devices seen,
// whether newly added or already cached with a fresh RSSI.
func (t *Transport) StartDiscovery(ctx context.Context, _ map[string]struct{}, window time.Duration, found func(link.Discovery)) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	adapter := t.conn.Object(bluezBus, t.adapterPath)
	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(false),
	}
	if call := adapter.CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return fmt.Errorf("bluez: set discovery filter: %w", call.Err)
	}
	if call := adapter.CallWithContext(ctx, adapterIface+".StartDiscovery", 0); call.Err != nil {
		return fmt.Errorf("bluez: start discovery: %w", call.Err)
	}

	t.mu.Lock()
	t.found = found
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.found = nil
		t.mu.Unlock()
		if call := adapter.Call(adapterIface+".StopDiscovery", 0); call.Err != nil {
			t.logger.Debug("stop discovery", "error", call.Err)
		}
	}()

	if objects, err := t.managedObjects(ctx); err == nil {
		for path, ifaces := range objects {
			if props, ok := ifaces[deviceIface]; ok && t.underAdapter(path) {
				if _, seen := props["RSSI"]; seen {
					t.report(path, props)
				}
			}
		}
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrClosed
	}
}

// Connect connects id, an address like AA:BB:CC:DD:EE:FF. Auto mode only
// reconnects devices the stack already knows (paired or trusted); direct
// mode always issues a plain connect.
func (t *Transport) Connect(ctx context.Context, id string, mode link.ConnectMode) error {
	path := devicePath(t.adapter, id)

	if mode == link.ModeAuto {
		paired, _ := getProperty[bool](t.conn, path, deviceIface, "Paired")
		trusted, _ := getProperty[bool](t.conn, path, deviceIface, "Trusted")
		if !paired && !trusted {
			return fmt.Errorf("%w: %s", ErrNotBonded, id)
		}
	}

	call := t.conn.Object(bluezBus, path).CallWithContext(ctx, deviceIface+".Connect", 0)
	if call.Err != nil && dbusErrorName(call.Err) != errAlreadyConn {
		return fmt.Errorf("bluez: connect %s: %w", id, call.Err)
	}
	return nil
}

// Disconnect disconnects id. A device that is not connected is not an error.
func (t *Transport) Disconnect(ctx context.Context, id string) error {
	path := devicePath(t.adapter, id)
	call := t.conn.Object(bluezBus, path).CallWithContext(ctx, deviceIface+".Disconnect", 0)
	if call.Err != nil && dbusErrorName(call.Err) != errNotConnected {
		return fmt.Errorf("bluez: disconnect %s: %w", id, call.Err)
	}
	return nil
}

// RetrieveServices waits for BlueZ to resolve the device's GATT database
// and counts what it exported.
func (t *Transport) RetrieveServices(ctx context.Context, id string) (link.ServiceInventory, error) {
	path := devicePath(t.adapter, id)

	ticker := time.NewTicker(t.pollEvery)
	defer ticker.Stop()
	for {
		connected, err := getProperty[bool](t.conn, path, deviceIface, "Connected")
		if err != nil {
			return link.ServiceInventory{}, fmt.Errorf("bluez: read Connected: %w", err)
		}
		if !connected {
			return link.ServiceInventory{}, fmt.Errorf("%w: %s", ErrNotConnected, id)
		}
		resolved, err := getProperty[bool](t.conn, path, deviceIface, "ServicesResolved")
		if err == nil && resolved {
			break
		}
		select {
		case <-ctx.Done():
			return link.ServiceInventory{}, ctx.Err()
		case <-ticker.C:
		}
	}

	objects, err := t.managedObjects(ctx)
	if err != nil {
		return link.ServiceInventory{}, err
	}
	return countGATT(objects, path), nil
}

func (t *Transport) managedObjects(ctx context.Context) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := t.conn.Object(bluezBus, "/").CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("bluez: decode managed objects: %w", err)
	}
	return objects, nil
}

func (t *Transport) signalLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case sig, ok := <-t.signals:
			if !ok {
				return
			}
			t.handleSignal(sig)
		}
	}
}

func (t *Transport) handleSignal(sig *dbus.Signal) {
	if sig == nil {
		return
	}
	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if props, ok := ifaces[deviceIface]; ok && t.underAdapter(path) {
			t.report(path, props)
		}

	case propsIface + ".PropertiesChanged":
		if len(sig.Body) < 2 || !isDevicePath(t.adapterPath, sig.Path) {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		if iface != deviceIface || changed == nil {
			return
		}
		id := addressFromPath(sig.Path)
		if v, ok := changed["Connected"]; ok {
			if connected, ok := v.Value().(bool); ok {
				if connected {
					t.emit(link.DeviceConnected(id))
				} else {
					t.emit(link.DeviceDisconnected(id))
				}
			}
		}
		if _, ok := changed["RSSI"]; ok {
			t.report(sig.Path, changed)
		}
	}
}

// report passes a sighting to the active scan, if any. Names are cached per
// path because RSSI updates arrive without one.
func (t *Transport) report(path dbus.ObjectPath, props map[string]dbus.Variant) {
	d := discoveryFromProps(path, props)

	t.mu.Lock()
	if d.Name != "" {
		t.names[path] = d.Name
	} else {
		d.Name = t.names[path]
	}
	found := t.found
	t.mu.Unlock()

	if found == nil {
		return
	}
	if d.Name == "" {
		if name, err := getProperty[string](t.conn, path, deviceIface, "Name"); err == nil {
			d.Name = name
		}
	}
	d.At = time.Now().UTC()
	found(d)
}

func (t *Transport) emit(ev link.Event) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("bluez event dropped, buffer full", "event", ev.Kind.String(), "device_id", ev.DeviceID)
	}
}

func (t *Transport) underAdapter(path dbus.ObjectPath) bool {
	return isDevicePath(t.adapterPath, path)
}

// devicePath converts an address to its BlueZ object path.
// Example: "AA:BB:CC:DD:EE:FF" on hci0 → "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"
func devicePath(adapter, address string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_"))
}

// addressFromPath is the inverse of devicePath.
func addressFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

// isDevicePath reports whether p is a device directly under adapterPath,
// not one of its GATT children.
func isDevicePath(adapterPath, p dbus.ObjectPath) bool {
	rest, ok := strings.CutPrefix(string(p), string(adapterPath)+"/dev_")
	return ok && !strings.Contains(rest, "/")
}

func discoveryFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) link.Discovery {
	d := link.Discovery{ID: addressFromPath(path)}
	if v, ok := props["Address"]; ok {
		if s, ok := v.Value().(string); ok && s != "" {
			d.ID = s
		}
	}
	if v, ok := props["Name"]; ok {
		d.Name, _ = v.Value().(string)
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			d.RSSI = int(rssi)
		}
	}
	return d
}

// countGATT counts services and characteristics exported below devPath.
func countGATT(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, devPath dbus.ObjectPath) link.ServiceInventory {
	prefix := string(devPath) + "/"
	var inv link.ServiceInventory
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if props, ok := ifaces[gattServiceIface]; ok {
			inv.Services++
			if v, ok := props["UUID"]; ok {
				if uuid, ok := v.Value().(string); ok {
					inv.UUIDs = append(inv.UUIDs, uuid)
				}
			}
		}
		if _, ok := ifaces[gattCharIface]; ok {
			inv.Characteristics++
		}
	}
	return inv
}

// getProperty reads a property from a BlueZ object.
func getProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T
	variant, err := conn.Object(bluezBus, path).GetProperty(iface + "." + property)
	if err != nil {
		return zero, err
	}
	val, ok := variant.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, property, variant.Value())
	}
	return val, nil
}

func dbusErrorName(err error) string {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return dbusErr.Name
	}
	var dbusErrPtr *dbus.Error
	if errors.As(err, &dbusErrPtr) {
		return dbusErrPtr.Name
	}
	return ""
}
