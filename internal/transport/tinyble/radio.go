package tinyble

import (
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// radio is the slice of the adapter the transport needs.
type radio interface {
	Enable() error
	Scan(fn func(id, name string, rssi int)) error
	StopScan() error
	Connect(id string) (peer, error)
	SetConnectHandler(fn func(id string, connected bool))
}

// peer is a connected device.
type peer interface {
	Inventory() (services, characteristics int, uuids []string, err error)
	Disconnect() error
}

// adapterRadio drives a tinygo bluetooth.Adapter. Addresses are platform
// specific, so it keeps the Address of every device seen while scanning
// and connects by those.
type adapterRadio struct {
	adapter *bluetooth.Adapter

	mu    sync.Mutex
	addrs map[string]bluetooth.Address
}

func newAdapterRadio(a *bluetooth.Adapter) *adapterRadio {
	return &adapterRadio{adapter: a, addrs: make(map[string]bluetooth.Address)}
}

func (r *adapterRadio) Enable() error { return r.adapter.Enable() }

func (r *adapterRadio) Scan(fn func(id, name string, rssi int)) error {
	return r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		id := result.Address.String()
		r.mu.Lock()
		r.addrs[id] = result.Address
		r.mu.Unlock()
		fn(id, result.LocalName(), int(result.RSSI))
	})
}

func (r *adapterRadio) StopScan() error { return r.adapter.StopScan() }

func (r *adapterRadio) Connect(id string) (peer, error) {
	r.mu.Lock()
	addr, ok := r.addrs[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotSeen, id)
	}
	dev, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	return devicePeer{dev: dev}, nil
}

func (r *adapterRadio) SetConnectHandler(fn func(id string, connected bool)) {
	r.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		fn(d.Address.String(), connected)
	})
}

type devicePeer struct {
	dev bluetooth.Device
}

func (p devicePeer) Inventory() (int, int, []string, error) {
	services, err := p.dev.DiscoverServices(nil)
	if err != nil {
		return 0, 0, nil, err
	}
	chars := 0
	uuids := make([]string, 0, len(services))
	for _, svc := range services {
		uuids = append(uuids, svc.UUID().String())
		cs, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return 0, 0, nil, fmt.Errorf("characteristics of %s: %w", svc.UUID().String(), err)
		}
		chars += len(cs)
	}
	return len(services), chars, uuids, nil
}

func (p devicePeer) Disconnect() error { return p.dev.Disconnect() }
