package tinyble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-ble/internal/link"
)

type fakePeer struct {
	services, chars int
	err             error
	disconnected    bool
}

func (p *fakePeer) Inventory() (int, int, []string, error) {
	return p.services, p.chars, []string{"180a"}, p.err
}

func (p *fakePeer) Disconnect() error {
	p.disconnected = true
	return nil
}

type fakeRadio struct {
	mu         sync.Mutex
	enableErr  error
	adverts    [][3]any
	stop       chan struct{}
	peers      map[string]*fakePeer
	connectErr error
	handler    func(string, bool)
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{peers: map[string]*fakePeer{}, stop: make(chan struct{}, 1)}
}

func (r *fakeRadio) Enable() error { return r.enableErr }

func (r *fakeRadio) Scan(fn func(id, name string, rssi int)) error {
	for _, a := range r.adverts {
		fn(a[0].(string), a[1].(string), a[2].(int))
	}
	<-r.stop
	return nil
}

func (r *fakeRadio) StopScan() error {
	r.stop <- struct{}{}
	return nil
}

func (r *fakeRadio) Connect(id string) (peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connectErr != nil {
		return nil, r.connectErr
	}
	p, ok := r.peers[id]
	if !ok {
		return nil, ErrNotSeen
	}
	return p, nil
}

func (r *fakeRadio) SetConnectHandler(fn func(string, bool)) { r.handler = fn }

func TestStartDiscovery(t *testing.T) {
	r := newFakeRadio()
	r.adverts = [][3]any{{"AA:01", "U1SMARTLIGHT", -50}, {"AA:02", "", -90}}
	tr := newTransport(r, 8)

	var got []link.Discovery
	err := tr.StartDiscovery(context.Background(), nil, 10*time.Millisecond, func(d link.Discovery) {
		got = append(got, d)
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "U1SMARTLIGHT", got[0].Name)
	assert.Equal(t, -50, got[0].RSSI)
}

func TestConnectModes(t *testing.T) {
	r := newFakeRadio()
	r.peers["AA:01"] = &fakePeer{services: 3, chars: 12}
	tr := newTransport(r, 8)
	ctx := context.Background()

	err := tr.Connect(ctx, "AA:01", link.ModeAuto)
	assert.ErrorIs(t, err, ErrNoPriorLink)

	require.NoError(t, tr.Connect(ctx, "AA:01", link.ModeDirect))
	inv, err := tr.RetrieveServices(ctx, "AA:01")
	require.NoError(t, err)
	assert.Equal(t, 3, inv.Services)
	assert.Equal(t, 12, inv.Characteristics)

	require.NoError(t, tr.Disconnect(ctx, "AA:01"))
	assert.True(t, r.peers["AA:01"].disconnected)

	// Known now, so auto mode is allowed.
	require.NoError(t, tr.Connect(ctx, "AA:01", link.ModeAuto))
}

func TestConnectFailureAndServicesWithoutLink(t *testing.T) {
	r := newFakeRadio()
	r.connectErr = errors.New("timeout")
	tr := newTransport(r, 8)

	err := tr.Connect(context.Background(), "AA:01", link.ModeDirect)
	assert.Error(t, err)

	_, err = tr.RetrieveServices(context.Background(), "AA:01")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, tr.Disconnect(context.Background(), "AA:01"), ErrNotConnected)
}

func TestConnectHandlerEmitsEvents(t *testing.T) {
	r := newFakeRadio()
	tr := newTransport(r, 8)

	r.handler("AA:01", true)
	r.handler("AA:01", false)

	ev := <-tr.Events()
	assert.Equal(t, link.EventConnected, ev.Kind)
	ev = <-tr.Events()
	assert.Equal(t, link.EventDisconnected, ev.Kind)
	assert.Equal(t, "AA:01", ev.DeviceID)
}

type warnLog struct {
	mu   sync.Mutex
	msgs []string
}

func (l *warnLog) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()
}

func TestConnectHandlerWarnsWhenBufferFull(t *testing.T) {
	r := newFakeRadio()
	log := &warnLog{}
	tr := newTransport(r, 1)
	WithLogger(log)(tr)

	r.handler("AA:01", true)
	r.handler("AA:01", false)

	ev := <-tr.Events()
	assert.Equal(t, link.EventConnected, ev.Kind)
	assert.Equal(t, []string{"tinyble event dropped, buffer full"}, log.msgs)
}

func TestEnsureAuthorized(t *testing.T) {
	r := newFakeRadio()
	r.enableErr = errors.New("bluetooth permission not granted")
	tr := newTransport(r, 8)

	assert.ErrorIs(t, tr.EnsureAuthorized(context.Background()), link.ErrAuthorizationDenied)

	r.enableErr = nil
	assert.NoError(t, tr.EnsureAuthorized(context.Background()))
}
