package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-ble/internal/device"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-ble/internal/link"
)

func testPeripherals() []Peripheral {
	return []Peripheral{
		{ID: "AA:00:00:00:00:01", Name: "U1SMARTLIGHT", RSSI: -55, Services: 3, Characteristics: 8},
		{ID: "AA:00:00:00:00:02", Name: "UNIT1 AURA", FailAuto: true, Services: 2},
		{ID: "AA:00:00:00:00:03", Name: "Kitchen Speaker"},
	}
}

func TestStartDiscovery_AdvertisesAll(t *testing.T) {
	tr := New(testPeripherals())

	var got []link.Discovery
	err := tr.StartDiscovery(context.Background(), nil, 20*time.Millisecond, func(d link.Discovery) {
		got = append(got, d)
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "U1SMARTLIGHT", got[0].Name)
	assert.Equal(t, -55, got[0].RSSI)
	assert.False(t, got[0].At.IsZero())
}

func TestStartDiscovery_Cancelled(t *testing.T) {
	tr := New(testPeripherals())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tr.StartDiscovery(ctx, nil, time.Second, func(link.Discovery) {})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConnect_ModeFailures(t *testing.T) {
	tr := New(testPeripherals())
	ctx := context.Background()

	err := tr.Connect(ctx, "AA:00:00:00:00:02", link.ModeAuto)
	assert.ErrorIs(t, err, ErrRefused)
	assert.False(t, tr.Connected("AA:00:00:00:00:02"))

	require.NoError(t, tr.Connect(ctx, "AA:00:00:00:00:02", link.ModeDirect))
	assert.True(t, tr.Connected("AA:00:00:00:00:02"))

	ev := <-tr.Events()
	assert.Equal(t, link.EventConnected, ev.Kind)
	assert.Equal(t, "AA:00:00:00:00:02", ev.DeviceID)

	assert.ErrorIs(t, tr.Connect(ctx, "nope", link.ModeDirect), ErrNoSuchPeripheral)
}

func TestRetrieveServices(t *testing.T) {
	tr := New(testPeripherals())
	ctx := context.Background()
	id := "AA:00:00:00:00:01"

	_, err := tr.RetrieveServices(ctx, id)
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, tr.Connect(ctx, id, link.ModeAuto))
	inv, err := tr.RetrieveServices(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, inv.Services)
	assert.Equal(t, 8, inv.Characteristics)
	assert.Len(t, inv.UUIDs, 3)

	require.NoError(t, tr.Update(id, func(p *Peripheral) { p.HangServices = true }))
	tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = tr.RetrieveServices(tctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDisconnectAndDrop(t *testing.T) {
	tr := New(testPeripherals())
	ctx := context.Background()
	id := "AA:00:00:00:00:01"

	assert.ErrorIs(t, tr.Disconnect(ctx, id), ErrNotConnected)

	require.NoError(t, tr.Connect(ctx, id, link.ModeDirect))
	<-tr.Events()
	tr.Drop(id)
	ev := <-tr.Events()
	assert.Equal(t, link.EventDisconnected, ev.Kind)
	assert.False(t, tr.Connected(id))

	// Dropping an idle peripheral emits nothing.
	tr.Drop(id)
	select {
	case ev := <-tr.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestEnsureAuthorized(t *testing.T) {
	tr := New(nil)
	require.NoError(t, tr.EnsureAuthorized(context.Background()))

	tr.Deny(true)
	assert.ErrorIs(t, tr.EnsureAuthorized(context.Background()), link.ErrAuthorizationDenied)
}

func TestFromConfig(t *testing.T) {
	ps := FromConfig([]config.SimulatedPeripheral{{ID: "X1", Name: "U1SMARTLIGHT", Services: 3, FailServices: true}})
	require.Len(t, ps, 1)
	assert.Equal(t, "X1", ps[0].ID)
	assert.True(t, ps[0].FailServices)
}

// The simulator drives the full link manager the same way a radio would.
func TestManagerOverSimulator(t *testing.T) {
	tr := New(testPeripherals())
	reg := device.NewRegistry()

	opts := link.DefaultOptions()
	opts.ScanWindow = 20 * time.Millisecond
	opts.ServiceTimeout = 100 * time.Millisecond
	m, err := link.NewManager(reg, tr, tr, opts)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	_, err = m.RequestScan(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return reg.Len() == 2 }, time.Second, 5*time.Millisecond)

	res, err := m.RequestConnectAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Failed())

	require.Eventually(t, func() bool {
		d, _ := m.Device("AA:00:00:00:00:01")
		return d.State == device.StateConnected && d.Services == 3
	}, time.Second, 5*time.Millisecond)

	tr.Drop("AA:00:00:00:00:01")
	require.Eventually(t, func() bool {
		d, _ := m.Device("AA:00:00:00:00:01")
		return d.State == device.StateDisconnected
	}, time.Second, 5*time.Millisecond)
}
