package link

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-ble/internal/device"
)

func newTestReconciler() (*Reconciler, *device.Registry) {
	reg := device.NewRegistry()
	r := NewReconciler(reg, 8)
	r.SetAdmit(NewAllowList("U1SMARTLIGHT", "UNIT1 AURA").Allows)
	return r, reg
}

func TestReconciler_DiscoveryIsIdempotent(t *testing.T) {
	r, reg := newTestReconciler()

	ev := DeviceDiscovered("X1", "U1SMARTLIGHT", -60)
	r.apply(ev)
	first := reg.Snapshot()
	r.apply(ev)

	require.Equal(t, 1, reg.Len())
	assert.Equal(t, first, reg.Snapshot())
	assert.Equal(t, device.StateDisconnected, first[0].State)
}

func TestReconciler_DiscoveryDoesNotRegressConnected(t *testing.T) {
	r, reg := newTestReconciler()

	r.apply(DeviceDiscovered("X1", "U1SMARTLIGHT", -60))
	r.apply(DeviceConnected("X1"))
	r.apply(DeviceDiscovered("X1", "U1SMARTLIGHT", -58))

	d, err := reg.Get("X1")
	require.NoError(t, err)
	assert.Equal(t, device.StateConnected, d.State)
	assert.Equal(t, -58, d.RSSI)
}

func TestReconciler_FiltersDiscoveriesByName(t *testing.T) {
	r, reg := newTestReconciler()

	r.apply(DeviceDiscovered("A", "Some Headphones", -40))
	r.apply(DeviceDiscovered("B", "", -40))
	r.apply(DeviceDiscovered("C", "u1smartlight", -40))
	r.apply(DeviceDiscovered("D", "UNIT1 AURA", -40))

	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "D", snap[0].ID)

	applied, discarded := r.Counts()
	assert.Equal(t, uint64(1), applied)
	assert.Equal(t, uint64(3), discarded)
}

func TestReconciler_UnknownDeviceIsDiscarded(t *testing.T) {
	r, reg := newTestReconciler()

	assert.NotPanics(t, func() {
		r.apply(DeviceConnected("ghost"))
		r.apply(DeviceDisconnected("ghost"))
	})
	assert.Equal(t, 0, reg.Len())

	_, discarded := r.Counts()
	assert.Equal(t, uint64(2), discarded)
}

func TestReconciler_StaleEventIsDiscarded(t *testing.T) {
	r, reg := newTestReconciler()
	r.apply(DeviceDiscovered("X1", "U1SMARTLIGHT", -60))

	old := DeviceConnected("X1")
	old.At = time.Now().Add(-time.Hour)
	r.apply(DeviceDisconnected("X1"))
	r.apply(old)

	d, _ := reg.Get("X1")
	assert.Equal(t, device.StateDisconnected, d.State)
}

func TestReconciler_DisconnectBehindLocalClockApplies(t *testing.T) {
	r, reg := newTestReconciler()
	r.apply(DeviceDiscovered("X1", "U1SMARTLIGHT", -60))
	require.NoError(t, reg.SetConnectionState("X1", device.StateConnecting))
	require.NoError(t, reg.SetConnectionState("X1", device.StateConnected))

	ev := DeviceDisconnected("X1")
	ev.At = ev.At.Add(-2 * time.Second)
	r.apply(ev)

	d, _ := reg.Get("X1")
	assert.Equal(t, device.StateDisconnected, d.State)
	_, discarded := r.Counts()
	assert.Zero(t, discarded)
}

func TestReconciler_OnConnectedFiresOnlyOnChange(t *testing.T) {
	r, _ := newTestReconciler()

	var fired []string
	r.OnConnected(func(id string) { fired = append(fired, id) })

	r.apply(DeviceDiscovered("X1", "U1SMARTLIGHT", -60))
	r.apply(DeviceConnected("X1"))
	r.apply(DeviceConnected("X1"))

	assert.Equal(t, []string{"X1"}, fired)
}

func TestReconciler_RunDrainsSourcesInOrder(t *testing.T) {
	r, reg := newTestReconciler()
	src := make(chan Event, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, src)
		close(done)
	}()

	src <- DeviceDiscovered("X1", "U1SMARTLIGHT", -60)
	src <- DeviceConnected("X1")
	src <- DeviceDisconnected("X1")
	require.NoError(t, r.Submit(ctx, DeviceDiscovered("X2", "UNIT1 AURA", -70)))

	require.Eventually(t, func() bool {
		applied, _ := r.Counts()
		return applied == 4
	}, time.Second, 5*time.Millisecond)

	d, err := reg.Get("X1")
	require.NoError(t, err)
	assert.Equal(t, device.StateDisconnected, d.State)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReconciler_SubmitHonoursContext(t *testing.T) {
	r := NewReconciler(device.NewRegistry(), 1)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, r.Submit(ctx, DeviceConnected("X1")))
	cancel()
	assert.ErrorIs(t, r.Submit(ctx, DeviceConnected("X1")), context.Canceled)
}
