package link

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-ble/internal/device"
)

func newTestOrchestrator(t *testing.T, ids ...string) (*Orchestrator, *device.Registry, *fakeTransport) {
	t.Helper()
	reg := device.NewRegistry()
	for _, id := range ids {
		_, err := reg.UpsertDiscovered(id, "U1SMARTLIGHT", -60, time.Time{})
		require.NoError(t, err)
	}
	ft := newFakeTransport()
	o := NewOrchestrator(reg, ft, OrchestratorConfig{
		ConnectTimeout:    time.Second,
		DisconnectTimeout: time.Second,
	})
	return o, reg, ft
}

func markConnected(t *testing.T, reg *device.Registry, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := reg.ConfirmState(id, device.StateConnected, time.Time{})
		require.NoError(t, err)
	}
}

func stateOf(t *testing.T, reg *device.Registry, id string) device.ConnectionState {
	t.Helper()
	d, err := reg.Get(id)
	require.NoError(t, err)
	return d.State
}

func TestConnectAll_IsolatesFailures(t *testing.T) {
	o, reg, ft := newTestOrchestrator(t, "A", "B", "C")
	refused := errors.New("le-connection-abort-by-local")
	ft.failConnect("B", ModeAuto, refused)
	ft.failConnect("B", ModeDirect, refused)

	res := o.ConnectAll(context.Background())

	assert.Equal(t, device.StateConnected, stateOf(t, reg, "A"))
	assert.Equal(t, device.StateDisconnected, stateOf(t, reg, "B"))
	assert.Equal(t, device.StateConnected, stateOf(t, reg, "C"))

	failed := res.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "B", failed[0].DeviceID)
	assert.Equal(t, 2, failed[0].Attempts)
	assert.ErrorIs(t, failed[0].Err, ErrConnectFailed)
	assert.ErrorIs(t, failed[0].Err, refused)
	assert.NotEmpty(t, failed[0].Error)
	assert.Len(t, res.Succeeded(), 2)

	b, _ := reg.Get("B")
	assert.Contains(t, b.LastError, "connect failed")
}

func TestConnectAll_RetryBound(t *testing.T) {
	o, _, ft := newTestOrchestrator(t, "A", "B")
	ft.failConnect("A", ModeAuto, errors.New("not bonded"))
	ft.failConnect("B", ModeAuto, errors.New("not bonded"))
	ft.failConnect("B", ModeDirect, errors.New("timeout"))

	res := o.ConnectAll(context.Background())

	assert.Equal(t, []ConnectMode{ModeAuto, ModeDirect}, ft.connectsFor("A"))
	assert.Equal(t, []ConnectMode{ModeAuto, ModeDirect}, ft.connectsFor("B"))

	byID := map[string]Outcome{}
	for _, out := range res.Outcomes {
		byID[out.DeviceID] = out
	}
	assert.NoError(t, byID["A"].Err)
	assert.Equal(t, ModeDirect, byID["A"].Mode)
	assert.Equal(t, 2, byID["A"].Attempts)
	assert.Error(t, byID["B"].Err)
}

func TestConnectAll_OnlyTargetsDisconnectedSnapshot(t *testing.T) {
	o, reg, ft := newTestOrchestrator(t, "A", "B")
	markConnected(t, reg, "A")

	res := o.ConnectAll(context.Background())

	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, "B", res.Outcomes[0].DeviceID)
	assert.Empty(t, ft.connectsFor("A"))
	assert.Equal(t, []ConnectMode{ModeAuto}, ft.connectsFor("B"))
}

func TestConnectAll_RunsConcurrently(t *testing.T) {
	o, _, ft := newTestOrchestrator(t, "A", "B", "C")

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	release := make(chan struct{})
	ft.connectHook = func(ctx context.Context, _ string, _ ConnectMode) error {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		reached := active == 3
		mu.Unlock()
		if reached {
			close(release)
		}
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}

	res := o.ConnectAll(context.Background())
	assert.Empty(t, res.Failed())
	assert.Equal(t, 3, maxSeen)
}

func TestConnect_UsesSingleModeAndSettlesOnFailure(t *testing.T) {
	o, reg, ft := newTestOrchestrator(t, "X1")
	ft.failConnect("X1", ModeDirect, errors.New("refused"))

	err := o.Connect(context.Background(), "X1")
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, []ConnectMode{ModeDirect}, ft.connectsFor("X1"))
	assert.Equal(t, device.StateDisconnected, stateOf(t, reg, "X1"))
}

func TestConnect_TimeoutNeverLeavesConnecting(t *testing.T) {
	o, reg, ft := newTestOrchestrator(t, "X1")
	o.cfg.ConnectTimeout = 20 * time.Millisecond
	hang := make(chan struct{})
	defer close(hang)
	ft.connectHook = func(context.Context, string, ConnectMode) error {
		<-hang // ignores its context
		return nil
	}

	err := o.Connect(context.Background(), "X1")
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, device.StateDisconnected, stateOf(t, reg, "X1"))
}

func TestConnect_InFlightGate(t *testing.T) {
	o, reg, ft := newTestOrchestrator(t, "X1")
	entered := make(chan struct{})
	release := make(chan struct{})
	ft.connectHook = func(context.Context, string, ConnectMode) error {
		close(entered)
		<-release
		return nil
	}

	errc := make(chan error, 1)
	go func() { errc <- o.Connect(context.Background(), "X1") }()
	<-entered

	assert.True(t, o.InFlight("X1"))
	assert.ErrorIs(t, o.Connect(context.Background(), "X1"), ErrOperationInFlight)
	assert.ErrorIs(t, o.Disconnect(context.Background(), "X1"), ErrOperationInFlight)
	assert.Equal(t, device.StateConnecting, stateOf(t, reg, "X1"))

	close(release)
	require.NoError(t, <-errc)
	assert.False(t, o.InFlight("X1"))
	assert.Equal(t, device.StateConnected, stateOf(t, reg, "X1"))
	assert.Len(t, ft.connects(), 1)
}

func TestConnect_AlreadyConnectedIsNoop(t *testing.T) {
	o, reg, ft := newTestOrchestrator(t, "X1")
	markConnected(t, reg, "X1")

	fired := 0
	o.OnConnected(func(string) { fired++ })

	require.NoError(t, o.Connect(context.Background(), "X1"))
	assert.Empty(t, ft.connects())
	assert.Zero(t, fired)
}

func TestConnect_UnknownDevice(t *testing.T) {
	o, _, ft := newTestOrchestrator(t)
	err := o.Connect(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownDevice)
	assert.Empty(t, ft.connects())
}

func TestConnect_LinkDroppedDuringConnect(t *testing.T) {
	o, reg, ft := newTestOrchestrator(t, "X1")
	ft.connectHook = func(context.Context, string, ConnectMode) error {
		// The radio reports a drop before the connect call returns.
		_, err := reg.ConfirmState("X1", device.StateDisconnected, time.Time{})
		return err
	}

	err := o.Connect(context.Background(), "X1")
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, device.StateDisconnected, stateOf(t, reg, "X1"))
}

func TestReconnect_FromConnected(t *testing.T) {
	o, reg, ft := newTestOrchestrator(t, "X1")
	markConnected(t, reg, "X1")

	var fired []string
	o.OnConnected(func(id string) { fired = append(fired, id) })

	require.NoError(t, o.Reconnect(context.Background(), "X1"))
	assert.Equal(t, []ConnectMode{ModeDirect}, ft.connectsFor("X1"))
	assert.Equal(t, device.StateConnected, stateOf(t, reg, "X1"))
	assert.Equal(t, []string{"X1"}, fired)
}

func TestDisconnect(t *testing.T) {
	o, reg, ft := newTestOrchestrator(t, "X1", "X2")
	markConnected(t, reg, "X1", "X2")
	ft.disconnectErr["X2"] = errors.New("not connected")

	require.NoError(t, o.Disconnect(context.Background(), "X1"))
	assert.Equal(t, device.StateDisconnected, stateOf(t, reg, "X1"))

	// Already disconnected: nothing to do.
	require.NoError(t, o.Disconnect(context.Background(), "X1"))
	assert.Equal(t, []string{"X1"}, ft.disconnects())

	err := o.Disconnect(context.Background(), "X2")
	assert.ErrorIs(t, err, ErrDisconnectFailed)
	assert.Equal(t, device.StateConnected, stateOf(t, reg, "X2"))
}

func TestDisconnectAll_SnapshotIsolation(t *testing.T) {
	o, reg, ft := newTestOrchestrator(t, "B", "A")
	markConnected(t, reg, "B", "A")
	o.cfg.Concurrency = 1

	// While B is being disconnected, an unrelated event drops A.
	ft.disconnectHook = func(id string) {
		if id == "B" {
			_, err := reg.ConfirmState("A", device.StateDisconnected, time.Time{})
			assert.NoError(t, err)
		}
	}

	res := o.DisconnectAll(context.Background())

	assert.Empty(t, res.Failed())
	assert.Equal(t, []string{"B"}, ft.disconnects())
	assert.Equal(t, device.StateDisconnected, stateOf(t, reg, "A"))
	assert.Equal(t, device.StateDisconnected, stateOf(t, reg, "B"))

	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, "B", res.Outcomes[0].DeviceID)
	assert.True(t, res.Outcomes[1].Skipped)
}

func TestDisconnectAll_BestEffort(t *testing.T) {
	o, reg, ft := newTestOrchestrator(t, "A", "B", "C")
	markConnected(t, reg, "A", "B", "C")
	ft.disconnectErr["B"] = errors.New("busy")

	obs := &recordingObserver{}
	o.SetObserver(obs)

	res := o.DisconnectAll(context.Background())

	require.Len(t, res.Failed(), 1)
	assert.Equal(t, "B", res.Failed()[0].DeviceID)
	assert.Equal(t, 1, res.Failed()[0].Attempts)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, ft.disconnects())
	assert.Equal(t, device.StateDisconnected, stateOf(t, reg, "A"))
	assert.Equal(t, device.StateDisconnected, stateOf(t, reg, "C"))
	require.Len(t, obs.bulks, 1)
	assert.Equal(t, "disconnect_all", obs.bulks[0].Op)
}
