package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-ble/internal/device"
	"github.com/nerrad567/gray-logic-ble/internal/link"
)

type memHistory struct {
	mu     sync.Mutex
	events []device.LinkEvent
	block  chan struct{}
}

func (m *memHistory) Record(_ context.Context, ev device.LinkEvent) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memHistory) List(_ context.Context, id string, _ int) ([]device.LinkEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []device.LinkEvent
	for _, ev := range m.events {
		if ev.DeviceID == id {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memHistory) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Kind)
	}
	return out
}

var _ link.Observer = (*HistoryRecorder)(nil)
var _ link.Observer = (*MetricsRecorder)(nil)

func TestHistoryRecorder_RecordsLifecycle(t *testing.T) {
	repo := &memHistory{}
	h := NewHistoryRecorder(repo, 0)
	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)

	h.EventApplied(link.DeviceDiscovered("X1", "U1SMARTLIGHT", -60), true)
	h.EventApplied(link.DeviceDiscovered("X1", "U1SMARTLIGHT", -61), false)
	h.ConnectAttempt("X1", link.ModeAuto, 1, time.Second, errors.New("not bonded"))
	h.ConnectAttempt("X1", link.ModeDirect, 2, time.Second, nil)
	h.ServicesRetrieved("X1", link.ServiceInventory{Services: 3, Characteristics: 7}, time.Millisecond, nil)
	h.RecoveryIssued("X1", "reconnect", errors.New("timeout"))
	h.EventApplied(link.DeviceDisconnected("X1"), true)
	h.DisconnectAttempt("X1", time.Millisecond, errors.New("busy"))

	require.Eventually(t, func() bool { return len(repo.kinds()) == 7 }, time.Second, 5*time.Millisecond)
	cancel()
	h.Wait()

	assert.Equal(t, []string{
		device.EventKindDiscovered,
		device.EventKindConnectFailed,
		device.EventKindConnectAttempt,
		device.EventKindServices,
		device.EventKindRecovery,
		device.EventKindDisconnected,
		device.EventKindDisconnectFailed,
	}, repo.kinds())

	evs, err := repo.List(context.Background(), "X1", 0)
	require.NoError(t, err)
	assert.Equal(t, "auto", evs[1].Mode)
	assert.Equal(t, 1, evs[1].Attempt)
	assert.Equal(t, "not bonded", evs[1].Detail)
	assert.Equal(t, "3 services, 7 characteristics", evs[3].Detail)
	assert.Equal(t, "reconnect: timeout", evs[4].Detail)
	for _, ev := range evs {
		assert.False(t, ev.CreatedAt.IsZero())
	}
}

func TestHistoryRecorder_DropsWhenFull(t *testing.T) {
	repo := &memHistory{block: make(chan struct{})}
	h := NewHistoryRecorder(repo, 1)
	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)

	// The first event is taken by the writer and blocks in Record, the
	// second fills the queue, the rest are dropped.
	for i := 0; i < 5; i++ {
		h.ConnectAttempt("X1", link.ModeAuto, 1, 0, nil)
		time.Sleep(time.Millisecond)
	}
	require.Eventually(t, func() bool { return h.Dropped() >= 3 }, time.Second, 5*time.Millisecond)

	close(repo.block)
	cancel()
	h.Wait()
	assert.GreaterOrEqual(t, len(repo.kinds()), 1)
}

type recordedWrite struct {
	kind string
	id   string
	ok   bool
	n    int
}

type fakeWriter struct {
	mu     sync.Mutex
	writes []recordedWrite
	counts map[string]int
}

func (f *fakeWriter) add(w recordedWrite) {
	f.mu.Lock()
	f.writes = append(f.writes, w)
	f.mu.Unlock()
}

func (f *fakeWriter) WriteConnectAttempt(id, _ string, attempt int, _ time.Duration, ok bool, _ time.Time) {
	f.add(recordedWrite{kind: "connect", id: id, ok: ok, n: attempt})
}

func (f *fakeWriter) WriteDisconnect(id string, _ time.Duration, ok bool, _ time.Time) {
	f.add(recordedWrite{kind: "disconnect", id: id, ok: ok})
}

func (f *fakeWriter) WriteServices(id string, services, _ int, _ time.Duration, ok bool, _ time.Time) {
	f.add(recordedWrite{kind: "services", id: id, ok: ok, n: services})
}

func (f *fakeWriter) WriteScan(accepted, _ int, _ time.Duration, ok bool, _ time.Time) {
	f.add(recordedWrite{kind: "scan", ok: ok, n: accepted})
}

func (f *fakeWriter) WriteBulk(op string, _, failed int, _ time.Duration, _ time.Time) {
	f.add(recordedWrite{kind: "bulk:" + op, n: failed})
}

func (f *fakeWriter) WriteStateCounts(counts map[string]int, _ time.Time) {
	f.mu.Lock()
	f.counts = counts
	f.mu.Unlock()
}

type countingPruner struct {
	calls  chan time.Duration
	err    error
	remove int64
}

func (p *countingPruner) Prune(_ context.Context, olderThan time.Duration) (int64, error) {
	p.calls <- olderThan
	return p.remove, p.err
}

func TestHistoryRecorder_Retention(t *testing.T) {
	p := &countingPruner{calls: make(chan time.Duration, 8), remove: 3}
	h := NewHistoryRecorder(&memHistory{}, 0)
	ctx, cancel := context.WithCancel(context.Background())

	h.StartRetention(ctx, p, 48*time.Hour, 10*time.Millisecond)

	for i := 0; i < 2; i++ {
		select {
		case got := <-p.calls:
			assert.Equal(t, 48*time.Hour, got)
		case <-time.After(time.Second):
			t.Fatalf("prune %d not called", i+1)
		}
	}
	cancel()
	h.Wait()
}

func TestHistoryRecorder_RetentionDisabled(t *testing.T) {
	p := &countingPruner{calls: make(chan time.Duration, 1)}
	h := NewHistoryRecorder(&memHistory{}, 0)

	h.StartRetention(context.Background(), p, 0, time.Millisecond)
	h.Wait()
	assert.Empty(t, p.calls)
}

func TestMetricsRecorder_Forwards(t *testing.T) {
	w := &fakeWriter{}
	m := NewMetricsRecorder(w, nil)

	m.ConnectAttempt("X1", link.ModeDirect, 2, time.Second, nil)
	m.DisconnectAttempt("X1", time.Second, errors.New("x"))
	m.ServicesRetrieved("X1", link.ServiceInventory{Services: 4}, 0, nil)
	m.ScanFinished(link.ScanResult{Accepted: 2}, nil)
	m.BulkFinished(link.BulkResult{Op: "connect", Outcomes: []link.Outcome{
		{DeviceID: "A"}, {DeviceID: "B", Err: errors.New("refused")},
	}})
	m.EventApplied(link.DeviceConnected("X1"), true)

	assert.Equal(t, []recordedWrite{
		{kind: "connect", id: "X1", ok: true, n: 2},
		{kind: "disconnect", id: "X1", ok: false},
		{kind: "services", id: "X1", ok: true, n: 4},
		{kind: "scan", ok: true, n: 2},
		{kind: "bulk:connect", n: 1},
	}, w.writes)
}

func TestMetricsRecorder_SamplesRegistry(t *testing.T) {
	reg := device.NewRegistry()
	_, err := reg.UpsertDiscovered("X1", "U1SMARTLIGHT", -50, time.Time{})
	require.NoError(t, err)

	w := &fakeWriter{}
	m := NewMetricsRecorder(w, reg)
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx, time.Hour)

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.counts != nil
	}, time.Second, 5*time.Millisecond)
	cancel()
	m.Wait()

	assert.Equal(t, 1, w.counts["disconnected"])
	assert.Equal(t, 0, w.counts["connected"])
}
