package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-ble/internal/api"
	"github.com/nerrad567/gray-logic-ble/internal/device"
	"github.com/nerrad567/gray-logic-ble/internal/link"
)

type mockActions struct {
	mu      sync.Mutex
	calls   []string
	toggled []string
	err     error
}

func (m *mockActions) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return m.err
}

func (m *mockActions) Scan(context.Context) (link.ScanResult, error) {
	return link.ScanResult{Accepted: 3, Ignored: 1}, m.record("scan")
}

func (m *mockActions) ConnectAll(context.Context) (api.BulkResponse, error) {
	return api.BulkResponse{
		BulkResult: link.BulkResult{
			Op:       "connect-all",
			Outcomes: []link.Outcome{{DeviceID: "AA:02", Error: "timeout"}},
		},
		Succeeded: 1,
		Failed:    1,
	}, m.record("connect-all")
}

func (m *mockActions) DisconnectAll(context.Context) (api.BulkResponse, error) {
	return api.BulkResponse{BulkResult: link.BulkResult{Op: "disconnect-all"}, Succeeded: 2}, m.record("disconnect-all")
}

func (m *mockActions) Toggle(_ context.Context, id string) (device.ConnectionState, error) {
	m.mu.Lock()
	m.toggled = append(m.toggled, id)
	m.mu.Unlock()
	return device.StateConnected, m.record("toggle")
}

func runeKey(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func testDevices() snapshotMsg {
	return snapshotMsg{
		{ID: "AA:01", Name: "U1SMARTLIGHT", State: device.StateConnected},
		{ID: "AA:02", Name: "UNIT1 AURA", State: device.StateDisconnected},
	}
}

// press sends a key and runs the resulting command, if any, feeding its
// message back into the model.
func press(t *testing.T, m *watchModel, k tea.KeyMsg) tea.Msg {
	t.Helper()
	_, cmd := m.Update(k)
	if cmd == nil {
		return nil
	}
	msg := cmd()
	m.Update(msg)
	return msg
}

func TestWatchModel_Snapshot(t *testing.T) {
	m := newWatchModel(&mockActions{}, time.Second)
	assert.Contains(t, m.View(), "press s to scan")

	m.Update(testDevices())
	assert.Len(t, m.devices, 2)
	assert.Empty(t, m.status)
	assert.Contains(t, m.View(), "UNIT1 AURA")

	m.cursor = 1
	m.Update(snapshotMsg{{ID: "AA:01"}})
	assert.Equal(t, 0, m.cursor, "cursor clamped to shorter list")
}

func TestWatchModel_Navigation(t *testing.T) {
	m := newWatchModel(&mockActions{}, time.Second)
	m.Update(testDevices())

	m.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, m.cursor)
	m.Update(runeKey('j'))
	assert.Equal(t, 1, m.cursor, "cursor stops at last row")
	m.Update(runeKey('k'))
	assert.Equal(t, 0, m.cursor)
	m.Update(tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, 0, m.cursor)
}

func TestWatchModel_Actions(t *testing.T) {
	tests := []struct {
		name       string
		key        tea.KeyMsg
		wantCall   string
		wantStatus string
	}{
		{"scan", runeKey('s'), "scan", "scan: 3 accepted, 1 ignored"},
		{"connect all", runeKey('c'), "connect-all", "connect-all: 1 succeeded, 1 failed\n  AA:02: timeout"},
		{"disconnect all", runeKey('d'), "disconnect-all", "disconnect-all: 2 succeeded, 0 failed"},
		{"toggle", tea.KeyMsg{Type: tea.KeyEnter}, "toggle", "UNIT1 AURA is now connected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actions := &mockActions{}
			m := newWatchModel(actions, time.Second)
			m.Update(testDevices())
			m.cursor = 1

			msg := press(t, m, tt.key)
			require.IsType(t, resultMsg(""), msg)
			assert.Equal(t, []string{tt.wantCall}, actions.calls)
			assert.Equal(t, tt.wantStatus, m.status)
			assert.Empty(t, m.busy)
		})
	}
}

func TestWatchModel_ToggleTargetsSelectedRow(t *testing.T) {
	actions := &mockActions{}
	m := newWatchModel(actions, time.Second)
	m.Update(testDevices())

	press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.Equal(t, []string{"AA:01"}, actions.toggled)
}

func TestWatchModel_ToggleWithoutDevices(t *testing.T) {
	actions := &mockActions{}
	m := newWatchModel(actions, time.Second)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
	assert.Empty(t, actions.calls)
}

func TestWatchModel_BusyIgnoresActions(t *testing.T) {
	actions := &mockActions{}
	m := newWatchModel(actions, time.Second)

	_, first := m.Update(runeKey('s'))
	require.NotNil(t, first)
	assert.Equal(t, "scanning", m.busy)
	assert.Contains(t, m.View(), "scanning...")

	_, second := m.Update(runeKey('c'))
	assert.Nil(t, second, "second action while busy")
}

func TestWatchModel_ActionError(t *testing.T) {
	errBusy := errors.New("operation in flight")
	m := newWatchModel(&mockActions{err: errBusy}, time.Second)

	msg := press(t, m, runeKey('s'))
	require.IsType(t, errMsg{}, msg)
	assert.ErrorIs(t, m.err, errBusy)
	assert.Empty(t, m.busy)
	assert.Contains(t, m.View(), "error: operation in flight")
}

func TestWatchModel_WatchEnded(t *testing.T) {
	m := newWatchModel(&mockActions{}, time.Second)
	m.Update(watchEndMsg{err: errors.New("connection reset")})
	assert.Contains(t, m.View(), "live updates stopped: connection reset")
}

func TestWatchModel_Quit(t *testing.T) {
	m := newWatchModel(&mockActions{}, time.Second)
	_, cmd := m.Update(runeKey('q'))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}
