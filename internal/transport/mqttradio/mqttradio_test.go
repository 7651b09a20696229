package mqttradio

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-ble/internal/link"
)

// memBroker routes publishes to matching subscriptions synchronously.
type memBroker struct {
	mu   sync.Mutex
	subs map[string]mqtt.MessageHandler
}

func newMemBroker() *memBroker {
	return &memBroker{subs: make(map[string]mqtt.MessageHandler)}
}

func (b *memBroker) Publish(topic string, payload []byte, _ byte, _ bool) error {
	b.mu.Lock()
	var hs []mqtt.MessageHandler
	for pattern, h := range b.subs {
		if topicMatches(pattern, topic) {
			hs = append(hs, h)
		}
	}
	b.mu.Unlock()
	for _, h := range hs {
		_ = h(topic, payload)
	}
	return nil
}

func (b *memBroker) Subscribe(topic string, _ byte, h mqtt.MessageHandler) error {
	b.mu.Lock()
	b.subs[topic] = h
	b.mu.Unlock()
	return nil
}

func (b *memBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	delete(b.subs, topic)
	b.mu.Unlock()
	return nil
}

func topicMatches(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")
	for i, seg := range p {
		if seg == "#" {
			return true
		}
		if i >= len(t) || (seg != "+" && seg != t[i]) {
			return false
		}
	}
	return len(p) == len(t)
}

// fakeGateway answers requests the way a remote radio process would.
type fakeGateway struct {
	b      *memBroker
	id     string
	silent bool
	deny   bool

	mu       sync.Mutex
	requests []Request
	adverts  []Message
	fail     map[string]Response
}

func startGateway(t *testing.T, b *memBroker, id string) *fakeGateway {
	t.Helper()
	g := &fakeGateway{b: b, id: id, fail: make(map[string]Response)}
	require.NoError(t, b.Subscribe(mqtt.Topics{}.GatewayRequest(id), 1, g.handle))
	return g
}

func (g *fakeGateway) handle(_ string, payload []byte) error {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	g.mu.Lock()
	g.requests = append(g.requests, req)
	adverts := append([]Message(nil), g.adverts...)
	failure, failed := g.fail[req.Op+"/"+req.DeviceID]
	g.mu.Unlock()

	if g.silent {
		return nil
	}

	resp := Response{ID: req.ID, OK: true}
	switch {
	case req.Op == OpAuthorize && g.deny:
		resp = Response{ID: req.ID, Code: CodeDenied, Error: "radio blocked"}
	case failed:
		resp = failure
		resp.ID = req.ID
	case req.Op == OpScan:
		for _, a := range adverts {
			g.publishEvent(a)
		}
	case req.Op == OpServices:
		resp.Services = &link.ServiceInventory{Services: 3, Characteristics: 7}
	}
	b, _ := json.Marshal(resp)
	return g.b.Publish(mqtt.Topics{}.GatewayResponse(g.id, req.ID), b, 1, false)
}

func (g *fakeGateway) publishEvent(m Message) {
	b, _ := json.Marshal(m)
	_ = g.b.Publish(mqtt.Topics{}.GatewayEvents(g.id), b, 1, false)
}

func (g *fakeGateway) ops() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.requests))
	for _, r := range g.requests {
		out = append(out, r.Op)
	}
	return out
}

func newTestTransport(t *testing.T, opts ...Option) (*Transport, *fakeGateway) {
	t.Helper()
	b := newMemBroker()
	g := startGateway(t, b, "gw1")
	tr, err := New(b, "gw1", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, g
}

func TestNew_RequiresGateway(t *testing.T) {
	_, err := New(newMemBroker(), "")
	require.Error(t, err)
}

func TestConnectDisconnect(t *testing.T) {
	tr, g := newTestTransport(t)
	ctx := context.Background()

	require.NoError(t, tr.Connect(ctx, "X1", link.ModeDirect))
	require.NoError(t, tr.Disconnect(ctx, "X1"))
	assert.Equal(t, []string{OpConnect, OpDisconnect}, g.ops())

	g.mu.Lock()
	assert.Equal(t, link.ModeDirect, g.requests[0].Mode)
	assert.Equal(t, "X1", g.requests[0].DeviceID)
	assert.NotEqual(t, g.requests[0].ID, g.requests[1].ID, "request ids must be unique")
	g.mu.Unlock()
}

func TestConnect_GatewayFailure(t *testing.T) {
	tr, g := newTestTransport(t)
	g.fail[OpConnect+"/X1"] = Response{Error: "page timeout"}

	err := tr.Connect(context.Background(), "X1", link.ModeAuto)
	require.ErrorIs(t, err, ErrGateway)
	assert.Contains(t, err.Error(), "page timeout")
}

func TestDisconnect_NotConnectedIsSuccess(t *testing.T) {
	tr, g := newTestTransport(t)
	g.fail[OpDisconnect+"/X1"] = Response{Code: CodeNotConnected, Error: "no link"}

	require.NoError(t, tr.Disconnect(context.Background(), "X1"))
}

func TestEnsureAuthorized_Denied(t *testing.T) {
	tr, g := newTestTransport(t)
	g.deny = true

	err := tr.EnsureAuthorized(context.Background())
	require.ErrorIs(t, err, link.ErrAuthorizationDenied)
	assert.NotErrorIs(t, err, ErrGateway)
}

func TestRetrieveServices(t *testing.T) {
	tr, _ := newTestTransport(t)

	inv, err := tr.RetrieveServices(context.Background(), "X1")
	require.NoError(t, err)
	assert.Equal(t, 3, inv.Services)
	assert.Equal(t, 7, inv.Characteristics)
}

func TestRequestTimeout(t *testing.T) {
	tr, g := newTestTransport(t, WithRequestTimeout(30*time.Millisecond))
	g.silent = true

	err := tr.Connect(context.Background(), "X1", link.ModeAuto)
	require.ErrorIs(t, err, ErrNoResponse)
}

func TestContextCancel(t *testing.T) {
	tr, g := newTestTransport(t)
	g.silent = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tr.Connect(ctx, "X1", link.ModeAuto)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartDiscovery_ForwardsAdverts(t *testing.T) {
	tr, g := newTestTransport(t)
	g.adverts = []Message{
		{Type: EventDiscovered, DeviceID: "X1", Name: "U1SMARTLIGHT", RSSI: -60},
		{Type: EventDiscovered, DeviceID: "X2", Name: "OTHER", RSSI: -70},
	}

	var got []link.Discovery
	allow := map[string]struct{}{"UNIT1 AURA": {}, "U1SMARTLIGHT": {}}
	err := tr.StartDiscovery(context.Background(), allow, 10*time.Millisecond, func(d link.Discovery) {
		got = append(got, d)
	})
	require.NoError(t, err)

	require.Len(t, got, 2, "transport forwards everything; filtering happens in the scanner")
	assert.Equal(t, "U1SMARTLIGHT", got[0].Name)
	assert.Equal(t, -60, got[0].RSSI)
	assert.False(t, got[0].At.IsZero())

	g.mu.Lock()
	assert.Equal(t, []string{"U1SMARTLIGHT", "UNIT1 AURA"}, g.requests[0].Allow)
	assert.Equal(t, int64(10), g.requests[0].WindowMS)
	g.mu.Unlock()

	// Outside a scan, adverts are ignored.
	g.publishEvent(Message{Type: EventDiscovered, DeviceID: "X3", Name: "U1SMARTLIGHT"})
	assert.Len(t, got, 2)
}

func TestEvents_LinkChanges(t *testing.T) {
	tr, g := newTestTransport(t)
	received := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr.now = func() time.Time { return received }

	g.publishEvent(Message{Type: EventConnected, DeviceID: "X1", At: received})
	g.publishEvent(Message{Type: EventDisconnected, DeviceID: "X1"})

	ev := <-tr.Events()
	assert.Equal(t, link.EventConnected, ev.Kind)
	assert.Equal(t, "X1", ev.DeviceID)
	assert.Equal(t, received, ev.At)

	ev = <-tr.Events()
	assert.Equal(t, link.EventDisconnected, ev.Kind)
	assert.Equal(t, received, ev.At)
}

func TestEvents_StampedOnReceipt(t *testing.T) {
	tr, g := newTestTransport(t)
	received := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr.now = func() time.Time { return received }

	tests := []struct {
		name string
		at   time.Time
	}{
		{"gateway clock behind", received.Add(-90 * time.Second)},
		{"gateway clock ahead", received.Add(time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g.publishEvent(Message{Type: EventDisconnected, DeviceID: "X1", At: tt.at})

			ev := <-tr.Events()
			assert.Equal(t, link.EventDisconnected, ev.Kind)
			assert.Equal(t, received, ev.At)
		})
	}
}

func TestHandleEvent_Rejects(t *testing.T) {
	tr, _ := newTestTransport(t)

	assert.Error(t, tr.handleEvent("", []byte(`not json`)))
	assert.Error(t, tr.handleEvent("", []byte(`{"type":"connected"}`)))
	assert.Error(t, tr.handleEvent("", []byte(`{"type":"bonded","device_id":"X1"}`)))
}

func TestClose_FailsPending(t *testing.T) {
	tr, g := newTestTransport(t)
	g.silent = true

	errc := make(chan error, 1)
	go func() { errc <- tr.Connect(context.Background(), "X1", link.ModeAuto) }()

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.pending) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Close())
	assert.True(t, errors.Is(<-errc, ErrClosed))

	assert.ErrorIs(t, tr.Connect(context.Background(), "X1", link.ModeAuto), ErrClosed)
}

func TestLateResponseDropped(t *testing.T) {
	tr, _ := newTestTransport(t)
	require.NoError(t, tr.handleResponse("graylogic/ble/gateway/gw1/response/nope", []byte(`{"ok":true}`)))
}
