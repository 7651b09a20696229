// Package mqttradio drives a BLE radio that runs on another host.
//
// A gateway process next to the radio subscribes to
// graylogic/ble/gateway/{id}/request, executes each Request and replies on
// .../response/{request_id}. Advertisements and link changes it observes
// are published on .../event. Requests are correlated by a UUID and
// bounded by the configured request timeout.
package mqttradio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-ble/internal/link"
)

var (
	// ErrGateway wraps a failure reported by the gateway.
	ErrGateway = errors.New("mqttradio: gateway error")

	// ErrNoResponse is returned when the gateway does not answer in time.
	ErrNoResponse = errors.New("mqttradio: no response from gateway")

	ErrClosed = errors.New("mqttradio: transport closed")
)

const defaultRequestTimeout = 10 * time.Second

// Messenger is the subset of the MQTT client the transport needs.
type Messenger interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Logger defines the logging interface used by the transport.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Transport implements link.Transport and link.Authorizer over MQTT.
type Transport struct {
	msg     Messenger
	gateway string
	timeout time.Duration
	qos     byte
	logger  Logger
	topics  mqtt.Topics
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]chan Response
	found   func(link.Discovery)
	closed  bool

	events chan link.Event
}

// Option configures a Transport.
type Option func(*Transport)

// WithRequestTimeout bounds each request. Scans get the window on top.
func WithRequestTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithLogger sets the transport's logger.
func WithLogger(l Logger) Option { return func(t *Transport) { t.logger = l } }

// WithEventBuffer sets the capacity of the Events channel.
func WithEventBuffer(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.events = make(chan link.Event, n)
		}
	}
}

// New subscribes to the gateway's response and event topics.
func New(m Messenger, gateway string, opts ...Option) (*Transport, error) {
	if gateway == "" {
		return nil, errors.New("mqttradio: gateway id is required")
	}
	t := &Transport{
		msg:     m,
		gateway: gateway,
		timeout: defaultRequestTimeout,
		qos:     1,
		logger:  noopLogger{},
		now:     func() time.Time { return time.Now().UTC() },
		pending: make(map[string]chan Response),
		events:  make(chan link.Event, 64),
	}
	for _, o := range opts {
		o(t)
	}

	if err := m.Subscribe(t.topics.GatewayResponses(gateway), t.qos, t.handleResponse); err != nil {
		return nil, fmt.Errorf("mqttradio: subscribing to responses: %w", err)
	}
	if err := m.Subscribe(t.topics.GatewayEvents(gateway), t.qos, t.handleEvent); err != nil {
		_ = m.Unsubscribe(t.topics.GatewayResponses(gateway))
		return nil, fmt.Errorf("mqttradio: subscribing to events: %w", err)
	}
	return t, nil
}

// Close unsubscribes and fails any request still waiting.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.mu.Unlock()

	return errors.Join(
		t.msg.Unsubscribe(t.topics.GatewayResponses(t.gateway)),
		t.msg.Unsubscribe(t.topics.GatewayEvents(t.gateway)),
	)
}

// Events implements link.Transport.
func (t *Transport) Events() <-chan link.Event { return t.events }

// EnsureAuthorized asks the gateway to power and claim its radio.
func (t *Transport) EnsureAuthorized(ctx context.Context) error {
	_, err := t.call(ctx, Request{Op: OpAuthorize}, t.timeout)
	return err
}

// StartDiscovery asks the gateway to scan for window. Discovered events that
// arrive while the scan runs are passed to found.
func (t *Transport) StartDiscovery(ctx context.Context, allow map[string]struct{}, window time.Duration, found func(link.Discovery)) error {
	names := make([]string, 0, len(allow))
	for n := range allow {
		names = append(names, n)
	}
	sort.Strings(names)

	t.mu.Lock()
	t.found = found
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.found = nil
		t.mu.Unlock()
	}()

	_, err := t.call(ctx, Request{Op: OpScan, WindowMS: window.Milliseconds(), Allow: names}, window+t.timeout)
	return err
}

// Connect implements link.Transport.
func (t *Transport) Connect(ctx context.Context, id string, mode link.ConnectMode) error {
	_, err := t.call(ctx, Request{Op: OpConnect, DeviceID: id, Mode: mode}, t.timeout)
	return err
}

// Disconnect implements link.Transport. A device the gateway reports as
// already disconnected counts as success.
func (t *Transport) Disconnect(ctx context.Context, id string) error {
	_, err := t.call(ctx, Request{Op: OpDisconnect, DeviceID: id}, t.timeout)
	var gw *GatewayError
	if errors.As(err, &gw) && gw.Code == CodeNotConnected {
		return nil
	}
	return err
}

// RetrieveServices implements link.Transport.
func (t *Transport) RetrieveServices(ctx context.Context, id string) (link.ServiceInventory, error) {
	resp, err := t.call(ctx, Request{Op: OpServices, DeviceID: id}, t.timeout)
	if err != nil {
		return link.ServiceInventory{}, err
	}
	if resp.Services == nil {
		return link.ServiceInventory{}, fmt.Errorf("%w: services response carried no inventory", ErrGateway)
	}
	return *resp.Services, nil
}

// GatewayError is a failure reported in a Response.
type GatewayError struct {
	Op   string
	Code string
	Msg  string
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("mqttradio: %s: %s (%s)", e.Op, e.Msg, e.Code)
	}
	return fmt.Sprintf("mqttradio: %s: %s", e.Op, e.Msg)
}

func (e *GatewayError) Unwrap() error {
	if e.Code == CodeDenied {
		return link.ErrAuthorizationDenied
	}
	return ErrGateway
}

func (t *Transport) call(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	req.ID = uuid.NewString()
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("mqttradio: encoding %s request: %w", req.Op, err)
	}

	ch := make(chan Response, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Response{}, ErrClosed
	}
	t.pending[req.ID] = ch
	t.mu.Unlock()
	defer t.forget(req.ID)

	if err := t.msg.Publish(t.topics.GatewayRequest(t.gateway), payload, t.qos, false); err != nil {
		return Response{}, fmt.Errorf("mqttradio: sending %s request: %w", req.Op, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, ErrClosed
		}
		if !resp.OK {
			return resp, &GatewayError{Op: req.Op, Code: resp.Code, Msg: resp.Error}
		}
		return resp, nil
	case <-timer.C:
		return Response{}, fmt.Errorf("%w: %s after %v", ErrNoResponse, req.Op, timeout)
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (t *Transport) forget(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *Transport) handleResponse(topic string, payload []byte) error {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("mqttradio: decoding response: %w", err)
	}
	if resp.ID == "" {
		resp.ID = mqtt.LastSegment(topic)
	}

	t.mu.Lock()
	ch, ok := t.pending[resp.ID]
	if ok {
		delete(t.pending, resp.ID)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("late gateway response dropped", "request_id", resp.ID)
		return nil
	}
	ch <- resp
	return nil
}

func (t *Transport) handleEvent(_ string, payload []byte) error {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return fmt.Errorf("mqttradio: decoding event: %w", err)
	}
	if m.DeviceID == "" {
		return errors.New("mqttradio: event without device_id")
	}
	// Events are stamped on receipt. The gateway's own clock is only
	// reported, since it may not agree with ours.
	at := t.now()
	if !m.At.IsZero() {
		if skew := at.Sub(m.At); skew > time.Second || skew < -time.Second {
			t.logger.Debug("gateway clock skew", "device_id", m.DeviceID, "skew", skew)
		}
	}

	switch m.Type {
	case EventDiscovered:
		t.mu.Lock()
		found := t.found
		t.mu.Unlock()
		if found == nil {
			t.logger.Debug("advertisement outside scan window", "device_id", m.DeviceID)
			return nil
		}
		found(link.Discovery{ID: m.DeviceID, Name: m.Name, RSSI: m.RSSI, At: at})
		return nil
	case EventConnected:
		return t.emit(link.Event{Kind: link.EventConnected, DeviceID: m.DeviceID, At: at})
	case EventDisconnected:
		return t.emit(link.Event{Kind: link.EventDisconnected, DeviceID: m.DeviceID, At: at})
	}
	return fmt.Errorf("mqttradio: unknown event type %q", m.Type)
}

func (t *Transport) emit(ev link.Event) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil
	}
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("link event dropped, buffer full", "device_id", ev.DeviceID, "kind", ev.Kind)
	}
	return nil
}
