package linkmqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/device"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-ble/internal/link"
)

const (
	// commandTimeout bounds a single command. Bulk commands are bounded by
	// the manager's own per-device timeouts well inside this.
	commandTimeout = 2 * time.Minute

	stateQoS = 1
)

// Logger defines the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Publisher is the publishing half of the MQTT client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// MQTTClient is the part of *mqtt.Client the bridge uses.
type MQTTClient interface {
	Publisher
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// LinkService is the part of *link.Manager the bridge drives.
type LinkService interface {
	StatusSource
	Subscribe(fn func([]device.Device)) func()
	RequestScan(ctx context.Context) (link.ScanResult, error)
	RequestConnectAll(ctx context.Context) (link.BulkResult, error)
	RequestDisconnectAll(ctx context.Context) (link.BulkResult, error)
	RequestToggle(ctx context.Context, id string) (device.ConnectionState, error)
}

// Options configures a Bridge.
type Options struct {
	MQTT           MQTTClient
	Link           LinkService
	Logger         Logger
	Version        string
	HealthInterval time.Duration
}

// Bridge translates between the MQTT bus and the link manager.
// All methods are safe for concurrent use.
type Bridge struct {
	mqtt   MQTTClient
	link   LinkService
	health *HealthReporter
	topics mqtt.Topics

	// latest holds the newest unpublished snapshot. Older ones are dropped.
	latest chan []device.Device

	// published is the last state sent per device, for change detection.
	published map[string]device.Device

	unsubscribe func()

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once

	logger Logger
}

// NewBridge creates a bridge. Call Start to begin operation.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, errors.New("linkmqtt: MQTT client is required")
	}
	if opts.Link == nil {
		return nil, errors.New("linkmqtt: link service is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		mqtt:      opts.MQTT,
		link:      opts.Link,
		health:    NewHealthReporter(opts.MQTT, opts.Link, opts.Version, opts.HealthInterval),
		latest:    make(chan []device.Device, 1),
		published: make(map[string]device.Device),
		ctx:       ctx,
		ctxCancel: cancel,
		logger:    opts.Logger,
	}
	if b.logger != nil {
		b.health.SetLogger(b.logger)
	}
	return b, nil
}

// Start subscribes to commands, begins publishing device state and starts
// health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	if err := b.mqtt.Subscribe(b.topics.AllCommands(), 1, b.handleCommand); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", b.topics.AllCommands())

	b.wg.Add(1)
	go b.publishLoop()
	b.unsubscribe = b.link.Subscribe(b.offer)

	b.health.Start(ctx)
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health", err)
	}

	b.logInfo("bridge started")
	return nil
}

// Stop cancels running commands and waits for them to finish.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.unsubscribe != nil {
			b.unsubscribe()
		}
		if err := b.mqtt.Unsubscribe(b.topics.AllCommands()); err != nil {
			b.logDebug("unsubscribe commands", "error", err)
		}
		b.ctxCancel()
		b.health.Stop()
		b.wg.Wait()
		b.logInfo("bridge stopped")
	})
}

// offer replaces any pending snapshot with snap. It never blocks, so it is
// safe to call from the registry's notification path.
func (b *Bridge) offer(snap []device.Device) {
	for {
		select {
		case b.latest <- snap:
			return
		default:
		}
		select {
		case <-b.latest:
		default:
		}
	}
}

func (b *Bridge) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case snap := <-b.latest:
			b.publishSnapshot(snap)
		}
	}
}

func (b *Bridge) publishSnapshot(snap []device.Device) {
	for _, d := range snap {
		if prev, ok := b.published[d.ID]; ok && sameState(prev, d) {
			continue
		}
		if err := b.publishJSON(b.topics.DeviceState(d.ID), newDeviceState(d), true); err != nil {
			b.logError("failed to publish device state", err, "device_id", d.ID)
			continue
		}
		b.published[d.ID] = d
	}

	if err := b.publishJSON(b.topics.Devices(), Snapshot{Devices: snap, Timestamp: time.Now().UTC()}, true); err != nil {
		b.logError("failed to publish snapshot", err)
	}
}

// handleCommand runs on the MQTT client's goroutine, so the command itself
// is dispatched to a bridge goroutine.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	action, id, ok := mqtt.ParseCommand(topic)
	if !ok {
		return fmt.Errorf("linkmqtt: malformed command topic %q", topic)
	}

	var req CommandRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			b.publishResult(CommandResult{Action: action, DeviceID: id, Error: "invalid payload: " + err.Error()})
			return nil
		}
	}

	select {
	case <-b.ctx.Done():
		return nil
	default:
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
		defer cancel()
		res := b.execute(ctx, action, id)
		res.RequestID = req.RequestID
		b.publishResult(res)
	}()
	return nil
}

func (b *Bridge) execute(ctx context.Context, action, id string) CommandResult {
	res := CommandResult{Action: action, DeviceID: id}
	var err error

	switch action {
	case mqtt.ActionScan:
		var scan link.ScanResult
		scan, err = b.link.RequestScan(ctx)
		if err == nil {
			res.Scan = &scan
		}
	case mqtt.ActionConnectAll:
		var bulk link.BulkResult
		bulk, err = b.link.RequestConnectAll(ctx)
		res.Bulk = &bulk
	case mqtt.ActionDisconnectAll:
		var bulk link.BulkResult
		bulk, err = b.link.RequestDisconnectAll(ctx)
		res.Bulk = &bulk
	case mqtt.ActionToggle:
		if id == "" {
			err = errors.New("toggle requires a device id")
			break
		}
		var st device.ConnectionState
		st, err = b.link.RequestToggle(ctx, id)
		if err == nil {
			res.State = &st
		}
	default:
		err = fmt.Errorf("unknown action %q", action)
	}

	if err == nil && res.Bulk != nil && len(res.Bulk.Failed()) > 0 {
		err = fmt.Errorf("%d of %d devices failed", len(res.Bulk.Failed()), len(res.Bulk.Outcomes))
	}
	if err != nil {
		res.Error = err.Error()
		b.logWarn("command failed", "action", action, "device_id", id, "error", err)
	} else {
		res.Success = true
		b.logDebug("command completed", "action", action, "device_id", id)
	}
	return res
}

func (b *Bridge) publishResult(res CommandResult) {
	res.Timestamp = time.Now().UTC()
	if err := b.publishJSON(b.topics.Result(res.Action), res, false); err != nil {
		b.logError("failed to publish command result", err, "action", res.Action)
	}
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.mqtt.Publish(topic, payload, stateQoS, retained)
}

func (b *Bridge) logDebug(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, args...)
	}
}

func (b *Bridge) logInfo(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Info(msg, args...)
	}
}

func (b *Bridge) logWarn(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, args...)
	}
}

func (b *Bridge) logError(msg string, err error, args ...any) {
	if b.logger != nil {
		b.logger.Error(msg, append([]any{"error", err}, args...)...)
	}
}
