package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/device"
	"github.com/nerrad567/gray-logic-ble/internal/link"
)

const (
	defaultQueueSize = 256
	recordTimeout    = 5 * time.Second
)

// Logger defines the logging interface used by the recorders.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// HistoryRecorder writes link events to a device.HistoryRepository.
type HistoryRecorder struct {
	link.NopObserver

	repo    device.HistoryRepository
	queue   chan device.LinkEvent
	logger  Logger
	dropped atomic.Int64

	wg sync.WaitGroup
}

// NewHistoryRecorder creates a recorder. queueSize <= 0 uses 256.
func NewHistoryRecorder(repo device.HistoryRepository, queueSize int) *HistoryRecorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &HistoryRecorder{
		repo:   repo,
		queue:  make(chan device.LinkEvent, queueSize),
		logger: noopLogger{},
	}
}

// SetLogger sets the recorder's logger. Call before Start.
func (h *HistoryRecorder) SetLogger(l Logger) { h.logger = l }

// Start runs the writer until ctx is cancelled, then drains the queue.
func (h *HistoryRecorder) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case ev := <-h.queue:
				h.write(ev)
			case <-ctx.Done():
				h.drain()
				return
			}
		}
	}()
}

// Wait blocks until the writer has stopped.
func (h *HistoryRecorder) Wait() { h.wg.Wait() }

// Pruner deletes history older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// StartRetention prunes history older than maxAge once immediately and then
// every interval until ctx is cancelled. Wait also waits for this loop.
func (h *HistoryRecorder) StartRetention(ctx context.Context, p Pruner, maxAge, interval time.Duration) {
	if maxAge <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			h.prune(ctx, p, maxAge)
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (h *HistoryRecorder) prune(ctx context.Context, p Pruner, maxAge time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()
	n, err := p.Prune(ctx, maxAge)
	if err != nil {
		h.logger.Error("pruning link history", "error", err)
		return
	}
	if n > 0 {
		h.logger.Debug("pruned link history", "removed", n, "max_age", maxAge.String())
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (h *HistoryRecorder) Dropped() int64 { return h.dropped.Load() }

func (h *HistoryRecorder) drain() {
	for {
		select {
		case ev := <-h.queue:
			h.write(ev)
		default:
			return
		}
	}
}

func (h *HistoryRecorder) write(ev device.LinkEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := h.repo.Record(ctx, ev); err != nil {
		h.logger.Error("recording link event", "device_id", ev.DeviceID, "kind", ev.Kind, "error", err)
	}
}

func (h *HistoryRecorder) enqueue(ev device.LinkEvent) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	select {
	case h.queue <- ev:
	default:
		if h.dropped.Add(1) == 1 {
			h.logger.Warn("history queue full, dropping events")
		}
	}
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// EventApplied records discoveries of new devices and link changes the
// radio reported on its own.
func (h *HistoryRecorder) EventApplied(ev link.Event, changed bool) {
	if !changed {
		return
	}
	rec := device.LinkEvent{DeviceID: ev.DeviceID, CreatedAt: ev.At}
	switch ev.Kind {
	case link.EventDiscovered:
		rec.Kind = device.EventKindDiscovered
		rec.Detail = ev.Name
	case link.EventConnected:
		rec.Kind = device.EventKindConnected
		rec.Detail = "reported by radio"
	case link.EventDisconnected:
		rec.Kind = device.EventKindDisconnected
		rec.Detail = "reported by radio"
	default:
		return
	}
	h.enqueue(rec)
}

func (h *HistoryRecorder) ConnectAttempt(id string, mode link.ConnectMode, attempt int, took time.Duration, err error) {
	kind := device.EventKindConnectAttempt
	if err != nil {
		kind = device.EventKindConnectFailed
	}
	h.enqueue(device.LinkEvent{
		DeviceID: id,
		Kind:     kind,
		Mode:     string(mode),
		Attempt:  attempt,
		Detail:   errDetail(err),
	})
}

func (h *HistoryRecorder) DisconnectAttempt(id string, _ time.Duration, err error) {
	if err != nil {
		h.enqueue(device.LinkEvent{DeviceID: id, Kind: device.EventKindDisconnectFailed, Detail: err.Error()})
		return
	}
	h.enqueue(device.LinkEvent{DeviceID: id, Kind: device.EventKindDisconnected, Detail: "requested"})
}

func (h *HistoryRecorder) ServicesRetrieved(id string, inv link.ServiceInventory, _ time.Duration, err error) {
	if err != nil {
		h.enqueue(device.LinkEvent{DeviceID: id, Kind: device.EventKindServicesFailed, Detail: err.Error()})
		return
	}
	h.enqueue(device.LinkEvent{
		DeviceID: id,
		Kind:     device.EventKindServices,
		Detail:   fmt.Sprintf("%d services, %d characteristics", inv.Services, inv.Characteristics),
	})
}

func (h *HistoryRecorder) RecoveryIssued(id string, action string, reason error) {
	detail := action
	if reason != nil {
		detail += ": " + reason.Error()
	}
	h.enqueue(device.LinkEvent{DeviceID: id, Kind: device.EventKindRecovery, Detail: detail})
}
