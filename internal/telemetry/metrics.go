package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/device"
	"github.com/nerrad567/gray-logic-ble/internal/link"
)

const defaultSampleInterval = 30 * time.Second

// MetricsWriter is the write side of *influxdb.Client.
type MetricsWriter interface {
	WriteConnectAttempt(deviceID, mode string, attempt int, took time.Duration, ok bool, at time.Time)
	WriteDisconnect(deviceID string, took time.Duration, ok bool, at time.Time)
	WriteServices(deviceID string, services, characteristics int, took time.Duration, ok bool, at time.Time)
	WriteScan(accepted, ignored int, took time.Duration, ok bool, at time.Time)
	WriteBulk(op string, devices, failed int, took time.Duration, at time.Time)
	WriteStateCounts(counts map[string]int, at time.Time)
}

// StatsSource reports device counts per state.
type StatsSource interface {
	GetStats() device.Stats
}

// MetricsRecorder forwards link diagnostics to a MetricsWriter and samples
// the registry's state counts on an interval. The influx write API is
// already non-blocking, so calls go straight through.
type MetricsRecorder struct {
	link.NopObserver

	w     MetricsWriter
	stats StatsSource
	now   func() time.Time

	wg sync.WaitGroup
}

// NewMetricsRecorder creates a recorder. stats may be nil to skip sampling.
func NewMetricsRecorder(w MetricsWriter, stats StatsSource) *MetricsRecorder {
	return &MetricsRecorder{w: w, stats: stats, now: func() time.Time { return time.Now().UTC() }}
}

// Start samples state counts every interval until ctx is cancelled.
// interval <= 0 uses 30 seconds.
func (m *MetricsRecorder) Start(ctx context.Context, interval time.Duration) {
	if m.stats == nil {
		return
	}
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		m.Sample()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sample()
			}
		}
	}()
}

// Wait blocks until the sampler has stopped.
func (m *MetricsRecorder) Wait() { m.wg.Wait() }

// Sample writes the current per-state device counts.
func (m *MetricsRecorder) Sample() {
	if m.stats == nil {
		return
	}
	st := m.stats.GetStats()
	counts := make(map[string]int, len(st.ByState))
	for s, n := range st.ByState {
		counts[string(s)] = n
	}
	m.w.WriteStateCounts(counts, m.now())
}

func (m *MetricsRecorder) ConnectAttempt(id string, mode link.ConnectMode, attempt int, took time.Duration, err error) {
	m.w.WriteConnectAttempt(id, string(mode), attempt, took, err == nil, m.now())
}

func (m *MetricsRecorder) DisconnectAttempt(id string, took time.Duration, err error) {
	m.w.WriteDisconnect(id, took, err == nil, m.now())
}

func (m *MetricsRecorder) ServicesRetrieved(id string, inv link.ServiceInventory, took time.Duration, err error) {
	m.w.WriteServices(id, inv.Services, inv.Characteristics, took, err == nil, m.now())
}

func (m *MetricsRecorder) ScanFinished(res link.ScanResult, err error) {
	m.w.WriteScan(res.Accepted, res.Ignored, res.Duration, err == nil, m.now())
}

func (m *MetricsRecorder) BulkFinished(res link.BulkResult) {
	m.w.WriteBulk(res.Op, len(res.Outcomes), len(res.Failed()), res.Finished.Sub(res.Started), m.now())
}
