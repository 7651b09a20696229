package influxdb

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
)

func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "graylogic-dev-token",
		Org:           "graylogic",
		Bucket:        "ble",
		BatchSize:     10,
		FlushInterval: 1,
	}
}

func connectOrSkip(t *testing.T) *Client {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION=1 to run against a local InfluxDB")
	}
	c, err := Connect(testConfig())
	if err != nil {
		t.Skipf("InfluxDB not available: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func lineProtocol(p *write.Point) string {
	return write.PointToLineProtocol(p, time.Nanosecond)
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := Connect(cfg)
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:1"

	_, err := Connect(cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClose_Nil(t *testing.T) {
	var c *Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil = %v", err)
	}
	if c.IsConnected() {
		t.Error("nil client reports connected")
	}
}

func TestConnectAttemptPoint(t *testing.T) {
	at := time.Unix(1700000000, 0)
	line := lineProtocol(connectAttemptPoint("AA:BB", "direct", 2, 1500*time.Millisecond, false, at))

	for _, want := range []string{
		"ble_connect_attempt,",
		"device_id=AA:BB",
		"mode=direct",
		"result=error",
		"attempt=2i",
		"duration_ms=1500",
		"1700000000000000000",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestServicesPoint(t *testing.T) {
	line := lineProtocol(servicesPoint("X1", 3, 9, 20*time.Millisecond, true, time.Now()))
	for _, want := range []string{"ble_services,", "result=ok", "services=3i", "characteristics=9i"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestStateCountPoints(t *testing.T) {
	points := stateCountPoints(map[string]int{"connected": 2, "disconnected": 1}, time.Now())
	if len(points) != 2 {
		t.Fatalf("got %d points, want 2", len(points))
	}
	for _, p := range points {
		if p.Name() != MeasurementDevices {
			t.Errorf("measurement = %q", p.Name())
		}
	}
}

func TestIntegration_WriteAndFlush(t *testing.T) {
	c := connectOrSkip(t)

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() = %v", err)
	}

	var writeErr error
	c.SetOnError(func(err error) { writeErr = err })

	now := time.Now()
	c.WriteConnectAttempt("test-device", "auto", 1, 200*time.Millisecond, true, now)
	c.WriteDisconnect("test-device", 50*time.Millisecond, true, now)
	c.WriteServices("test-device", 3, 7, 80*time.Millisecond, true, now)
	c.WriteScan(2, 5, 3*time.Second, true, now)
	c.WriteBulk("connect", 3, 1, time.Second, now)
	c.WriteStateCounts(map[string]int{"connected": 1}, now)
	c.Flush()

	if writeErr != nil {
		t.Errorf("async write error: %v", writeErr)
	}
}

func TestWriteAfterClose(t *testing.T) {
	c := connectOrSkip(t)
	c.Close()

	// Must not panic or block.
	c.WriteScan(0, 0, 0, true, time.Now())
	c.Flush()
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close = %v", err)
	}
}
