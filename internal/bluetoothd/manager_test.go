package bluetoothd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/process"
)

func TestNewManager_Defaults(t *testing.T) {
	m, err := NewManager(Config{Managed: true})
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}

	if m.config.Binary != "/usr/libexec/bluetooth/bluetoothd" {
		t.Errorf("Binary = %q", m.config.Binary)
	}
	if m.config.Adapter != "hci0" {
		t.Errorf("Adapter = %q, want hci0", m.config.Adapter)
	}
	if m.config.RestartDelay != 5*time.Second {
		t.Errorf("RestartDelay = %v, want 5s", m.config.RestartDelay)
	}
	if m.config.MaxRestartAttempts != 10 {
		t.Errorf("MaxRestartAttempts = %d, want 10", m.config.MaxRestartAttempts)
	}
	if m.config.HealthCheckInterval != 30*time.Second {
		t.Errorf("HealthCheckInterval = %v, want 30s", m.config.HealthCheckInterval)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"empty binary", func(c *Config) { c.Binary = "" }, true},
		{"shell metacharacters", func(c *Config) { c.Binary = "/usr/bin/bluetoothd;rm -rf /" }, true},
		{"parent traversal", func(c *Config) { c.ConfigFile = "/etc/../../tmp/x.conf" }, true},
		{"bad adapter", func(c *Config) { c.Adapter = "wlan0" }, true},
		{"second adapter", func(c *Config) { c.Adapter = "hci1" }, false},
		{"negative restarts", func(c *Config) { c.MaxRestartAttempts = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_BuildArgs(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.BuildArgs(); !slices.Equal(got, []string{"--nodetach"}) {
		t.Errorf("BuildArgs() = %v, want [--nodetach]", got)
	}

	cfg.Experimental = true
	cfg.Debug = true
	cfg.ConfigFile = "/etc/bluetooth/main.conf"
	want := []string{"--nodetach", "--experimental", "--debug", "--configfile=/etc/bluetooth/main.conf"}
	if got := cfg.BuildArgs(); !slices.Equal(got, want) {
		t.Errorf("BuildArgs() = %v, want %v", got, want)
	}
}

func TestManager_Unmanaged(t *testing.T) {
	m, err := NewManager(Config{Managed: false})
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Errorf("Start() error: %v", err)
	}
	if !m.IsRunning() {
		t.Error("IsRunning() = false for unmanaged daemon")
	}
	if err := m.Stop(); err != nil {
		t.Errorf("Stop() error: %v", err)
	}
	if got := m.Stats().Status; got != "external" {
		t.Errorf("Stats().Status = %q, want external", got)
	}
}

func writeStat(t *testing.T, root string, pid int, state string) {
	t.Helper()
	dir := filepath.Join(root, strconv.Itoa(pid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := strconv.Itoa(pid) + " (bluetoothd) " + state + " 1 1 1 0 -1"
	if err := os.WriteFile(filepath.Join(dir, "stat"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestCheckProcessState(t *testing.T) {
	tests := []struct {
		state   string
		wantErr bool
	}{
		{"S", false},
		{"R", false},
		{"T", true},
		{"Z", true},
		{"X", true},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			root := t.TempDir()
			writeStat(t, root, 4242, tt.state)
			m, _ := NewManager(Config{})
			m.procRoot = root

			err := m.checkProcessState(4242)
			if (err != nil) != tt.wantErr {
				t.Errorf("checkProcessState(%s) error = %v, wantErr %v", tt.state, err, tt.wantErr)
			}
		})
	}
}

func TestCheckProcessState_DStateThreshold(t *testing.T) {
	root := t.TempDir()
	writeStat(t, root, 4242, "D")
	m, _ := NewManager(Config{})
	m.procRoot = root

	for i := 1; i <= 2; i++ {
		if err := m.checkProcessState(4242); err != nil {
			t.Fatalf("check %d: unexpected error %v", i, err)
		}
	}
	if err := m.checkProcessState(4242); err == nil {
		t.Fatal("third consecutive D state should fail")
	}

	writeStat(t, root, 4242, "S")
	if err := m.checkProcessState(4242); err != nil {
		t.Fatalf("healthy state error: %v", err)
	}
	if got := m.dStateCount.Load(); got != 0 {
		t.Errorf("dStateCount = %d after recovery, want 0", got)
	}
}

func TestHealthCheck(t *testing.T) {
	sysfs := t.TempDir()
	if err := os.Mkdir(filepath.Join(sysfs, "hci0"), 0o755); err != nil {
		t.Fatal(err)
	}

	t.Run("healthy", func(t *testing.T) {
		m, _ := NewManager(Config{})
		m.sysfsRoot = sysfs
		m.SetNameProbe(func(context.Context) error { return nil })

		if err := m.HealthCheck(context.Background()); err != nil {
			t.Errorf("HealthCheck() error: %v", err)
		}
	})

	t.Run("adapter missing is not recoverable", func(t *testing.T) {
		m, _ := NewManager(Config{Adapter: "hci3"})
		m.sysfsRoot = sysfs
		m.SetNameProbe(func(context.Context) error { return nil })

		err := m.HealthCheck(context.Background())
		var rec process.RecoverableError
		if !errors.As(err, &rec) {
			t.Fatalf("HealthCheck() error = %v, want RecoverableError", err)
		}
		if rec.IsRecoverable() {
			t.Error("missing adapter reported as recoverable")
		}
	})

	t.Run("bus name lost is recoverable", func(t *testing.T) {
		m, _ := NewManager(Config{})
		m.sysfsRoot = sysfs
		m.SetNameProbe(func(context.Context) error { return ErrNameNotOwned })

		err := m.HealthCheck(context.Background())
		var he *HealthError
		if !errors.As(err, &he) {
			t.Fatalf("HealthCheck() error = %v, want *HealthError", err)
		}
		if he.Check != "bus" || !he.Recoverable {
			t.Errorf("HealthError = %+v, want recoverable bus failure", he)
		}
		if !errors.Is(err, ErrNameNotOwned) {
			t.Error("errors.Is(err, ErrNameNotOwned) = false")
		}
	})
}
