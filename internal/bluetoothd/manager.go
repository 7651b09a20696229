package bluetoothd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"github.com/nerrad567/gray-logic-ble/internal/process"
)

const (
	// readyTimeout is how long to wait for org.bluez to appear on the bus.
	readyTimeout = 30 * time.Second

	bluezBusName = "org.bluez"

	defaultProcRoot  = "/proc"
	defaultSysfsRoot = "/sys/class/bluetooth"
)

// ErrNameNotOwned is returned while bluetoothd has not claimed org.bluez.
var ErrNameNotOwned = errors.New("bluetoothd: org.bluez not owned on system bus")

// HealthError is a watchdog failure with recoverability information, so the
// supervisor can decide whether a restart would help.
type HealthError struct {
	// Check names the failing check: "adapter", "process" or "bus".
	Check       string
	Recoverable bool
	Err         error
}

func (e *HealthError) Error() string {
	return fmt.Sprintf("health check %s failed: %v", e.Check, e.Err)
}

func (e *HealthError) Unwrap() error {
	return e.Err
}

// IsRecoverable implements process.RecoverableError.
func (e *HealthError) IsRecoverable() bool {
	return e.Recoverable
}

// Logger defines the logging interface for the bluetoothd manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// NameProbe reports whether bluetoothd is answering on the bus.
type NameProbe func(ctx context.Context) error

// Manager manages the bluetoothd daemon process.
type Manager struct {
	config  Config
	process *process.Manager
	logger  Logger
	probe   NameProbe

	procRoot  string
	sysfsRoot string

	// dStateCount counts consecutive checks with bluetoothd in D state.
	dStateCount atomic.Int32
}

// NewManager creates a bluetoothd manager. Zero values take the defaults.
func NewManager(cfg Config) (*Manager, error) {
	def := DefaultConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
	}
	if cfg.Adapter == "" {
		cfg.Adapter = def.Adapter
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = def.RestartDelay
	}
	if cfg.MaxRestartAttempts == 0 {
		cfg.MaxRestartAttempts = def.MaxRestartAttempts
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = def.GracefulTimeout
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bluetoothd config: %w", err)
	}

	return &Manager{
		config:    cfg,
		logger:    noopLogger{},
		probe:     systemBusProbe,
		procRoot:  defaultProcRoot,
		sysfsRoot: defaultSysfsRoot,
	}, nil
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// SetNameProbe replaces the system bus readiness probe.
func (m *Manager) SetNameProbe(p NameProbe) {
	m.probe = p
}

// Start launches bluetoothd and blocks until it owns org.bluez.
func (m *Manager) Start(ctx context.Context) error {
	if !m.config.Managed {
		m.logger.Info("bluetoothd management disabled, expecting external bluetoothd")
		return nil
	}

	args := m.config.BuildArgs()
	m.logger.Info("starting bluetoothd", "binary", m.config.Binary, "args", args)

	m.process = process.NewManager(process.Config{
		Name:               "bluetoothd",
		Binary:             m.config.Binary,
		Args:               args,
		RestartOnFailure:   m.config.RestartOnFailure,
		RestartDelay:       m.config.RestartDelay,
		MaxRestartAttempts: m.config.MaxRestartAttempts,
		GracefulTimeout:    m.config.GracefulTimeout,
		ReadyFunc:          func(ctx context.Context) error { return m.probe(ctx) },
		ReadyTimeout:       readyTimeout,
		OnStart: func(pid int) {
			m.dStateCount.Store(0)
			m.logger.Info("bluetoothd process started", "pid", pid)
		},
		OnStop: func(err error) {
			if err != nil {
				m.logger.Warn("bluetoothd process stopped", "error", err)
			} else {
				m.logger.Info("bluetoothd process stopped")
			}
		},
		OnRestart: func(attempt int) {
			m.logger.Info("bluetoothd restarting", "attempt", attempt)
		},
		HealthCheckInterval: m.config.HealthCheckInterval,
		HealthCheckFunc:     m.HealthCheck,
	})
	m.process.SetLogger(m.logger)

	if err := m.process.Start(ctx); err != nil {
		return fmt.Errorf("starting bluetoothd: %w", err)
	}

	m.logger.Info("bluetoothd ready", "pid", m.process.PID(), "adapter", m.config.Adapter)
	return nil
}

// Stop gracefully stops bluetoothd.
func (m *Manager) Stop() error {
	if !m.config.Managed || m.process == nil {
		return nil
	}
	m.logger.Info("stopping bluetoothd")
	return m.process.Stop()
}

// IsRunning reports whether bluetoothd is up. An unmanaged daemon is
// assumed to be running.
func (m *Manager) IsRunning() bool {
	if !m.config.Managed {
		return true
	}
	if m.process == nil {
		return false
	}
	return m.process.IsRunning()
}

// IsManaged returns true if this manager controls bluetoothd.
func (m *Manager) IsManaged() bool {
	return m.config.Managed
}

// Stats holds statistics about the bluetoothd daemon.
type Stats struct {
	Managed      bool          `json:"managed"`
	Status       string        `json:"status"`
	Adapter      string        `json:"adapter"`
	PID          int           `json:"pid,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for bluetoothd.
func (m *Manager) Stats() Stats {
	stats := Stats{
		Managed: m.config.Managed,
		Adapter: m.config.Adapter,
	}

	switch {
	case m.process != nil:
		ps := m.process.Stats()
		stats.Status = string(ps.Status)
		stats.PID = ps.PID
		stats.Uptime = ps.Uptime
		stats.RestartCount = ps.RestartCount
		stats.LastError = ps.LastError
	case !m.config.Managed:
		stats.Status = "external"
	default:
		stats.Status = "stopped"
	}
	return stats
}

// HealthCheck verifies bluetoothd in three steps:
//   - adapter: the controller exists in sysfs. Not recoverable; a missing
//     dongle is not fixed by a restart.
//   - process: /proc state is not stopped, zombie or stuck in D.
//   - bus: org.bluez is still owned on the system bus.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.checkAdapterPresent(); err != nil {
		return &HealthError{Check: "adapter", Recoverable: false, Err: err}
	}

	if m.process != nil {
		if pid := m.process.PID(); pid > 0 {
			if err := m.checkProcessState(pid); err != nil {
				return &HealthError{Check: "process", Recoverable: true, Err: err}
			}
		}
	}

	if err := m.probe(ctx); err != nil {
		return &HealthError{Check: "bus", Recoverable: true, Err: err}
	}
	return nil
}

func (m *Manager) checkAdapterPresent() error {
	path := filepath.Join(m.sysfsRoot, m.config.Adapter)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("adapter %s not present: %w", m.config.Adapter, err)
	}
	return nil
}

func (m *Manager) checkProcessState(pid int) error {
	data, err := os.ReadFile(filepath.Join(m.procRoot, fmt.Sprint(pid), "stat"))
	if err != nil {
		return fmt.Errorf("cannot read process state: %w", err)
	}

	// Format: pid (comm) state ...; comm may contain spaces.
	stat := string(data)
	closeParen := strings.LastIndex(stat, ")")
	if closeParen == -1 || closeParen+2 >= len(stat) {
		return fmt.Errorf("invalid /proc/stat format")
	}
	fields := strings.Fields(stat[closeParen+2:])
	if len(fields) < 1 {
		return fmt.Errorf("invalid /proc/stat format: no state field")
	}

	switch state := fields[0]; state {
	case "T", "t":
		return fmt.Errorf("bluetoothd process is stopped (state=%s)", state)
	case "Z":
		return fmt.Errorf("bluetoothd process is zombie (state=%s)", state)
	case "X", "x":
		return fmt.Errorf("bluetoothd process is dead (state=%s)", state)
	case "D":
		count := m.dStateCount.Add(1)
		if count >= 3 {
			return fmt.Errorf("bluetoothd process stuck in uninterruptible sleep (state=D, count=%d)", count)
		}
		m.logger.Debug("bluetoothd process in uninterruptible sleep", "count", count)
		return nil
	default:
		m.dStateCount.Store(0)
		return nil
	}
}

// systemBusProbe asks the bus daemon whether org.bluez has an owner.
func systemBusProbe(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}
	defer conn.Close()

	var owned bool
	call := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.NameHasOwner", 0, bluezBusName)
	if err := call.Store(&owned); err != nil {
		return fmt.Errorf("NameHasOwner: %w", err)
	}
	if !owned {
		return ErrNameNotOwned
	}
	return nil
}
