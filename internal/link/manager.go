package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/device"
)

// Options configures a Manager.
type Options struct {
	// AllowList holds the exact advertised names admitted to the Registry.
	AllowList []string

	ScanWindow        time.Duration
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	ServiceTimeout    time.Duration

	Retry      RetryPolicy
	SingleMode ConnectMode

	BulkConcurrency int
	MaxRecoveries   int
	EventBuffer     int

	// ScanOnStart runs one scan as soon as the manager starts.
	ScanOnStart bool
}

// DefaultOptions returns the settings used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		AllowList:         []string{"U1SMARTLIGHT", "UNIT1 AURA", "UNIT1 FARO"},
		ScanWindow:        3 * time.Second,
		ConnectTimeout:    15 * time.Second,
		DisconnectTimeout: 10 * time.Second,
		ServiceTimeout:    5 * time.Second,
		Retry:             DefaultRetryPolicy(),
		SingleMode:        ModeDirect,
		MaxRecoveries:     1,
		EventBuffer:       64,
	}
}

// Status is a point-in-time summary of the manager.
type Status struct {
	Running    bool         `json:"running"`
	Scanning   bool         `json:"scanning"`
	Authorized bool         `json:"authorized"`
	Devices    device.Stats `json:"devices"`
}

// Manager ties the link components together and is the only entry point
// presentation layers use to change device state.
type Manager struct {
	reg       *device.Registry
	transport Transport
	auth      Authorizer
	opts      Options

	reconciler *Reconciler
	scanner    *Scanner
	orch       *Orchestrator
	fallback   *ServiceFallback

	authMu     sync.Mutex
	authorized bool

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup

	logger Logger
}

// NewManager wires a Manager around reg and t. A nil auth means no
// authorization step.
func NewManager(reg *device.Registry, t Transport, auth Authorizer, opts Options) (*Manager, error) {
	if reg == nil || t == nil {
		return nil, errors.New("link: registry and transport are required")
	}
	if auth == nil {
		auth = AllowAll
	}
	if len(opts.Retry.Modes) == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if err := opts.Retry.Validate(); err != nil {
		return nil, err
	}
	if opts.SingleMode == "" {
		opts.SingleMode = ModeDirect
	}
	if opts.ScanWindow <= 0 {
		return nil, fmt.Errorf("link: scan window must be positive, got %s", opts.ScanWindow)
	}
	if opts.MaxRecoveries < 0 {
		return nil, fmt.Errorf("link: max recoveries must not be negative, got %d", opts.MaxRecoveries)
	}

	m := &Manager{
		reg:       reg,
		transport: t,
		auth:      auth,
		opts:      opts,
		logger:    noopLogger{},
	}

	allow := NewAllowList(opts.AllowList...)

	m.reconciler = NewReconciler(reg, opts.EventBuffer)
	m.reconciler.SetAdmit(allow.Allows)
	m.reconciler.OnConnected(func(id string) {
		// An operation in flight triggers the check itself once it settles.
		if !m.orch.InFlight(id) {
			m.fallback.Trigger(id)
		}
	})

	m.scanner = NewScanner(t, allow, opts.ScanWindow, m.reconciler.Submit)

	m.orch = NewOrchestrator(reg, t, OrchestratorConfig{
		ConnectTimeout:    opts.ConnectTimeout,
		DisconnectTimeout: opts.DisconnectTimeout,
		Retry:             opts.Retry,
		SingleMode:        opts.SingleMode,
		Concurrency:       opts.BulkConcurrency,
	})
	m.orch.OnConnected(func(id string) { m.fallback.Trigger(id) })

	m.fallback = NewServiceFallback(reg, t, opts.ServiceTimeout, opts.MaxRecoveries,
		m.orch.Reconnect, m.orch.Disconnect)

	return m, nil
}

// SetLogger sets the logger on the manager and its components. Call before
// Start; once the manager is running the call is ignored.
func (m *Manager) SetLogger(logger Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.logger.Warn("SetLogger ignored while running")
		return
	}
	m.logger = logger
	m.reconciler.SetLogger(logger)
	m.scanner.SetLogger(logger)
	m.orch.SetLogger(logger)
	m.fallback.SetLogger(logger)
}

// SetObserver installs diagnostics observers on every component. Call
// before Start.
func (m *Manager) SetObserver(obs ...Observer) {
	var o Observer = Observers(obs)
	if len(obs) == 1 {
		o = obs[0]
	}
	m.reconciler.SetObserver(o)
	m.scanner.SetObserver(o)
	m.orch.SetObserver(o)
	m.fallback.SetObserver(o)
}

// Start begins consuming transport events. It returns immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.New("link: manager already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx, m.cancel, m.running = runCtx, cancel, true

	m.fallback.Start(runCtx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reconciler.Run(runCtx, m.transport.Events())
	}()

	m.logger.Info("link manager started",
		"allow_list", NewAllowList(m.opts.AllowList...).Names(),
		"scan_window", m.opts.ScanWindow,
		"retry_modes", m.opts.Retry.Modes)

	if m.opts.ScanOnStart {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if _, err := m.RequestScan(runCtx); err != nil && runCtx.Err() == nil {
				m.logger.Error("startup scan failed", "error", err)
			}
		}()
	}
	return nil
}

// Stop cancels in-flight work and waits for background goroutines.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.fallback.Wait()
	m.logger.Info("link manager stopped")
}

// opContext derives a context that ends with either ctx or the manager.
func (m *Manager) opContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	m.mu.Lock()
	base, running := m.runCtx, m.running
	m.mu.Unlock()
	if !running || base.Err() != nil {
		return nil, nil, ErrNotRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}, nil
}

// Subscribe delivers the current snapshot to fn, then a fresh snapshot
// after every Registry change. fn must not block. The returned function
// ends the subscription.
func (m *Manager) Subscribe(fn func([]device.Device)) func() {
	return m.reg.Watch(fn)
}

// Snapshot returns the current ordered device list.
func (m *Manager) Snapshot() []device.Device {
	return m.reg.Snapshot()
}

// Device returns one device by ID.
func (m *Manager) Device(id string) (device.Device, error) {
	return m.reg.Get(id)
}

// Status reports whether the manager runs, scans and is authorized.
func (m *Manager) Status() Status {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	m.authMu.Lock()
	authorized := m.authorized
	m.authMu.Unlock()

	return Status{
		Running:    running,
		Scanning:   m.scanner.Active(),
		Authorized: authorized,
		Devices:    m.reg.GetStats(),
	}
}

// ensureAuthorized runs the authorization step until it succeeds once.
// A denial is not cached, so a later request asks again.
func (m *Manager) ensureAuthorized(ctx context.Context) error {
	m.authMu.Lock()
	defer m.authMu.Unlock()

	if m.authorized {
		return nil
	}
	if err := m.auth.EnsureAuthorized(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, ErrAuthorizationDenied) {
			err = fmt.Errorf("%w: %w", ErrAuthorizationDenied, err)
		}
		m.logger.Error("bluetooth authorization denied", "error", err)
		return err
	}
	m.authorized = true
	m.logger.Info("bluetooth authorized")
	return nil
}

// RequestScan authorizes if needed and runs one discovery window.
func (m *Manager) RequestScan(ctx context.Context) (ScanResult, error) {
	ctx, cancel, err := m.opContext(ctx)
	if err != nil {
		return ScanResult{}, err
	}
	defer cancel()

	if err := m.ensureAuthorized(ctx); err != nil {
		return ScanResult{}, err
	}
	return m.scanner.Scan(ctx)
}

// RequestConnectAll connects every currently disconnected device. Per-device
// failures are in the result; the error is only set when the request could
// not run at all.
func (m *Manager) RequestConnectAll(ctx context.Context) (BulkResult, error) {
	ctx, cancel, err := m.opContext(ctx)
	if err != nil {
		return BulkResult{}, err
	}
	defer cancel()

	m.fallback.ResetAll()
	return m.orch.ConnectAll(ctx), nil
}

// RequestDisconnectAll disconnects every currently connected device.
func (m *Manager) RequestDisconnectAll(ctx context.Context) (BulkResult, error) {
	ctx, cancel, err := m.opContext(ctx)
	if err != nil {
		return BulkResult{}, err
	}
	defer cancel()

	return m.orch.DisconnectAll(ctx), nil
}

// RequestToggle connects a disconnected device or disconnects a connected
// one, and returns the state the device ended in. A device mid-operation
// returns ErrOperationInFlight.
func (m *Manager) RequestToggle(ctx context.Context, id string) (device.ConnectionState, error) {
	ctx, cancel, err := m.opContext(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()

	d, err := m.reg.Get(id)
	if err != nil {
		m.logger.Warn("toggle for unknown device", "device_id", id)
		return "", err
	}

	switch d.State {
	case device.StateConnected:
		err = m.orch.Disconnect(ctx, id)
	case device.StateDisconnected:
		m.fallback.Reset(id)
		err = m.orch.Connect(ctx, id)
	default:
		return d.State, ErrOperationInFlight
	}

	cur, gerr := m.reg.Get(id)
	if gerr != nil {
		return "", gerr
	}
	return cur.State, err
}
