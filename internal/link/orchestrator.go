package link

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-ble/internal/device"
)

var (
	errAlreadyConnected    = errors.New("link: already connected")
	errAlreadyDisconnected = errors.New("link: already disconnected")
	errLinkDropped         = errors.New("link dropped before connect completed")
)

// Outcome is the per-device result of a bulk operation.
type Outcome struct {
	DeviceID string      `json:"device_id"`
	Name     string      `json:"name,omitempty"`
	Attempts int         `json:"attempts"`
	Mode     ConnectMode `json:"mode,omitempty"`
	Skipped  bool        `json:"skipped,omitempty"`
	Err      error       `json:"-"`
	Error    string      `json:"error,omitempty"`
}

// BulkResult collects the outcomes of a connect-all or disconnect-all, in
// the order of the snapshot the operation was started from.
type BulkResult struct {
	Op       string    `json:"op"`
	Outcomes []Outcome `json:"outcomes"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// Failed returns the outcomes that ended in an error.
func (b BulkResult) Failed() []Outcome {
	var out []Outcome
	for _, o := range b.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Succeeded returns the outcomes that were acted on without error.
func (b BulkResult) Succeeded() []Outcome {
	var out []Outcome
	for _, o := range b.Outcomes {
		if o.Err == nil && !o.Skipped {
			out = append(out, o)
		}
	}
	return out
}

// OrchestratorConfig tunes connect and disconnect behaviour.
type OrchestratorConfig struct {
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration

	// Retry is the mode sequence used by ConnectAll.
	Retry RetryPolicy

	// SingleMode is the mode used by Connect and Reconnect.
	SingleMode ConnectMode

	// Concurrency caps simultaneous transport operations in a bulk call.
	// Zero means one goroutine per device.
	Concurrency int
}

// inflightGate allows one operation per device ID at a time.
type inflightGate struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (g *inflightGate) acquire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ids == nil {
		g.ids = make(map[string]struct{})
	}
	if _, busy := g.ids[id]; busy {
		return false
	}
	g.ids[id] = struct{}{}
	return true
}

func (g *inflightGate) release(id string) {
	g.mu.Lock()
	delete(g.ids, id)
	g.mu.Unlock()
}

func (g *inflightGate) held(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.ids[id]
	return busy
}

// Orchestrator drives connect and disconnect operations against the
// transport and settles the Registry with their results.
//
// Every operation on a device holds that device's in-flight gate for its
// whole duration, so a second request for the same ID fails fast with
// ErrOperationInFlight instead of issuing overlapping radio calls.
type Orchestrator struct {
	reg       *device.Registry
	transport Transport
	cfg       OrchestratorConfig
	gate      inflightGate

	onConnected func(id string)

	logger   Logger
	observer Observer
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(reg *device.Registry, t Transport, cfg OrchestratorConfig) *Orchestrator {
	if len(cfg.Retry.Modes) == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.SingleMode == "" {
		cfg.SingleMode = ModeDirect
	}
	return &Orchestrator{
		reg:       reg,
		transport: t,
		cfg:       cfg,
		logger:    noopLogger{},
		observer:  NopObserver{},
	}
}

// SetLogger sets the logger. Call before use.
func (o *Orchestrator) SetLogger(logger Logger) { o.logger = logger }

// SetObserver sets the diagnostics observer.
func (o *Orchestrator) SetObserver(obs Observer) { o.observer = obs }

// OnConnected registers fn to run after an operation leaves a device
// connected. It runs after the device's gate is released.
func (o *Orchestrator) OnConnected(fn func(id string)) { o.onConnected = fn }

// InFlight reports whether an operation currently holds id.
func (o *Orchestrator) InFlight(id string) bool { return o.gate.held(id) }

// Connect makes one connect attempt for id using the single-device mode.
// A device that is already connected is left alone.
func (o *Orchestrator) Connect(ctx context.Context, id string) error {
	if !o.gate.acquire(id) {
		return ErrOperationInFlight
	}
	err := o.connectAttempt(ctx, id, o.cfg.SingleMode, 1, false)
	o.gate.release(id)
	return o.settleConnect(id, err)
}

// Reconnect re-issues a connect for a device the Registry believes is
// connected. It is the corrective action for a link that reported success
// but cannot serve requests.
func (o *Orchestrator) Reconnect(ctx context.Context, id string) error {
	if !o.gate.acquire(id) {
		return ErrOperationInFlight
	}
	err := o.connectAttempt(ctx, id, o.cfg.SingleMode, 1, true)
	o.gate.release(id)
	return o.settleConnect(id, err)
}

func (o *Orchestrator) settleConnect(id string, err error) error {
	var stop stopError
	if errors.As(err, &stop) {
		err = stop.err
	}
	if errors.Is(err, errAlreadyConnected) {
		return nil
	}
	if err == nil && o.onConnected != nil {
		o.onConnected(id)
	}
	return err
}

// Disconnect makes one disconnect attempt for id. A device that is already
// disconnected is left alone.
func (o *Orchestrator) Disconnect(ctx context.Context, id string) error {
	if !o.gate.acquire(id) {
		return ErrOperationInFlight
	}
	defer o.gate.release(id)

	err := o.disconnect(ctx, id)
	if errors.Is(err, errAlreadyDisconnected) {
		return nil
	}
	return err
}

// ConnectAll connects every device that is disconnected at call time. Each
// device runs the retry policy independently; one device failing never
// affects another.
func (o *Orchestrator) ConnectAll(ctx context.Context) BulkResult {
	snap := o.reg.InState(device.StateDisconnected)
	res := BulkResult{Op: "connect_all", Started: time.Now().UTC(), Outcomes: make([]Outcome, len(snap))}

	o.logger.Info("connect all", "devices", len(snap), "modes", o.cfg.Retry.Modes)

	var g errgroup.Group
	if o.cfg.Concurrency > 0 {
		g.SetLimit(o.cfg.Concurrency)
	}
	for i, d := range snap {
		g.Go(func() error {
			res.Outcomes[i] = o.connectWithRetry(ctx, d)
			return nil
		})
	}
	_ = g.Wait()

	return o.finishBulk(res)
}

// DisconnectAll disconnects every device that is connected at call time.
// Failures are reported in the result and not retried.
func (o *Orchestrator) DisconnectAll(ctx context.Context) BulkResult {
	snap := o.reg.InState(device.StateConnected)
	res := BulkResult{Op: "disconnect_all", Started: time.Now().UTC(), Outcomes: make([]Outcome, len(snap))}

	o.logger.Info("disconnect all", "devices", len(snap))

	var g errgroup.Group
	if o.cfg.Concurrency > 0 {
		g.SetLimit(o.cfg.Concurrency)
	}
	for i, d := range snap {
		g.Go(func() error {
			out := Outcome{DeviceID: d.ID, Name: d.Name}
			if !o.gate.acquire(d.ID) {
				out.Skipped = true
				res.Outcomes[i] = out
				return nil
			}
			err := o.disconnect(ctx, d.ID)
			o.gate.release(d.ID)

			switch {
			case errors.Is(err, errAlreadyDisconnected):
				out.Skipped = true
			default:
				out.Attempts = 1
				out.Err = err
			}
			res.Outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()

	return o.finishBulk(res)
}

func (o *Orchestrator) finishBulk(res BulkResult) BulkResult {
	res.Finished = time.Now().UTC()
	for i := range res.Outcomes {
		if err := res.Outcomes[i].Err; err != nil {
			res.Outcomes[i].Error = err.Error()
		}
	}
	failed := res.Failed()
	if len(failed) > 0 {
		ids := make([]string, 0, len(failed))
		for _, f := range failed {
			ids = append(ids, f.DeviceID)
		}
		o.logger.Warn(res.Op+" finished with failures",
			"succeeded", len(res.Succeeded()), "failed", len(failed), "failed_devices", ids)
	} else {
		o.logger.Info(res.Op+" finished", "succeeded", len(res.Succeeded()))
	}
	o.observer.BulkFinished(res)
	return res
}

func (o *Orchestrator) connectWithRetry(ctx context.Context, d device.Device) Outcome {
	out := Outcome{DeviceID: d.ID, Name: d.Name}
	if !o.gate.acquire(d.ID) {
		out.Skipped = true
		return out
	}

	attempts, mode, err := o.cfg.Retry.Run(ctx, func(ctx context.Context, mode ConnectMode, n int) error {
		return o.connectAttempt(ctx, d.ID, mode, n, false)
	})
	o.gate.release(d.ID)

	out.Attempts, out.Mode = attempts, mode
	if errors.Is(err, errAlreadyConnected) {
		out.Skipped = attempts == 1
		err = nil
	}
	out.Err = err

	if err != nil {
		o.logger.Warn("giving up on device", "device_id", d.ID, "attempts", attempts, "error", err)
		return out
	}
	if !out.Skipped && o.onConnected != nil {
		o.onConnected(d.ID)
	}
	return out
}

// connectAttempt issues one transport connect. The caller holds the gate.
// Errors that make further attempts pointless are wrapped with Stop.
func (o *Orchestrator) connectAttempt(ctx context.Context, id string, mode ConnectMode, n int, reconnect bool) error {
	d, err := o.reg.Get(id)
	if err != nil {
		o.logger.Warn("connect for unknown device", "device_id", id)
		return Stop(err)
	}
	switch d.State {
	case device.StateConnected:
		if !reconnect {
			return Stop(errAlreadyConnected)
		}
	case device.StateDisconnected:
	default:
		return Stop(ErrOperationInFlight)
	}

	if err := o.reg.SetConnectionState(id, device.StateConnecting); err != nil {
		return Stop(err)
	}

	o.logger.Info("connecting", "device_id", id, "name", d.Name, "mode", mode, "attempt", n)
	start := time.Now()
	err = callWithTimeout(ctx, o.cfg.ConnectTimeout, func(ctx context.Context) error {
		return o.transport.Connect(ctx, id, mode)
	})
	took := time.Since(start)

	if err == nil {
		if ok, _ := o.reg.SetStateIf(id, device.StateConnecting, device.StateConnected); !ok {
			// A transport event settled the device while the call returned.
			if cur, _ := o.reg.Get(id); cur.State != device.StateConnected {
				err = errLinkDropped
			}
		}
	}

	if err != nil {
		opErr := &OpError{Op: "connect", DeviceID: id, Mode: mode, Attempt: n, Kind: ErrConnectFailed, Err: err}
		o.reg.SetStateIf(id, device.StateConnecting, device.StateDisconnected)
		if cur, _ := o.reg.Get(id); cur.State == device.StateConnected {
			o.logger.Info("connect reported failure but device is connected", "device_id", id, "mode", mode, "error", err)
			o.observer.ConnectAttempt(id, mode, n, took, nil)
			return nil
		}
		_ = o.reg.RecordError(id, opErr.Error())
		o.logger.Warn("connect attempt failed", "device_id", id, "mode", mode, "attempt", n, "took", took, "error", err)
		o.observer.ConnectAttempt(id, mode, n, took, opErr)
		return opErr
	}

	_ = o.reg.RecordError(id, "")
	o.logger.Info("connect attempt succeeded", "device_id", id, "mode", mode, "attempt", n, "took", took)
	o.observer.ConnectAttempt(id, mode, n, took, nil)
	return nil
}

// disconnect issues one transport disconnect. The caller holds the gate.
func (o *Orchestrator) disconnect(ctx context.Context, id string) error {
	d, err := o.reg.Get(id)
	if err != nil {
		o.logger.Warn("disconnect for unknown device", "device_id", id)
		return err
	}
	switch d.State {
	case device.StateDisconnected:
		return errAlreadyDisconnected
	case device.StateConnected:
	default:
		return ErrOperationInFlight
	}

	if err := o.reg.SetConnectionState(id, device.StateDisconnecting); err != nil {
		return err
	}

	o.logger.Info("disconnecting", "device_id", id, "name", d.Name)
	start := time.Now()
	err = callWithTimeout(ctx, o.cfg.DisconnectTimeout, func(ctx context.Context) error {
		return o.transport.Disconnect(ctx, id)
	})
	took := time.Since(start)

	if err != nil {
		opErr := &OpError{Op: "disconnect", DeviceID: id, Kind: ErrDisconnectFailed, Err: err}
		o.reg.SetStateIf(id, device.StateDisconnecting, device.StateConnected)
		_ = o.reg.RecordError(id, opErr.Error())
		o.logger.Warn("disconnect failed", "device_id", id, "took", took, "error", err)
		o.observer.DisconnectAttempt(id, took, opErr)
		return opErr
	}

	o.reg.SetStateIf(id, device.StateDisconnecting, device.StateDisconnected)
	o.logger.Info("disconnected", "device_id", id, "took", took)
	o.observer.DisconnectAttempt(id, took, nil)
	return nil
}

// callWithTimeout runs fn with a deadline and returns as soon as the
// deadline passes, even if fn ignores its context. fn's late result is
// discarded.
func callWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
