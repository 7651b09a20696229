package link

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ScanResult summarises one discovery window.
type ScanResult struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Accepted int           `json:"accepted"`
	Ignored  int           `json:"ignored"`
}

// AllowList is a set of exact advertised names.
type AllowList map[string]struct{}

// NewAllowList builds an AllowList from names. Empty names are skipped.
func NewAllowList(names ...string) AllowList {
	a := make(AllowList, len(names))
	for _, n := range names {
		if n != "" {
			a[n] = struct{}{}
		}
	}
	return a
}

// Allows reports whether name is an exact member. An empty name never is.
func (a AllowList) Allows(name string) bool {
	if name == "" {
		return false
	}
	_, ok := a[name]
	return ok
}

// Names returns the members sorted.
func (a AllowList) Names() []string {
	out := make([]string, 0, len(a))
	for n := range a {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Scanner runs bounded discovery windows. At most one window runs at a
// time; a request made while one is active fails with ErrScanInProgress.
// Failures are returned to the caller and never retried here.
type Scanner struct {
	transport Transport
	allow     AllowList
	window    time.Duration
	submit    func(ctx context.Context, ev Event) error

	active atomic.Bool

	logger   Logger
	observer Observer
}

// NewScanner creates a scanner that forwards allowed discoveries to submit.
func NewScanner(t Transport, allow AllowList, window time.Duration, submit func(context.Context, Event) error) *Scanner {
	return &Scanner{
		transport: t,
		allow:     allow,
		window:    window,
		submit:    submit,
		logger:    noopLogger{},
		observer:  NopObserver{},
	}
}

// SetLogger sets the logger. Call before use.
func (s *Scanner) SetLogger(logger Logger) { s.logger = logger }

// SetObserver sets the diagnostics observer.
func (s *Scanner) SetObserver(o Observer) { s.observer = o }

// Active reports whether a scan window is open.
func (s *Scanner) Active() bool { return s.active.Load() }

// Scan opens one discovery window and blocks until it closes.
func (s *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	if !s.active.CompareAndSwap(false, true) {
		return ScanResult{}, ErrScanInProgress
	}
	defer s.active.Store(false)

	res := ScanResult{Started: time.Now().UTC()}
	var (
		mu       sync.Mutex
		accepted int
		ignored  int
	)

	s.logger.Info("scan started", "window", s.window, "allow_list", s.allow.Names())

	found := func(d Discovery) {
		if !s.allow.Allows(d.Name) {
			mu.Lock()
			ignored++
			mu.Unlock()
			return
		}
		at := d.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		ev := Event{Kind: EventDiscovered, DeviceID: d.ID, Name: d.Name, RSSI: d.RSSI, At: at}
		if err := s.submit(ctx, ev); err != nil {
			s.logger.Debug("discovery dropped", "device_id", d.ID, "error", err)
			return
		}
		mu.Lock()
		accepted++
		mu.Unlock()
	}

	err := s.transport.StartDiscovery(ctx, map[string]struct{}(s.allow), s.window, found)

	mu.Lock()
	res.Accepted, res.Ignored = accepted, ignored
	mu.Unlock()
	res.Duration = time.Since(res.Started)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			err = ctxErr
		} else {
			err = &OpError{Op: "scan", Kind: ErrScanStartFailed, Err: err}
		}
		s.logger.Error("scan failed", "error", err)
		s.observer.ScanFinished(res, err)
		return res, err
	}

	s.logger.Info("scan finished", "accepted", res.Accepted, "ignored", res.Ignored, "took", res.Duration)
	s.observer.ScanFinished(res, nil)
	return res, nil
}
