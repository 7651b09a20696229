package link

import (
	"context"
	"sync"
	"time"
)

type connectCall struct {
	ID   string
	Mode ConnectMode
}

// fakeTransport is a scripted Transport. Zero values succeed.
type fakeTransport struct {
	mu sync.Mutex

	events chan Event

	discoveries []Discovery
	scanErr     error
	scanGate    chan struct{} // when set, StartDiscovery waits for it to close
	scanCalls   int

	connectErr   map[string]map[ConnectMode]error
	connectHook  func(ctx context.Context, id string, mode ConnectMode) error
	connectCalls []connectCall
	emitOnLink   bool // emit connected/disconnected events after successful calls

	disconnectErr   map[string]error
	disconnectHook  func(id string)
	disconnectCalls []string

	servicesFn    func(ctx context.Context, id string, call int) (ServiceInventory, error)
	servicesCalls map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:        make(chan Event, 16),
		connectErr:    make(map[string]map[ConnectMode]error),
		disconnectErr: make(map[string]error),
		servicesCalls: make(map[string]int),
	}
}

func (f *fakeTransport) failConnect(id string, mode ConnectMode, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr[id] == nil {
		f.connectErr[id] = make(map[ConnectMode]error)
	}
	f.connectErr[id][mode] = err
}

func (f *fakeTransport) StartDiscovery(ctx context.Context, _ map[string]struct{}, window time.Duration, found func(Discovery)) error {
	f.mu.Lock()
	f.scanCalls++
	err, gate, found0 := f.scanErr, f.scanGate, append([]Discovery(nil), f.discoveries...)
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, d := range found0 {
		found(d)
	}
	select {
	case <-time.After(window):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (f *fakeTransport) Connect(ctx context.Context, id string, mode ConnectMode) error {
	f.mu.Lock()
	f.connectCalls = append(f.connectCalls, connectCall{ID: id, Mode: mode})
	err := f.connectErr[id][mode]
	hook, emit := f.connectHook, f.emitOnLink
	f.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx, id, mode); herr != nil {
			return herr
		}
	}
	if err == nil && emit {
		f.emit(DeviceConnected(id))
	}
	return err
}

func (f *fakeTransport) Disconnect(_ context.Context, id string) error {
	f.mu.Lock()
	f.disconnectCalls = append(f.disconnectCalls, id)
	err := f.disconnectErr[id]
	hook, emit := f.disconnectHook, f.emitOnLink
	f.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	if err == nil && emit {
		f.emit(DeviceDisconnected(id))
	}
	return err
}

func (f *fakeTransport) RetrieveServices(ctx context.Context, id string) (ServiceInventory, error) {
	f.mu.Lock()
	f.servicesCalls[id]++
	call, fn := f.servicesCalls[id], f.servicesFn
	f.mu.Unlock()

	if fn == nil {
		return ServiceInventory{Services: 3, Characteristics: 9}, nil
	}
	return fn(ctx, id, call)
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) emit(ev Event) {
	select {
	case f.events <- ev:
	default:
	}
}

func (f *fakeTransport) connects() []connectCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connectCall(nil), f.connectCalls...)
}

func (f *fakeTransport) connectsFor(id string) []ConnectMode {
	var out []ConnectMode
	for _, c := range f.connects() {
		if c.ID == id {
			out = append(out, c.Mode)
		}
	}
	return out
}

func (f *fakeTransport) disconnects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disconnectCalls...)
}

func (f *fakeTransport) serviceCallsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.servicesCalls[id]
}

func (f *fakeTransport) scans() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanCalls
}

// recordingObserver captures bulk results and recoveries.
type recordingObserver struct {
	NopObserver
	mu         sync.Mutex
	bulks      []BulkResult
	recoveries []string
	scans      int
}

func (r *recordingObserver) BulkFinished(res BulkResult) {
	r.mu.Lock()
	r.bulks = append(r.bulks, res)
	r.mu.Unlock()
}

func (r *recordingObserver) RecoveryIssued(id, action string, _ error) {
	r.mu.Lock()
	r.recoveries = append(r.recoveries, id+":"+action)
	r.mu.Unlock()
}

func (r *recordingObserver) ScanFinished(ScanResult, error) {
	r.mu.Lock()
	r.scans++
	r.mu.Unlock()
}

func (r *recordingObserver) recoveryLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.recoveries...)
}
