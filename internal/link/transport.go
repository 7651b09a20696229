package link

import (
	"context"
	"fmt"
	"time"
)

// ConnectMode selects how the transport establishes a link.
type ConnectMode string

const (
	// ModeAuto asks the stack to reconnect using prior pairing or cached
	// state where it can. Cheaper, but fails on devices it does not know.
	ModeAuto ConnectMode = "auto"

	// ModeDirect performs a plain connect.
	ModeDirect ConnectMode = "direct"
)

// ParseConnectMode converts a configuration string into a ConnectMode.
func ParseConnectMode(s string) (ConnectMode, error) {
	switch ConnectMode(s) {
	case ModeAuto, ModeDirect:
		return ConnectMode(s), nil
	}
	return "", fmt.Errorf("link: unknown connect mode %q", s)
}

// Discovery is one advertisement seen during a scan window.
type Discovery struct {
	ID   string
	Name string
	RSSI int
	At   time.Time
}

// ServiceInventory summarises a GATT enumeration. Only the counts matter to
// the link manager; UUIDs are kept for diagnostics.
type ServiceInventory struct {
	Services        int      `json:"services"`
	Characteristics int      `json:"characteristics"`
	UUIDs           []string `json:"uuids,omitempty"`
}

// Transport is the radio driver. Every operation may block for a long time
// and must honour ctx.
type Transport interface {
	// StartDiscovery scans for window and calls found for each advertisement.
	// It blocks until the window closes or ctx is cancelled. allow holds the
	// exact names of interest; transports may use it as a hardware filter,
	// but callers filter again.
	StartDiscovery(ctx context.Context, allow map[string]struct{}, window time.Duration, found func(Discovery)) error

	Connect(ctx context.Context, id string, mode ConnectMode) error
	Disconnect(ctx context.Context, id string) error
	RetrieveServices(ctx context.Context, id string) (ServiceInventory, error)

	// Events delivers link changes the transport observes on its own, such
	// as a peripheral dropping out of range. The channel stays open for the
	// transport's lifetime.
	Events() <-chan Event
}

// Authorizer is the one-shot platform permission step awaited before the
// first scan. It returns an error wrapping ErrAuthorizationDenied when
// scanning is not permitted.
type Authorizer interface {
	EnsureAuthorized(ctx context.Context) error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context) error

// EnsureAuthorized calls f(ctx).
func (f AuthorizerFunc) EnsureAuthorized(ctx context.Context) error { return f(ctx) }

// AllowAll is an Authorizer for transports with no permission step.
var AllowAll Authorizer = AuthorizerFunc(func(context.Context) error { return nil })
