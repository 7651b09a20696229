package link

import (
	"fmt"
	"time"
)

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	EventDiscovered EventKind = iota + 1
	EventConnected
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventDiscovered:
		return "discovered"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is a notification from the radio. Name and RSSI are only set for
// EventDiscovered. At is when the transport observed the change.
type Event struct {
	Kind     EventKind
	DeviceID string
	Name     string
	RSSI     int
	At       time.Time
}

// DeviceDiscovered builds a discovery event stamped now.
func DeviceDiscovered(id, name string, rssi int) Event {
	return Event{Kind: EventDiscovered, DeviceID: id, Name: name, RSSI: rssi, At: time.Now().UTC()}
}

// DeviceConnected builds a connection event stamped now.
func DeviceConnected(id string) Event {
	return Event{Kind: EventConnected, DeviceID: id, At: time.Now().UTC()}
}

// DeviceDisconnected builds a disconnection event stamped now.
func DeviceDisconnected(id string) Event {
	return Event{Kind: EventDisconnected, DeviceID: id, At: time.Now().UTC()}
}
