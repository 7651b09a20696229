// Package device provides the Device Registry for the BLE link service.
//
// The Registry is the single source of truth for "which peripherals exist
// and what state is their link in". It is purely in-memory: it starts empty,
// grows as the radio discovers allow-listed devices, and never deletes an
// entry, since a device that drops out of range is expected to come back.
//
// # Architecture
//
//	┌───────────────────────────────────────────────────────────────────┐
//	│                          Device Registry                          │
//	│                                                                   │
//	│  ┌─────────────────────┐          ┌────────────────────────────┐  │
//	│  │      Registry       │          │     HistoryRepository      │  │
//	│  │   (registry.go)     │          │  (history_sqlite.go)       │  │
//	│  │                     │          │                            │  │
//	│  │ • ordered map by ID │          │ • link_events audit rows   │  │
//	│  │ • state machine     │          │ • never read back into the │  │
//	│  │ • change fan-out    │          │   Registry                 │  │
//	│  └─────────────────────┘          └────────────────────────────┘  │
//	│        ▲          │                                               │
//	└────────│──────────│───────────────────────────────────────────────┘
//	         │          ▼
//	  link.Reconciler   snapshots → API / MQTT bridge / TUI
//	  link.Orchestrator
//
// # Connection states
//
//	disconnected ──▶ connecting ──▶ connected ──▶ disconnecting ──▶ disconnected
//	                     │                                ▲
//	                     └──────── (failure) ─────────────┘ (to disconnected)
//
// Operations move devices with SetConnectionState, which enforces the table
// above. The radio confirms link changes with ConfirmState, which may jump
// straight to connected or disconnected because the transport is
// authoritative. Confirmations older than the last applied event are dropped
// as stale.
//
// # Usage
//
//	reg := device.NewRegistry()
//	reg.SetLogger(log)
//	unsubscribe := reg.Subscribe(func(devs []device.Device) { render(devs) })
//	defer unsubscribe()
//
//	reg.UpsertDiscovered("AA:BB:CC:DD:EE:01", "U1SMARTLIGHT", -60, time.Time{})
//	_ = reg.SetConnectionState("AA:BB:CC:DD:EE:01", device.StateConnecting)
//
// # Thread Safety
//
// The Registry is safe for concurrent use. A single read-write mutex guards
// the map; device counts are tens, not thousands.
package device
