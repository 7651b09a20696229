// Package link manages the discovery and connection lifecycle of BLE
// peripherals on top of a radio Transport.
//
// The package is split into small components that share one
// device.Registry:
//
//	          Transport.Events()            Scanner (allow-list, one window at a time)
//	                 │                              │
//	                 ▼                              ▼
//	        ┌──────────────────────────────────────────────┐
//	        │  Reconciler: single consumer, arrival order  │
//	        └──────────────────────────────────────────────┘
//	                               │
//	                               ▼
//	                        device.Registry ──▶ Manager.Subscribe
//	                               ▲
//	        ┌──────────────────────┴───────────────────────┐
//	        │ Orchestrator: connect, disconnect, bulk ops, │
//	        │ per-device in-flight gate, RetryPolicy       │
//	        └──────────────────────────────────────────────┘
//	                               │ on connected
//	                               ▼
//	        ServiceFallback: time-boxed service enumeration,
//	        reconnect when it fails
//
// Manager wires these together and exposes the request methods used by the
// API, the MQTT bridge and the CLI. Bulk operations work from a snapshot of
// the Registry taken when they start and report per-device outcomes in a
// BulkResult; one device failing never affects another.
//
// Every transport call is bounded by a timeout, and every intermediate
// state an operation writes (connecting, disconnecting) is settled before
// the operation returns.
package link
