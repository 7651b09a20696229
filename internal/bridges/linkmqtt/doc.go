// Package linkmqtt exposes the BLE link manager on the MQTT bus.
//
//	┌──────────────┐   MQTT   ┌──────────────┐          ┌──────────────┐
//	│ other Gray   │◄────────►│ linkmqtt     │◄────────►│ link.Manager │
//	│ Logic parts  │          │ (this pkg)   │          │              │
//	└──────────────┘          └──────────────┘          └──────────────┘
//
// Outbound, the bridge publishes a retained ordered snapshot on
// graylogic/ble/devices, a retained state message per device whenever that
// device changes, and a periodic health report. Inbound, it accepts
// scan, connect_all, disconnect_all and toggle/{device_id} commands and
// answers each on graylogic/ble/result/{action}.
//
// Commands are fire-and-forget from the bus's point of view: they run on
// the bridge's own goroutines and a slow connect-all never blocks the MQTT
// client's router.
package linkmqtt
