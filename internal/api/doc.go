// Package api provides the HTTP REST API and WebSocket server for the BLE
// link service.
//
// Routes (all under /api/v1):
//
//	GET  /health                   liveness plus link and dependency status
//	GET  /devices                  ordered snapshot
//	GET  /devices/stats            counts per connection state
//	GET  /devices/{id}             one device
//	GET  /devices/{id}/history     recent link events, newest first
//	POST /devices/{id}/toggle      connect or disconnect one device
//	POST /scan                     run one discovery window
//	POST /connect-all              connect every disconnected device
//	POST /disconnect-all           disconnect every connected device
//	GET  /ws                       WebSocket event stream
//
// When security.jwt.enabled is set, every route except /health needs a
// bearer token (or ?token= for /ws). Viewers may read; operators may act.
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
