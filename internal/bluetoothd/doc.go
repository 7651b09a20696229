// Package bluetoothd manages the BlueZ daemon as a subprocess.
//
// On appliances without systemd the BLE link service starts bluetoothd
// itself. This package provides:
//
//   - Argument construction from the bluetoothd config section
//   - Readiness detection (org.bluez owning its name on the system bus)
//   - Watchdog health checks with automatic restart
//   - Graceful shutdown coordination
//
// Example configuration (in config.yaml):
//
//	bluetoothd:
//	  managed: true
//	  binary: "/usr/libexec/bluetooth/bluetoothd"
//	  experimental: true
//
// When managed is false the service assumes bluetoothd is already running
// and every method is a no-op.
package bluetoothd
