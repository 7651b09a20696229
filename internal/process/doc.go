// Package process supervises long-running child daemons such as bluetoothd.
//
// A Manager starts the binary in its own process group, waits for an
// optional readiness probe, runs a watchdog health check, restarts on
// unexpected exit with exponential backoff, and shuts the whole group down
// with SIGTERM then SIGKILL.
//
//	mgr := process.NewManager(process.Config{
//	    Name:             "bluetoothd",
//	    Binary:           "/usr/libexec/bluetooth/bluetoothd",
//	    Args:             []string{"--nodetach"},
//	    RestartOnFailure: true,
//	})
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
package process
