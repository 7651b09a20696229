// Command blectl is the operator CLI for the BLE link service.
//
// It drives the service through its REST API and can show a live device
// table fed by the WebSocket:
//
//	blectl devices
//	blectl scan
//	blectl connect-all
//	blectl toggle AA:BB:CC:DD:EE:FF
//	blectl watch
//
// Flag defaults are read from the environment, and from ./.env if present.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
)

// version is set at build time via ldflags.
var version = "dev"

const (
	defaultAPIURL         = "http://localhost:8090"
	defaultRequestTimeout = 30 * time.Second
)

type globalFlags struct {
	url     string
	token   string
	timeout time.Duration
}

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "blectl",
		Short: "Control the Gray Logic BLE link service",
		Long: `blectl talks to a running graylogic-ble service.

Examples:
  blectl devices                  # List discovered devices
  blectl scan                     # Run one discovery window
  blectl connect-all              # Connect every disconnected device
  blectl watch                    # Live device table`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.url, "url", envOr("GRAYLOGIC_API_URL", defaultAPIURL), "link service base URL")
	root.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("GRAYLOGIC_API_TOKEN"), "bearer token (see blectl token)")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", defaultRequestTimeout, "request timeout")

	root.AddCommand(
		newDevicesCmd(flags),
		newScanCmd(flags),
		newBulkCmd(flags, "connect-all", "Connect every disconnected device", (*Client).ConnectAll),
		newBulkCmd(flags, "disconnect-all", "Disconnect every connected device", (*Client).DisconnectAll),
		newToggleCmd(flags),
		newWatchCmd(flags),
		newTokenCmd(),
	)
	return root
}

func (f *globalFlags) client() (*Client, error) {
	return NewClient(f.url, f.token, f.timeout)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
