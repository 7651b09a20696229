package bluetoothd

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Config holds the configuration for the bluetoothd daemon.
type Config struct {
	// Managed indicates whether the service supervises bluetoothd itself.
	// If false, bluetoothd is expected to run as a systemd unit.
	Managed bool `yaml:"managed"`

	// Binary is the path to the bluetoothd executable.
	// Default: "/usr/libexec/bluetooth/bluetoothd"
	Binary string `yaml:"binary"`

	// Adapter is the controller the health check looks for, e.g. "hci0".
	Adapter string `yaml:"adapter"`

	// Experimental passes --experimental, needed by some LE features.
	Experimental bool `yaml:"experimental"`

	// Debug passes --debug.
	Debug bool `yaml:"debug"`

	// ConfigFile is passed as --configfile when set.
	ConfigFile string `yaml:"config_file"`

	// RestartOnFailure enables automatic restart if bluetoothd crashes.
	// Default: true
	RestartOnFailure bool `yaml:"restart_on_failure"`

	// RestartDelay is the first restart backoff step.
	// Default: 5s
	RestartDelay time.Duration `yaml:"restart_delay"`

	// MaxRestartAttempts limits restart attempts. 0 means unlimited.
	// Default: 10
	MaxRestartAttempts int `yaml:"max_restart_attempts"`

	// GracefulTimeout is how long to wait for SIGTERM before SIGKILL.
	// Default: 10s
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`

	// HealthCheckInterval is how often the watchdog runs. bluetoothd is
	// killed and restarted after 3 consecutive recoverable failures.
	// Default: 30s
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Managed:             true,
		Binary:              "/usr/libexec/bluetooth/bluetoothd",
		Adapter:             "hci0",
		RestartOnFailure:    true,
		RestartDelay:        5 * time.Second,
		MaxRestartAttempts:  10,
		GracefulTimeout:     10 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Binary == "" {
		return fmt.Errorf("bluetoothd binary path is required")
	}
	if err := validateSafePathComponent(c.Binary, "binary"); err != nil {
		return err
	}
	if c.ConfigFile != "" {
		if err := validateSafePathComponent(c.ConfigFile, "config_file"); err != nil {
			return err
		}
	}
	if !adapterPattern.MatchString(c.Adapter) {
		return fmt.Errorf("adapter %q must look like hci0", c.Adapter)
	}
	if c.MaxRestartAttempts < 0 {
		return fmt.Errorf("max_restart_attempts must not be negative")
	}
	return nil
}

// BuildArgs constructs the command-line arguments for bluetoothd.
// --nodetach keeps it in the foreground so the supervisor owns it.
func (c *Config) BuildArgs() []string {
	args := []string{"--nodetach"}
	if c.Experimental {
		args = append(args, "--experimental")
	}
	if c.Debug {
		args = append(args, "--debug")
	}
	if c.ConfigFile != "" {
		args = append(args, "--configfile="+c.ConfigFile)
	}
	return args
}

var adapterPattern = regexp.MustCompile(`^hci\d{1,2}$`)

// safePathPattern allows alphanumeric, hyphen, underscore, dot and forward slash.
var safePathPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-./]+$`)

// validateSafePathComponent rejects shell metacharacters in values passed
// to the subprocess.
func validateSafePathComponent(value, fieldName string) error {
	if !safePathPattern.MatchString(value) {
		return fmt.Errorf("%s contains invalid characters (allowed: alphanumeric, hyphen, underscore, dot, slash)", fieldName)
	}
	if strings.Contains(value, "..") {
		return fmt.Errorf("%s must not contain ..", fieldName)
	}
	return nil
}
