package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Transport names accepted by bluetooth.transport.
const (
	TransportBlueZ  = "bluez"
	TransportTinyGo = "tinygo"
	TransportMQTT   = "mqtt"
	TransportSim    = "sim"
)

// Config is the root configuration structure for the BLE link service.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bluetooth  BluetoothConfig  `yaml:"bluetooth"`
	Bluetoothd BluetoothdConfig `yaml:"bluetoothd"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
}

// BluetoothConfig controls discovery and the connection lifecycle.
type BluetoothConfig struct {
	// Transport selects the radio driver: bluez, tinygo, mqtt or sim.
	Transport string `yaml:"transport"`

	// Adapter is the local controller name (BlueZ only), e.g. "hci0".
	Adapter string `yaml:"adapter"`

	// AllowList holds exact advertised names admitted into the registry.
	AllowList []string `yaml:"allow_list"`

	// ScanDuration is the discovery window in seconds.
	ScanDuration int `yaml:"scan_duration"`

	// ScanOnStart runs one scan as soon as authorization succeeds.
	ScanOnStart bool `yaml:"scan_on_start"`

	// ConnectTimeout bounds a single connect attempt, in seconds.
	ConnectTimeout int `yaml:"connect_timeout"`

	// ServiceTimeout bounds service retrieval after a connection, in seconds.
	ServiceTimeout int `yaml:"service_timeout"`

	// RetryModes is the connect mode sequence used by connect-all.
	RetryModes []string `yaml:"retry_modes"`

	// RetryDelayMS is the pause between connect attempts of one device.
	RetryDelayMS int `yaml:"retry_delay_ms"`

	// BulkConcurrency caps parallel per-device operations. 0 means unlimited.
	BulkConcurrency int `yaml:"bulk_concurrency"`

	// MaxRecoveries caps corrective reconnects per confirmed connection.
	MaxRecoveries int `yaml:"max_recoveries"`

	// EventBuffer is the capacity of the transport event channel.
	EventBuffer int `yaml:"event_buffer"`

	// Gateway configures the remote radio used by the mqtt transport.
	Gateway GatewayConfig `yaml:"gateway"`

	// Simulated lists peripherals served by the sim transport.
	Simulated []SimulatedPeripheral `yaml:"simulated"`
}

// GatewayConfig identifies a remote BLE radio reached over MQTT.
type GatewayConfig struct {
	ID             string `yaml:"id"`
	RequestTimeout int    `yaml:"request_timeout"`
}

// SimulatedPeripheral describes one device of the sim transport.
type SimulatedPeripheral struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	RSSI            int    `yaml:"rssi"`
	Services        int    `yaml:"services"`
	Characteristics int    `yaml:"characteristics"`
	FailAuto        bool   `yaml:"fail_auto"`
	FailDirect      bool   `yaml:"fail_direct"`
	FailServices    bool   `yaml:"fail_services"`
}

// BluetoothdConfig contains settings for managing the bluetoothd daemon.
type BluetoothdConfig struct {
	// Managed indicates whether the service should supervise bluetoothd itself.
	// If false, bluetoothd is expected to be running as a systemd unit.
	Managed bool `yaml:"managed"`

	// Binary is the path to the bluetoothd executable.
	// Default: "/usr/libexec/bluetooth/bluetoothd"
	Binary string `yaml:"binary"`

	// Experimental passes --experimental to bluetoothd.
	Experimental bool `yaml:"experimental"`

	// Debug passes --debug to bluetoothd.
	Debug bool `yaml:"debug"`

	RestartOnFailure    bool          `yaml:"restart_on_failure"`
	RestartDelaySeconds int           `yaml:"restart_delay_seconds"`
	MaxRestartAttempts  int           `yaml:"max_restart_attempts"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetentionDays bounds the link event log. 0 keeps everything.
	HistoryRetentionDays int `yaml:"history_retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains settings for bearer tokens on the HTTP API.
type JWTConfig struct {
	// Enabled requires a valid token on every /api/v1 route except health.
	Enabled  bool   `yaml:"enabled"`
	Secret   string `yaml:"secret"`
	Issuer   string `yaml:"issuer"`
	TokenTTL int    `yaml:"token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. A .env file next to the YAML file, if present (never overrides the real environment)
//  4. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_DATABASE_PATH, GRAYLOGIC_BLE_TRANSPORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := LoadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads KEY=value pairs from the given files into the process
// environment. Missing files are skipped and variables that are already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading env file %s: %w", p, err)
		}
	}
	return nil
}

// Default returns the built-in configuration, with environment overrides
// applied. It is used when no config file exists.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bluetooth: BluetoothConfig{
			Transport:      TransportBlueZ,
			Adapter:        "hci0",
			AllowList:      []string{"U1SMARTLIGHT", "UNIT1 AURA", "UNIT1 FARO"},
			ScanDuration:   3,
			ConnectTimeout: 15,
			ServiceTimeout: 5,
			RetryModes:     []string{"auto", "direct"},
			MaxRecoveries:  1,
			EventBuffer:    64,
			Gateway: GatewayConfig{
				ID:             "gateway-1",
				RequestTimeout: 20,
			},
		},
		Bluetoothd: BluetoothdConfig{
			Binary:              "/usr/libexec/bluetooth/bluetoothd",
			RestartOnFailure:    true,
			RestartDelaySeconds: 5,
			MaxRestartAttempts:  10,
			HealthCheckInterval: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:        "./data/graylogic-ble.db",
			WALMode:              true,
			BusyTimeout:          5,
			HistoryRetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-ble",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				Issuer:   "graylogic-ble",
				TokenTTL: 60,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Bluetooth
	if v := os.Getenv("GRAYLOGIC_BLE_TRANSPORT"); v != "" {
		cfg.Bluetooth.Transport = v
	}
	if v := os.Getenv("GRAYLOGIC_BLE_ADAPTER"); v != "" {
		cfg.Bluetooth.Adapter = v
	}
	if v := os.Getenv("GRAYLOGIC_BLE_ALLOW_LIST"); v != "" {
		cfg.Bluetooth.AllowList = splitList(v)
	}
	if v := os.Getenv("GRAYLOGIC_BLE_SCAN_DURATION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bluetooth.ScanDuration = n
		}
	}

	// Database
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("GRAYLOGIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("GRAYLOGIC_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Bluetooth validation
	switch c.Bluetooth.Transport {
	case TransportBlueZ, TransportTinyGo, TransportSim:
	case TransportMQTT:
		if !c.MQTT.Enabled {
			errs = append(errs, "bluetooth.transport mqtt requires mqtt.enabled")
		}
		if c.Bluetooth.Gateway.ID == "" {
			errs = append(errs, "bluetooth.gateway.id is required for the mqtt transport")
		}
	default:
		errs = append(errs, fmt.Sprintf("bluetooth.transport %q must be one of bluez, tinygo, mqtt, sim", c.Bluetooth.Transport))
	}
	if len(c.Bluetooth.AllowList) == 0 {
		errs = append(errs, "bluetooth.allow_list must name at least one device")
	}
	if c.Bluetooth.ScanDuration < 1 {
		errs = append(errs, "bluetooth.scan_duration must be at least 1 second")
	}
	if c.Bluetooth.ServiceTimeout < 1 {
		errs = append(errs, "bluetooth.service_timeout must be at least 1 second")
	}
	if c.Bluetooth.ConnectTimeout < 1 {
		errs = append(errs, "bluetooth.connect_timeout must be at least 1 second")
	}
	if len(c.Bluetooth.RetryModes) == 0 {
		errs = append(errs, "bluetooth.retry_modes must list at least one mode")
	}
	for _, m := range c.Bluetooth.RetryModes {
		if m != "auto" && m != "direct" {
			errs = append(errs, fmt.Sprintf("bluetooth.retry_modes: unknown mode %q", m))
		}
	}
	if c.Bluetooth.BulkConcurrency < 0 {
		errs = append(errs, "bluetooth.bulk_concurrency must not be negative")
	}
	if c.Bluetooth.MaxRecoveries < 0 {
		errs = append(errs, "bluetooth.max_recoveries must not be negative")
	}
	if c.Bluetooth.EventBuffer < 1 {
		errs = append(errs, "bluetooth.event_buffer must be at least 1")
	}

	if c.Bluetoothd.Managed && c.Bluetoothd.Binary == "" {
		errs = append(errs, "bluetoothd.binary is required when bluetoothd.managed is set")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.HistoryRetentionDays < 0 {
		errs = append(errs, "database.history_retention_days must not be negative")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Weak secrets would let anyone on the network drive the radio.
	const minJWTSecretLength = 32
	if c.Security.JWT.Enabled {
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required when security.jwt.enabled is set (set GRAYLOGIC_JWT_SECRET)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// ScanWindow returns the discovery window as a Duration.
func (b BluetoothConfig) ScanWindow() time.Duration {
	return time.Duration(b.ScanDuration) * time.Second
}

// ConnectTimeoutDuration returns the per-attempt connect bound.
func (b BluetoothConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(b.ConnectTimeout) * time.Second
}

// ServiceTimeoutDuration returns the service retrieval bound.
func (b BluetoothConfig) ServiceTimeoutDuration() time.Duration {
	return time.Duration(b.ServiceTimeout) * time.Second
}

// RetryDelay returns the pause between connect attempts.
func (b BluetoothConfig) RetryDelay() time.Duration {
	return time.Duration(b.RetryDelayMS) * time.Millisecond
}
