// Gray Logic BLE Link - Bluetooth Low Energy connection manager
//
// This is the main entry point for the BLE link service. It discovers the
// allow-listed peripherals, keeps an authoritative view of whether each one
// is connected, and exposes that view over HTTP, WebSocket and MQTT.
//
// The radio is reached through one of four transports: BlueZ over D-Bus,
// the portable tinygo stack, a remote gateway over MQTT, or an in-process
// simulator for development.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/gray-logic-ble/migrations"

	"github.com/nerrad567/gray-logic-ble/internal/api"
	"github.com/nerrad567/gray-logic-ble/internal/bluetoothd"
	"github.com/nerrad567/gray-logic-ble/internal/bridges/linkmqtt"
	"github.com/nerrad567/gray-logic-ble/internal/device"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-ble/internal/link"
	"github.com/nerrad567/gray-logic-ble/internal/telemetry"
	"github.com/nerrad567/gray-logic-ble/internal/transport/bluez"
	"github.com/nerrad567/gray-logic-ble/internal/transport/mqttradio"
	"github.com/nerrad567/gray-logic-ble/internal/transport/sim"
	"github.com/nerrad567/gray-logic-ble/internal/transport/tinyble"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// Intervals for background reporting.
const (
	healthInterval       = 30 * time.Second
	metricsInterval      = 30 * time.Second
	historyPruneInterval = time.Hour
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// radio is a transport that also owns the platform authorization step.
type radio interface {
	link.Transport
	link.Authorizer
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic BLE link",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath, explicit := getConfigPath()
	cfg, err := loadConfig(configPath, explicit)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open the diagnostics database
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	historyRepo := device.NewSQLiteHistoryRepository(db.DB)
	history := telemetry.NewHistoryRecorder(historyRepo, 0)
	history.SetLogger(log.Component("history"))
	historyCtx, stopHistory := context.WithCancel(context.Background())
	history.Start(historyCtx)
	if days := cfg.Database.HistoryRetentionDays; days > 0 {
		history.StartRetention(historyCtx, historyRepo, time.Duration(days)*24*time.Hour, historyPruneInterval)
	}
	defer func() {
		log.Info("flushing link history")
		stopHistory()
		history.Wait()
	}()

	// Start bluetoothd (if managed)
	if cfg.Bluetooth.Transport == config.TransportBlueZ && cfg.Bluetoothd.Managed {
		btd, btdErr := startBluetoothd(ctx, cfg, log)
		if btdErr != nil {
			return fmt.Errorf("starting bluetoothd: %w", btdErr)
		}
		defer func() {
			log.Info("stopping bluetoothd")
			if stopErr := btd.Stop(); stopErr != nil {
				log.Error("error stopping bluetoothd", "error", stopErr)
			}
		}()
	}

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Open the radio
	rad, closeRadio, err := openTransport(ctx, cfg, mqttClient, log)
	if err != nil {
		return fmt.Errorf("opening %s transport: %w", cfg.Bluetooth.Transport, err)
	}
	defer func() {
		log.Info("closing radio transport")
		if closeErr := closeRadio(); closeErr != nil {
			log.Error("error closing transport", "error", closeErr)
		}
	}()
	log.Info("radio transport opened", "transport", cfg.Bluetooth.Transport)

	// Build the link manager
	registry := device.NewRegistry()
	registry.SetLogger(log.Component("registry"))

	opts, err := managerOptions(cfg.Bluetooth)
	if err != nil {
		return fmt.Errorf("link options: %w", err)
	}
	manager, err := link.NewManager(registry, rad, rad, opts)
	if err != nil {
		return fmt.Errorf("creating link manager: %w", err)
	}
	manager.SetLogger(log.Component("link"))

	observers := []link.Observer{history}

	var metrics *telemetry.MetricsRecorder
	if influxClient != nil {
		metrics = telemetry.NewMetricsRecorder(influxClient, registry)
		observers = append(observers, metrics)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer, err = api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.Component("api"),
			Link:     manager,
			History:  historyRepo,
			Checks:   healthCheckers(db, mqttClient, influxClient),
			Version:  version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		observers = append(observers, apiServer)
	}
	manager.SetObserver(observers...)

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("starting link manager: %w", err)
	}
	defer func() {
		log.Info("stopping link manager")
		manager.Stop()
	}()

	if metrics != nil {
		metricsCtx, stopMetrics := context.WithCancel(ctx)
		metrics.Start(metricsCtx, metricsInterval)
		defer func() {
			log.Info("stopping metrics sampler")
			stopMetrics()
			metrics.Wait()
		}()
	}

	if apiServer != nil {
		if err := apiServer.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	// Start the MQTT presentation bridge
	if mqttClient != nil {
		bridge, bridgeErr := linkmqtt.NewBridge(linkmqtt.Options{
			MQTT:           mqttClient,
			Link:           manager,
			Logger:         log.Component("linkmqtt"),
			Version:        version,
			HealthInterval: healthInterval,
		})
		if bridgeErr != nil {
			return fmt.Errorf("creating MQTT bridge: %w", bridgeErr)
		}
		if startErr := bridge.Start(ctx); startErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			bridge.Stop()
		}()
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: MQTT bridge, API, link manager,
	// radio, InfluxDB, MQTT, bluetoothd, history, database.
	return nil
}

// getConfigPath returns the configuration file path and whether it was set
// explicitly through GRAYLOGIC_CONFIG.
func getConfigPath() (string, bool) {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path, true
	}
	return defaultConfigPath, false
}

// loadConfig loads the YAML file. A missing default file falls back to the
// built-in configuration; a missing explicit file is an error.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if explicit || !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if envErr := config.LoadDotEnv(".env"); envErr != nil {
		return nil, envErr
	}
	cfg = config.Default()
	if vErr := cfg.Validate(); vErr != nil {
		return nil, fmt.Errorf("validating config: %w", vErr)
	}
	return cfg, nil
}

// managerOptions converts the bluetooth config section into link options.
func managerOptions(bt config.BluetoothConfig) (link.Options, error) {
	modes := make([]link.ConnectMode, 0, len(bt.RetryModes))
	for _, s := range bt.RetryModes {
		m, err := link.ParseConnectMode(s)
		if err != nil {
			return link.Options{}, err
		}
		modes = append(modes, m)
	}

	opts := link.DefaultOptions()
	opts.AllowList = bt.AllowList
	opts.ScanWindow = bt.ScanWindow()
	opts.ConnectTimeout = bt.ConnectTimeoutDuration()
	opts.DisconnectTimeout = bt.ConnectTimeoutDuration()
	opts.ServiceTimeout = bt.ServiceTimeoutDuration()
	opts.Retry = link.RetryPolicy{Modes: modes, Delay: bt.RetryDelay()}
	opts.BulkConcurrency = bt.BulkConcurrency
	opts.MaxRecoveries = bt.MaxRecoveries
	opts.EventBuffer = bt.EventBuffer
	opts.ScanOnStart = bt.ScanOnStart
	return opts, nil
}

// openTransport builds the configured radio. The returned function
// releases it.
func openTransport(ctx context.Context, cfg *config.Config, mqttClient *mqtt.Client, log *logging.Logger) (radio, func() error, error) {
	bt := cfg.Bluetooth
	tlog := log.Component("transport")

	switch bt.Transport {
	case config.TransportBlueZ:
		t, err := bluez.Open(ctx, bt.Adapter, bluez.WithLogger(tlog), bluez.WithEventBuffer(bt.EventBuffer))
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil

	case config.TransportTinyGo:
		t := tinyble.New(tinyble.WithLogger(tlog), tinyble.WithEventBuffer(bt.EventBuffer))
		return t, func() error { return nil }, nil

	case config.TransportMQTT:
		if mqttClient == nil {
			return nil, nil, errors.New("mqtt transport requires mqtt.enabled")
		}
		t, err := mqttradio.New(mqttClient, bt.Gateway.ID,
			mqttradio.WithRequestTimeout(time.Duration(bt.Gateway.RequestTimeout)*time.Second),
			mqttradio.WithEventBuffer(bt.EventBuffer),
			mqttradio.WithLogger(tlog),
		)
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil

	case config.TransportSim:
		t := sim.New(sim.FromConfig(bt.Simulated),
			sim.WithEventBuffer(bt.EventBuffer),
			sim.WithLogger(tlog),
		)
		return t, t.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown transport %q", bt.Transport)
}

// startBluetoothd initialises and starts the supervised BlueZ daemon.
func startBluetoothd(ctx context.Context, cfg *config.Config, log *logging.Logger) (*bluetoothd.Manager, error) {
	b := cfg.Bluetoothd
	manager, err := bluetoothd.NewManager(bluetoothd.Config{
		Managed:             b.Managed,
		Binary:              b.Binary,
		Adapter:             cfg.Bluetooth.Adapter,
		Experimental:        b.Experimental,
		Debug:               b.Debug,
		RestartOnFailure:    b.RestartOnFailure,
		RestartDelay:        time.Duration(b.RestartDelaySeconds) * time.Second,
		MaxRestartAttempts:  b.MaxRestartAttempts,
		HealthCheckInterval: b.HealthCheckInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bluetoothd manager: %w", err)
	}
	manager.SetLogger(log.Component("bluetoothd"))

	if err := manager.Start(ctx); err != nil {
		return nil, err
	}
	log.Info("bluetoothd started", "managed", manager.IsManaged())
	return manager, nil
}

// healthCheckers collects the optional dependencies reported by /health.
func healthCheckers(db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) map[string]api.HealthChecker {
	checks := map[string]api.HealthChecker{"database": db}
	if mqttClient != nil {
		checks["mqtt"] = mqttClient
	}
	if influxClient != nil {
		checks["influxdb"] = influxClient
	}
	return checks
}

// healthCheck verifies all infrastructure connections are healthy.
// mqttClient and influxClient may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
