// Package config handles loading and validating the BLE link service configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Loading a sibling .env file for local secrets
//   - Overriding with GRAYLOGIC_* environment variables
//   - Validation of required fields
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token, JWT secret) should come from the environment
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/ble.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Bluetooth.AllowList)
package config
