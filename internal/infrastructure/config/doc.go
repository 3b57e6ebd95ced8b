// Package config handles loading and validating OBD telemetry configuration.
//
// This package manages:
//   - Loading configuration from an optional YAML file
//   - Overriding with environment variables (MQTT_BROKER_HOST, OBD_PORT, INFLUX_URL, ...)
//   - Validation of required fields
//   - Default value handling
//
// A single Config is built once at startup and passed to each component
// constructor. Components never read the environment themselves.
//
// Security Considerations:
//   - Credentials (INFLUX_TOKEN, MQTT_PASSWORD) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load(os.Getenv("OBDTELEMETRY_CONFIG"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.BrokerURL())
package config
