package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for OBD telemetry.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Adapter     AdapterConfig     `yaml:"adapter"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Ingest      IngestConfig      `yaml:"ingest"`
	DeadLetter  DeadLetterConfig  `yaml:"dead_letter"`
	API         APIConfig         `yaml:"api"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// AdapterConfig contains serial diagnostic adapter settings.
type AdapterConfig struct {
	// Port is the serial device path of the ELM327 adapter.
	Port string `yaml:"port"`

	// Baud is the serial line speed.
	Baud int `yaml:"baud"`

	// QueryTimeout bounds a single adapter request, including the init sequence steps.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// RetryDelay is the minimum gap between connect attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// AcquisitionConfig contains polling loop settings.
type AcquisitionConfig struct {
	Interval     time.Duration `yaml:"interval"`
	ErrorBackoff time.Duration `yaml:"error_backoff"`

	// Retries is the number of extra attempts for high-value PIDs.
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`

	// Fields lists the logical sensors to poll, e.g. SPEED, THROTTLE, RPM.
	Fields []string `yaml:"fields"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker         MQTTBrokerConfig    `yaml:"broker"`
	Auth           MQTTAuthConfig      `yaml:"auth"`
	QoS            int                 `yaml:"qos"`
	Topic          string              `yaml:"topic"`
	SubscribeTopic string              `yaml:"subscribe_topic"`
	Reconnect      MQTTReconnectConfig `yaml:"reconnect"`

	// QueueSize is the inbound message buffer between the broker callback and the consumer.
	QueueSize int `yaml:"queue_size"`
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

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
	Timeout int    `yaml:"timeout"` // HTTP request timeout in seconds
}

// IngestConfig contains batch writer settings.
type IngestConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	MaxRetries        int           `yaml:"max_retries"`
	MaxBufferedPoints int           `yaml:"max_buffered_points"`
}

// DeadLetterConfig contains settings for the local store of undeliverable batches.
type DeadLetterConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
	MaxRows     int    `yaml:"max_rows"`
}

// APIConfig contains HTTP query API settings.
type APIConfig struct {
	Enabled           bool             `yaml:"enabled"`
	Host              string           `yaml:"host"`
	Port              int              `yaml:"port"`
	Timeouts          APITimeoutConfig `yaml:"timeouts"`
	CORS              CORSConfig       `yaml:"cors"`
	DefaultQueryHours int              `yaml:"default_query_hours"`
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

// WebSocketConfig contains live feed settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// MetricsConfig controls the standalone Prometheus listener used when the
// API server is not running (publisher role).
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DefaultFields is the set of logical sensors polled when none are configured.
var DefaultFields = []string{
	"SPEED",
	"THROTTLE",
	"COOLANT_TEMP",
	"INTAKE_TEMP",
	"STFT",
	"LTFT",
	"ADAPTER_VOLT",
}

// Load reads configuration from an optional YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables use the deployment names, for example
// MQTT_BROKER_HOST, OBD_PORT, PUBLISH_INTERVAL, INFLUX_URL.
//
// Parameters:
//   - path: Path to the YAML configuration file, or "" for defaults and environment only
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, an override is malformed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if len(cfg.Acquisition.Fields) == 0 {
		cfg.Acquisition.Fields = append([]string(nil), DefaultFields...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading files or the environment.
func Default() *Config {
	cfg := defaultConfig()
	cfg.Acquisition.Fields = append([]string(nil), DefaultFields...)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Adapter: AdapterConfig{
			Port:         "/dev/ttyUSB0",
			Baud:         115200,
			QueryTimeout: 5 * time.Second,
			RetryDelay:   3 * time.Second,
		},
		Acquisition: AcquisitionConfig{
			Interval:     time.Second,
			ErrorBackoff: time.Second,
			Retries:      2,
			RetryDelay:   100 * time.Millisecond,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "broker.hivemq.com",
				Port: 1883,
			},
			QoS:            0,
			Topic:          "bilprojekt72439/obd/data",
			SubscribeTopic: "bilprojekt72439/obd/#",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     30,
			},
			QueueSize: 1024,
		},
		InfluxDB: InfluxDBConfig{
			URL:     "http://influxdb:8086",
			Token:   "influx-dev-token",
			Org:     "obd",
			Bucket:  "obd",
			Timeout: 30,
		},
		Ingest: IngestConfig{
			BatchSize:         5000,
			FlushInterval:     2 * time.Second,
			RetryInterval:     5 * time.Second,
			MaxRetries:        5,
			MaxBufferedPoints: 100000,
		},
		DeadLetter: DeadLetterConfig{
			Enabled:     false,
			Path:        "./data/deadletter.db",
			WALMode:     true,
			BusyTimeout: 5,
			MaxRows:     100000,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			DefaultQueryHours: 24,
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// A variable that is set but cannot be parsed is an error; unset or empty
// variables leave the current value alone.
func applyEnvOverrides(cfg *Config) error {
	var errs []string

	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %q is not an integer", name, v))
			return
		}
		*dst = n
	}
	setDuration := func(name string, dst *time.Duration) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		d, err := parseSeconds(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			return
		}
		*dst = d
	}

	// Adapter
	setString("OBD_PORT", &cfg.Adapter.Port)
	setInt("OBD_BAUD", &cfg.Adapter.Baud)
	setDuration("OBD_QUERY_TIMEOUT", &cfg.Adapter.QueryTimeout)
	setDuration("OBD_RETRY_DELAY", &cfg.Adapter.RetryDelay)
	setDuration("PUBLISH_INTERVAL", &cfg.Acquisition.Interval)

	// MQTT
	setString("MQTT_BROKER_HOST", &cfg.MQTT.Broker.Host)
	setInt("MQTT_BROKER_PORT", &cfg.MQTT.Broker.Port)
	setString("MQTT_CLIENT_ID", &cfg.MQTT.Broker.ClientID)
	setString("MQTT_TOPIC", &cfg.MQTT.Topic)
	setString("MQTT_SUBSCRIBE_TOPIC", &cfg.MQTT.SubscribeTopic)
	setInt("MQTT_QOS", &cfg.MQTT.QoS)
	setString("MQTT_USERNAME", &cfg.MQTT.Auth.Username)
	setString("MQTT_PASSWORD", &cfg.MQTT.Auth.Password)

	// InfluxDB
	setString("INFLUX_URL", &cfg.InfluxDB.URL)
	setString("INFLUX_TOKEN", &cfg.InfluxDB.Token)
	setString("INFLUX_ORG", &cfg.InfluxDB.Org)
	setString("INFLUX_BUCKET", &cfg.InfluxDB.Bucket)

	// API
	setString("API_HOST", &cfg.API.Host)
	setInt("API_PORT", &cfg.API.Port)
	setInt("DEFAULT_QUERY_HOURS", &cfg.API.DefaultQueryHours)

	// Logging
	setString("LOG_LEVEL", &cfg.Logging.Level)
	setString("LOG_FORMAT", &cfg.Logging.Format)

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// parseSeconds accepts either a Go duration ("1500ms") or a plain number of
// seconds ("1.5").
func parseSeconds(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%q is neither seconds nor a duration", v)
	}
	return d, nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Adapter validation
	if c.Adapter.Port == "" {
		errs = append(errs, "adapter.port is required")
	}
	if c.Adapter.Baud <= 0 {
		errs = append(errs, "adapter.baud must be positive")
	}
	if c.Adapter.QueryTimeout <= 0 {
		errs = append(errs, "adapter.query_timeout must be positive")
	}
	if c.Adapter.RetryDelay < 0 {
		errs = append(errs, "adapter.retry_delay must not be negative")
	}

	// Acquisition validation
	if c.Acquisition.Interval <= 0 {
		errs = append(errs, "acquisition.interval must be positive")
	}
	if c.Acquisition.Retries < 0 {
		errs = append(errs, "acquisition.retries must not be negative")
	}

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Topic == "" {
		errs = append(errs, "mqtt.topic is required")
	}
	if c.MQTT.SubscribeTopic == "" {
		errs = append(errs, "mqtt.subscribe_topic is required")
	}

	// InfluxDB validation
	if c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required")
	}
	if c.InfluxDB.Bucket == "" {
		errs = append(errs, "influxdb.bucket is required")
	}

	// Ingest validation
	if c.Ingest.BatchSize < 1 {
		errs = append(errs, "ingest.batch_size must be at least 1")
	}
	if c.Ingest.FlushInterval <= 0 {
		errs = append(errs, "ingest.flush_interval must be positive")
	}
	if c.Ingest.MaxRetries < 1 {
		errs = append(errs, "ingest.max_retries must be at least 1")
	}
	if c.Ingest.MaxBufferedPoints < c.Ingest.BatchSize {
		errs = append(errs, "ingest.max_buffered_points must not be smaller than ingest.batch_size")
	}

	if c.DeadLetter.Enabled && c.DeadLetter.Path == "" {
		errs = append(errs, "dead_letter.path is required when dead_letter is enabled")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.DefaultQueryHours < 1 || c.API.DefaultQueryHours > 168 {
		errs = append(errs, "api.default_query_hours must be between 1 and 168")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// BrokerURL returns the MQTT broker URL in the form paho expects.
func (c MQTTConfig) BrokerURL() string {
	scheme := "tcp"
	if c.Broker.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Broker.Host, c.Broker.Port)
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
