package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Topic scheme identifiers accepted by TopicsConfig.Scheme.
const (
	SchemeHomeAssistant = "homeassistant"
	SchemeDevice        = "device"
)

// envPrefix is prepended to every environment variable override.
const envPrefix = "EVOK2MQTT_"

// namePattern restricts the bridge name to a single MQTT topic segment.
var namePattern = regexp.MustCompile(`^\w+$`)

// Config is the root configuration structure for evok2mqtt.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Evok     EvokConfig     `yaml:"evok"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Topics   TopicsConfig   `yaml:"topics"`
	Logging  LoggingConfig  `yaml:"logging"`
	API      APIConfig      `yaml:"api"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Database DatabaseConfig `yaml:"database"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	KeepAlive int                 `yaml:"keep_alive"`
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

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// String returns a log-safe representation with the password redacted.
func (m MQTTConfig) String() string {
	password := ""
	if m.Auth.Password != "" {
		password = "[REDACTED]"
	}
	return fmt.Sprintf("MQTTConfig{Host:%s Port:%d TLS:%t ClientID:%s Username:%s Password:%s QoS:%d}",
		m.Broker.Host, m.Broker.Port, m.Broker.TLS, m.Broker.ClientID, m.Auth.Username, password, m.QoS)
}

// EvokConfig describes the Evok websocket endpoint and the circuit mapping file.
type EvokConfig struct {
	URI      string `yaml:"uri"`
	Mappings string `yaml:"mappings"`

	// Timeouts in seconds.
	HandshakeTimeout int `yaml:"handshake_timeout"`
	WriteTimeout     int `yaml:"write_timeout"`
	PingInterval     int `yaml:"ping_interval"`
	PongTimeout      int `yaml:"pong_timeout"`

	Reconnect EvokReconnectConfig `yaml:"reconnect"`

	// QueueSize bounds the number of decoded events waiting for dispatch.
	QueueSize int `yaml:"queue_size"`

	// RequestSnapshot asks Evok for the state of every circuit after each connect.
	RequestSnapshot bool `yaml:"request_snapshot"`
}

// EvokReconnectConfig contains the websocket reconnect backoff in seconds.
// MaxAttempts of 0 retries forever.
type EvokReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// BridgeConfig contains the bridge identity and payload conventions.
type BridgeConfig struct {
	Name           string `yaml:"name"`
	PayloadOn      string `yaml:"payload_on"`
	PayloadOff     string `yaml:"payload_off"`
	PayloadOnline  string `yaml:"payload_online"`
	PayloadOffline string `yaml:"payload_offline"`
	BirthTopic     string `yaml:"birth_topic"`
	BirthPayload   string `yaml:"birth_payload"`
	RetainState    bool   `yaml:"retain_state"`

	// CommandTimeout bounds delivery of a single command to Evok, in seconds.
	CommandTimeout int `yaml:"command_timeout"`

	// HealthInterval is the bridge health publish period, in seconds.
	HealthInterval int `yaml:"health_interval"`
}

// TopicsConfig selects the MQTT addressing variant.
type TopicsConfig struct {
	Scheme          string `yaml:"scheme"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// APIConfig contains health HTTP server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
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

// DatabaseConfig contains the SQLite command audit store settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// RetentionDays prunes older audit entries at startup. 0 keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: EVOK2MQTT_SECTION_KEY
// For example: EVOK2MQTT_EVOK_URI, EVOK2MQTT_MQTT_HOST
//
// Validation is left to the caller so command-line flags can be applied first.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS:       0,
			KeepAlive: 60,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Evok: EvokConfig{
			URI:              "ws://localhost/ws",
			Mappings:         "config.yaml",
			HandshakeTimeout: 10,
			WriteTimeout:     5,
			PingInterval:     30,
			PongTimeout:      10,
			Reconnect: EvokReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
			QueueSize:       100,
			RequestSnapshot: true,
		},
		Bridge: BridgeConfig{
			Name:           hostname(),
			PayloadOn:      "ON",
			PayloadOff:     "OFF",
			PayloadOnline:  "online",
			PayloadOffline: "offline",
			BirthTopic:     "homeassistant/start",
			CommandTimeout: 5,
			HealthInterval: 30,
		},
		Topics: TopicsConfig{
			Scheme:          SchemeHomeAssistant,
			DiscoveryPrefix: "homeassistant",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Database: DatabaseConfig{
			Path:          "./data/evok2mqtt.db",
			WALMode:       true,
			BusyTimeout:   5,
			RetentionDays: 30,
		},
	}
}

// hostname returns the machine hostname reduced to characters valid in a topic segment.
func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "evok"
	}
	return SanitizeName(h)
}

// SanitizeName replaces every character outside [A-Za-z0-9_] with an underscore.
func SanitizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// MQTT
	if v := os.Getenv(envPrefix + "MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv(envPrefix + "MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv(envPrefix + "MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv(envPrefix + "MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Evok
	if v := os.Getenv(envPrefix + "EVOK_URI"); v != "" {
		cfg.Evok.URI = v
	}
	if v := os.Getenv(envPrefix + "EVOK_MAPPINGS"); v != "" {
		cfg.Evok.Mappings = v
	}

	// Bridge
	if v := os.Getenv(envPrefix + "BRIDGE_NAME"); v != "" {
		cfg.Bridge.Name = v
	}

	// Logging
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// InfluxDB
	if v := os.Getenv(envPrefix + "INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Database
	if v := os.Getenv(envPrefix + "DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
}

// Validate checks the configuration for errors.
// All problems are reported together rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.validateMQTT()...)
	errs = append(errs, c.validateEvok()...)
	errs = append(errs, c.validateBridge()...)
	errs = append(errs, c.validateTopics()...)

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when database is enabled")
	}
	if c.Database.RetentionDays < 0 {
		errs = append(errs, "database.retention_days must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateMQTT() []string {
	var errs []string
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	return errs
}

func (c *Config) validateEvok() []string {
	var errs []string
	switch {
	case c.Evok.URI == "":
		errs = append(errs, "evok.uri is required")
	case !strings.HasPrefix(c.Evok.URI, "ws://") && !strings.HasPrefix(c.Evok.URI, "wss://"):
		errs = append(errs, "evok.uri must start with ws:// or wss://")
	}
	if c.Evok.Mappings == "" {
		errs = append(errs, "evok.mappings is required")
	}
	if c.Evok.Reconnect.MaxAttempts < 0 {
		errs = append(errs, "evok.reconnect.max_attempts must not be negative")
	}
	if c.Evok.QueueSize < 1 {
		errs = append(errs, "evok.queue_size must be at least 1")
	}
	return errs
}

func (c *Config) validateBridge() []string {
	var errs []string
	if !namePattern.MatchString(c.Bridge.Name) {
		errs = append(errs, fmt.Sprintf("bridge.name %q must contain only letters, digits and underscores", c.Bridge.Name))
	}
	if c.Bridge.PayloadOn == "" || c.Bridge.PayloadOff == "" {
		errs = append(errs, "bridge.payload_on and bridge.payload_off are required")
	} else if c.Bridge.PayloadOn == c.Bridge.PayloadOff {
		errs = append(errs, "bridge.payload_on and bridge.payload_off must differ")
	}
	if c.Bridge.PayloadOnline == "" || c.Bridge.PayloadOffline == "" {
		errs = append(errs, "bridge.payload_online and bridge.payload_offline are required")
	}
	if c.Bridge.CommandTimeout < 1 {
		errs = append(errs, "bridge.command_timeout must be at least 1 second")
	}
	return errs
}

func (c *Config) validateTopics() []string {
	var errs []string
	switch c.Topics.Scheme {
	case SchemeHomeAssistant, SchemeDevice:
	default:
		errs = append(errs, fmt.Sprintf("topics.scheme %q must be %q or %q", c.Topics.Scheme, SchemeHomeAssistant, SchemeDevice))
	}
	if c.Topics.DiscoveryPrefix == "" || strings.ContainsAny(c.Topics.DiscoveryPrefix, "#+") {
		errs = append(errs, "topics.discovery_prefix must be a non-empty topic without wildcards")
	}
	return errs
}

// Seconds converts an integer number of seconds to a Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c APIConfig) GetReadTimeout() time.Duration {
	return Seconds(c.Timeouts.Read)
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c APIConfig) GetWriteTimeout() time.Duration {
	return Seconds(c.Timeouts.Write)
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c APIConfig) GetIdleTimeout() time.Duration {
	return Seconds(c.Timeouts.Idle)
}

// StatusTopic is the retained bridge availability topic, also used as the MQTT last will.
func (c *Config) StatusTopic() string {
	return c.Bridge.Name + "/bridge/status"
}

// HealthTopic carries the periodic JSON health report of the bridge.
func (c *Config) HealthTopic() string {
	return c.Bridge.Name + "/bridge/health"
}
