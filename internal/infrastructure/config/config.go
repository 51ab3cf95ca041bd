package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when NBEBRIDGE_CONFIG is not set.
const DefaultPath = "configs/config.yaml"

// Config is the root configuration structure for the NBE bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Poll     PollConfig     `yaml:"poll"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Redis    RedisConfig    `yaml:"redis"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DeviceConfig identifies the boiler controller and how to talk to it.
type DeviceConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Password is the controller's 10-character access code.
	Password string `yaml:"password"`

	// Serial is optional. When empty it is learned from the controller.
	Serial string `yaml:"serial"`

	// AppID is the 12-character client identifier sent in every request.
	AppID string `yaml:"app_id"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// PollConfig controls the periodic register refresh.
type PollConfig struct {
	Interval time.Duration `yaml:"interval"`

	// Groups are the register paths fetched each cycle. The first one is
	// the primary group: if it fails, nothing from the cycle is published.
	Groups []string `yaml:"groups"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// HealthInterval is how often the bridge publishes its health message (seconds).
	HealthInterval int `yaml:"health_interval"`
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

// RedisConfig contains settings for the optional snapshot mirror.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
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
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Path returns the configuration file path from NBEBRIDGE_CONFIG, or DefaultPath.
func Path() string {
	if v := os.Getenv("NBEBRIDGE_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: NBEBRIDGE_SECTION_KEY
// For example: NBEBRIDGE_DEVICE_HOST, NBEBRIDGE_DEVICE_PASSWORD
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

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Port:           8483,
			AppID:          "nbe-bridge",
			ConnectTimeout: 5 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
		Poll: PollConfig{
			Interval: 60 * time.Second,
			Groups:   []string{"operating_data/", "consumption_data/counter"},
		},
		Database: DatabaseConfig{
			Path:        "./data/nbe-bridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "nbe-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			HealthInterval: 30,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
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
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: NBEBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	// Device
	if v := os.Getenv("NBEBRIDGE_DEVICE_HOST"); v != "" {
		cfg.Device.Host = v
	}
	if v := os.Getenv("NBEBRIDGE_DEVICE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NBEBRIDGE_DEVICE_PORT: %w", err)
		}
		cfg.Device.Port = port
	}
	if v := os.Getenv("NBEBRIDGE_DEVICE_PASSWORD"); v != "" {
		cfg.Device.Password = v
	}
	if v := os.Getenv("NBEBRIDGE_DEVICE_SERIAL"); v != "" {
		cfg.Device.Serial = v
	}

	// Poll
	if v := os.Getenv("NBEBRIDGE_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("NBEBRIDGE_POLL_INTERVAL: %w", err)
		}
		cfg.Poll.Interval = d
	}

	// Database
	if v := os.Getenv("NBEBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("NBEBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("NBEBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("NBEBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("NBEBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Redis
	if v := os.Getenv("NBEBRIDGE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("NBEBRIDGE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	// API
	if v := os.Getenv("NBEBRIDGE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	return nil
}

// Validate checks the configuration for errors.
//
// Device credentials are checked here so a bad password or serial is
// reported at startup rather than on the first request.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Device validation
	if c.Device.Host == "" {
		errs = append(errs, "device.host is required (set NBEBRIDGE_DEVICE_HOST environment variable)")
	}
	if c.Device.Port < 1 || c.Device.Port > 65535 {
		errs = append(errs, "device.port must be between 1 and 65535")
	}
	if msg := checkPassword(c.Device.Password); msg != "" {
		errs = append(errs, msg)
	}
	if c.Device.Serial != "" && !isDigits(c.Device.Serial, 6) {
		errs = append(errs, "device.serial must be up to 6 digits")
	}
	if len(c.Device.AppID) > 12 {
		errs = append(errs, "device.app_id must be at most 12 characters")
	}
	if c.Device.ConnectTimeout <= 0 || c.Device.RequestTimeout <= 0 {
		errs = append(errs, "device timeouts must be positive")
	}

	// Poll validation
	if c.Poll.Interval < time.Second {
		errs = append(errs, "poll.interval must be at least 1s")
	}
	if len(c.Poll.Groups) == 0 {
		errs = append(errs, "poll.groups must name at least one group")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	// Redis validation
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when redis is enabled")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// checkPassword returns a validation message, or "" if the password is usable.
func checkPassword(p string) string {
	if p == "" {
		return "device.password is required (set NBEBRIDGE_DEVICE_PASSWORD environment variable)"
	}
	if len(p) > 10 {
		return "device.password must be at most 10 characters"
	}
	for i := 0; i < len(p); i++ {
		if p[i] <= ' ' || p[i] > '~' {
			return "device.password must be printable ASCII without spaces"
		}
	}
	return ""
}

func isDigits(s string, max int) bool {
	if len(s) == 0 || len(s) > max {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
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

// GetHealthInterval returns the MQTT health publish interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.MQTT.HealthInterval) * time.Second
}
