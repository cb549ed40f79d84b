// =============================================================================
// Measurement plane configuration loader
// =============================================================================
// Unified configuration loading from YAML with environment overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("mplane.yaml").
//	    WithEnvPrefix("MPLANE").
//	    Load()
//
// Precedence: defaults → YAML file → legacy variables → prefixed environment
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Legacy environment variables read by the agent launcher.
const (
	LegacyBrokerEnv   = "BROKER_URL"
	LegacyEndpointEnv = "ENDPOINT"
)

// =============================================================================
// Configuration structure
// =============================================================================

// Config is the complete measurement plane configuration.
type Config struct {
	// Broker connection
	Broker BrokerConfig `yaml:"broker" env:"BROKER"`

	// Agent process settings
	Agent AgentConfig `yaml:"agent" env:"AGENT"`

	// Client process settings
	Client ClientConfig `yaml:"client" env:"CLIENT"`

	// Server exposes /health and /metrics
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Storage selects the result store backend
	Storage StorageConfig `yaml:"storage" env:"STORAGE"`

	// Database backs the SQL result store
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis backs the redis result store
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
	Metrics   MetricsConfig   `yaml:"metrics" env:"METRICS"`
}

// BrokerConfig describes the NATS broker.
type BrokerConfig struct {
	URL  string `yaml:"url" env:"URL"`
	Name string `yaml:"name" env:"NAME"`
	// -1 reconnects forever
	MaxReconnects  int           `yaml:"max_reconnects" env:"MAX_RECONNECTS"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait" env:"RECONNECT_WAIT"`
	PingInterval   time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	DrainTimeout   time.Duration `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	// Per-subscription buffer; 0 keeps the client default
	PendingMsgsLimit int `yaml:"pending_msgs_limit" env:"PENDING_MSGS_LIMIT"`
	TLS              TLSConfig `yaml:"tls" env:"TLS"`
}

// TLSConfig enables TLS on an outbound connection.
type TLSConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// PEM bundle used instead of the system roots
	CAFile string `yaml:"ca_file" env:"CA_FILE"`
	// Client certificate for mutual TLS
	CertFile           string `yaml:"cert_file" env:"CERT_FILE"`
	KeyFile            string `yaml:"key_file" env:"KEY_FILE"`
	ServerName         string `yaml:"server_name" env:"SERVER_NAME"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// AgentConfig configures an agent process.
type AgentConfig struct {
	// Endpoint the agent serves, e.g. "/qnet"
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	// Capabilities to enable by name; empty enables every built-in one
	Capabilities []string `yaml:"capabilities" env:"CAPABILITIES"`
	// Advertisement period
	AdvertiseInterval time.Duration `yaml:"advertise_interval" env:"ADVERTISE_INTERVAL"`
	// Advertisements per second and burst within one round
	AdvertiseRate  float64 `yaml:"advertise_rate" env:"ADVERTISE_RATE"`
	AdvertiseBurst int     `yaml:"advertise_burst" env:"ADVERTISE_BURST"`
	// Grace period for draining measurements on shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// ClientConfig configures the measurement controller.
type ClientConfig struct {
	// Capabilities not re-advertised within this window are evicted
	CapabilityTimeout time.Duration `yaml:"capability_timeout" env:"CAPABILITY_TIMEOUT"`
	SweepInterval     time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	ReceiptTimeout    time.Duration `yaml:"receipt_timeout" env:"RECEIPT_TIMEOUT"`
	// Default for MeasurementOptions.RedirectToStorage
	RedirectToStorage bool `yaml:"redirect_to_storage" env:"REDIRECT_TO_STORAGE"`
}

// ServerConfig configures the operational HTTP server.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// StorageConfig selects and tunes the result store.
type StorageConfig struct {
	// Backend: sql, redis
	Backend string `yaml:"backend" env:"BACKEND"`
	// Redis key prefix for result lists
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// Retention of stored results; 0 keeps them forever
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
}

// DatabaseConfig describes the SQL database.
type DatabaseConfig struct {
	// Driver: sqlite, postgres, mysql
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// AutoMigrate applies pending schema migrations when the store opens
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// RedisConfig describes the redis server.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	TLS          TLSConfig `yaml:"tls" env:"TLS"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader builds a Config (builder pattern).
type Loader struct {
	configPath string
	envPrefix  string
	legacyEnv  bool
	validators []func(*Config) error
}

// NewLoader creates a loader with the MPLANE prefix and legacy variables enabled.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "MPLANE",
		legacyEnv:  true,
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithLegacyEnv toggles BROKER_URL and ENDPOINT support.
func (l *Loader) WithLegacyEnv(enabled bool) *Loader {
	l.legacyEnv = enabled
	return l
}

// WithValidator adds a validation step run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if l.legacyEnv {
		applyLegacyEnv(cfg)
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func applyLegacyEnv(cfg *Config) {
	if v := os.Getenv(LegacyBrokerEnv); v != "" {
		cfg.Broker.URL = v
	}
	if v := os.Getenv(LegacyEndpointEnv); v != "" {
		cfg.Agent.Endpoint = v
	}
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// comma separated string lists
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			out := parts[:0]
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			field.Set(reflect.ValueOf(out))
		}
	}

	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// MustLoad loads the configuration and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads defaults plus environment overrides only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []string

	if c.Broker.URL == "" {
		errs = append(errs, "broker url is required")
	}
	if c.Agent.Endpoint != "" && !strings.HasPrefix(c.Agent.Endpoint, "/") {
		errs = append(errs, "agent endpoint must start with '/'")
	}
	if c.Agent.AdvertiseInterval <= 0 {
		errs = append(errs, "advertise_interval must be positive")
	}
	if c.Agent.AdvertiseRate < 0 {
		errs = append(errs, "advertise_rate must not be negative")
	}
	if c.Client.ReceiptTimeout <= 0 {
		errs = append(errs, "receipt_timeout must be positive")
	}
	if c.Client.SweepInterval <= 0 {
		errs = append(errs, "sweep_interval must be positive")
	}
	if c.Client.CapabilityTimeout < c.Agent.AdvertiseInterval {
		errs = append(errs, "capability_timeout must not be shorter than advertise_interval")
	}
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	switch c.Storage.Backend {
	case "sql", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown storage backend %q", c.Storage.Backend))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("unknown database driver %q", c.Database.Driver))
	}
	if (c.Broker.TLS.CertFile == "") != (c.Broker.TLS.KeyFile == "") {
		errs = append(errs, "broker tls cert_file and key_file must be set together")
	}
	if (c.Redis.TLS.CertFile == "") != (c.Redis.TLS.KeyFile == "") {
		errs = append(errs, "redis tls cert_file and key_file must be set together")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the driver-specific connection string.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
