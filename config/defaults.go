// =============================================================================
// Measurement plane defaults
// =============================================================================
package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Broker:    DefaultBrokerConfig(),
		Agent:     DefaultAgentConfig(),
		Client:    DefaultClientConfig(),
		Server:    DefaultServerConfig(),
		Storage:   DefaultStorageConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// DefaultBrokerConfig reconnects forever with a fixed wait.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		URL:            "nats://127.0.0.1:4222",
		Name:           "mplane",
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
		PingInterval:   30 * time.Second,
		ConnectTimeout: 5 * time.Second,
		DrainTimeout:   10 * time.Second,
	}
}

// DefaultAgentConfig returns agent defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Endpoint:          "/qnet",
		AdvertiseInterval: 10 * time.Second,
		AdvertiseRate:     50,
		AdvertiseBurst:    10,
		ShutdownTimeout:   15 * time.Second,
	}
}

// DefaultClientConfig returns controller defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		CapabilityTimeout: 60 * time.Second,
		SweepInterval:     10 * time.Second,
		ReceiptTimeout:    5 * time.Second,
	}
}

// DefaultServerConfig returns HTTP server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        9091,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// DefaultStorageConfig stores results in SQL.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Backend:   "sql",
		KeyPrefix: "mplane:results:",
	}
}

// DefaultDatabaseConfig uses a local sqlite file.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "mplane",
		Name:            "mplane.db",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		AutoMigrate:     true,
	}
}

// DefaultRedisConfig returns redis defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultLogConfig returns logging defaults.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig leaves tracing off.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "mplane",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig enables metrics under the mplane namespace.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "mplane",
	}
}
