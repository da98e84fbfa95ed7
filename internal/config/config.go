package config

import (
	"errors"
	"time"
)

// Config represents the coordinator service configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Gossip      GossipConfig      `mapstructure:"gossip"`
	Nats        NatsConfig        `mapstructure:"nats"`
	Collections CollectionsConfig `mapstructure:"collections"`
	Rotation    RotationConfig    `mapstructure:"rotation"`
	Trigger     TriggerConfig     `mapstructure:"trigger"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig represents the admin HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	NodeID          string        `mapstructure:"node_id"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig represents PostgreSQL registry configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig represents the Redis lock and state store configuration
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	MaxRetries   int    `mapstructure:"max_retries"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// GossipConfig represents cluster membership configuration. When StaticNodes
// is set the gossip mesh is bypassed and the fixed list is used instead.
type GossipConfig struct {
	BindAddr      string        `mapstructure:"bind_addr"`
	BindPort      int           `mapstructure:"bind_port"`
	Seeds         []string      `mapstructure:"seeds"`
	StaticNodes   []string      `mapstructure:"static_nodes"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

// NatsConfig represents the trigger event publishing configuration
type NatsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// CollectionsConfig represents the collection management API client
// configuration
type CollectionsConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// RotationConfig represents alias rotation configuration
type RotationConfig struct {
	ReadinessTimeout  time.Duration `mapstructure:"readiness_timeout"`
	MaxCASRetries     int           `mapstructure:"max_cas_retries"`
	LockLease         time.Duration `mapstructure:"lock_lease"`
	LockRetryInterval time.Duration `mapstructure:"lock_retry_interval"`
}

// TriggerConfig represents trigger engine configuration
type TriggerConfig struct {
	ScanInterval      time.Duration `mapstructure:"scan_interval"`
	PersistMaxElapsed time.Duration `mapstructure:"persist_max_elapsed"`
	BootstrapFile     string        `mapstructure:"bootstrap_file"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.NodeID == "" {
		return errors.New("server.node_id is required")
	}
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.Database == "" {
		return errors.New("database.database is required")
	}
	if c.Database.User == "" {
		return errors.New("database.user is required")
	}
	if c.Redis.Host == "" {
		return errors.New("redis.host is required")
	}
	if c.Gossip.BindPort <= 0 || c.Gossip.BindPort > 65535 {
		return errors.New("gossip.bind_port must be between 1 and 65535")
	}
	if c.Nats.Enabled && c.Nats.URL == "" {
		return errors.New("nats.url is required when nats is enabled")
	}
	if c.Collections.BaseURL == "" {
		return errors.New("collections.base_url is required")
	}
	if c.Rotation.ReadinessTimeout <= 0 {
		return errors.New("rotation.readiness_timeout must be positive")
	}
	if c.Rotation.LockLease <= 0 {
		return errors.New("rotation.lock_lease must be positive")
	}
	if c.Trigger.ScanInterval <= 0 {
		return errors.New("trigger.scan_interval must be positive")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			NodeID:          "coordinator-1",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "timberdb_registry",
			User:            "coordinator",
			Password:        "",
			MaxConnections:  50,
			MinConnections:  10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			Password:     "",
			DB:           0,
			MaxRetries:   3,
			PoolSize:     100,
			MinIdleConns: 10,
		},
		Gossip: GossipConfig{
			BindAddr:      "0.0.0.0",
			BindPort:      7946,
			Seeds:         nil,
			ProbeInterval: time.Second,
			ProbeTimeout:  500 * time.Millisecond,
		},
		Nats: NatsConfig{
			Enabled: false,
			URL:     "nats://localhost:4222",
		},
		Collections: CollectionsConfig{
			BaseURL:        "http://localhost:8983",
			RequestTimeout: 10 * time.Second,
			PollInterval:   500 * time.Millisecond,
		},
		Rotation: RotationConfig{
			ReadinessTimeout:  3 * time.Minute,
			MaxCASRetries:     5,
			LockLease:         30 * time.Second,
			LockRetryInterval: 100 * time.Millisecond,
		},
		Trigger: TriggerConfig{
			ScanInterval:      time.Second,
			PersistMaxElapsed: 2 * time.Second,
			BootstrapFile:     "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
