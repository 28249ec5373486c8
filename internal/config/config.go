package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Transport TransportConfig `mapstructure:"transport"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
	Mode string `mapstructure:"mode"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PathsConfig contains filesystem layout configuration
type PathsConfig struct {
	ConfigDir string `mapstructure:"config_dir"`
	DataDir   string `mapstructure:"data_dir"`
	GroupsDir string `mapstructure:"groups_dir"`
}

// DiscoveryConfig contains network discovery configuration
type DiscoveryConfig struct {
	Subnets       []string      `mapstructure:"subnets"`
	ChunkSize     int           `mapstructure:"chunk_size"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	MDNSEnabled   bool          `mapstructure:"mdns_enabled"`
	MDNSService   string        `mapstructure:"mdns_service"`
	MDNSWait      time.Duration `mapstructure:"mdns_wait"`
	EnrichResults bool          `mapstructure:"enrich_results"`
}

// TransportConfig contains device HTTP transport configuration
type TransportConfig struct {
	Timeout         time.Duration       `mapstructure:"timeout"`
	RetryBackoff    time.Duration       `mapstructure:"retry_backoff"`
	IdleConnTimeout time.Duration       `mapstructure:"idle_conn_timeout"`
	UserAgent       string              `mapstructure:"user_agent"`
	Auth            TransportAuthConfig `mapstructure:"auth"`
	Breaker         BreakerConfig       `mapstructure:"breaker"`
}

// TransportAuthConfig contains default device credentials
type TransportAuthConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// BreakerConfig controls the per-device circuit breaker
type BreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxFailures int           `mapstructure:"max_failures"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

// ExecutorConfig contains group execution configuration
type ExecutorConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	DeviceTimeout    time.Duration `mapstructure:"device_timeout"`
	DestructiveVerbs []string      `mapstructure:"destructive_verbs"`
}

// DatabaseConfig contains operation history database configuration
type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	MigrationsPath string `mapstructure:"migrations_path"`
	RetentionDays  int    `mapstructure:"retention_days"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// SchedulerConfig contains scheduled job configuration
type SchedulerConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	DiscoveryCron string `mapstructure:"discovery_cron"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	PingInterval int `mapstructure:"ping_interval"`
	PongTimeout  int `mapstructure:"pong_timeout"`
	WriteTimeout int `mapstructure:"write_timeout"`
}

func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom loads configuration from an explicit file instead of the
// default search path. An empty path behaves like Load.
func LoadFrom(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
	}

	// Set defaults
	setDefaults()

	// Read environment variables
	viper.AutomaticEnv()

	// Override specific values from env
	viper.BindEnv("server.port", "PORT")
	viper.BindEnv("database.path", "DATABASE_PATH")
	viper.BindEnv("logging.level", "LOG_LEVEL")

	// Path bindings
	viper.BindEnv("paths.config_dir", "SHELLY_CONFIG_DIR")
	viper.BindEnv("paths.data_dir", "SHELLY_DATA_DIR")
	viper.BindEnv("paths.groups_dir", "SHELLY_GROUPS_DIR")

	// Discovery bindings
	viper.BindEnv("discovery.subnets", "SHELLY_DISCOVERY_SUBNETS")

	// Device credential bindings
	viper.BindEnv("transport.auth.username", "SHELLY_AUTH_USERNAME")
	viper.BindEnv("transport.auth.password", "SHELLY_AUTH_PASSWORD")

	// Scheduler bindings
	viper.BindEnv("scheduler.discovery_cron", "SHELLY_DISCOVERY_CRON")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Validate the configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Validate validates the configuration for completeness and correctness
func (c *Config) Validate() error {
	var errors []string

	// Validate server configuration
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errors = append(errors, "server.port must be between 1 and 65535")
	}
	if c.Server.Host == "" {
		errors = append(errors, "server.host is required")
	}

	// Validate path configuration
	if c.Paths.ConfigDir == "" {
		errors = append(errors, "paths.config_dir is required")
	}
	if c.Paths.DataDir == "" {
		errors = append(errors, "paths.data_dir is required")
	}

	// Validate discovery configuration
	if c.Discovery.ChunkSize <= 0 {
		errors = append(errors, "discovery.chunk_size must be greater than 0")
	}
	if c.Discovery.ProbeTimeout <= 0 {
		errors = append(errors, "discovery.probe_timeout must be greater than 0")
	}
	if c.Discovery.MDNSEnabled && c.Discovery.MDNSService == "" {
		errors = append(errors, "discovery.mdns_service is required when mDNS is enabled")
	}

	// Validate transport configuration
	if c.Transport.Timeout <= 0 {
		errors = append(errors, "transport.timeout must be greater than 0")
	}
	if c.Transport.RetryBackoff < 0 {
		errors = append(errors, "transport.retry_backoff must be non-negative")
	}
	if c.Transport.Breaker.Enabled {
		if c.Transport.Breaker.MaxFailures <= 0 {
			errors = append(errors, "transport.breaker.max_failures must be greater than 0 when the breaker is enabled")
		}
		if c.Transport.Breaker.Cooldown <= 0 {
			errors = append(errors, "transport.breaker.cooldown must be greater than 0 when the breaker is enabled")
		}
	}

	// Validate executor configuration
	if c.Executor.Concurrency <= 0 {
		errors = append(errors, "executor.concurrency must be greater than 0")
	}
	if c.Executor.DeviceTimeout <= 0 {
		errors = append(errors, "executor.device_timeout must be greater than 0")
	}

	// Validate database configuration
	if c.Database.Path == "" {
		errors = append(errors, "database.path is required")
	}
	if c.Database.RetentionDays < 0 {
		errors = append(errors, "database.retention_days must be non-negative")
	}

	// Validate scheduler configuration
	if c.Scheduler.Enabled && c.Scheduler.DiscoveryCron == "" {
		errors = append(errors, "scheduler.discovery_cron is required when scheduler is enabled")
	}

	// If there are validation errors, return them
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 3001)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.mode", "development")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	// Path defaults
	viper.SetDefault("paths.config_dir", "./config")
	viper.SetDefault("paths.data_dir", "./data")
	viper.SetDefault("paths.groups_dir", "")

	// Discovery defaults
	viper.SetDefault("discovery.subnets", []string{})
	viper.SetDefault("discovery.chunk_size", 16)
	viper.SetDefault("discovery.probe_timeout", "1s")
	viper.SetDefault("discovery.mdns_enabled", true)
	viper.SetDefault("discovery.mdns_service", "_shelly._tcp")
	viper.SetDefault("discovery.mdns_wait", "5s")
	viper.SetDefault("discovery.enrich_results", true)

	// Transport defaults
	viper.SetDefault("transport.timeout", "5s")
	viper.SetDefault("transport.retry_backoff", "250ms")
	viper.SetDefault("transport.idle_conn_timeout", "30s")
	viper.SetDefault("transport.user_agent", "shelly-fleet/1.0")
	viper.SetDefault("transport.auth.username", "admin")
	viper.SetDefault("transport.breaker.enabled", true)
	viper.SetDefault("transport.breaker.max_failures", 3)
	viper.SetDefault("transport.breaker.cooldown", "30s")

	// Executor defaults
	viper.SetDefault("executor.concurrency", 16)
	viper.SetDefault("executor.device_timeout", "30s")
	viper.SetDefault("executor.destructive_verbs", []string{"off", "reboot", "update_firmware"})

	// Database defaults
	viper.SetDefault("database.path", "./data/fleet.db")
	viper.SetDefault("database.migrations_path", "./migrations")
	viper.SetDefault("database.retention_days", 90)
	viper.SetDefault("database.max_connections", 25)

	// Scheduler defaults
	viper.SetDefault("scheduler.enabled", false)
	viper.SetDefault("scheduler.discovery_cron", "@every 1h")

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	// WebSocket defaults
	viper.SetDefault("websocket.ping_interval", 30)
	viper.SetDefault("websocket.pong_timeout", 60)
	viper.SetDefault("websocket.write_timeout", 10)
}

// GroupsDir resolves the directory that holds group definition files.
// An explicit groups_dir (or SHELLY_GROUPS_DIR) wins; otherwise groups
// live under the data directory.
func (c *Config) GroupsDir() string {
	if c.Paths.GroupsDir != "" {
		return c.Paths.GroupsDir
	}
	return filepath.Join(c.Paths.DataDir, "groups")
}

// DevicesDir resolves the directory that holds device registry files.
func (c *Config) DevicesDir() string {
	return filepath.Join(c.Paths.DataDir, "devices")
}

// CapabilitiesDir resolves the directory that holds capability definitions.
func (c *Config) CapabilitiesDir() string {
	return filepath.Join(c.Paths.ConfigDir, "device_capabilities")
}

// DeviceTypesFile resolves the device type mapping file path.
func (c *Config) DeviceTypesFile() string {
	return filepath.Join(c.Paths.ConfigDir, "device_types.yaml")
}

// ParameterMappingsFile resolves the parameter mapping file path.
func (c *Config) ParameterMappingsFile() string {
	return filepath.Join(c.Paths.ConfigDir, "parameter_mappings.yaml")
}
