package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Mode identifies which backend protocol a process instance fronts.
type Mode string

const (
	ModeMongoDB Mode = "mongodb"
	ModeRedis   Mode = "redis"
)

// IdentificationStrategy selects how the MongoDB affinity engine derives a
// client identifier.
type IdentificationStrategy string

const (
	StrategySourceAddress         IdentificationStrategy = "SourceAddress"
	StrategyConnectionFingerprint IdentificationStrategy = "ConnectionFingerprint"
	StrategySessionId             IdentificationStrategy = "SessionId"
	StrategyHybrid                IdentificationStrategy = "Hybrid"
)

// Config holds the dbclusterlb configuration.
type Config struct {
	// Server settings
	ListenAddr     string `mapstructure:"listen_addr"`
	MaxConnections int    `mapstructure:"max_connections"`
	Mode           Mode   `mapstructure:"mode"`
	LogLevel       string `mapstructure:"log_level"`

	// Admin surface
	GRPCAddr    string `mapstructure:"grpc_addr"`
	GRPCPort    int    `mapstructure:"grpc_port"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	Health HealthConfig `mapstructure:"health"`

	// MongoDB mode
	MongosEndpoints            []string               `mapstructure:"mongos_endpoints"`
	SessionAffinityEnabled     bool                   `mapstructure:"session_affinity_enabled"`
	SessionTimeoutSec          int                    `mapstructure:"session_timeout_sec"`
	IdentificationStrategy     IdentificationStrategy `mapstructure:"identification_strategy"`
	SessionReleaseOnDisconnect bool                   `mapstructure:"session_release_on_disconnect"`

	// Redis mode
	ClusterEndpoints       []string `mapstructure:"cluster_endpoints"`
	MaxRedirections        int      `mapstructure:"max_redirections"`
	ConnectionTimeoutMs    int      `mapstructure:"connection_timeout_ms"`
	SlotRefreshIntervalSec int      `mapstructure:"slot_refresh_interval_sec"`
	CheckClusterStatus     bool     `mapstructure:"check_cluster_status"`

	MetricsNamespace string `mapstructure:"metrics_namespace"`
}

// HealthConfig holds health-check-engine tuning common to both modes.
type HealthConfig struct {
	IntervalSec  int `mapstructure:"interval_sec"`
	TimeoutSec   int `mapstructure:"timeout_sec"`
	RetryCount   int `mapstructure:"retry_count"`
	RetryDelayMs int `mapstructure:"retry_delay_ms"`
}

func (h HealthConfig) Interval() time.Duration { return time.Duration(h.IntervalSec) * time.Second }
func (h HealthConfig) Timeout() time.Duration  { return time.Duration(h.TimeoutSec) * time.Second }
func (h HealthConfig) RetryDelay() time.Duration {
	return time.Duration(h.RetryDelayMs) * time.Millisecond
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	viper.SetDefault("listen_addr", "0.0.0.0:27017")
	viper.SetDefault("max_connections", 1000)
	viper.SetDefault("mode", string(ModeMongoDB))
	viper.SetDefault("log_level", "info")

	viper.SetDefault("grpc_addr", "0.0.0.0")
	viper.SetDefault("grpc_port", 50061)
	viper.SetDefault("metrics_addr", ":9090")

	viper.SetDefault("health.interval_sec", 10)
	viper.SetDefault("health.timeout_sec", 2)
	viper.SetDefault("health.retry_count", 2)
	viper.SetDefault("health.retry_delay_ms", 200)

	viper.SetDefault("session_affinity_enabled", true)
	viper.SetDefault("session_timeout_sec", 3600)
	viper.SetDefault("identification_strategy", string(StrategySourceAddress))
	viper.SetDefault("session_release_on_disconnect", false)

	viper.SetDefault("max_redirections", 3)
	viper.SetDefault("connection_timeout_ms", 2000)
	viper.SetDefault("slot_refresh_interval_sec", 30)
	viper.SetDefault("check_cluster_status", true)

	viper.SetDefault("metrics_namespace", "dbclusterlb")

	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("DBCLUSTERLB")

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate rejects malformed or semantically invalid configuration. It is
// meant to be terminal at start-up; these checks never run at steady state.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be > 0")
	}

	switch c.Mode {
	case ModeMongoDB, ModeRedis:
	default:
		return fmt.Errorf("invalid mode: %s (must be mongodb or redis)", c.Mode)
	}

	if c.GRPCPort <= 0 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid grpc_port: must be 1-65535")
	}

	if c.Health.IntervalSec <= 0 {
		return fmt.Errorf("health.interval_sec must be > 0")
	}
	if c.Health.TimeoutSec <= 0 {
		return fmt.Errorf("health.timeout_sec must be > 0")
	}
	if c.Health.RetryCount < 0 {
		return fmt.Errorf("health.retry_count must be >= 0")
	}

	if c.Mode == ModeMongoDB {
		if len(c.MongosEndpoints) == 0 {
			return fmt.Errorf("mongos_endpoints must contain at least one host:port")
		}
		if c.SessionTimeoutSec <= 0 {
			return fmt.Errorf("session_timeout_sec must be > 0")
		}
		switch c.IdentificationStrategy {
		case StrategySourceAddress, StrategyConnectionFingerprint, StrategySessionId, StrategyHybrid:
		default:
			return fmt.Errorf("invalid identification_strategy: %s", c.IdentificationStrategy)
		}
	}

	if c.Mode == ModeRedis {
		if len(c.ClusterEndpoints) == 0 {
			return fmt.Errorf("cluster_endpoints must contain at least one host:port")
		}
		if c.MaxRedirections <= 0 {
			return fmt.Errorf("max_redirections must be > 0")
		}
		if c.ConnectionTimeoutMs <= 0 {
			return fmt.Errorf("connection_timeout_ms must be > 0")
		}
		if c.SlotRefreshIntervalSec <= 0 {
			return fmt.Errorf("slot_refresh_interval_sec must be > 0")
		}
	}

	return nil
}
