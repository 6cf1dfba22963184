package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the complete agent configuration
type Config struct {
	Computer ComputerConfig `mapstructure:"computer"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Session  SessionConfig  `mapstructure:"session"`
	Printing PrintingConfig `mapstructure:"printing"`
	Budget   BudgetConfig   `mapstructure:"budget"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ComputerConfig identifies this kiosk seat
type ComputerConfig struct {
	ID string `mapstructure:"id"`
}

// RemoteConfig defines the shared remote state store connection
type RemoteConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	KeyPrefix    string `mapstructure:"key_prefix"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// SessionConfig defines session countdown and sync behavior
type SessionConfig struct {
	TickInterval     string `mapstructure:"tick_interval"`
	SyncInterval     string `mapstructure:"sync_interval"`
	OrphanAge        string `mapstructure:"orphan_age"`
	OfflineThreshold int    `mapstructure:"offline_threshold"`
}

// PrintingConfig defines print interception behavior
type PrintingConfig struct {
	Spooler            string  `mapstructure:"spooler"`
	PollInterval       string  `mapstructure:"poll_interval"`
	SettleInterval     string  `mapstructure:"settle_interval"`
	SettleTimeout      string  `mapstructure:"settle_timeout"`
	StopTimeout        string  `mapstructure:"stop_timeout"`
	FallbackBWPrice    float64 `mapstructure:"fallback_bw_price"`
	FallbackColorPrice float64 `mapstructure:"fallback_color_price"`
}

// BudgetConfig defines the local balance cache
type BudgetConfig struct {
	CacheTTL  string `mapstructure:"cache_ttl"`
	CacheSize int    `mapstructure:"cache_size"`
}

// MetricsConfig defines the metrics endpoint
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("KIOSKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Computer defaults: empty ID falls back to the hostname in validate
	v.SetDefault("computer.id", "")

	// Remote store defaults
	v.SetDefault("remote.host", "localhost")
	v.SetDefault("remote.port", 6379)
	v.SetDefault("remote.db", 0)
	v.SetDefault("remote.key_prefix", "sionyx")
	v.SetDefault("remote.pool_size", 10)
	v.SetDefault("remote.min_idle_conns", 5)
	v.SetDefault("remote.dial_timeout", "5s")
	v.SetDefault("remote.read_timeout", "3s")
	v.SetDefault("remote.write_timeout", "3s")

	// Session defaults
	v.SetDefault("session.tick_interval", "250ms")
	v.SetDefault("session.sync_interval", "60s")
	v.SetDefault("session.orphan_age", "120s")
	v.SetDefault("session.offline_threshold", 3)

	// Printing defaults
	v.SetDefault("printing.spooler", "sim")
	v.SetDefault("printing.poll_interval", "2s")
	v.SetDefault("printing.settle_interval", "250ms")
	v.SetDefault("printing.settle_timeout", "3s")
	v.SetDefault("printing.stop_timeout", "5s")
	v.SetDefault("printing.fallback_bw_price", 1.0)
	v.SetDefault("printing.fallback_color_price", 3.0)

	// Budget defaults
	v.SetDefault("budget.cache_ttl", "30s")
	v.SetDefault("budget.cache_size", 512)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.bind_address", "127.0.0.1")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Defaults returns the built-in configuration, with no file or
// environment overrides applied.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// validate validates the configuration
func validate(cfg *Config) error {
	// A kiosk must be identifiable in the shared store; fall back to the
	// hostname when no explicit ID is configured.
	if cfg.Computer.ID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("computer.id is empty and hostname lookup failed: %w", err)
		}
		cfg.Computer.ID = hostname
	}

	if cfg.Remote.Host == "" {
		return fmt.Errorf("remote.host is required")
	}

	if cfg.Session.OfflineThreshold < 1 {
		return fmt.Errorf("session.offline_threshold must be at least 1, got %d", cfg.Session.OfflineThreshold)
	}

	if cfg.Printing.Spooler == "" {
		cfg.Printing.Spooler = "sim"
	}

	if cfg.Printing.FallbackBWPrice < 0 || cfg.Printing.FallbackColorPrice < 0 {
		return fmt.Errorf("printing fallback prices must not be negative")
	}

	if cfg.Budget.CacheSize <= 0 {
		return fmt.Errorf("budget.cache_size must be positive, got %d", cfg.Budget.CacheSize)
	}

	if cfg.Metrics.Enabled && (cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}

	return nil
}
