package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/color"
	"github.com/sionyx/kioskd/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the kioskd configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with -dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	// If dump requested, show full configuration with defaults highlighted
	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults(), unknownKeys)
	}

	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	// Get all keys from the config file
	allKeys := v.AllKeys()

	// Build set of valid keys
	validKeys := getValidKeys()

	// Find unknown keys
	unknown := []string{}
	for _, key := range allKeys {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}

	return unknown, nil
}

// getValidKeys returns a set of all valid configuration keys
func getValidKeys() map[string]bool {
	keys := map[string]bool{
		// Computer
		"computer.id": true,

		// Remote store
		"remote.host":           true,
		"remote.port":           true,
		"remote.password":       true,
		"remote.db":             true,
		"remote.key_prefix":     true,
		"remote.pool_size":      true,
		"remote.min_idle_conns": true,
		"remote.dial_timeout":   true,
		"remote.read_timeout":   true,
		"remote.write_timeout":  true,

		// Session
		"session.tick_interval":     true,
		"session.sync_interval":     true,
		"session.orphan_age":        true,
		"session.offline_threshold": true,

		// Printing
		"printing.spooler":              true,
		"printing.poll_interval":        true,
		"printing.settle_interval":      true,
		"printing.settle_timeout":       true,
		"printing.stop_timeout":         true,
		"printing.fallback_bw_price":    true,
		"printing.fallback_color_price": true,

		// Budget
		"budget.cache_ttl":  true,
		"budget.cache_size": true,

		// Metrics
		"metrics.enabled":      true,
		"metrics.port":         true,
		"metrics.bind_address": true,

		// Logging
		"logging.level":  true,
		"logging.format": true,
	}

	return keys
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	// Computer
	_, _ = cyan.Println("\n[computer]")
	dumpField("  id", cfg.Computer.ID, defaultCfg.Computer.ID, yellow, green)

	// Remote store
	_, _ = cyan.Println("\n[remote]")
	dumpField("  host", cfg.Remote.Host, defaultCfg.Remote.Host, yellow, green)
	dumpField("  port", cfg.Remote.Port, defaultCfg.Remote.Port, yellow, green)
	dumpField("  password", redactPassword(cfg.Remote.Password), redactPassword(defaultCfg.Remote.Password), yellow, green)
	dumpField("  db", cfg.Remote.DB, defaultCfg.Remote.DB, yellow, green)
	dumpField("  key_prefix", cfg.Remote.KeyPrefix, defaultCfg.Remote.KeyPrefix, yellow, green)
	dumpField("  pool_size", cfg.Remote.PoolSize, defaultCfg.Remote.PoolSize, yellow, green)
	dumpField("  min_idle_conns", cfg.Remote.MinIdleConns, defaultCfg.Remote.MinIdleConns, yellow, green)
	dumpField("  dial_timeout", cfg.Remote.DialTimeout, defaultCfg.Remote.DialTimeout, yellow, green)
	dumpField("  read_timeout", cfg.Remote.ReadTimeout, defaultCfg.Remote.ReadTimeout, yellow, green)
	dumpField("  write_timeout", cfg.Remote.WriteTimeout, defaultCfg.Remote.WriteTimeout, yellow, green)

	// Session
	_, _ = cyan.Println("\n[session]")
	dumpField("  tick_interval", cfg.Session.TickInterval, defaultCfg.Session.TickInterval, yellow, green)
	dumpField("  sync_interval", cfg.Session.SyncInterval, defaultCfg.Session.SyncInterval, yellow, green)
	dumpField("  orphan_age", cfg.Session.OrphanAge, defaultCfg.Session.OrphanAge, yellow, green)
	dumpField("  offline_threshold", cfg.Session.OfflineThreshold, defaultCfg.Session.OfflineThreshold, yellow, green)

	// Printing
	_, _ = cyan.Println("\n[printing]")
	dumpField("  spooler", cfg.Printing.Spooler, defaultCfg.Printing.Spooler, yellow, green)
	dumpField("  poll_interval", cfg.Printing.PollInterval, defaultCfg.Printing.PollInterval, yellow, green)
	dumpField("  settle_interval", cfg.Printing.SettleInterval, defaultCfg.Printing.SettleInterval, yellow, green)
	dumpField("  settle_timeout", cfg.Printing.SettleTimeout, defaultCfg.Printing.SettleTimeout, yellow, green)
	dumpField("  stop_timeout", cfg.Printing.StopTimeout, defaultCfg.Printing.StopTimeout, yellow, green)
	dumpField("  fallback_bw_price", cfg.Printing.FallbackBWPrice, defaultCfg.Printing.FallbackBWPrice, yellow, green)
	dumpField("  fallback_color_price", cfg.Printing.FallbackColorPrice, defaultCfg.Printing.FallbackColorPrice, yellow, green)

	// Budget
	_, _ = cyan.Println("\n[budget]")
	dumpField("  cache_ttl", cfg.Budget.CacheTTL, defaultCfg.Budget.CacheTTL, yellow, green)
	dumpField("  cache_size", cfg.Budget.CacheSize, defaultCfg.Budget.CacheSize, yellow, green)

	// Metrics
	_, _ = cyan.Println("\n[metrics]")
	dumpField("  enabled", cfg.Metrics.Enabled, defaultCfg.Metrics.Enabled, yellow, green)
	dumpField("  port", cfg.Metrics.Port, defaultCfg.Metrics.Port, yellow, green)
	dumpField("  bind_address", cfg.Metrics.BindAddress, defaultCfg.Metrics.BindAddress, yellow, green)

	// Logging
	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	// Display unknown keys if any
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	// Deep equal comparison
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
