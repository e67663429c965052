// Package config loads the server's configuration from an optional YAML
// file, fills in defaults for everything left unset, then applies
// environment variable overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/apaku/tracetool/pkg/types"
)

// Load reads configFile (if non-empty), fills in defaults for anything
// still unset, applies environment overrides on top, and validates the
// result.
func Load(configFile string) (*types.Config, error) {
	cfg := &types.Config{}

	if configFile != "" {
		if err := loadConfigFile(configFile, cfg); err != nil {
			fmt.Printf("warning: failed to load config file %s: %v\n", configFile, err)
		} else {
			fmt.Printf("loaded configuration from %s\n", configFile)
		}
	}

	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadConfigFile(filename string, cfg *types.Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyDefaults(cfg *types.Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "tracetool"
	}
	if cfg.App.Version == "" {
		cfg.App.Version = "v0.1.0"
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.LogFormat == "" {
		cfg.App.LogFormat = "text"
	}

	if cfg.Server.ProducerAddress == "" {
		cfg.Server.ProducerAddress = "0.0.0.0:7293"
	}
	if cfg.Server.GUIAddress == "" {
		cfg.Server.GUIAddress = "localhost:7294"
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "tracetool.db"
	}

	if cfg.Cache.PathCapacity == 0 {
		cfg.Cache.PathCapacity = 10
	}
	if cfg.Cache.FunctionCapacity == 0 {
		cfg.Cache.FunctionCapacity = 10
	}
	if cfg.Cache.ProcessCapacity == 0 {
		cfg.Cache.ProcessCapacity = 10
	}
	if cfg.Cache.ThreadCapacity == 0 {
		cfg.Cache.ThreadCapacity = 10
	}
	if cfg.Cache.TracePointCapacity == 0 {
		cfg.Cache.TracePointCapacity = 10
	}

	if cfg.Storage.MaxSize == 0 {
		cfg.Storage.MaxSize = types.UnlimitedStorage
	}
	if cfg.Storage.ShrinkBy == 0 {
		cfg.Storage.ShrinkBy = 20
	}
	if cfg.Storage.ArchiveDir == "" {
		cfg.Storage.ArchiveDir = "archive"
	}

	if cfg.Admin.Address == "" {
		cfg.Admin.Address = "localhost:7295"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.SampleFraction == 0 {
		cfg.Telemetry.SampleFraction = 0.1
	}

	if cfg.Resource.SampleInterval == 0 {
		cfg.Resource.SampleInterval = 30 * time.Second
	}

	if cfg.HotReload.DebounceInterval == 0 {
		cfg.HotReload.DebounceInterval = 500 * time.Millisecond
	}
}

func applyEnvironmentOverrides(cfg *types.Config) {
	cfg.App.LogLevel = getEnvString("TRACETOOL_LOG_LEVEL", cfg.App.LogLevel)
	cfg.App.LogFormat = getEnvString("TRACETOOL_LOG_FORMAT", cfg.App.LogFormat)

	cfg.Server.ProducerAddress = getEnvString("TRACETOOL_PRODUCER_ADDRESS", cfg.Server.ProducerAddress)
	cfg.Server.GUIAddress = getEnvString("TRACETOOL_GUI_ADDRESS", cfg.Server.GUIAddress)
	cfg.Server.ProducerIdleTimeout = getEnvDuration("TRACETOOL_PRODUCER_IDLE_TIMEOUT", cfg.Server.ProducerIdleTimeout)

	cfg.Store.Path = getEnvString("TRACETOOL_STORE_PATH", cfg.Store.Path)

	cfg.Storage.MaxSize = getEnvInt64("TRACETOOL_STORAGE_MAX_SIZE", cfg.Storage.MaxSize)
	cfg.Storage.ShrinkBy = getEnvInt("TRACETOOL_STORAGE_SHRINK_BY", cfg.Storage.ShrinkBy)
	cfg.Storage.ArchiveDir = getEnvString("TRACETOOL_ARCHIVE_DIR", cfg.Storage.ArchiveDir)

	cfg.Metrics.Enabled = getEnvBool("TRACETOOL_METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Admin.Enabled = getEnvBool("TRACETOOL_ADMIN_ENABLED", cfg.Admin.Enabled)
	cfg.Admin.Address = getEnvString("TRACETOOL_ADMIN_ADDRESS", cfg.Admin.Address)

	cfg.Telemetry.Enabled = getEnvBool("TRACETOOL_TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.OTLPEndpoint = getEnvString("TRACETOOL_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)

	cfg.Resource.Enabled = getEnvBool("TRACETOOL_RESOURCE_ENABLED", cfg.Resource.Enabled)
	cfg.HotReload.Enabled = getEnvBool("TRACETOOL_HOT_RELOAD_ENABLED", cfg.HotReload.Enabled)
}

func getEnvString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// Validate checks the fields applyDefaults/applyEnvironmentOverrides cannot
// safely default on their own.
func Validate(cfg *types.Config) error {
	if cfg.Server.ProducerAddress == "" {
		return fmt.Errorf("server.producer_address must not be empty")
	}
	if cfg.Server.GUIAddress == "" {
		return fmt.Errorf("server.gui_address must not be empty")
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if cfg.Storage.ShrinkBy < 0 || cfg.Storage.ShrinkBy > 100 {
		return fmt.Errorf("storage.shrink_by must be between 0 and 100, got %d", cfg.Storage.ShrinkBy)
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin.address must not be empty when admin is enabled")
	}
	switch cfg.App.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app.log_level must be one of trace, debug, info, warn, error, got %q", cfg.App.LogLevel)
	}
	return nil
}
