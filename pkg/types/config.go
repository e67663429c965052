package types

import "time"

// Config is the root configuration object loaded from YAML plus
// environment overrides by internal/config.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Admin     AdminConfig     `yaml:"admin"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Resource  ResourceConfig  `yaml:"resource"`
	HotReload HotReloadConfig `yaml:"hot_reload"`
}

// AppConfig contains core application identity and logging settings.
type AppConfig struct {
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	LogLevel  string `yaml:"log_level"`  // trace, debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, text
}

// ServerConfig configures the two TCP listeners of the connection server.
type ServerConfig struct {
	ProducerAddress    string        `yaml:"producer_address"` // e.g. "0.0.0.0:7293"
	GUIAddress         string        `yaml:"gui_address"`      // e.g. "localhost:7294"
	ProducerIdleTimeout time.Duration `yaml:"producer_idle_timeout"` // 0 disables
}

// StoreConfig locates the live relational store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig sets the LRU capacities for the bounded normalization caches.
// Group is intentionally absent: the Group cache is unbounded (§4.2).
type CacheConfig struct {
	PathCapacity       int `yaml:"path_capacity"`
	FunctionCapacity   int `yaml:"function_capacity"`
	ProcessCapacity    int `yaml:"process_capacity"`
	ThreadCapacity     int `yaml:"thread_capacity"`
	TracePointCapacity int `yaml:"trace_point_capacity"`
}

// StorageConfig holds the default StorageConfiguration applied at startup,
// before any producer sends a <storageconfiguration> element.
type StorageConfig struct {
	MaxSize    int64  `yaml:"max_size"`
	ShrinkBy   int    `yaml:"shrink_by"`
	ArchiveDir string `yaml:"archive_dir"`
}

// MetricsConfig controls Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AdminConfig controls the admin/introspection HTTP surface.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// TelemetryConfig controls OpenTelemetry span export for the server's own
// operations (distinct from the domain's TraceEntry concept).
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	ServiceName    string  `yaml:"service_name"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SampleFraction float64 `yaml:"sample_fraction"`
}

// ResourceConfig controls periodic process resource gauge sampling.
type ResourceConfig struct {
	Enabled        bool          `yaml:"enabled"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// HotReloadConfig controls the fsnotify-backed watch of non-storage
// settings (currently: log level and cache capacities).
type HotReloadConfig struct {
	Enabled          bool          `yaml:"enabled"`
	DebounceInterval time.Duration `yaml:"debounce_interval"`
}
