// Package config loads and validates the service configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete droidflow configuration.
type Config struct {
	Service      ServiceConfig      `yaml:"service"`
	Bridge       BridgeConfig       `yaml:"bridge"`
	Cache        CacheConfig        `yaml:"cache"`
	History      HistoryConfig      `yaml:"history"`
	Profiler     ProfilerConfig     `yaml:"profiler"`
	Resources    ResourcesConfig    `yaml:"resources"`
	Optimization OptimizationConfig `yaml:"optimization"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file,omitempty"`
	PidFile     string `yaml:"pid_file,omitempty"`
	Workers     int    `yaml:"workers"`
	QueueSize   int    `yaml:"queue_size"`
	MaxRetries  int    `yaml:"max_retries"`
	MaxBackups  int    `yaml:"log_max_backups,omitempty"`
	LogMaxSize  int    `yaml:"log_max_size_mb,omitempty"`
}

// BridgeConfig defines how the adb transport is reached and scanned.
type BridgeConfig struct {
	Path         string        `yaml:"path,omitempty"`
	ScanInterval time.Duration `yaml:"scan_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

// CacheConfig defines result cache sizing.
type CacheConfig struct {
	MaxEntries    int           `yaml:"max_entries"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// HistoryConfig defines command history persistence.
type HistoryConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// ProfilerConfig defines background device profiling.
type ProfilerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// ResourcesConfig defines host-pressure ceilings for background work.
type ResourcesConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	CPUMaxPercent  float64       `yaml:"cpu_max_percent"`
	MemMaxPercent  float64       `yaml:"mem_max_percent"`
}

// OptimizationConfig defines command optimization behavior.
type OptimizationConfig struct {
	StatePath     string `yaml:"state_path"`
	FusionEnabled bool   `yaml:"fusion_enabled"`
}

// Defaults returns a Config with working defaults; a missing config file
// still yields a runnable service.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:       "droidflow",
			LogLevel:   "info",
			Workers:    4,
			QueueSize:  1000,
			MaxRetries: 3,
			MaxBackups: 3,
			LogMaxSize: 50,
		},
		Bridge: BridgeConfig{
			ScanInterval: 5 * time.Second,
			Timeout:      30 * time.Second,
		},
		Cache: CacheConfig{
			MaxEntries:    1000,
			SweepInterval: time.Minute,
		},
		History: HistoryConfig{
			Path:      "droidflow_history.db",
			Retention: 7 * 24 * time.Hour,
		},
		Profiler: ProfilerConfig{
			Enabled:  true,
			Interval: 10 * time.Minute,
		},
		Resources: ResourcesConfig{
			SampleInterval: 10 * time.Second,
			CPUMaxPercent:  80,
			MemMaxPercent:  85,
		},
		Optimization: OptimizationConfig{
			StatePath:     "adb_optimization_data.json",
			FusionEnabled: true,
		},
	}
}

// Load reads configuration from a YAML file, layering it over Defaults.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s", absPath)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Service.Workers <= 0 {
		return fmt.Errorf("service.workers must be positive, got %d", cfg.Service.Workers)
	}
	if cfg.Service.QueueSize <= 0 {
		return fmt.Errorf("service.queue_size must be positive, got %d", cfg.Service.QueueSize)
	}
	if cfg.Service.MaxRetries < 1 {
		return fmt.Errorf("service.max_retries must be at least 1, got %d", cfg.Service.MaxRetries)
	}
	switch cfg.Service.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("service.log_level must be debug, info, warn or error, got %q", cfg.Service.LogLevel)
	}
	if cfg.Bridge.ScanInterval <= 0 {
		return fmt.Errorf("bridge.scan_interval must be positive")
	}
	if cfg.Bridge.Timeout <= 0 {
		return fmt.Errorf("bridge.timeout must be positive")
	}
	if cfg.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive, got %d", cfg.Cache.MaxEntries)
	}
	if cfg.Resources.CPUMaxPercent < 0 || cfg.Resources.CPUMaxPercent > 100 {
		return fmt.Errorf("resources.cpu_max_percent must be within [0,100], got %v", cfg.Resources.CPUMaxPercent)
	}
	if cfg.Resources.MemMaxPercent < 0 || cfg.Resources.MemMaxPercent > 100 {
		return fmt.Errorf("resources.mem_max_percent must be within [0,100], got %v", cfg.Resources.MemMaxPercent)
	}
	return nil
}
