package config

import (
	"strings"
	"time"
)

// ApplyDefaults fills zero-valued fields. Explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyDatabaseDefaults(&cfg.Database)
	applyBackgroundDefaults(&cfg.Background)
	applyLockDefaults(&cfg.Lock)
	applyMountDefaults(&cfg.Mount)
	applyCacheDefaults(&cfg.Cache)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	cfg.Level = strings.ToLower(cfg.Level)
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.InitialConnections == 0 {
		cfg.InitialConnections = 5
	}
	if cfg.ConnectionWait == 0 {
		cfg.ConnectionWait = 50 * time.Millisecond
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
}

func applyBackgroundDefaults(cfg *BackgroundConfig) {
	if cfg.RetryMinBackoff == 0 {
		cfg.RetryMinBackoff = 10 * time.Millisecond
	}
	if cfg.RetryMaxBackoff == 0 {
		cfg.RetryMaxBackoff = 2 * time.Second
	}
	if cfg.MaxBatch == 0 {
		cfg.MaxBatch = 64
	}
	if cfg.ReplayTimeout == 0 {
		cfg.ReplayTimeout = 2 * time.Minute
	}
}

func applyLockDefaults(cfg *LockConfig) {
	if cfg.LivenessTimeout == 0 {
		cfg.LivenessTimeout = time.Second
	}
}

func applyMountDefaults(cfg *MountConfig) {
	if cfg.FailedLinger == 0 {
		cfg.FailedLinger = 2 * time.Second
	}
}

func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.ProjectionTTL == 0 {
		cfg.ProjectionTTL = 30 * time.Second
	}
	if cfg.ProjectionCapacity == 0 {
		cfg.ProjectionCapacity = 100_000
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
