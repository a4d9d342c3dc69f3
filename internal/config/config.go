// Package config loads .workgraph/config.yaml and environment overrides.
// Per the no-global-state design note, the resolved Config is a plain value
// passed down by the caller rather than a process-wide singleton.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the thresholds and feature flags consumed by the core.
// Field names match snake_case YAML keys in config.yaml.
type Config struct {
	RotationThresholdBytes     int64 `yaml:"rotation_threshold_bytes"`
	HeartbeatStaleSeconds      int   `yaml:"heartbeat_stale_seconds"`
	CoordinatorIntervalSeconds int   `yaml:"coordinator_interval_seconds"`
	CoordinatorMaxAgents       int   `yaml:"coordinator_max_agents"`
	LockTimeoutMillis          int   `yaml:"lock_timeout_millis"`
	WatchPollMillis            int   `yaml:"watch_poll_millis"`
}

const (
	defaultRotationThresholdBytes     = 10 * 1024 * 1024
	defaultHeartbeatStaleSeconds      = 5 * 60
	defaultCoordinatorIntervalSeconds = 30
	defaultCoordinatorMaxAgents       = 4
	defaultLockTimeoutMillis          = 5000
	defaultWatchPollMillis            = 500
)

// Defaults returns the built-in configuration with no overrides applied.
func Defaults() Config {
	return Config{
		RotationThresholdBytes:     defaultRotationThresholdBytes,
		HeartbeatStaleSeconds:      defaultHeartbeatStaleSeconds,
		CoordinatorIntervalSeconds: defaultCoordinatorIntervalSeconds,
		CoordinatorMaxAgents:       defaultCoordinatorMaxAgents,
		LockTimeoutMillis:          defaultLockTimeoutMillis,
		WatchPollMillis:            defaultWatchPollMillis,
	}
}

// Load resolves configuration for the given working directory following the
// lookup order: defaults, then <dir>/.workgraph/config.yaml if present, then
// environment variable overrides (WG_WATCH_POLL_MS, WG_LOCK_TIMEOUT_MS,
// WG_ROTATION_THRESHOLD_BYTES).
func Load(dir string) (Config, error) {
	cfg := Defaults()

	path := filepath.Join(dir, ".workgraph", "config.yaml")
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if yerr := yaml.Unmarshal(b, &cfg); yerr != nil {
			return Config{}, yerr
		}
	case errors.Is(err, os.ErrNotExist):
		// no config file; defaults stand
	default:
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := envInt("WG_WATCH_POLL_MS"); ok {
		cfg.WatchPollMillis = v
	}
	if v, ok := envInt("WG_LOCK_TIMEOUT_MS"); ok {
		cfg.LockTimeoutMillis = v
	}
	if v, ok := envInt64("WG_ROTATION_THRESHOLD_BYTES"); ok {
		cfg.RotationThresholdBytes = v
	}
}

func envInt(name string) (int, bool) {
	s := os.Getenv(name)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envInt64(name string) (int64, bool) {
	s := os.Getenv(name)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// HeartbeatStale returns the configured staleness threshold as a Duration.
func (c Config) HeartbeatStale() time.Duration {
	return time.Duration(c.HeartbeatStaleSeconds) * time.Second
}

// CoordinatorInterval returns the configured tick interval as a Duration.
func (c Config) CoordinatorInterval() time.Duration {
	return time.Duration(c.CoordinatorIntervalSeconds) * time.Second
}

// LockTimeout returns the configured lock acquisition timeout as a Duration.
func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMillis) * time.Millisecond
}

// WatchPoll returns the configured watch polling interval as a Duration.
func (c Config) WatchPoll() time.Duration {
	return time.Duration(c.WatchPollMillis) * time.Millisecond
}
