// Package config handles tierstore configuration via YAML files and environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--data-dir, --trust-threshold, etc.)
//  2. Environment variables (TIERSTORE_*)
//  3. Config file (tierstore.yaml)
//  4. Built-in defaults
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile(config.FindConfigFile())
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	config.ApplyEnvVars(cfg)
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables (all use TIERSTORE_ prefix):
//
// Storage:
//   - TIERSTORE_STORAGE_ENGINE=badger (or sqlite)
//   - TIERSTORE_DATA_DIR="./data"
//   - TIERSTORE_IN_MEMORY=true
//   - TIERSTORE_POOL_SIZE=16
//   - TIERSTORE_ENCRYPTION_PASSWORD=secret
//
// Trust gate:
//   - TIERSTORE_TRUST_THRESHOLD=0.85
//   - TIERSTORE_VALIDATOR_TIMEOUT=5s
//   - TIERSTORE_VALIDATOR_WEIGHTS="content=0.4,relationship=0.3,embedding=0.3"
//   - TIERSTORE_CONFLICT_MODE="strict" | "staged" | "soft"
//   - TIERSTORE_CONFLICT_RETENTION=720h
//
// Tiers:
//   - TIERSTORE_HOT_MIN_HOURLY=100
//   - TIERSTORE_HOT_TRUST_FLOOR=0.9
//   - TIERSTORE_MIN_TRUST_PROMOTION=0.6
//   - TIERSTORE_COLD_AFTER_DAYS=5
//   - TIERSTORE_SWEEP_SCHEDULE="@every 1h"
//
// Logging:
//   - TIERSTORE_LOG_LEVEL="info"
//   - TIERSTORE_LOG_FORMAT="json" | "console"
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks invalid threshold, weight or mode settings.
// It is fatal at startup; at runtime a reload carrying it is refused and
// the previous configuration stays active.
var ErrConfiguration = errors.New("configuration error")

// Conflict modes accepted by Trust.ConflictMode.
const (
	ModeStrict = "strict"
	ModeStaged = "staged"
	ModeSoft   = "soft"
)

// Storage engines accepted by Storage.Engine.
const (
	EngineBadger = "badger"
	EngineSQLite = "sqlite"
)

// Config holds all tierstore configuration.
//
// Configuration is organized into logical sections:
//   - Storage: Backing engine and connection pool
//   - Trust: Validator gate, aggregation and conflict policy
//   - Tiers: Tier promotion/demotion thresholds
//   - Scheduler: Migration sweep cadence
//   - Access: Access tracker sizing
//   - Server: HTTP API
//   - Logging: Logging configuration
//   - Telemetry: Event sink buffering
type Config struct {
	Storage   StorageConfig
	Trust     TrustConfig
	Tiers     TierThresholds
	Scheduler SchedulerConfig
	Access    AccessConfig
	Server    ServerConfig
	Logging   LoggingConfig
	Telemetry TelemetryConfig
}

// StorageConfig holds backing store settings.
type StorageConfig struct {
	// Engine is badger (default) or sqlite
	Engine string
	// DataDir is the directory for badger data files
	DataDir string
	// InMemory runs badger without disk (tests, demos)
	InMemory bool
	// LowMemory shrinks badger buffers
	LowMemory bool
	// SyncWrites fsyncs every commit
	SyncWrites bool
	// PoolSize bounds concurrent operations against the engine
	PoolSize int
	// HotCacheSize is the number of HOT records kept in process
	HotCacheSize int
	// EncryptionPassword enables AES-256 encryption at rest when set.
	// Never logged.
	EncryptionPassword string
}

// TrustConfig holds the validation gate settings.
type TrustConfig struct {
	// Threshold is the minimum combined score for a write to pass
	Threshold float64
	// ValidatorTimeout bounds each validator call
	ValidatorTimeout time.Duration
	// Weights per validator name. Missing validators get the equal share
	// of whatever weight is left; weights are renormalised over the
	// validators actually present.
	Weights map[string]float64
	// ConflictMode is one of strict, staged, soft
	ConflictMode string
	// ConflictRetention is how long conflict records are kept
	ConflictRetention time.Duration
}

// TierThresholds are the tier promotion/demotion boundaries.
type TierThresholds struct {
	// HotMinHourlyAccesses promotes to HOT when hourly accesses reach it
	HotMinHourlyAccesses int64
	// HotTrustFloor is the minimum trust score to occupy HOT
	HotTrustFloor float64
	// MinTrustForPromotion forces COLD below it, regardless of access
	MinTrustForPromotion float64
	// ColdAfterDaysInactive demotes to COLD after this many idle days
	ColdAfterDaysInactive float64
}

// SchedulerConfig holds migration sweep settings.
type SchedulerConfig struct {
	// Enabled starts periodic sweeps
	Enabled bool
	// Schedule is a robfig/cron spec, e.g. "@every 1h" or "0 * * * *"
	Schedule string
	// CleanupWorkers process deferred old-tier cleanup
	CleanupWorkers int
}

// AccessConfig sizes the access tracker.
type AccessConfig struct {
	// MaxTrackedKeys bounds tracker memory
	MaxTrackedKeys int
	// QueueSize bounds pending async access events from reads
	QueueSize int
	// FlushInterval is how often live access metadata is written back to
	// records; 0 writes back only before sweeps and on close
	FlushInterval time.Duration
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Enabled      bool
	Address      string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// RateLimitPerMinute per client IP; 0 disables rate limiting
	RateLimitPerMinute int
	// WriteRateLimitPerMinute per client IP for POST requests
	WriteRateLimitPerMinute int
	// RateLimitBurst is the per-client bucket size
	RateLimitBurst int
	// RateLimitClients bounds how many client IPs are tracked
	RateLimitClients int
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level: debug, info, warn, error
	Level string
	// Format: json or console
	Format string
}

// TelemetryConfig holds event sink settings.
type TelemetryConfig struct {
	// BufferSize bounds queued events; overflow is dropped
	BufferSize int
}

// LoadDefaults returns the built-in configuration.
func LoadDefaults() *Config {
	config := &Config{}

	// Storage defaults
	config.Storage.Engine = EngineBadger
	config.Storage.DataDir = "./data"
	config.Storage.PoolSize = 16
	config.Storage.HotCacheSize = 10000

	// Trust defaults
	config.Trust.Threshold = 0.85
	config.Trust.ValidatorTimeout = 5 * time.Second
	config.Trust.Weights = map[string]float64{}
	config.Trust.ConflictMode = ModeStrict
	config.Trust.ConflictRetention = 30 * 24 * time.Hour

	// Tier defaults
	config.Tiers.HotMinHourlyAccesses = 100
	config.Tiers.HotTrustFloor = 0.9
	config.Tiers.MinTrustForPromotion = 0.6
	config.Tiers.ColdAfterDaysInactive = 5

	// Scheduler defaults
	config.Scheduler.Enabled = true
	config.Scheduler.Schedule = "@every 1h"
	config.Scheduler.CleanupWorkers = 1

	// Access defaults
	config.Access.MaxTrackedKeys = 1_000_000
	config.Access.QueueSize = 4096
	config.Access.FlushInterval = time.Minute

	// Server defaults
	config.Server.Enabled = true
	config.Server.Address = "127.0.0.1"
	config.Server.Port = 7480
	config.Server.ReadTimeout = 30 * time.Second
	config.Server.WriteTimeout = 30 * time.Second
	config.Server.RateLimitPerMinute = 600
	config.Server.WriteRateLimitPerMinute = 120
	config.Server.RateLimitBurst = 60
	config.Server.RateLimitClients = 10000

	// Logging defaults
	config.Logging.Level = "info"
	config.Logging.Format = "json"

	config.Telemetry.BufferSize = 1024

	return config
}

// Clone returns a deep copy, used before handing a config to a reload.
func (c *Config) Clone() *Config {
	out := *c
	out.Trust.Weights = make(map[string]float64, len(c.Trust.Weights))
	for k, v := range c.Trust.Weights {
		out.Trust.Weights[k] = v
	}
	return &out
}

// Validate checks the configuration for invalid thresholds, weights and modes.
//
// Every returned error wraps ErrConfiguration.
//
// Example:
//
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Configuration error: %v", err)
//	}
func (c *Config) Validate() error {
	if !inUnit(c.Trust.Threshold) {
		return configErrorf("trust threshold must be in [0,1], got %v", c.Trust.Threshold)
	}
	if c.Trust.ValidatorTimeout <= 0 {
		return configErrorf("validator timeout must be positive, got %v", c.Trust.ValidatorTimeout)
	}
	var weightSum float64
	for name, w := range c.Trust.Weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return configErrorf("weight for validator %q must be non-negative, got %v", name, w)
		}
		weightSum += w
	}
	if weightSum > 1.0+1e-9 {
		return configErrorf("validator weights must sum to at most 1.0, got %.4f", weightSum)
	}
	switch strings.ToLower(c.Trust.ConflictMode) {
	case ModeStrict, ModeStaged, ModeSoft:
	default:
		return configErrorf("unknown conflict mode %q (want strict, staged or soft)", c.Trust.ConflictMode)
	}
	if c.Trust.ConflictRetention < 0 {
		return configErrorf("conflict retention must not be negative")
	}

	t := c.Tiers
	if !inUnit(t.HotTrustFloor) || !inUnit(t.MinTrustForPromotion) {
		return configErrorf("tier trust floors must be in [0,1]")
	}
	if t.MinTrustForPromotion > t.HotTrustFloor {
		return configErrorf("min trust for promotion (%v) exceeds hot trust floor (%v)", t.MinTrustForPromotion, t.HotTrustFloor)
	}
	if t.HotMinHourlyAccesses <= 0 {
		return configErrorf("hot min hourly accesses must be positive, got %d", t.HotMinHourlyAccesses)
	}
	if t.ColdAfterDaysInactive <= 0 {
		return configErrorf("cold after days inactive must be positive, got %v", t.ColdAfterDaysInactive)
	}

	if c.Scheduler.Enabled && strings.TrimSpace(c.Scheduler.Schedule) == "" {
		return configErrorf("scheduler enabled without a schedule")
	}
	switch c.Storage.Engine {
	case EngineBadger, EngineSQLite:
	default:
		return configErrorf("unknown storage engine %q (want %s or %s)", c.Storage.Engine, EngineBadger, EngineSQLite)
	}
	if c.Access.FlushInterval < 0 {
		return configErrorf("access flush interval must not be negative, got %s", c.Access.FlushInterval)
	}
	if c.Storage.PoolSize <= 0 {
		return configErrorf("storage pool size must be positive, got %d", c.Storage.PoolSize)
	}
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return configErrorf("data dir required unless running in memory")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return configErrorf("invalid http port: %d", c.Server.Port)
	}
	if c.Server.RateLimitPerMinute < 0 || c.Server.WriteRateLimitPerMinute < 0 || c.Server.RateLimitBurst < 0 {
		return configErrorf("rate limits must not be negative")
	}
	return nil
}

// String returns a safe string representation of the Config for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Engine: %s, DataDir: %s, InMemory: %v, Encrypted: %v, Threshold: %.2f, Mode: %s, Hot: >=%d/h trust>=%.2f, Cold: %gd idle or trust<%.2f, Sweep: %q}",
		c.Storage.Engine, c.Storage.DataDir, c.Storage.InMemory, c.Storage.EncryptionPassword != "",
		c.Trust.Threshold, c.Trust.ConflictMode,
		c.Tiers.HotMinHourlyAccesses, c.Tiers.HotTrustFloor,
		c.Tiers.ColdAfterDaysInactive, c.Tiers.MinTrustForPromotion,
		c.Scheduler.Schedule,
	)
}

// YAMLConfig represents the YAML configuration file structure.
type YAMLConfig struct {
	Storage struct {
		Engine       string `yaml:"engine"`
		DataDir      string `yaml:"data_dir"`
		InMemory     bool   `yaml:"in_memory"`
		LowMemory    bool   `yaml:"low_memory"`
		SyncWrites   bool   `yaml:"sync_writes"`
		PoolSize     int    `yaml:"pool_size"`
		HotCacheSize int    `yaml:"hot_cache_size"`
		Encryption   string `yaml:"encryption_password"`
	} `yaml:"storage"`

	Trust struct {
		Threshold         *float64           `yaml:"threshold"`
		ValidatorTimeout  string             `yaml:"validator_timeout"`
		Weights           map[string]float64 `yaml:"weights"`
		ConflictMode      string             `yaml:"conflict_mode"`
		ConflictRetention string             `yaml:"conflict_retention"`
	} `yaml:"trust"`

	Tiers struct {
		HotMinHourlyAccesses  int64    `yaml:"hot_min_hourly_accesses"`
		HotTrustFloor         *float64 `yaml:"hot_trust_floor"`
		MinTrustForPromotion  *float64 `yaml:"min_trust_for_promotion"`
		ColdAfterDaysInactive float64  `yaml:"cold_after_days_inactive"`
	} `yaml:"tiers"`

	Scheduler struct {
		Enabled        *bool  `yaml:"enabled"`
		Schedule       string `yaml:"schedule"`
		CleanupWorkers int    `yaml:"cleanup_workers"`
	} `yaml:"scheduler"`

	Access struct {
		MaxTrackedKeys int    `yaml:"max_tracked_keys"`
		QueueSize      int    `yaml:"queue_size"`
		FlushInterval  string `yaml:"flush_interval"`
	} `yaml:"access"`

	Server struct {
		Enabled      *bool  `yaml:"enabled"`
		Address      string `yaml:"address"`
		Port         int    `yaml:"port"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`

		RateLimitPerMinute      *int `yaml:"rate_limit_per_minute"`
		WriteRateLimitPerMinute int  `yaml:"write_rate_limit_per_minute"`
		RateLimitBurst          int  `yaml:"rate_limit_burst"`
		RateLimitClients        int  `yaml:"rate_limit_clients"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Telemetry struct {
		BufferSize int `yaml:"buffer_size"`
	} `yaml:"telemetry"`
}

// LoadFromFile loads defaults overlaid with the YAML file at configPath.
// A missing file (or empty path) yields the defaults.
func LoadFromFile(configPath string) (*Config, error) {
	// Step 1: Start with built-in defaults
	config := LoadDefaults()
	if configPath == "" {
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := applyYAML(config, data); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadFromBytes overlays YAML data onto the defaults.
func LoadFromBytes(data []byte) (*Config, error) {
	config := LoadDefaults()
	if err := applyYAML(config, data); err != nil {
		return nil, err
	}
	return config, nil
}

func applyYAML(config *Config, data []byte) error {
	var yamlCfg YAMLConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return fmt.Errorf("%w: failed to parse config file: %v", ErrConfiguration, err)
	}

	// === Storage Settings ===
	if yamlCfg.Storage.Engine != "" {
		config.Storage.Engine = strings.ToLower(yamlCfg.Storage.Engine)
	}
	if yamlCfg.Storage.DataDir != "" {
		config.Storage.DataDir = yamlCfg.Storage.DataDir
	}
	if yamlCfg.Storage.InMemory {
		config.Storage.InMemory = true
	}
	if yamlCfg.Storage.LowMemory {
		config.Storage.LowMemory = true
	}
	if yamlCfg.Storage.SyncWrites {
		config.Storage.SyncWrites = true
	}
	if yamlCfg.Storage.PoolSize > 0 {
		config.Storage.PoolSize = yamlCfg.Storage.PoolSize
	}
	if yamlCfg.Storage.HotCacheSize > 0 {
		config.Storage.HotCacheSize = yamlCfg.Storage.HotCacheSize
	}
	if yamlCfg.Storage.Encryption != "" {
		config.Storage.EncryptionPassword = yamlCfg.Storage.Encryption
	}

	// === Trust Settings ===
	if yamlCfg.Trust.Threshold != nil {
		config.Trust.Threshold = *yamlCfg.Trust.Threshold
	}
	if err := parseDurationInto(&config.Trust.ValidatorTimeout, yamlCfg.Trust.ValidatorTimeout, "trust.validator_timeout"); err != nil {
		return err
	}
	if len(yamlCfg.Trust.Weights) > 0 {
		config.Trust.Weights = yamlCfg.Trust.Weights
	}
	if yamlCfg.Trust.ConflictMode != "" {
		config.Trust.ConflictMode = strings.ToLower(yamlCfg.Trust.ConflictMode)
	}
	if err := parseDurationInto(&config.Trust.ConflictRetention, yamlCfg.Trust.ConflictRetention, "trust.conflict_retention"); err != nil {
		return err
	}

	// === Tier Settings ===
	if yamlCfg.Tiers.HotMinHourlyAccesses > 0 {
		config.Tiers.HotMinHourlyAccesses = yamlCfg.Tiers.HotMinHourlyAccesses
	}
	if yamlCfg.Tiers.HotTrustFloor != nil {
		config.Tiers.HotTrustFloor = *yamlCfg.Tiers.HotTrustFloor
	}
	if yamlCfg.Tiers.MinTrustForPromotion != nil {
		config.Tiers.MinTrustForPromotion = *yamlCfg.Tiers.MinTrustForPromotion
	}
	if yamlCfg.Tiers.ColdAfterDaysInactive > 0 {
		config.Tiers.ColdAfterDaysInactive = yamlCfg.Tiers.ColdAfterDaysInactive
	}

	// === Scheduler Settings ===
	if yamlCfg.Scheduler.Enabled != nil {
		config.Scheduler.Enabled = *yamlCfg.Scheduler.Enabled
	}
	if yamlCfg.Scheduler.Schedule != "" {
		config.Scheduler.Schedule = yamlCfg.Scheduler.Schedule
	}
	if yamlCfg.Scheduler.CleanupWorkers > 0 {
		config.Scheduler.CleanupWorkers = yamlCfg.Scheduler.CleanupWorkers
	}

	// === Access Settings ===
	if yamlCfg.Access.MaxTrackedKeys > 0 {
		config.Access.MaxTrackedKeys = yamlCfg.Access.MaxTrackedKeys
	}
	if yamlCfg.Access.QueueSize > 0 {
		config.Access.QueueSize = yamlCfg.Access.QueueSize
	}
	if err := parseDurationInto(&config.Access.FlushInterval, yamlCfg.Access.FlushInterval, "access.flush_interval"); err != nil {
		return err
	}

	// === Server Settings ===
	if yamlCfg.Server.Enabled != nil {
		config.Server.Enabled = *yamlCfg.Server.Enabled
	}
	if yamlCfg.Server.Address != "" {
		config.Server.Address = yamlCfg.Server.Address
	}
	if yamlCfg.Server.Port > 0 {
		config.Server.Port = yamlCfg.Server.Port
	}
	if err := parseDurationInto(&config.Server.ReadTimeout, yamlCfg.Server.ReadTimeout, "server.read_timeout"); err != nil {
		return err
	}
	if err := parseDurationInto(&config.Server.WriteTimeout, yamlCfg.Server.WriteTimeout, "server.write_timeout"); err != nil {
		return err
	}
	if yamlCfg.Server.RateLimitPerMinute != nil {
		config.Server.RateLimitPerMinute = *yamlCfg.Server.RateLimitPerMinute
	}
	if yamlCfg.Server.WriteRateLimitPerMinute > 0 {
		config.Server.WriteRateLimitPerMinute = yamlCfg.Server.WriteRateLimitPerMinute
	}
	if yamlCfg.Server.RateLimitBurst > 0 {
		config.Server.RateLimitBurst = yamlCfg.Server.RateLimitBurst
	}
	if yamlCfg.Server.RateLimitClients > 0 {
		config.Server.RateLimitClients = yamlCfg.Server.RateLimitClients
	}

	// === Logging Settings ===
	if yamlCfg.Logging.Level != "" {
		config.Logging.Level = yamlCfg.Logging.Level
	}
	if yamlCfg.Logging.Format != "" {
		config.Logging.Format = yamlCfg.Logging.Format
	}

	if yamlCfg.Telemetry.BufferSize > 0 {
		config.Telemetry.BufferSize = yamlCfg.Telemetry.BufferSize
	}
	return nil
}

// ApplyEnvVars overlays TIERSTORE_* environment variables onto config.
func ApplyEnvVars(config *Config) {
	// Storage
	config.Storage.Engine = strings.ToLower(getEnv("TIERSTORE_STORAGE_ENGINE", config.Storage.Engine))
	config.Storage.DataDir = getEnv("TIERSTORE_DATA_DIR", config.Storage.DataDir)
	config.Storage.InMemory = getEnvBool("TIERSTORE_IN_MEMORY", config.Storage.InMemory)
	config.Storage.LowMemory = getEnvBool("TIERSTORE_LOW_MEMORY", config.Storage.LowMemory)
	config.Storage.PoolSize = getEnvInt("TIERSTORE_POOL_SIZE", config.Storage.PoolSize)
	config.Storage.HotCacheSize = getEnvInt("TIERSTORE_HOT_CACHE_SIZE", config.Storage.HotCacheSize)
	config.Storage.EncryptionPassword = getEnv("TIERSTORE_ENCRYPTION_PASSWORD", config.Storage.EncryptionPassword)

	// Trust
	config.Trust.Threshold = getEnvFloat("TIERSTORE_TRUST_THRESHOLD", config.Trust.Threshold)
	config.Trust.ValidatorTimeout = getEnvDuration("TIERSTORE_VALIDATOR_TIMEOUT", config.Trust.ValidatorTimeout)
	if w := getEnv("TIERSTORE_VALIDATOR_WEIGHTS", ""); w != "" {
		if parsed, err := ParseWeights(w); err == nil {
			config.Trust.Weights = parsed
		}
	}
	if m := getEnv("TIERSTORE_CONFLICT_MODE", ""); m != "" {
		config.Trust.ConflictMode = strings.ToLower(m)
	}
	config.Trust.ConflictRetention = getEnvDuration("TIERSTORE_CONFLICT_RETENTION", config.Trust.ConflictRetention)

	// Tiers
	config.Tiers.HotMinHourlyAccesses = int64(getEnvInt("TIERSTORE_HOT_MIN_HOURLY", int(config.Tiers.HotMinHourlyAccesses)))
	config.Tiers.HotTrustFloor = getEnvFloat("TIERSTORE_HOT_TRUST_FLOOR", config.Tiers.HotTrustFloor)
	config.Tiers.MinTrustForPromotion = getEnvFloat("TIERSTORE_MIN_TRUST_PROMOTION", config.Tiers.MinTrustForPromotion)
	config.Tiers.ColdAfterDaysInactive = getEnvFloat("TIERSTORE_COLD_AFTER_DAYS", config.Tiers.ColdAfterDaysInactive)

	// Scheduler
	config.Scheduler.Enabled = getEnvBool("TIERSTORE_SCHEDULER_ENABLED", config.Scheduler.Enabled)
	config.Scheduler.Schedule = getEnv("TIERSTORE_SWEEP_SCHEDULE", config.Scheduler.Schedule)

	// Access
	config.Access.FlushInterval = getEnvDuration("TIERSTORE_ACCESS_FLUSH_INTERVAL", config.Access.FlushInterval)

	// Server
	config.Server.Address = getEnv("TIERSTORE_HTTP_ADDRESS", config.Server.Address)
	config.Server.Port = getEnvInt("TIERSTORE_HTTP_PORT", config.Server.Port)
	config.Server.RateLimitPerMinute = getEnvInt("TIERSTORE_RATE_LIMIT", config.Server.RateLimitPerMinute)
	config.Server.WriteRateLimitPerMinute = getEnvInt("TIERSTORE_WRITE_RATE_LIMIT", config.Server.WriteRateLimitPerMinute)

	// Logging
	config.Logging.Level = getEnv("TIERSTORE_LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = getEnv("TIERSTORE_LOG_FORMAT", config.Logging.Format)
}

// ParseWeights parses "name=0.5,other=0.5" into a weight map.
func ParseWeights(s string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, val, ok := strings.Cut(part, "=")
		if !ok {
			return nil, configErrorf("weight %q is not name=value", part)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, configErrorf("weight %q: %v", part, err)
		}
		out[strings.TrimSpace(name)] = w
	}
	return out, nil
}

// FormatWeights renders weights in ParseWeights form with sorted names.
func FormatWeights(w map[string]float64) string {
	names := make([]string, 0, len(w))
	for n := range w {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = fmt.Sprintf("%s=%g", n, w[n])
	}
	return strings.Join(parts, ",")
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first config file found, or empty string if none found.
// Search order:
//  1. $TIERSTORE_CONFIG
//  2. Current working directory (tierstore.yaml, config.yaml)
//  3. ~/.tierstore/config.yaml
//  4. ~/.config/tierstore/config.yaml (XDG)
func FindConfigFile() string {
	var candidates []string
	if p := os.Getenv("TIERSTORE_CONFIG"); p != "" {
		candidates = append(candidates, p)
	}
	candidates = append(candidates, "tierstore.yaml", "config.yaml")
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".tierstore", "config.yaml"),
			filepath.Join(home, ".config", "tierstore", "config.yaml"),
		)
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1 && !math.IsNaN(v)
}

func parseDurationInto(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return configErrorf("%s: %v", field, err)
	}
	*dst = d
	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
