package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestLoadDefaults tests default values are loaded correctly.
func TestLoadDefaults(t *testing.T) {
	clearEnvVars(t)

	cfg := LoadDefaults()

	if cfg.Trust.Threshold != 0.85 {
		t.Errorf("expected trust threshold 0.85, got %v", cfg.Trust.Threshold)
	}
	if cfg.Trust.ValidatorTimeout != 5*time.Second {
		t.Errorf("expected validator timeout 5s, got %v", cfg.Trust.ValidatorTimeout)
	}
	if cfg.Trust.ConflictMode != ModeStrict {
		t.Errorf("expected conflict mode strict, got %q", cfg.Trust.ConflictMode)
	}
	if cfg.Tiers.HotMinHourlyAccesses != 100 {
		t.Errorf("expected hot min hourly 100, got %d", cfg.Tiers.HotMinHourlyAccesses)
	}
	if cfg.Tiers.HotTrustFloor != 0.9 {
		t.Errorf("expected hot trust floor 0.9, got %v", cfg.Tiers.HotTrustFloor)
	}
	if cfg.Tiers.MinTrustForPromotion != 0.6 {
		t.Errorf("expected min trust for promotion 0.6, got %v", cfg.Tiers.MinTrustForPromotion)
	}
	if cfg.Tiers.ColdAfterDaysInactive != 5 {
		t.Errorf("expected cold after 5 days, got %v", cfg.Tiers.ColdAfterDaysInactive)
	}
	if cfg.Scheduler.Schedule != "@every 1h" {
		t.Errorf("expected hourly sweep, got %q", cfg.Scheduler.Schedule)
	}
	if cfg.Storage.DataDir != "./data" {
		t.Errorf("expected data dir './data', got %q", cfg.Storage.DataDir)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, LoadDefaults(), cfg)
	})

	t.Run("empty path yields defaults", func(t *testing.T) {
		cfg, err := LoadFromFile("")
		require.NoError(t, err)
		assert.Equal(t, 0.85, cfg.Trust.Threshold)
	})

	t.Run("overlays values", func(t *testing.T) {
		path := writeConfig(t, `
storage:
  data_dir: /var/lib/tierstore
  pool_size: 4
trust:
  threshold: 0.7
  validator_timeout: 2s
  weights:
    content: 0.5
    embedding: 0.5
  conflict_mode: SOFT
  conflict_retention: 48h
tiers:
  hot_min_hourly_accesses: 50
  hot_trust_floor: 0.95
  min_trust_for_promotion: 0
  cold_after_days_inactive: 2.5
scheduler:
  enabled: false
  schedule: "0 * * * *"
access:
  flush_interval: 30s
server:
  port: 9000
  read_timeout: 10s
  rate_limit_per_minute: 0
  write_rate_limit_per_minute: 30
`)
		cfg, err := LoadFromFile(path)
		require.NoError(t, err)

		assert.Equal(t, "/var/lib/tierstore", cfg.Storage.DataDir)
		assert.Equal(t, 4, cfg.Storage.PoolSize)
		assert.Equal(t, 0.7, cfg.Trust.Threshold)
		assert.Equal(t, 2*time.Second, cfg.Trust.ValidatorTimeout)
		assert.Equal(t, map[string]float64{"content": 0.5, "embedding": 0.5}, cfg.Trust.Weights)
		assert.Equal(t, ModeSoft, cfg.Trust.ConflictMode)
		assert.Equal(t, 48*time.Hour, cfg.Trust.ConflictRetention)
		assert.Equal(t, int64(50), cfg.Tiers.HotMinHourlyAccesses)
		assert.Equal(t, 0.95, cfg.Tiers.HotTrustFloor)
		assert.Equal(t, 0.0, cfg.Tiers.MinTrustForPromotion, "explicit zero must override the default")
		assert.Equal(t, 2.5, cfg.Tiers.ColdAfterDaysInactive)
		assert.False(t, cfg.Scheduler.Enabled)
		assert.Equal(t, "0 * * * *", cfg.Scheduler.Schedule)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Access.FlushInterval)
		assert.Zero(t, cfg.Server.RateLimitPerMinute, "explicit zero disables rate limiting")
		assert.Equal(t, 30, cfg.Server.WriteRateLimitPerMinute)
		require.NoError(t, cfg.Validate())
	})

	t.Run("bad duration", func(t *testing.T) {
		path := writeConfig(t, "trust:\n  validator_timeout: soon\n")
		_, err := LoadFromFile(path)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConfiguration))
	})

	t.Run("bad yaml", func(t *testing.T) {
		path := writeConfig(t, "trust: [unterminated\n")
		_, err := LoadFromFile(path)
		assert.ErrorIs(t, err, ErrConfiguration)
	})
}

func TestApplyEnvVars(t *testing.T) {
	clearEnvVars(t)
	t.Setenv("TIERSTORE_TRUST_THRESHOLD", "0.5")
	t.Setenv("TIERSTORE_VALIDATOR_TIMEOUT", "3")
	t.Setenv("TIERSTORE_VALIDATOR_WEIGHTS", "content=0.6, embedding=0.4")
	t.Setenv("TIERSTORE_CONFLICT_MODE", "Staged")
	t.Setenv("TIERSTORE_HOT_MIN_HOURLY", "10")
	t.Setenv("TIERSTORE_COLD_AFTER_DAYS", "1.5")
	t.Setenv("TIERSTORE_IN_MEMORY", "yes")
	t.Setenv("TIERSTORE_SCHEDULER_ENABLED", "off")
	t.Setenv("TIERSTORE_RATE_LIMIT", "300")
	t.Setenv("TIERSTORE_ACCESS_FLUSH_INTERVAL", "5m")

	cfg := LoadDefaults()
	ApplyEnvVars(cfg)

	if cfg.Server.RateLimitPerMinute != 300 {
		t.Errorf("expected rate limit 300, got %d", cfg.Server.RateLimitPerMinute)
	}
	if cfg.Access.FlushInterval != 5*time.Minute {
		t.Errorf("expected flush interval 5m, got %v", cfg.Access.FlushInterval)
	}

	if cfg.Trust.Threshold != 0.5 {
		t.Errorf("expected threshold 0.5, got %v", cfg.Trust.Threshold)
	}
	if cfg.Trust.ValidatorTimeout != 3*time.Second {
		t.Errorf("expected timeout parsed as seconds, got %v", cfg.Trust.ValidatorTimeout)
	}
	if cfg.Trust.Weights["content"] != 0.6 || cfg.Trust.Weights["embedding"] != 0.4 {
		t.Errorf("unexpected weights %v", cfg.Trust.Weights)
	}
	if cfg.Trust.ConflictMode != ModeStaged {
		t.Errorf("expected staged, got %q", cfg.Trust.ConflictMode)
	}
	if cfg.Tiers.HotMinHourlyAccesses != 10 {
		t.Errorf("expected hot min hourly 10, got %d", cfg.Tiers.HotMinHourlyAccesses)
	}
	if cfg.Tiers.ColdAfterDaysInactive != 1.5 {
		t.Errorf("expected 1.5 days, got %v", cfg.Tiers.ColdAfterDaysInactive)
	}
	if !cfg.Storage.InMemory {
		t.Error("expected in-memory storage")
	}
	if cfg.Scheduler.Enabled {
		t.Error("expected scheduler disabled")
	}
}

func TestApplyEnvVars_InvalidValuesKeepDefaults(t *testing.T) {
	clearEnvVars(t)
	t.Setenv("TIERSTORE_TRUST_THRESHOLD", "high")
	t.Setenv("TIERSTORE_POOL_SIZE", "many")
	t.Setenv("TIERSTORE_VALIDATOR_WEIGHTS", "content")

	cfg := LoadDefaults()
	ApplyEnvVars(cfg)

	assert.Equal(t, 0.85, cfg.Trust.Threshold)
	assert.Equal(t, 16, cfg.Storage.PoolSize)
	assert.Empty(t, cfg.Trust.Weights)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "defaults",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "threshold above one",
			modify:  func(c *Config) { c.Trust.Threshold = 1.2 },
			wantErr: true,
			errMsg:  "trust threshold",
		},
		{
			name:    "negative threshold",
			modify:  func(c *Config) { c.Trust.Threshold = -0.1 },
			wantErr: true,
			errMsg:  "trust threshold",
		},
		{
			name:    "zero timeout",
			modify:  func(c *Config) { c.Trust.ValidatorTimeout = 0 },
			wantErr: true,
			errMsg:  "validator timeout",
		},
		{
			name:    "weights over one",
			modify:  func(c *Config) { c.Trust.Weights = map[string]float64{"a": 0.7, "b": 0.7} },
			wantErr: true,
			errMsg:  "sum to at most 1.0",
		},
		{
			name:    "negative weight",
			modify:  func(c *Config) { c.Trust.Weights = map[string]float64{"a": -0.1} },
			wantErr: true,
			errMsg:  "non-negative",
		},
		{
			name:    "partial weights",
			modify:  func(c *Config) { c.Trust.Weights = map[string]float64{"a": 0.3} },
			wantErr: false,
		},
		{
			name:    "unknown mode",
			modify:  func(c *Config) { c.Trust.ConflictMode = "lenient" },
			wantErr: true,
			errMsg:  "unknown conflict mode",
		},
		{
			name:    "unknown engine",
			modify:  func(c *Config) { c.Storage.Engine = "rocksdb" },
			wantErr: true,
			errMsg:  "unknown storage engine",
		},
		{
			name:    "negative flush interval",
			modify:  func(c *Config) { c.Access.FlushInterval = -time.Second },
			wantErr: true,
			errMsg:  "flush interval",
		},
		{
			name:   "flush interval disabled",
			modify: func(c *Config) { c.Access.FlushInterval = 0 },
		},
		{
			name:   "sqlite engine",
			modify: func(c *Config) { c.Storage.Engine = EngineSQLite },
		},
		{
			name: "promotion floor above hot floor",
			modify: func(c *Config) {
				c.Tiers.MinTrustForPromotion = 0.95
				c.Tiers.HotTrustFloor = 0.9
			},
			wantErr: true,
			errMsg:  "exceeds hot trust floor",
		},
		{
			name:    "zero hourly threshold",
			modify:  func(c *Config) { c.Tiers.HotMinHourlyAccesses = 0 },
			wantErr: true,
			errMsg:  "hot min hourly",
		},
		{
			name:    "zero cold days",
			modify:  func(c *Config) { c.Tiers.ColdAfterDaysInactive = 0 },
			wantErr: true,
			errMsg:  "cold after days",
		},
		{
			name:    "scheduler without schedule",
			modify:  func(c *Config) { c.Scheduler.Schedule = " " },
			wantErr: true,
			errMsg:  "without a schedule",
		},
		{
			name: "server disabled, bad port OK",
			modify: func(c *Config) {
				c.Server.Enabled = false
				c.Server.Port = 0
			},
			wantErr: false,
		},
		{
			name:    "negative rate limit",
			modify:  func(c *Config) { c.Server.RateLimitPerMinute = -1 },
			wantErr: true,
			errMsg:  "rate limits",
		},
		{
			name:   "rate limiting disabled",
			modify: func(c *Config) { c.Server.RateLimitPerMinute = 0 },
		},
		{
			name:    "server enabled, bad port",
			modify:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: true,
			errMsg:  "invalid http port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadDefaults()
			tt.modify(cfg)
			err := cfg.Validate()
			if !tt.wantErr {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("expected error containing %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestConfig_String(t *testing.T) {
	s := LoadDefaults().String()
	for _, want := range []string{"Threshold: 0.85", "Mode: strict", ">=100/h", "@every 1h"} {
		if !strings.Contains(s, want) {
			t.Errorf("expected %q in %s", want, s)
		}
	}
}

func TestConfig_EncryptionPasswordNotLogged(t *testing.T) {
	clearEnvVars(t)
	t.Setenv("TIERSTORE_ENCRYPTION_PASSWORD", "hunter2")

	cfg := LoadDefaults()
	ApplyEnvVars(cfg)
	assert.Equal(t, "hunter2", cfg.Storage.EncryptionPassword)

	s := cfg.String()
	assert.Contains(t, s, "Encrypted: true")
	assert.NotContains(t, s, "hunter2")
}

func TestConfig_Clone(t *testing.T) {
	cfg := LoadDefaults()
	cfg.Trust.Weights["content"] = 0.5
	cp := cfg.Clone()
	cp.Trust.Weights["content"] = 0.1
	assert.Equal(t, 0.5, cfg.Trust.Weights["content"])
}

func TestWeights_RoundTripText(t *testing.T) {
	w, err := ParseWeights("b=0.25,a=0.5")
	require.NoError(t, err)
	assert.Equal(t, "a=0.5,b=0.25", FormatWeights(w))

	_, err = ParseWeights("a=x")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestFindConfigFile(t *testing.T) {
	clearEnvVars(t)
	path := writeConfig(t, "trust:\n  threshold: 0.9\n")
	t.Setenv("TIERSTORE_CONFIG", path)
	assert.Equal(t, path, FindConfigFile())
}

func TestHolder(t *testing.T) {
	t.Run("rejects invalid initial config", func(t *testing.T) {
		cfg := LoadDefaults()
		cfg.Trust.Threshold = 2
		_, err := NewHolder(cfg)
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("reload swaps and notifies", func(t *testing.T) {
		h, err := NewHolder(LoadDefaults())
		require.NoError(t, err)

		var seenOld, seenNew float64
		h.OnChange(func(old, next *Config) {
			seenOld = old.Trust.Threshold
			seenNew = next.Trust.Threshold
		})

		next := LoadDefaults()
		next.Trust.Threshold = 0.5
		require.NoError(t, h.Reload(next))

		assert.Equal(t, 0.5, h.Load().Trust.Threshold)
		assert.Equal(t, 0.85, seenOld)
		assert.Equal(t, 0.5, seenNew)
	})

	t.Run("invalid reload keeps previous", func(t *testing.T) {
		h, err := NewHolder(LoadDefaults())
		require.NoError(t, err)
		called := false
		h.OnChange(func(_, _ *Config) { called = true })

		bad := LoadDefaults()
		bad.Trust.Weights = map[string]float64{"a": 0.9, "b": 0.9}
		err = h.Reload(bad)

		assert.ErrorIs(t, err, ErrConfiguration)
		assert.Empty(t, h.Load().Trust.Weights)
		assert.False(t, called)
	})
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	clearEnvVars(t)
	path := writeConfig(t, "trust:\n  threshold: 0.8\n")
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	h, err := NewHolder(cfg)
	require.NoError(t, err)

	w := NewWatcher(path, h, zap.NewNop())
	w.SetDebounce(20 * time.Millisecond)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("trust:\n  threshold: 0.6\n"), 0o644))
	require.Eventually(t, func() bool {
		return h.Load().Trust.Threshold == 0.6
	}, 3*time.Second, 10*time.Millisecond)

	// An invalid edit is refused and the last good config stays active.
	require.NoError(t, os.WriteFile(path, []byte("trust:\n  threshold: 4\n"), 0o644))
	require.Eventually(t, func() bool {
		_, failed := w.Counts()
		return failed > 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.6, h.Load().Trust.Threshold)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	path := writeConfig(t, "")
	h, err := NewHolder(LoadDefaults())
	require.NoError(t, err)
	w := NewWatcher(path, h, nil)
	require.NoError(t, w.Start())
	w.Stop()
	w.Stop()
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tierstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func clearEnvVars(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, "TIERSTORE_") {
			t.Setenv(name, "")
		}
	}
}
