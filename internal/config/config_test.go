// File: internal/config/config_test.go
package config

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "scriptmonkey", cfg.Logger.ServiceName)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 30*time.Second, cfg.Browser.StartupTimeout)
	assert.Equal(t, StorageSQLite, cfg.Storage.Backend)
	assert.Equal(t, 30*time.Second, cfg.Resources.FetchTimeout)
	assert.Equal(t, 5, cfg.Resources.Burst)
	assert.Equal(t, time.Duration(0), cfg.Injection.StrategyTimeout)
	assert.Equal(t, 10*time.Second, cfg.Injection.AuxiliaryLoadTimeout)
	assert.True(t, cfg.Scripts.Watch)
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Defaults are valid", func(t *testing.T) {
		cfg := NewDefaultConfig()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("Missing scripts dir", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Scripts.Dir = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scripts.dir is required")
	})

	t.Run("Negative strategy timeout", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Injection.StrategyTimeout = -time.Second
		assert.Error(t, cfg.Validate())
	})

	t.Run("Storage backends", func(t *testing.T) {
		tests := []struct {
			name    string
			cfg     StorageConfig
			wantErr string
		}{
			{"memory", StorageConfig{Backend: StorageMemory}, ""},
			{"sqlite ok", StorageConfig{Backend: StorageSQLite, Path: "/tmp/x.db"}, ""},
			{"sqlite no path", StorageConfig{Backend: StorageSQLite}, "storage.path is required"},
			{"postgres no dsn", StorageConfig{Backend: StoragePostgres}, "storage.dsn is required"},
			{"redis no url", StorageConfig{Backend: StorageRedis}, "storage.redis_url is required"},
			{"upper case accepted", StorageConfig{Backend: "MEMORY"}, ""},
			{"unknown", StorageConfig{Backend: "etcd"}, "unknown storage.backend"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := tt.cfg.Validate()
				if tt.wantErr == "" {
					assert.NoError(t, err)
					return
				}
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			})
		}
	})

	t.Run("Resources", func(t *testing.T) {
		r := ResourcesConfig{FetchTimeout: time.Second, RateLimit: 1, Burst: 1}
		assert.NoError(t, r.Validate())

		noTimeout := r
		noTimeout.FetchTimeout = 0
		assert.Error(t, noTimeout.Validate())

		noBurst := r
		noBurst.Burst = 0
		assert.Error(t, noBurst.Validate())

		unlimited := noBurst
		unlimited.RateLimit = 0
		assert.NoError(t, unlimited.Validate())
	})
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
scripts:
  dir: /srv/scripts
storage:
  backend: memory
injection:
  strategy_timeout: 2s
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "/srv/scripts", cfg.Scripts.Dir)
		assert.Equal(t, StorageMemory, cfg.Storage.Backend)
		assert.Equal(t, 2*time.Second, cfg.Injection.StrategyTimeout)
		assert.Equal(t, "info", cfg.Logger.Level)
	})

	t.Run("Paths are expanded", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		home, err := homedir.Dir()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, ".scriptmonkey", "scripts"), cfg.Scripts.Dir)
		assert.Equal(t, filepath.Join(home, ".scriptmonkey", "values.db"), cfg.Storage.Path)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("storage.backend", "postgres")

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("storage.backend", "postgres")

		dsn := "postgres://envvar/db"
		t.Setenv("SCRIPTMONKEY_STORAGE_DSN", dsn)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, dsn, cfg.Storage.DSN)
	})
}

func TestContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	cfg := NewDefaultConfig()
	got, ok := FromContext(NewContext(context.Background(), cfg))
	require.True(t, ok)
	assert.Same(t, cfg, got)
}
