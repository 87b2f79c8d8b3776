package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, 8080, v.GetInt("port"))
	assert.Equal(t, "info", v.GetString("log_level"))
	assert.Equal(t, "sqlite", v.GetString("database.driver"))
	assert.Equal(t, "memory", v.GetString("storage.backend"))
	assert.Equal(t, "identity", v.GetString("transform.backend"))
	assert.Equal(t, 72*time.Hour, v.GetDuration("share.default_ttl"))
	assert.Equal(t, 50, v.GetInt("share.default_max_views"))
	assert.Equal(t, 30*time.Minute, v.GetDuration("scheduler.interval"))
	assert.Equal(t, 1000, v.GetInt("audio.min_bytes"))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "challenges", cfg.Storage.KeyPrefix)
	assert.Equal(t, 5, cfg.Quota.Limit)
	assert.Equal(t, time.Hour, cfg.Quota.Window)
	assert.Equal(t, 7*24*time.Hour, cfg.Scheduler.Retention)
	assert.Equal(t, 200, cfg.Scheduler.BatchSize)
	assert.Equal(t, 10*1024*1024, cfg.Audio.MaxBytes)
	assert.Contains(t, cfg.Audio.AllowedTypes, "audio/wav")
	assert.Empty(t, cfg.Transform.Profiles)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("SCAMVAX_PORT", "9090")
	t.Setenv("SCAMVAX_SHARE_DEFAULT_TTL", "1h")
	t.Setenv("SCAMVAX_SCHEDULER_BATCH_SIZE", "25")
	t.Setenv("SCAMVAX_DATABASE_DRIVER", "postgres")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, time.Hour, cfg.Share.DefaultTTL)
	assert.Equal(t, 25, cfg.Scheduler.BatchSize)
	assert.Equal(t, "postgres", cfg.Database.Driver)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scamvax.yaml")
	contents := `
base_url: https://scamvax.example
share:
  default_max_views: 3
transform:
  profiles:
    - name: en
      language: English
      script: Hello there.
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://scamvax.example", cfg.BaseURL)
	assert.Equal(t, 3, cfg.Share.DefaultMaxViews)
	require.Len(t, cfg.Transform.Profiles, 1)
	assert.Equal(t, "Hello there.", cfg.Transform.Profiles[0].Script)
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown driver":      {"SCAMVAX_DATABASE_DRIVER": "mysql"},
		"s3 without bucket":   {"SCAMVAX_STORAGE_BACKEND": "s3"},
		"http without apikey": {"SCAMVAX_TRANSFORM_BACKEND": "http"},
		"ttl above maximum":   {"SCAMVAX_SHARE_DEFAULT_TTL": "100h"},
		"uncapped uploads":    {"SCAMVAX_AUDIO_MIN_BYTES": "0", "SCAMVAX_AUDIO_MAX_BYTES": "0"},
	}

	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}
