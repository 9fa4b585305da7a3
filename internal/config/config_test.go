package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.ServerAddress)
	assert.Equal(t, 2*time.Hour, cfg.Retention())
	assert.Equal(t, 30*time.Minute, cfg.SweepInterval())
	assert.Equal(t, 10*time.Second, cfg.UnloadGrace())
	assert.Equal(t, int64(100<<20), cfg.MaxUploadBytes())
	assert.Equal(t, "eng", cfg.Engines.OCRLang)
	assert.Equal(t, int64(64_000_000), cfg.MaxImagePixels())
	assert.Equal(t, int64(64<<20), cfg.MaxDocxBytes())
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, filepath.Join("data", "uniconvert.db"), cfg.Databases["sqlite3"].DSN)
}

func TestLoadFileResolvesRelativePaths(t *testing.T) {
	path := writeConfig(t, `{
		"upload_dir": "up",
		"output_dir": "/var/out",
		"retention_minutes": 15,
		"conversion_timeout_seconds": 0,
		"workers": {"min": 1, "max": 3},
		"engines": {"paths": {"soffice": "/opt/lo/soffice"}},
		"databases": {"sqlite3": {"dsn": "stats.db"}, "mysql": {"host": "db", "port": 3306, "dbname": "uc"}},
		"redis": {"enabled": true, "port": 6380}
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	dir := filepath.Dir(path)
	assert.Equal(t, filepath.Join(dir, "up"), cfg.UploadDir)
	assert.Equal(t, "/var/out", cfg.OutputDir)
	assert.Equal(t, filepath.Join(dir, "stats.db"), cfg.Databases["sqlite3"].DSN)
	assert.Equal(t, "uc", cfg.Databases["mysql"].DBName)
	assert.Equal(t, 15*time.Minute, cfg.Retention())
	assert.Zero(t, cfg.ConversionTimeout())
	assert.Equal(t, 3, cfg.Workers.Max)
	assert.Equal(t, "/opt/lo/soffice", cfg.Engines.Paths["soffice"])
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 6380, cfg.Redis.Port)
	assert.Equal(t, "127.0.0.1", cfg.Redis.Host)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `{"retention_minutes": 15}`)
	t.Setenv("UNICONVERT_RETENTION_MINUTES", "5")
	t.Setenv("UNICONVERT_WORKERS_MAX", "3")
	t.Setenv("UNICONVERT_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Retention())
	assert.Equal(t, 3, cfg.Workers.Max)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"zero retention": `{"retention_minutes": 0}`,
		"zero sweep":     `{"sweep_interval_minutes": 0}`,
		"negative grace": `{"unload_grace_seconds": -1}`,
		"workers":        `{"workers": {"min": 5, "max": 2}}`,
	}
	for name, body := range cases {
		_, err := Load(writeConfig(t, body))
		assert.Error(t, err, name)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestRedisAddrDefaults(t *testing.T) {
	assert.Equal(t, "127.0.0.1:6379", RedisConfig{}.Addr())
	assert.Equal(t, "cache:6380", RedisConfig{Host: "cache", Port: 6380}.Addr())
}
