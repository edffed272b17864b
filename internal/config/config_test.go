package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv("PIKO_API_KEY", "k")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite", cfg.StorageEngine)
	assert.Equal(t, 0.85, cfg.MatchThreshold)
	assert.Equal(t, 20, cfg.CompactionThreshold)
	assert.Equal(t, 5, cfg.CompactionRetain)
	assert.Equal(t, 60*time.Second, cfg.IdleTimeout)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PIKO_API_KEY", "k")
	t.Setenv("PIKO_PORT", "9000")
	t.Setenv("PIKO_MATCH_THRESHOLD", "0.9")
	t.Setenv("PIKO_IDLE_TIMEOUT", "90s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 0.9, cfg.MatchThreshold)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
}

func TestYAMLFileAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "piko.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 7000\napi_key: from-file\n"), 0o644))

	t.Setenv("PIKO_API_KEY", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port, "file overrides defaults")
	assert.Equal(t, "from-env", cfg.APIKey, "env overrides file")
}

func TestMissingAPIKeyRejected(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)
}

func TestInvalidStorageEngineRejected(t *testing.T) {
	t.Setenv("PIKO_API_KEY", "k")
	t.Setenv("PIKO_STORAGE_ENGINE", "cassette-tape")

	_, err := Load("")
	assert.Error(t, err)
}

func TestPostgresRequiresDSN(t *testing.T) {
	t.Setenv("PIKO_API_KEY", "k")
	t.Setenv("PIKO_STORAGE_ENGINE", "postgres")

	_, err := Load("")
	assert.Error(t, err)
}

func TestRetainMustBeBelowThreshold(t *testing.T) {
	t.Setenv("PIKO_API_KEY", "k")
	t.Setenv("PIKO_COMPACTION_RETAIN", "20")

	_, err := Load("")
	assert.Error(t, err)
}

func TestAddr(t *testing.T) {
	cfg := Defaults()
	cfg.Host = "127.0.0.1"
	cfg.Port = 9001
	assert.Equal(t, "127.0.0.1:9001", cfg.Addr())
}
