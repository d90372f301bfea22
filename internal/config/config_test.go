package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvPath, "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.IsLocalMode())
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, time.Hour, cfg.Sync.MaxBackoff)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, float64(10), cfg.Sync.RequestsPerSecond)
	assert.Equal(t, "MAIL_EVENTS", cfg.NATS.Stream)
	assert.Equal(t, "common", cfg.OAuth.Microsoft.Tenant)
	assert.False(t, cfg.OAuth.Google.Configured())
}

func TestLoadYAMLOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: remote
redis:
  addr: redis:6379
sync:
  workers: 16
  interval: 90s
oauth:
  google:
    clientID: id
    clientSecret: secret
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.IsLocalMode())
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 16, cfg.Sync.Workers)
	assert.Equal(t, 90*time.Second, cfg.Sync.Interval)
	assert.True(t, cfg.OAuth.Google.Configured())
	// untouched keys keep their defaults
	assert.Equal(t, 100, cfg.Sync.BatchSize)
}

func TestLoadJSONFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailsync.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"database":{"driver":"postgres","dsn":"postgres://localhost/mail"}}`), 0o600))
	t.Setenv(EnvPath, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
}

func TestValidate(t *testing.T) {
	t.Setenv(EnvPath, "")
	cfg, err := Load("")
	require.NoError(t, err)

	bad := *cfg
	bad.Mode = "cluster"
	bad.Database.Driver = "mysql"
	bad.Sync.Workers = 0
	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mode must be")
	assert.Contains(t, err.Error(), "unsupported database driver")
	assert.Contains(t, err.Error(), "sync.workers")
}

func TestTokenKeyBytes(t *testing.T) {
	key, err := CryptoConfig{}.TokenKeyBytes()
	assert.NoError(t, err)
	assert.Nil(t, key)

	raw := make([]byte, 32)
	raw[0] = 7
	key, err = CryptoConfig{TokenKey: base64.StdEncoding.EncodeToString(raw)}.TokenKeyBytes()
	require.NoError(t, err)
	assert.Equal(t, byte(7), key[0])

	_, err = CryptoConfig{TokenKey: base64.StdEncoding.EncodeToString([]byte("short"))}.TokenKeyBytes()
	assert.Error(t, err)
}
