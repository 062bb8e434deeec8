package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 30*24*time.Hour, cfg.Sync.ImportHorizon)
	assert.True(t, cfg.Sync.DedupeByFingerprint)
	assert.Equal(t, 24*time.Hour, cfg.Sync.FingerprintWindow)
	assert.Equal(t, 30*time.Minute, cfg.Sync.LockTTL)
	assert.Equal(t, 5*time.Minute, cfg.Failover.Interval)
	assert.Equal(t, "mailbox.*.changed", cfg.NATS.NotifySubject)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncd.yaml")
	content := `
http:
  addr: ":9090"
sync:
  import_horizon: 168h
  dedupe_by_fingerprint: false
failover:
  interval: 0
auth:
  jwks_url: https://auth.example.com/jwks
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 7*24*time.Hour, cfg.Sync.ImportHorizon)
	assert.False(t, cfg.Sync.DedupeByFingerprint)
	assert.Zero(t, cfg.Failover.Interval, "zero interval disables the failover loop")
	assert.Equal(t, "https://auth.example.com/jwks", cfg.Auth.JWKSURL)

	// Untouched keys keep their defaults.
	assert.Equal(t, 24*time.Hour, cfg.Sync.FingerprintWindow)
}
