package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "hubsync-local", cfg.NetworkName)
	require.Equal(t, "./hubsync-data", cfg.DataDir)
	require.Equal(t, ":7601", cfg.ListenAddress)
	require.Equal(t, defaultSyncIntervalSeconds, cfg.SyncIntervalSeconds)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to be written: %v", err)
	}
}

func TestLoadParsesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := fmt.Sprintf(`DataDir = "%s"
ListenAddress = "0.0.0.0:9100"
NetworkName = "hubsync-test"
PersistentPeers = ["peer-a.example.org:7601"]
SyncIntervalSeconds = 5
RateLimitPerSecond = 25.5
RateLimitBurst = 50
`, filepath.Join(dir, "data"))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9100", cfg.ListenAddress)
	require.Equal(t, "hubsync-test", cfg.NetworkName)
	require.Equal(t, []string{"peer-a.example.org:7601"}, cfg.PersistentPeers)
	require.Equal(t, 5, cfg.SyncIntervalSeconds)
	require.Equal(t, 25.5, cfg.RateLimitPerSecond)
	require.Equal(t, 50, cfg.RateLimitBurst)
}

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`NetworkName = "hubsync-test"`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, float64(defaultRateLimitPerSecond), cfg.RateLimitPerSecond)
	require.Equal(t, defaultRateLimitBurst, cfg.RateLimitBurst)
	require.Equal(t, "info", cfg.LogLevel)
	require.NotNil(t, cfg.PersistentPeers)
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("not = [valid"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
