package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the hub daemon's on-disk configuration.
type Config struct {
	DataDir       string   `toml:"DataDir"`
	ListenAddress string   `toml:"ListenAddress"` // gRPC sync surface
	MetricsAddress string  `toml:"MetricsAddress"`
	NetworkName   string   `toml:"NetworkName"`
	PersistentPeers []string `toml:"PersistentPeers"`
	SeedRegistryFile string `toml:"SeedRegistryFile,omitempty"`
	SyncIntervalSeconds int  `toml:"SyncIntervalSeconds"`
	RateLimitPerSecond  float64 `toml:"RateLimitPerSecond"`
	RateLimitBurst      int     `toml:"RateLimitBurst"`
	LogFile       string   `toml:"LogFile,omitempty"`
	LogLevel      string   `toml:"LogLevel"`
	OTLPEndpoint  string   `toml:"OTLPEndpoint,omitempty"`
}

const (
	defaultSyncIntervalSeconds = 10
	defaultRateLimitPerSecond  = 50
	defaultRateLimitBurst      = 100
)

// Load reads the configuration at path, writing and returning a default
// configuration if the file does not yet exist.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "hubsync-local"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./hubsync-data"
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7601"
	}
	if cfg.MetricsAddress == "" {
		cfg.MetricsAddress = ":7602"
	}
	if cfg.PersistentPeers == nil {
		cfg.PersistentPeers = []string{}
	}
	if cfg.SyncIntervalSeconds <= 0 {
		cfg.SyncIntervalSeconds = defaultSyncIntervalSeconds
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = defaultRateLimitPerSecond
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
}

// createDefault writes and returns a fresh default configuration at path.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
