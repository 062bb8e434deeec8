// Package config loads service configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HTTPConfig holds the HTTP surface settings.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig holds the local sqlite store settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds the JetStream settings for status lines and change
// notifications.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	StatusStream  string `mapstructure:"status_stream"`
	NotifySubject string `mapstructure:"notify_subject"`
}

// ListenerConfig holds the listener-service client settings. The
// timeout is deliberately generous: remote backends can take minutes
// to answer subscription calls, and completing beats being responsive
// here.
type ListenerConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SyncConfig holds the synchronization engine settings.
type SyncConfig struct {
	// ImportHorizon is the lower bound for imports: items older than
	// now-horizon are never imported, even on first sync.
	ImportHorizon time.Duration `mapstructure:"import_horizon"`

	// DedupeByFingerprint enables the content-hash fallback when a
	// remote item carries no correlation id.
	DedupeByFingerprint bool `mapstructure:"dedupe_by_fingerprint"`

	// FingerprintWindow bounds how far apart two item dates may be and
	// still count as the same occurrence for fingerprint dedup.
	FingerprintWindow time.Duration `mapstructure:"fingerprint_window"`

	// LockTTL is the expiry on advisory per-record locks, the safety
	// net when an unlock path never runs.
	LockTTL time.Duration `mapstructure:"lock_ttl"`

	PageSize int `mapstructure:"page_size"`
}

// FailoverConfig holds the subscription-audit control loop settings.
type FailoverConfig struct {
	// Interval between controller passes. Zero disables the loop.
	Interval time.Duration `mapstructure:"interval"`

	// SafetyOffset is subtracted from the catch-up starting checkpoint
	// to tolerate clock skew between failure detection and the actual
	// last successful sync.
	SafetyOffset time.Duration `mapstructure:"safety_offset"`
}

// AuthConfig holds JWT verification and credential-service settings.
type AuthConfig struct {
	JWKSURL       string `mapstructure:"jwks_url"`
	CredentialURL string `mapstructure:"credential_url"`
}

// Config is the top-level service configuration.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Listener ListenerConfig `mapstructure:"listener"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Failover FailoverConfig `mapstructure:"failover"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "syncd.yaml")
	}
	return filepath.Join(home, ".config", "syncd", "syncd.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("database.path", "data/syncd.db")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.status_stream", "SYNC_STATUS")
	v.SetDefault("nats.notify_subject", "mailbox.*.changed")
	v.SetDefault("listener.timeout", 3*time.Minute)
	v.SetDefault("sync.import_horizon", 30*24*time.Hour)
	v.SetDefault("sync.dedupe_by_fingerprint", true)
	v.SetDefault("sync.fingerprint_window", 24*time.Hour)
	v.SetDefault("sync.lock_ttl", 30*time.Minute)
	v.SetDefault("sync.page_size", 100)
	v.SetDefault("failover.interval", 5*time.Minute)
	v.SetDefault("failover.safety_offset", 5*time.Minute)
}

// Load reads the config file at path, applying defaults and SYNCD_*
// environment overrides. A missing file is not an error; defaults are
// returned so the service can start against a local stack.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SYNCD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}
