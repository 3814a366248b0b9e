package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int             `mapstructure:"config_version" yaml:"config_version"`
	Origin        string          `mapstructure:"origin" yaml:"origin"`
	AppName       string          `mapstructure:"app_name" yaml:"app_name"`
	StateDir      string          `mapstructure:"state_dir" yaml:"state_dir"`
	Store         StoreConfig     `mapstructure:"store" yaml:"store"`
	Auth          AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Injection     InjectionConfig `mapstructure:"injection" yaml:"injection"`
	Timing        TimingConfig    `mapstructure:"timing" yaml:"timing"`
	Purge         PurgeConfig     `mapstructure:"purge" yaml:"purge"`
	Metrics       MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// Store backends.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// StoreConfig selects the durable store shared by the tabs of an origin.
type StoreConfig struct {
	Backend  string `mapstructure:"backend" yaml:"backend"`
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url"`
}

// AuthConfig points at the remote auth service.
type AuthConfig struct {
	URL    string `mapstructure:"url" yaml:"url"`
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
	// StorageKey overrides the durable key of the session blob.
	StorageKey string `mapstructure:"storage_key" yaml:"storage_key"`
}

// InjectionConfig lists hosts besides the origin that receive the bearer token.
type InjectionConfig struct {
	TrustedHosts []string `mapstructure:"trusted_hosts" yaml:"trusted_hosts"`
}

// TimingConfig holds reconciler and purge delays in milliseconds.
type TimingConfig struct {
	SettleDelayMS       int `mapstructure:"settle_delay_ms" yaml:"settle_delay_ms"`
	SuppressionWindowMS int `mapstructure:"suppression_window_ms" yaml:"suppression_window_ms"`
	LoadingCeilingMS    int `mapstructure:"loading_ceiling_ms" yaml:"loading_ceiling_ms"`
	ReloadDelayMS       int `mapstructure:"reload_delay_ms" yaml:"reload_delay_ms"`
}

// PurgeConfig tunes the logout purge. Empty lists use the built-in defaults.
type PurgeConfig struct {
	EntryPoint string   `mapstructure:"entry_point" yaml:"entry_point"`
	KnownKeys  []string `mapstructure:"known_keys" yaml:"known_keys"`
	Prefixes   []string `mapstructure:"prefixes" yaml:"prefixes"`
	Vocabulary []string `mapstructure:"vocabulary" yaml:"vocabulary"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// SessionStorageKey returns the durable key of the auth session blob.
func (c Config) SessionStorageKey() string {
	if key := strings.TrimSpace(c.Auth.StorageKey); key != "" {
		return key
	}
	name := strings.ToLower(strings.TrimSpace(c.AppName))
	if name == "" {
		name = "statusdesk"
	}
	return "sb-" + name + "-auth-token"
}

// SettleDelay returns the post-visibility revalidation delay.
func (t TimingConfig) SettleDelay() time.Duration { return millis(t.SettleDelayMS) }

// SuppressionWindow returns how long suppression flags stay set.
func (t TimingConfig) SuppressionWindow() time.Duration { return millis(t.SuppressionWindowMS) }

// LoadingCeiling returns the bound on the initial loading state.
func (t TimingConfig) LoadingCeiling() time.Duration { return millis(t.LoadingCeilingMS) }

// ReloadDelay returns the wait before the purge reload.
func (t TimingConfig) ReloadDelay() time.Duration { return millis(t.ReloadDelayMS) }

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Origin:        "http://localhost:3000",
		AppName:       "statusdesk",
		StateDir:      filepath.Join(home, ".statusdesk", "state"),
		Store: StoreConfig{
			Backend:  BackendFile,
			RedisURL: "",
		},
		Auth: AuthConfig{
			URL:        "http://localhost:54321/auth/v1",
			APIKey:     "",
			StorageKey: "",
		},
		Injection: InjectionConfig{
			TrustedHosts: []string{},
		},
		Timing: TimingConfig{
			SettleDelayMS:       500,
			SuppressionWindowMS: 2500,
			LoadingCeilingMS:    2500,
			ReloadDelayMS:       100,
		},
		Purge: PurgeConfig{
			EntryPoint: "/login",
			KnownKeys:  []string{},
			Prefixes:   []string{},
			Vocabulary: []string{},
		},
		Metrics: MetricsConfig{
			Addr: "",
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".statusdesk", "config.yaml"), nil
}
