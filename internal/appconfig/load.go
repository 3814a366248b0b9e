package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("origin", cfg.Origin)
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("store.backend", cfg.Store.Backend)
	v.SetDefault("store.redis_url", cfg.Store.RedisURL)
	v.SetDefault("auth.url", cfg.Auth.URL)
	v.SetDefault("auth.api_key", cfg.Auth.APIKey)
	v.SetDefault("auth.storage_key", cfg.Auth.StorageKey)
	v.SetDefault("injection.trusted_hosts", cfg.Injection.TrustedHosts)
	v.SetDefault("timing.settle_delay_ms", cfg.Timing.SettleDelayMS)
	v.SetDefault("timing.suppression_window_ms", cfg.Timing.SuppressionWindowMS)
	v.SetDefault("timing.loading_ceiling_ms", cfg.Timing.LoadingCeilingMS)
	v.SetDefault("timing.reload_delay_ms", cfg.Timing.ReloadDelayMS)
	v.SetDefault("purge.entry_point", cfg.Purge.EntryPoint)
	v.SetDefault("purge.known_keys", cfg.Purge.KnownKeys)
	v.SetDefault("purge.prefixes", cfg.Purge.Prefixes)
	v.SetDefault("purge.vocabulary", cfg.Purge.Vocabulary)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
		if !v.InConfig("origin") {
			return Config{}, fmt.Errorf("origin is required for config_version %d", CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if err := requireURL("origin", cfg.Origin); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Auth.URL) != "" {
		if err := requireURL("auth.url", cfg.Auth.URL); err != nil {
			return err
		}
	}
	switch cfg.Store.Backend {
	case BackendFile:
	case BackendRedis:
		if strings.TrimSpace(cfg.Store.RedisURL) == "" {
			return fmt.Errorf("store.redis_url is required when store.backend is %q", BackendRedis)
		}
	default:
		return fmt.Errorf("unsupported store.backend %q", cfg.Store.Backend)
	}
	entry := strings.TrimSpace(cfg.Purge.EntryPoint)
	if entry != "" && (!strings.HasPrefix(entry, "/") || strings.Contains(entry, "://")) {
		return fmt.Errorf("purge.entry_point must be a path (e.g. /login)")
	}
	for _, ms := range []int{cfg.Timing.SettleDelayMS, cfg.Timing.SuppressionWindowMS, cfg.Timing.LoadingCeilingMS, cfg.Timing.ReloadDelayMS} {
		if ms < 0 {
			return fmt.Errorf("timing values must not be negative")
		}
	}
	return nil
}

func requireURL(name, value string) error {
	parsed, err := url.Parse(strings.TrimSpace(value))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%s must include scheme and host (e.g. https://example.com)", name)
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Store.RedisURL = expandEnv(cfg.Store.RedisURL)
	cfg.Auth.URL = expandEnv(cfg.Auth.URL)
	cfg.Auth.APIKey = expandEnv(cfg.Auth.APIKey)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
