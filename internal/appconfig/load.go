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

// Load reads configuration from the provided path, then applies environment
// overrides. If path is empty, DefaultConfigPath is used. A missing file is
// not an error; the defaults apply.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err == nil {
			path = defaultPath
		}
	}

	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("telegram.token", cfg.Telegram.Token)
	v.SetDefault("telegram.api_url", cfg.Telegram.APIURL)
	v.SetDefault("telegram.poll_timeout_seconds", cfg.Telegram.PollTimeoutSeconds)
	v.SetDefault("monitor.interval_minutes", cfg.Monitor.IntervalMinutes)
	v.SetDefault("monitor.first_delay_seconds", cfg.Monitor.FirstDelaySeconds)
	v.SetDefault("monitor.lookup_pause_ms", cfg.Monitor.LookupPauseMillis)
	v.SetDefault("monitor.lookup_url", cfg.Monitor.LookupURL)
	v.SetDefault("monitor.request_timeout_seconds", cfg.Monitor.RequestTimeoutSeconds)
	v.SetDefault("notify.test_pause_ms", cfg.Notify.TestPauseMillis)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("container.runtime", cfg.Container.Runtime)
	v.SetDefault("container.builder", cfg.Container.Builder)
	v.SetDefault("container.image", cfg.Container.Image)
	v.SetDefault("container.preset", cfg.Container.Preset)
	v.SetDefault("container.variant", cfg.Container.Variant)
	v.SetDefault("container.build_timeout_minutes", cfg.Container.BuildTimeout)
	v.SetDefault("container.pull_timeout_minutes", cfg.Container.PullTimeout)
	v.SetDefault("container.podman.address", cfg.Container.Podman.Address)
	v.SetDefault("container.podman.userns_mode", cfg.Container.Podman.UserNSMode)
	v.SetDefault("container.containerd.address", cfg.Container.Containerd.Address)
	v.SetDefault("container.containerd.namespace", cfg.Container.Containerd.Namespace)
	v.SetDefault("container.buildkit.address", cfg.Container.BuildKit.Address)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			if !v.IsSet("config_version") {
				return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
			}
			if v.GetInt("config_version") != CurrentConfigVersion {
				return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late at runtime.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if cfg.Monitor.IntervalMinutes <= 0 {
		return fmt.Errorf("monitor.interval_minutes must be positive, got %d", cfg.Monitor.IntervalMinutes)
	}
	if cfg.Monitor.FirstDelaySeconds < 0 {
		return fmt.Errorf("monitor.first_delay_seconds must not be negative")
	}
	if cfg.Monitor.LookupPauseMillis < 0 || cfg.Notify.TestPauseMillis < 0 {
		return fmt.Errorf("pause durations must not be negative")
	}
	for name, raw := range map[string]string{
		"telegram.api_url":   cfg.Telegram.APIURL,
		"monitor.lookup_url": cfg.Monitor.LookupURL,
	} {
		parsed, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("%s must include scheme and host (e.g. https://example.com)", name)
		}
	}
	switch cfg.Container.Runtime {
	case "podman", "containerd":
	default:
		return fmt.Errorf("unsupported container.runtime %q", cfg.Container.Runtime)
	}
	switch cfg.Container.Builder {
	case "", "podman", "buildkit":
	default:
		return fmt.Errorf("unsupported container.builder %q", cfg.Container.Builder)
	}
	switch cfg.Container.Variant {
	case "default", "hardened":
	default:
		return fmt.Errorf("unsupported container.variant %q", cfg.Container.Variant)
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.DataDir = expandEnv(cfg.DataDir)
	cfg.Container.Podman.Address = expandEnv(cfg.Container.Podman.Address)
	cfg.Container.Containerd.Address = expandEnv(cfg.Container.Containerd.Address)
	cfg.Container.BuildKit.Address = expandEnv(cfg.Container.BuildKit.Address)
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

	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
