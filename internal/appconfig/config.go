package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int             `mapstructure:"config_version" yaml:"config_version"`
	DataDir       string          `mapstructure:"data_dir" yaml:"data_dir" env:"DATA_DIR"`
	Telegram      TelegramConfig  `mapstructure:"telegram" yaml:"telegram"`
	Monitor       MonitorConfig   `mapstructure:"monitor" yaml:"monitor"`
	Notify        NotifyConfig    `mapstructure:"notify" yaml:"notify"`
	HTTP          HTTPConfig      `mapstructure:"http" yaml:"http"`
	Container     ContainerConfig `mapstructure:"container" yaml:"container"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// TelegramConfig configures the bot transport.
type TelegramConfig struct {
	Token              string `mapstructure:"token" yaml:"token,omitempty" env:"TELEGRAM_BOT_TOKEN"`
	APIURL             string `mapstructure:"api_url" yaml:"api_url" env:"APPWATCH_TELEGRAM_API_URL"`
	PollTimeoutSeconds int    `mapstructure:"poll_timeout_seconds" yaml:"poll_timeout_seconds" env:"APPWATCH_TELEGRAM_POLL_TIMEOUT_SECONDS"`
}

// MonitorConfig controls the scheduled App Store check.
type MonitorConfig struct {
	IntervalMinutes       int    `mapstructure:"interval_minutes" yaml:"interval_minutes" env:"APPWATCH_CHECK_INTERVAL_MINUTES"`
	FirstDelaySeconds     int    `mapstructure:"first_delay_seconds" yaml:"first_delay_seconds" env:"APPWATCH_CHECK_FIRST_DELAY_SECONDS"`
	LookupPauseMillis     int    `mapstructure:"lookup_pause_ms" yaml:"lookup_pause_ms" env:"APPWATCH_LOOKUP_PAUSE_MS"`
	LookupURL             string `mapstructure:"lookup_url" yaml:"lookup_url" env:"APPWATCH_LOOKUP_URL"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds" yaml:"request_timeout_seconds" env:"APPWATCH_REQUEST_TIMEOUT_SECONDS"`
}

// NotifyConfig controls external notification delivery.
type NotifyConfig struct {
	TestPauseMillis int `mapstructure:"test_pause_ms" yaml:"test_pause_ms" env:"APPWATCH_NOTIFY_TEST_PAUSE_MS"`
}

// HTTPConfig configures the optional health endpoint server.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr" env:"APPWATCH_HTTP_ADDR"`
}

// ContainerConfig configures image assembly, build and verification backends.
type ContainerConfig struct {
	Runtime      string           `mapstructure:"runtime" yaml:"runtime" env:"APPWATCH_CONTAINER_RUNTIME"`
	Builder      string           `mapstructure:"builder" yaml:"builder" env:"APPWATCH_CONTAINER_BUILDER"`
	Image        string           `mapstructure:"image" yaml:"image" env:"APPWATCH_IMAGE"`
	Preset       string           `mapstructure:"preset" yaml:"preset"`
	Variant      string           `mapstructure:"variant" yaml:"variant"`
	BuildTimeout int              `mapstructure:"build_timeout_minutes" yaml:"build_timeout_minutes"`
	PullTimeout  int              `mapstructure:"pull_timeout_minutes" yaml:"pull_timeout_minutes"`
	Podman       PodmanConfig     `mapstructure:"podman" yaml:"podman"`
	Containerd   ContainerdConfig `mapstructure:"containerd" yaml:"containerd"`
	BuildKit     BuildKitConfig   `mapstructure:"buildkit" yaml:"buildkit"`
}

// ContainerdConfig configures the containerd runtime endpoint.
type ContainerdConfig struct {
	Address   string `mapstructure:"address" yaml:"address" env:"APPWATCH_CONTAINERD_ADDRESS"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// PodmanConfig configures the podman runtime endpoint.
type PodmanConfig struct {
	Address    string `mapstructure:"address" yaml:"address" env:"APPWATCH_PODMAN_ADDRESS"`
	UserNSMode string `mapstructure:"userns_mode" yaml:"userns_mode"`
}

// BuildKitConfig configures the BuildKit endpoint.
type BuildKitConfig struct {
	Address string `mapstructure:"address" yaml:"address" env:"APPWATCH_BUILDKIT_ADDRESS"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = filepath.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		DataDir:       "./data",
		Telegram: TelegramConfig{
			APIURL:             "https://api.telegram.org",
			PollTimeoutSeconds: 30,
		},
		Monitor: MonitorConfig{
			IntervalMinutes:       60,
			FirstDelaySeconds:     10,
			LookupPauseMillis:     1000,
			LookupURL:             "https://itunes.apple.com/lookup",
			RequestTimeoutSeconds: 30,
		},
		Notify: NotifyConfig{
			TestPauseMillis: 500,
		},
		Container: ContainerConfig{
			Runtime:      "podman",
			Builder:      "",
			Image:        "localhost/appwatch:latest",
			Preset:       "self",
			Variant:      "hardened",
			BuildTimeout: 20,
			PullTimeout:  5,
			Podman: PodmanConfig{
				Address: fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "podman", "podman.sock")),
			},
			Containerd: ContainerdConfig{
				Address:   fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "containerd", "containerd.sock")),
				Namespace: "appwatch",
			},
		},
	}
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".appwatch", "config.yaml"), nil
}
