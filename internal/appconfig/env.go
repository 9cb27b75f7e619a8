package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// aliasEnv holds prefixed spellings of variables whose primary name is
// unprefixed. The primary name wins when both are set.
type aliasEnv struct {
	DataDir string `env:"APPWATCH_DATA_DIR"`
}

// ApplyEnv overlays environment variables onto cfg. Unset variables leave
// the current values untouched.
func ApplyEnv(cfg *Config) error {
	var alias aliasEnv
	if err := env.Parse(&alias); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if alias.DataDir != "" {
		cfg.DataDir = alias.DataDir
	}
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment. Variables
// that are already set win. Missing files are skipped; the loaded paths are returned.
func LoadDotEnv(paths ...string) ([]string, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var loaded []string
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return loaded, err
		}
		if err := godotenv.Load(path); err != nil {
			return loaded, fmt.Errorf("load %s: %w", path, err)
		}
		loaded = append(loaded, path)
	}
	return loaded, nil
}
