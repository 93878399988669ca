package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigPath names the environment variable that points at a config file.
const EnvConfigPath = "QUBES_PROXY_CONFIG"

const systemConfigPath = "/etc/qubes-proxy/config.yaml"

// ErrNoConfig means no configuration file was found in any standard location.
var ErrNoConfig = errors.New("no config found")

// Discover finds the config file by checking standard locations.
// Priority order: $QUBES_PROXY_CONFIG, ~/.config/qubes-proxy/config.yaml,
// /etc/qubes-proxy/config.yaml.
func Discover() (string, error) {
	home, _ := os.UserHomeDir()
	return discover(os.Getenv(EnvConfigPath), home, systemConfigPath)
}

func discover(envPath, home, systemPath string) (string, error) {
	if envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return "", fmt.Errorf("$%s points at %s: %w", EnvConfigPath, envPath, err)
		}
		return envPath, nil
	}

	var candidates []string
	if home != "" {
		candidates = append(candidates, filepath.Join(home, ".config", "qubes-proxy", "config.yaml"))
	}
	candidates = append(candidates, systemPath)

	for _, path := range candidates {
		if fileExists(path) {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w (checked: $%s, ~/.config/qubes-proxy/config.yaml, %s)", ErrNoConfig, EnvConfigPath, systemPath)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
