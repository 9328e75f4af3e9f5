package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - PARALLEL_CONFIG_PATH: config file location (default: ~/.config/parallel.toml)
//   - PARALLEL_HOME: base directory for parallel data (default: ~/.local/share/parallel)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath honors PARALLEL_CONFIG_PATH, falling back to ~/.config/parallel.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("PARALLEL_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "parallel.toml"), nil
}

// getBaseDir follows the XDG data directory convention unless PARALLEL_HOME is set.
func getBaseDir() (string, error) {
	if path := os.Getenv("PARALLEL_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "parallel"), nil
}
