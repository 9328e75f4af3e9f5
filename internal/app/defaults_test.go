package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv("PARALLEL_CONFIG_PATH", "/custom/config.toml")
		t.Setenv("PARALLEL_HOME", "/custom/parallel")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		if defaults["config_path"] != "/custom/config.toml" {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], "/custom/config.toml")
		}
		if defaults["base_dir"] != "/custom/parallel" {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], "/custom/parallel")
		}
		if defaults["log_dir"] != "/custom/parallel/log" {
			t.Errorf("log_dir = %q, want %q", defaults["log_dir"], "/custom/parallel/log")
		}
	})

	t.Run("falls back to home dir defaults", func(t *testing.T) {
		t.Setenv("PARALLEL_CONFIG_PATH", "")
		t.Setenv("PARALLEL_HOME", "")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		homeDir, _ := os.UserHomeDir()

		wantConfig := filepath.Join(homeDir, ".config", "parallel.toml")
		if defaults["config_path"] != wantConfig {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], wantConfig)
		}

		wantBase := filepath.Join(homeDir, ".local", "share", "parallel")
		if defaults["base_dir"] != wantBase {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], wantBase)
		}
		if defaults["log_dir"] != filepath.Join(wantBase, "log") {
			t.Errorf("log_dir = %q", defaults["log_dir"])
		}
	})
}
