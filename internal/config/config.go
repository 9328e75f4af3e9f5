package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// Config represents the local configuration for parallel.
type Config struct {
	BaseDir     string            `toml:"base_dir"`
	LogDir      string            `toml:"log_dir"`
	TempDir     string            `toml:"temp_dir,omitempty"`
	Log         LogConfig         `toml:"log"`
	Parallelism ParallelismConfig `toml:"parallelism"`
	Encryption  EncryptionConfig  `toml:"encryption"`
	Vaults      []VaultConfig     `toml:"vaults"`
}

// LogConfig controls the rotating log file.
type LogConfig struct {
	Level      string `toml:"level"` // "debug", "info" (default), "warn", "error"
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// ParallelismConfig bounds the worker pools used by the service and sessions.
// Zero values are replaced by defaults in Normalize.
type ParallelismConfig struct {
	MaxConcurrentVaults    int `toml:"max_concurrent_vaults"`
	MaxConcurrentProcesses int `toml:"max_concurrent_processes"`
	MaxConcurrentUploads   int `toml:"max_concurrent_uploads"`
}

// EncryptionConfig holds paths to the age key pair used for encrypted vaults.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// VaultConfig is the identity and credentials of one backup destination.
// The same value is embedded in the remote config, minus secrets.
type VaultConfig struct {
	ID          string      `toml:"id" json:"id"`
	Name        string      `toml:"name" json:"name"`
	Enabled     bool        `toml:"enabled" json:"enabled"`
	Strategy    string      `toml:"strategy,omitempty" json:"strategy,omitempty"` // "objects" (default), "files", "delta"
	Credentials Credentials `toml:"credentials" json:"credentials"`
}

// Credentials describes how to reach a vault's storage.
// This uses a tagged union pattern - the Service field determines which other fields are relevant.
type Credentials struct {
	Service string `toml:"service" json:"service"` // "local", "memory", "s3" or "ssh"
	Root    string `toml:"root" json:"root"`
	Encrypt bool   `toml:"encrypt,omitempty" json:"encrypt,omitempty"`

	// S3 and SSH fields
	Address  string `toml:"address,omitempty" json:"address,omitempty"`
	Username string `toml:"username,omitempty" json:"username,omitempty"`
	Password string `toml:"password,omitempty" json:"-"`

	// S3-only fields
	Region         string `toml:"region,omitempty" json:"region,omitempty"`
	Bucket         string `toml:"bucket,omitempty" json:"bucket,omitempty"`
	ForcePathStyle bool   `toml:"force_path_style,omitempty" json:"forcePathStyle,omitempty"`
}

// NewConfig creates a new Config rooted at baseDir with default paths and limits.
func NewConfig(baseDir string) *Config {
	cfg := &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "parallel.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "parallel.key"),
		},
	}
	cfg.Normalize()
	return cfg
}

// Normalize fills zero-valued settings with their defaults.
func (c *Config) Normalize() {
	c.Parallelism = c.Parallelism.withDefaults()
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays <= 0 {
		c.Log.MaxAgeDays = 30
	}
}

func (p ParallelismConfig) withDefaults() ParallelismConfig {
	if p.MaxConcurrentVaults <= 0 {
		p.MaxConcurrentVaults = 2
	}
	if p.MaxConcurrentProcesses <= 0 {
		p.MaxConcurrentProcesses = DefaultProcesses(runtime.NumCPU())
	}
	if p.MaxConcurrentUploads <= 0 {
		p.MaxConcurrentUploads = 4
	}
	return p
}

// DefaultProcesses returns half the processors, clamped to [1, cpus].
func DefaultProcesses(cpus int) int {
	if cpus < 1 {
		return 1
	}
	n := cpus / 2
	if n < 1 {
		n = 1
	}
	if n > cpus {
		n = cpus
	}
	return n
}

// Vault returns the vault with the given name or ID, or nil if none matches.
func (c *Config) Vault(nameOrID string) *VaultConfig {
	for i := range c.Vaults {
		if c.Vaults[i].Name == nameOrID || c.Vaults[i].ID == nameOrID {
			return &c.Vaults[i]
		}
	}
	return nil
}

// EnabledVaults returns all vaults with Enabled set, in config order.
func (c *Config) EnabledVaults() []VaultConfig {
	var out []VaultConfig
	for _, v := range c.Vaults {
		if v.Enabled {
			out = append(out, v)
		}
	}
	return out
}

// AddVault appends a vault, rejecting duplicate names or IDs.
func (c *Config) AddVault(v VaultConfig) error {
	if v.Name == "" || v.ID == "" {
		return fmt.Errorf("vault requires both a name and an id")
	}
	if c.Vault(v.Name) != nil || c.Vault(v.ID) != nil {
		return fmt.Errorf("vault %q already exists", v.Name)
	}
	c.Vaults = append(c.Vaults, v)
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path, replacing any existing file.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".parallel-*.toml")
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer os.Remove(tmp.Name())

	m := &Manager{}
	if err := m.Write(tmp, cfg); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing config file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := Save(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
