package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/klauspost/compress/gzip"
)

// Policy is the backup policy stored alongside a vault on its backend.
type Policy struct {
	BackupDirectories []string `json:"backupDirectories"`
	IgnoreDirectories []string `json:"ignoreDirectories"`
	PruneDirectories  []string `json:"pruneDirectories,omitempty"`
	BackupInterval    int      `json:"backupInterval"` // minutes
	PrunePeriod       int      `json:"prunePeriod"`    // days
}

// RemoteConfig is the config.json.gz document kept at the root of a vault.
type RemoteConfig struct {
	Vault  VaultConfig `json:"vault"`
	Policy *Policy     `json:"policy,omitempty"`
}

const (
	DefaultBackupInterval = 60
	DefaultPrunePeriod    = 180
)

// DefaultPolicy returns the policy written to a vault that has no remote
// config yet. vaultRoot is always ignored so a vault never backs itself up.
func DefaultPolicy(vaultRoot string) *Policy {
	p := &Policy{
		BackupDirectories: defaultBackupDirectories(),
		IgnoreDirectories: defaultIgnoreDirectories(runtime.GOOS),
		BackupInterval:    DefaultBackupInterval,
		PrunePeriod:       DefaultPrunePeriod,
	}
	if vaultRoot != "" {
		p.IgnoreDirectories = append(p.IgnoreDirectories, vaultRoot)
	}
	return p
}

func defaultBackupDirectories() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	var dirs []string
	for _, name := range []string{"Desktop", "Documents", "Pictures", "Music", "Videos"} {
		p := filepath.Join(home, name)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			dirs = append(dirs, p)
		}
	}
	return dirs
}

func defaultIgnoreDirectories(goos string) []string {
	switch goos {
	case "windows":
		return []string{"$RECYCLE.BIN/", "System Volume Information/", "*.lnk", "*desktop.ini", "*Thumbs.db"}
	case "darwin":
		return []string{".Trash/", ".Trashes/", ".Spotlight-V100/", ".fseventsd/", "*.DS_Store"}
	default:
		return []string{"lost+found/", ".Trash/", ".cache/", "*.desktop"}
	}
}

// Normalize fills zero-valued policy settings with their defaults.
func (p *Policy) Normalize() {
	if p.BackupInterval <= 0 {
		p.BackupInterval = DefaultBackupInterval
	}
	if p.PrunePeriod <= 0 {
		p.PrunePeriod = DefaultPrunePeriod
	}
}

// EncodeRemote writes rc to w as gzip-compressed JSON.
func EncodeRemote(w io.Writer, rc *RemoteConfig) error {
	zw := gzip.NewWriter(w)
	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rc); err != nil {
		zw.Close()
		return fmt.Errorf("encoding remote config: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compressing remote config: %w", err)
	}
	return nil
}

// DecodeRemote reads gzip-compressed JSON written by EncodeRemote.
func DecodeRemote(r io.Reader) (*RemoteConfig, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("decompressing remote config: %w", err)
	}
	defer zr.Close()

	var rc RemoteConfig
	if err := json.NewDecoder(zr).Decode(&rc); err != nil {
		return nil, fmt.Errorf("decoding remote config: %w", err)
	}
	if rc.Policy != nil {
		rc.Policy.Normalize()
	}
	return &rc, nil
}
