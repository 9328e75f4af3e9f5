package parallel

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Layout builds every remote path of one vault:
//
//	<root>/Parallel/<vaultId>/
//	  config.json.gz
//	  index.db.gz
//	  Files/<local tree>.gz
//	  objects/<h0h1>/<h2h3>/<h4h5>/<h6h7>/<hash>
//
// Paths always use forward slashes.
type Layout struct {
	Root    string
	VaultID string
}

// shardDepth is the number of 2-character directory levels under objects/.
const shardDepth = 4

// Dir returns the vault directory.
func (l Layout) Dir() string {
	return path.Join(filepath.ToSlash(l.Root), "Parallel", l.VaultID)
}

func (l Layout) ConfigPath() string { return path.Join(l.Dir(), "config.json.gz") }
func (l Layout) IndexPath() string  { return path.Join(l.Dir(), "index.db.gz") }
func (l Layout) FilesDir() string   { return path.Join(l.Dir(), "Files") }
func (l Layout) ObjectsDir() string { return path.Join(l.Dir(), "objects") }

// FilePath returns the whole-file location of localPath: the local path is
// mirrored under Files/ with any drive colon stripped and ".gz" appended.
func (l Layout) FilePath(localPath string) string {
	p := filepath.ToSlash(localPath)
	if len(p) >= 2 && p[1] == ':' {
		p = p[:1] + p[2:]
	}
	return path.Join(l.FilesDir(), p) + ".gz"
}

// ObjectPath returns the sharded location of a chunk.
func (l Layout) ObjectPath(hash string) (string, error) {
	if len(hash) < shardDepth*2 {
		return "", fmt.Errorf("%w: %q is shorter than %d characters", ErrInvalidHash, hash, shardDepth*2)
	}
	if strings.Trim(strings.ToLower(hash), "0123456789abcdef") != "" {
		return "", fmt.Errorf("%w: %q is not hex", ErrInvalidHash, hash)
	}
	parts := []string{l.ObjectsDir()}
	for i := 0; i < shardDepth; i++ {
		parts = append(parts, hash[i*2:i*2+2])
	}
	parts = append(parts, hash)
	return path.Join(parts...), nil
}
