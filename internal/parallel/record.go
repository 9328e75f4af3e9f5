package parallel

import (
	"crypto/sha1"
	"encoding/hex"
	"io/fs"
	"path/filepath"
	"strings"
	"time"
)

// FileRecord is one revision of one tracked path.
// Rows are never mutated in place; a change produces a new record with a newer LastUpdate.
type FileRecord struct {
	ID         string // SHA-1 of the normalized local path
	Name       string
	LocalPath  string
	RemotePath string
	LastWrite  time.Time
	LastUpdate time.Time
	LocalSize  int64
	// RemoteSize counts only the bytes this revision newly stored. Content
	// already in the vault adds nothing, so summed over live revisions it is
	// the vault's stored footprint whichever copy was pushed first.
	RemoteSize int64
	Category   Category
	Hidden     bool
	ReadOnly   bool
	Deleted    bool
	Checksum   string // SHA-256 of the content, hex
}

// NormalizePath cleans p and converts it to forward slashes.
func NormalizePath(p string) string {
	return filepath.ToSlash(filepath.Clean(p))
}

// FileID returns the stable fingerprint of a local path.
func FileID(localPath string) string {
	sum := sha1.Sum([]byte(NormalizePath(localPath)))
	return hex.EncodeToString(sum[:])
}

// NewFileRecord builds a record for a file on disk. The checksum is left empty.
func NewFileRecord(localPath string, info fs.FileInfo) *FileRecord {
	name := info.Name()
	return &FileRecord{
		ID:        FileID(localPath),
		Name:      name,
		LocalPath: localPath,
		LastWrite: info.ModTime(),
		LocalSize: info.Size(),
		Category:  CategoryOf(name),
		Hidden:    strings.HasPrefix(name, "."),
		ReadOnly:  info.Mode().Perm()&0200 == 0,
	}
}

// Clone returns a copy of r.
func (r *FileRecord) Clone() *FileRecord {
	c := *r
	return &c
}

// HasChanged reports whether local differs from the indexed remote revision.
//
// A file is changed only when its write time advanced AND its content hash
// differs. A content change with a regressed or unchanged mtime is not detected.
func HasChanged(local, remote *FileRecord) bool {
	if remote == nil {
		return true
	}
	return local.LastWrite.After(remote.LastWrite) && local.Checksum != remote.Checksum
}
