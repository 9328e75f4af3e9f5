package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"parallel-go/internal/parallel"
)

// WriteFile writes content to root/rel, creating parents, and sets its
// modification time. Returns the absolute path.
func WriteFile(t *testing.T, root, rel string, content []byte, mtime time.Time) string {
	t.Helper()

	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatalf("creating directory for %s: %v", rel, err)
	}
	if err := os.WriteFile(p, content, 0644); err != nil {
		t.Fatalf("writing %s: %v", rel, err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(p, mtime, mtime); err != nil {
			t.Fatalf("setting mtime of %s: %v", rel, err)
		}
	}
	return p
}

// ReadFile returns the content of p or fails the test.
func ReadFile(t *testing.T, p string) []byte {
	t.Helper()
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("reading %s: %v", p, err)
	}
	return data
}

// Record stats p and returns its FileRecord with the checksum filled in.
func Record(t *testing.T, p string) *parallel.FileRecord {
	t.Helper()
	info, err := os.Stat(p)
	if err != nil {
		t.Fatalf("stat %s: %v", p, err)
	}
	rec := parallel.NewFileRecord(parallel.NormalizePath(p), info)
	rec.Checksum = SHA256Hex(ReadFile(t, p))
	return rec
}
