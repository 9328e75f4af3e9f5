package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"parallel-go/internal/parallel"
)

// Scanner compares a directory tree with a vault's index.
// It only reads: neither the filesystem nor the index is modified.
type Scanner struct {
	index   parallel.Index
	logger  parallel.Logger
	workers int
}

// NewScanner creates a scanner that hashes at most workers files at once.
func NewScanner(index parallel.Index, logger parallel.Logger, workers int) *Scanner {
	if logger == nil {
		logger = parallel.NewNopLogger()
	}
	if workers <= 0 {
		workers = 1
	}
	return &Scanner{index: index, logger: logger, workers: workers}
}

// Scan walks root and classifies every file against the newest live
// revision of each indexed path under root.
func (s *Scanner) Scan(ctx context.Context, root string, ignore *IgnoreMatcher) (*parallel.ScanResult, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving absolute path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat scan root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan root is not a directory: %s", abs)
	}

	local, err := s.walk(ctx, abs, ignore)
	if err != nil {
		return nil, err
	}

	indexed, err := s.index.GetLatestFiles(ctx, parallel.NormalizePath(abs), time.Time{}, false)
	if err != nil {
		return nil, fmt.Errorf("loading indexed files: %w", err)
	}
	remote := make(map[string]*parallel.FileRecord, len(indexed))
	for _, r := range indexed {
		remote[r.LocalPath] = r
	}

	res := &parallel.ScanResult{}
	var toHash []*parallel.FileRecord
	for _, f := range local {
		r, known := remote[f.LocalPath]
		switch {
		case ignore.Match(f.LocalPath):
			if !known {
				res.Ignored = append(res.Ignored, f)
			}
		case !known:
			toHash = append(toHash, f)
		case f.LastWrite.Truncate(time.Millisecond).After(r.LastWrite):
			toHash = append(toHash, f)
		}
	}

	seen := make(map[string]bool, len(local))
	for _, f := range local {
		seen[f.LocalPath] = true
	}
	for _, r := range indexed {
		if seen[r.LocalPath] && !ignore.Match(r.LocalPath) {
			continue
		}
		gone := r.Clone()
		gone.Deleted = true
		res.Deleted = append(res.Deleted, gone)
	}

	hashed, err := s.hashAll(ctx, toHash)
	if err != nil {
		return nil, err
	}
	for _, f := range hashed {
		r := remote[f.LocalPath]
		if r == nil {
			res.Created = append(res.Created, f)
		} else if parallel.HasChanged(f, r) {
			res.Changed = append(res.Changed, f)
		}
	}

	res.Sort()
	s.logger.Debug("scan complete", "root", abs,
		"created", len(res.Created), "changed", len(res.Changed),
		"deleted", len(res.Deleted), "ignored", len(res.Ignored))
	return res, nil
}

// walk enumerates regular files under root with an explicit stack.
// Unreadable directories are logged and skipped; ignored directories are not entered.
func (s *Scanner) walk(ctx context.Context, root string, ignore *IgnoreMatcher) ([]*parallel.FileRecord, error) {
	var files []*parallel.FileRecord
	stack := []string{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			s.logger.Warn("skipping inaccessible directory", "path", dir, "error", err)
			continue
		}
		for _, entry := range entries {
			full := filepath.Join(dir, entry.Name())
			switch {
			case entry.IsDir():
				if ignore.Match(parallel.NormalizePath(full)) {
					continue
				}
				stack = append(stack, full)
			case entry.Type().IsRegular():
				info, err := entry.Info()
				if err != nil {
					s.logger.Warn("skipping unreadable file", "path", full, "error", err)
					continue
				}
				files = append(files, parallel.NewFileRecord(parallel.NormalizePath(full), info))
			}
			// Symlinks, devices, pipes and sockets are not backed up.
		}
	}
	return files, nil
}

// hashAll fills in checksums with at most s.workers files open at once.
// Files that cannot be hashed are logged and dropped.
func (s *Scanner) hashAll(ctx context.Context, files []*parallel.FileRecord) ([]*parallel.FileRecord, error) {
	var (
		mu  sync.Mutex
		out = make([]*parallel.FileRecord, 0, len(files))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, f := range files {
		f := f
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sum, err := Checksum(filepath.FromSlash(f.LocalPath))
			if err != nil {
				s.logger.Warn("skipping file that could not be read", "path", f.LocalPath, "error", err)
				return nil
			}
			f.Checksum = sum
			mu.Lock()
			out = append(out, f)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("hashing files: %w", err)
	}
	return out, nil
}

// Checksum returns the hex SHA-256 of the file at name.
func Checksum(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("reading %s: %w", name, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Describe stats a single path for an explicit push. Directories and
// special files are rejected.
func Describe(name string) (*parallel.FileRecord, error) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return nil, fmt.Errorf("resolving absolute path: %w", err)
	}
	info, err := os.Lstat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat path: %w", err)
	}
	if err := checkRegular(abs, info); err != nil {
		return nil, err
	}
	rec := parallel.NewFileRecord(parallel.NormalizePath(abs), info)
	if rec.Checksum, err = Checksum(abs); err != nil {
		return nil, err
	}
	return rec, nil
}

func checkRegular(name string, info fs.FileInfo) error {
	mode := info.Mode()
	switch {
	case mode.IsRegular():
		return nil
	case mode.IsDir():
		return fmt.Errorf("is a directory: %s", name)
	case mode&os.ModeSymlink != 0:
		return fmt.Errorf("symlinks not supported: %s", name)
	case mode&os.ModeDevice != 0:
		return fmt.Errorf("device files not supported: %s", name)
	case mode&os.ModeNamedPipe != 0:
		return fmt.Errorf("named pipes not supported: %s", name)
	case mode&os.ModeSocket != 0:
		return fmt.Errorf("sockets not supported: %s", name)
	default:
		return fmt.Errorf("unsupported file type: %s", name)
	}
}
