package parallel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// pullItem is one record to write and where to write it.
type pullItem struct {
	file *FileRecord
	dest string // slash-separated local path
}

// Pull downloads records into their local paths, skipping files whose local
// copy is already current unless force is set. Returns the number written.
func (s *Session) Pull(ctx context.Context, files []*FileRecord, force bool) (int, error) {
	if err := s.begin(StatePulling); err != nil {
		return 0, err
	}
	defer s.end()

	items := make([]pullItem, len(files))
	for i, f := range files {
		items[i] = pullItem{file: f, dest: f.LocalPath}
	}
	return s.pullAll(ctx, items, force, OpDownload)
}

// RestoreOptions selects a point-in-time snapshot to write back to disk.
type RestoreOptions struct {
	Path            string    // prefix to restore; "" restores everything
	At              time.Time // zero means the newest revision
	RemapTo         string    // optional output root; structure below Path is preserved
	IncludeArchived bool
	Force           bool
}

// Restore writes the newest revision at or before opts.At of every path
// under opts.Path. A local file newer than its snapshot is left alone unless
// opts.Force is set. Returns the number of files written.
func (s *Session) Restore(ctx context.Context, opts RestoreOptions) (int, error) {
	if err := s.begin(StateRestoring); err != nil {
		return 0, err
	}
	defer s.end()

	prefix := ""
	if opts.Path != "" {
		prefix = NormalizePath(opts.Path)
	}

	files, err := s.index.GetLatestFiles(ctx, prefix, opts.At, opts.IncludeArchived)
	if err != nil {
		return 0, fmt.Errorf("resolving snapshot: %w", err)
	}
	s.deps.Logger.Info("restore started", "path", prefix, "at", opts.At, "files", len(files))

	items := make([]pullItem, len(files))
	for i, f := range files {
		items[i] = pullItem{file: f, dest: remap(f.LocalPath, prefix, opts.RemapTo)}
	}
	return s.pullAll(ctx, items, opts.Force, OpRestore)
}

// remap rewrites localPath from under prefix to under root. An empty root
// keeps localPath. With no prefix the whole path, minus any drive colon,
// is placed under root.
func remap(localPath, prefix, root string) string {
	if root == "" {
		return localPath
	}
	root = NormalizePath(root)
	rel := localPath
	if prefix != "" && (localPath == prefix || strings.HasPrefix(localPath, strings.TrimSuffix(prefix, "/")+"/")) {
		rel = strings.TrimPrefix(localPath, strings.TrimSuffix(prefix, "/"))
		if rel == "" {
			rel = path.Base(localPath)
		}
	} else if len(rel) >= 2 && rel[1] == ':' {
		rel = rel[:1] + rel[2:]
	}
	return path.Join(root, rel)
}

func (s *Session) pullAll(ctx context.Context, items []pullItem, force bool, op Operation) (int, error) {
	var written atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.opts.MaxConcurrentUploads)
	for _, it := range items {
		it := it
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if !force && isCurrent(it.dest, it.file) {
				s.deps.Progress.Report(OpSkip, it.file)
				return nil
			}
			if err := s.pullFile(ctx, it, op); err != nil {
				s.fail(it.file, "download failed", err)
				return nil
			}
			written.Add(1)
			return nil
		})
	}
	g.Wait()

	n := int(written.Load())
	if err := ctx.Err(); err != nil {
		return n, fmt.Errorf("%s interrupted: %w", op, err)
	}
	s.deps.Logger.Info(string(op)+" complete", "written", n)
	return n, nil
}

// isCurrent reports whether the file at dest is at least as new as rec.
func isCurrent(dest string, rec *FileRecord) bool {
	info, err := os.Stat(filepath.FromSlash(dest))
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	mtime := info.ModTime().Truncate(time.Millisecond)
	want := rec.LastWrite.Truncate(time.Millisecond)
	if mtime.After(want) {
		return true
	}
	return mtime.Equal(want) && info.Size() == rec.LocalSize
}

// pullFile writes one record to a temp file next to its destination, checks
// the content hash, then renames it into place.
func (s *Session) pullFile(ctx context.Context, it pullItem, op Operation) error {
	manifest, err := s.index.GetManifest(ctx, it.file.Checksum)
	if err != nil {
		return fmt.Errorf("loading manifest: %w", err)
	}

	dest := filepath.FromSlash(it.dest)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".parallel-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	if err := s.deps.Strategy.Download(ctx, s.target, it.file, manifest, io.MultiWriter(tmp, h)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != it.file.Checksum {
		return fmt.Errorf("checksum mismatch for %s: got %s, want %s", it.file.LocalPath, got, it.file.Checksum)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("moving file into place: %w", err)
	}
	success = true

	if err := os.Chtimes(dest, it.file.LastWrite, it.file.LastWrite); err != nil {
		s.deps.Logger.Warn("could not set modification time", "path", dest, "error", err)
	}

	rec := it.file.Clone()
	rec.LocalPath = it.dest
	if err := s.index.AddHistory(ctx, HistoryRestored, rec); err != nil {
		return fmt.Errorf("recording history: %w", err)
	}
	s.deps.Progress.Report(op, rec)
	return nil
}
