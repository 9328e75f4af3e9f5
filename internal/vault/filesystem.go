package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"parallel-go/internal/parallel"
)

// LocalProvider stores a vault on a mounted filesystem: a local disk, a USB
// drive or a network share. Paths given to it are absolute, slash-separated.
type LocalProvider struct{}

// NewLocalProvider checks that root exists and is a directory.
func NewLocalProvider(root string) (*LocalProvider, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("vault root not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault root is not a directory: %s", root)
	}
	return &LocalProvider{}, nil
}

func (p *LocalProvider) CreateDirectory(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.FromSlash(path), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	return nil
}

func (p *LocalProvider) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(filepath.FromSlash(path))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

func (p *LocalProvider) DeleteFile(ctx context.Context, path string) error {
	err := os.Remove(filepath.FromSlash(path))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}

func (p *LocalProvider) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.FromSlash(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, parallel.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// Upload writes r to a temp file beside path and renames it into place, so
// a reader never observes a partial file.
func (p *LocalProvider) Upload(ctx context.Context, r io.Reader, path string, overwrite bool) (int64, error) {
	destPath := filepath.FromSlash(path)
	if !overwrite {
		if _, err := os.Stat(destPath); err == nil {
			return 0, nil
		}
	}

	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("creating directory: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		tmpFile.Close()
		return 0, fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return written, nil
}

func (p *LocalProvider) Close() error { return nil }

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(b)
}

var _ parallel.StorageProvider = (*LocalProvider)(nil)
