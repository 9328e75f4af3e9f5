package parallel

import (
	"context"
	"io"
)

// StorageProvider is the backend a vault lives on.
// Paths are slash-separated and built by Layout.
// Implementations must be safe for concurrent use and Close must be idempotent.
type StorageProvider interface {
	// CreateDirectory ensures a directory exists. Backends without directories may no-op.
	CreateDirectory(ctx context.Context, path string) error

	// Exists reports whether a file or directory exists at path.
	Exists(ctx context.Context, path string) (bool, error)

	// DeleteFile removes the file at path. Deleting an absent file is not an error.
	DeleteFile(ctx context.Context, path string) error

	// Download opens the file at path. Returns ErrNotFound when absent.
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Upload writes r to path and returns the number of bytes stored.
	// When the path exists and overwrite is false the upload is skipped and 0 is returned.
	Upload(ctx context.Context, r io.Reader, path string, overwrite bool) (int64, error)

	// Close releases the provider's resources.
	Close() error
}
