package parallel

import (
	"context"
	"time"
)

// SizeScope selects which size column GetTotalSize sums.
type SizeScope int

const (
	SizeLocal SizeScope = iota
	SizeRemote
)

// Manifest is the ordered list of chunk hashes that reconstitutes one content checksum.
type Manifest []string

// Index is the metadata index of one vault.
// Implementations serialize every call through a single-writer gate.
type Index interface {
	// AddFile upserts a revision by (LocalPath, Checksum). LastUpdate is
	// assigned when zero and bumped so it strictly increases per path; the
	// final value is written back to record.
	AddFile(ctx context.Context, record *FileRecord) error

	// GetLatestFiles returns, per distinct path under pathPrefix, the newest
	// revision with LastUpdate at or before at, newest first. A zero at
	// selects the newest revision of every path. Paths whose newest revision
	// is deleted are omitted unless includeDeleted is set.
	GetLatestFiles(ctx context.Context, pathPrefix string, at time.Time, includeDeleted bool) ([]*FileRecord, error)

	// GetLatestFile returns the newest revision of one path, or nil if the path is unknown.
	GetLatestFile(ctx context.Context, localPath string) (*FileRecord, error)

	// GetTotalSize sums the chosen size over the newest revision of every non-deleted path.
	GetTotalSize(ctx context.Context, scope SizeScope) (int64, error)

	// GetFileCount counts paths whose newest revision has the given deleted flag.
	GetFileCount(ctx context.Context, deleted bool) (int64, error)

	AddHistory(ctx context.Context, typ HistoryType, record *FileRecord) error

	// GetHistory returns events under pathPrefix newest first. An empty typ matches every type.
	GetHistory(ctx context.Context, pathPrefix string, typ HistoryType, limit int) ([]*HistoryEvent, error)

	PutManifest(ctx context.Context, checksum string, m Manifest) error

	// GetManifest returns nil when no manifest is stored for checksum.
	GetManifest(ctx context.Context, checksum string) (Manifest, error)

	// RemoveFiles deletes the revisions of localPath with LastUpdate at or before at.
	RemoveFiles(ctx context.Context, localPath string, at time.Time) (int64, error)

	// PruneManifests drops manifests no revision references and returns the
	// chunks that no remaining manifest references.
	PruneManifests(ctx context.Context) ([]string, error)

	// BackupTo writes a consistent snapshot of the index to path.
	BackupTo(path string) error

	Close() error
}
