package parallel

import (
	"context"
	"io"
)

// Target is everything a SyncStrategy needs to move bytes for one connected vault.
type Target struct {
	Provider  StorageProvider
	Layout    Layout
	Encryptor Encryptor         // nil when the vault stores plaintext
	Decryptor DecryptionContext // nil until the key is unlocked
}

// Encrypted reports whether content on this target is sealed.
func (t *Target) Encrypted() bool { return t.Encryptor != nil }

// Uploaded describes the stored form of one pushed file.
type Uploaded struct {
	RemotePath string
	RemoteSize int64
	Checksum   string   // content hash observed while reading
	Manifest   Manifest // nil for strategies that do not chunk
}

// SyncStrategy moves file content between the local disk and a vault.
// One strategy is chosen per vault when the vault is created.
type SyncStrategy interface {
	Name() string

	// Upload stores the content of file.LocalPath.
	Upload(ctx context.Context, t *Target, file *FileRecord) (*Uploaded, error)

	// Download writes the content of file to w. manifest is the stored
	// manifest for file.Checksum, or nil.
	Download(ctx context.Context, t *Target, file *FileRecord, manifest Manifest, w io.Writer) error

	// Cleanup removes content no longer referenced after a prune. gone lists
	// pruned revisions whose path has no remaining rows; orphans lists chunk
	// hashes no remaining manifest references. Returns the count of removed blobs.
	Cleanup(ctx context.Context, t *Target, gone []*FileRecord, orphans []string) (int, error)
}
