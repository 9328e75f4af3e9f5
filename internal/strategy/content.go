package strategy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"parallel-go/internal/objects"
	"parallel-go/internal/parallel"
)

var emptyChecksum = func() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}()

// ContentAddressed splits files into chunks stored once per vault.
type ContentAddressed struct {
	opts []objects.Option

	mu     sync.Mutex
	stores map[string]cachedStore // by vault id
}

type cachedStore struct {
	target *parallel.Target
	store  *objects.Store
}

var _ parallel.SyncStrategy = (*ContentAddressed)(nil)

// NewContentAddressed creates the strategy. opts apply to every Store it builds.
func NewContentAddressed(opts ...objects.Option) *ContentAddressed {
	return &ContentAddressed{opts: opts, stores: make(map[string]cachedStore)}
}

func (c *ContentAddressed) Name() string { return NameObjects }

// store returns the chunk store of t, keeping one per vault so its cache
// of known chunks lasts for the connection.
func (c *ContentAddressed) store(t *parallel.Target) (*objects.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cs, ok := c.stores[t.Layout.VaultID]; ok && cs.target == t {
		return cs.store, nil
	}
	opts := append([]objects.Option{objects.WithEncryption(t.Encryptor, t.Decryptor)}, c.opts...)
	s, err := objects.NewStore(t.Provider, t.Layout, opts...)
	if err != nil {
		return nil, err
	}
	c.stores[t.Layout.VaultID] = cachedStore{target: t, store: s}
	return s, nil
}

func (c *ContentAddressed) Upload(ctx context.Context, t *parallel.Target, file *parallel.FileRecord) (*parallel.Uploaded, error) {
	s, err := c.store(t)
	if err != nil {
		return nil, err
	}
	res, err := s.Chunk(ctx, filepath.FromSlash(file.LocalPath))
	if err != nil {
		return nil, err
	}

	remote := t.Layout.ObjectsDir()
	if len(res.Manifest) > 0 {
		if p, err := t.Layout.ObjectPath(res.Manifest[0]); err == nil {
			remote = p
		}
	}
	return &parallel.Uploaded{
		RemotePath: remote,
		RemoteSize: res.Stored,
		Checksum:   res.Checksum,
		Manifest:   res.Manifest,
	}, nil
}

func (c *ContentAddressed) Download(ctx context.Context, t *parallel.Target, file *parallel.FileRecord, manifest parallel.Manifest, w io.Writer) error {
	if manifest == nil {
		if file.Checksum == emptyChecksum {
			return nil
		}
		return fmt.Errorf("%w: no manifest for %s", parallel.ErrChunkMissing, file.LocalPath)
	}
	s, err := c.store(t)
	if err != nil {
		return err
	}
	return s.AssembleTo(ctx, manifest, w)
}

// Cleanup deletes the orphaned chunks. Pruned paths need nothing extra:
// their chunks are orphans once no manifest references them.
func (c *ContentAddressed) Cleanup(ctx context.Context, t *parallel.Target, gone []*parallel.FileRecord, orphans []string) (int, error) {
	if len(orphans) == 0 {
		return 0, nil
	}
	s, err := c.store(t)
	if err != nil {
		return 0, err
	}
	return s.Remove(ctx, orphans)
}
