// Package objects stores file content as fixed-size, content-addressed chunks.
package objects

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"parallel-go/internal/parallel"
)

const (
	// ChunkSize is the default chunk length. Only the last chunk of a file is shorter.
	ChunkSize = 4 << 20

	// DefaultCacheSize is how many chunk hashes a Store remembers as present.
	DefaultCacheSize = 16384
)

// Option configures a Store.
type Option func(*Store)

// WithChunkSize overrides ChunkSize.
func WithChunkSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithCacheSize sets the number of chunk hashes remembered as present.
func WithCacheSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

// WithEncryption seals chunks on write with enc and opens them on read with dec.
// Either may be nil: a nil dec makes reads fail with ErrEncrypted.
func WithEncryption(enc parallel.Encryptor, dec parallel.DecryptionContext) Option {
	return func(s *Store) {
		s.enc = enc
		s.dec = dec
	}
}

// Store reads and writes chunks of one vault. Chunks are write-once: a
// chunk whose path already exists is never uploaded again.
type Store struct {
	provider  parallel.StorageProvider
	layout    parallel.Layout
	chunkSize int
	cacheSize int
	enc       parallel.Encryptor
	dec       parallel.DecryptionContext

	known *lru.Cache // hash -> struct{}, chunks known to be stored
	group singleflight.Group
}

// NewStore creates a Store writing under layout.ObjectsDir().
func NewStore(provider parallel.StorageProvider, layout parallel.Layout, opts ...Option) (*Store, error) {
	s := &Store{
		provider:  provider,
		layout:    layout,
		chunkSize: ChunkSize,
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	known, err := lru.New(s.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating chunk cache: %w", err)
	}
	s.known = known
	return s, nil
}

// Result describes one chunked file.
type Result struct {
	Manifest parallel.Manifest
	Checksum string // SHA-256 of the whole file
	Size     int64  // plaintext bytes read
	Stored   int64  // bytes newly written to the vault
}

// Chunk splits the file at name into chunks and stores the ones the vault
// does not have yet. The file is re-examined after reading; if its size or
// write time moved, Chunk fails with ErrFileChanged.
func (s *Store) Chunk(ctx context.Context, name string) (*Result, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	defer f.Close()

	before, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}

	res := &Result{Manifest: parallel.Manifest{}}
	whole := sha256.New()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Each chunk gets its own buffer: a sealing goroutine may still be
		// reading the previous one after its upload returns.
		buf := make([]byte, s.chunkSize)
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			data := buf[:n]
			whole.Write(data)
			sum := sha256.Sum256(data)
			hash := hex.EncodeToString(sum[:])

			stored, err := s.put(ctx, hash, data)
			if err != nil {
				return nil, fmt.Errorf("storing chunk %d of %s: %w", len(res.Manifest), name, err)
			}
			res.Manifest = append(res.Manifest, hash)
			res.Size += int64(n)
			res.Stored += stored
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
	}

	after, err := os.Stat(name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, parallel.ErrFileChanged)
	}
	if after.Size() != before.Size() || !after.ModTime().Equal(before.ModTime()) || res.Size != before.Size() {
		return nil, fmt.Errorf("%s: %w", name, parallel.ErrFileChanged)
	}

	res.Checksum = hex.EncodeToString(whole.Sum(nil))
	return res, nil
}

// put stores one chunk unless it is already known. Concurrent puts of the
// same hash share one upload; only the caller that performed it reports bytes.
func (s *Store) put(ctx context.Context, hash string, data []byte) (int64, error) {
	if s.known.Contains(hash) {
		return 0, nil
	}
	path, err := s.layout.ObjectPath(hash)
	if err != nil {
		return 0, err
	}

	leader := false
	v, err, _ := s.group.Do(hash, func() (any, error) {
		leader = true
		body := parallel.Seal(s.enc, bytes.NewReader(data))
		defer body.Close()

		n, err := s.provider.Upload(ctx, body, path, false)
		if err != nil {
			return int64(0), err
		}
		s.known.Add(hash, struct{}{})
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	if !leader {
		return 0, nil
	}
	return v.(int64), nil
}

// Assemble writes the chunks in order to a temp file beside outputPath and
// renames it into place once every chunk has been verified.
func (s *Store) Assemble(ctx context.Context, hashes []string, outputPath string) error {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".assemble-*")
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

	if err := s.AssembleTo(ctx, hashes, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return fmt.Errorf("moving assembled file into place: %w", err)
	}
	success = true
	return nil
}

// AssembleTo streams the chunks in order to w, verifying each chunk's hash.
// A chunk the vault does not have fails with ErrChunkMissing.
func (s *Store) AssembleTo(ctx context.Context, hashes []string, w io.Writer) error {
	for i, hash := range hashes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.copyChunk(ctx, hash, w); err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) copyChunk(ctx context.Context, hash string, w io.Writer) error {
	path, err := s.layout.ObjectPath(hash)
	if err != nil {
		return err
	}
	rc, err := s.provider.Download(ctx, path)
	if errors.Is(err, parallel.ErrNotFound) {
		return fmt.Errorf("%w: %s", parallel.ErrChunkMissing, hash)
	}
	if err != nil {
		return fmt.Errorf("downloading %s: %w", hash, err)
	}
	defer rc.Close()

	plain, err := parallel.Unseal(s.dec, s.enc != nil, rc)
	if err != nil {
		return err
	}
	defer plain.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(w, h), plain); err != nil {
		return fmt.Errorf("reading %s: %w", hash, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != hash {
		return fmt.Errorf("chunk %s is corrupt: content hashes to %s", hash, got)
	}
	return nil
}

// Remove deletes chunks. Every hash is attempted; the count deleted and the
// first error are returned.
func (s *Store) Remove(ctx context.Context, hashes []string) (int, error) {
	var (
		removed  int
		firstErr error
	)
	for _, hash := range hashes {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		s.known.Remove(hash)
		path, err := s.layout.ObjectPath(hash)
		if err == nil {
			err = s.provider.DeleteFile(ctx, path)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("removing chunk %s: %w", hash, err)
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}
