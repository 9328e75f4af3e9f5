package strategy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"parallel-go/internal/parallel"
)

// WholeFile mirrors the local tree under Files/, one gzip file per path.
// Only the newest content of each path is kept remotely.
type WholeFile struct{}

var _ parallel.SyncStrategy = WholeFile{}

func NewWholeFile() WholeFile { return WholeFile{} }

func (WholeFile) Name() string { return NameFiles }

func (WholeFile) Upload(ctx context.Context, t *parallel.Target, file *parallel.FileRecord) (*parallel.Uploaded, error) {
	name := filepath.FromSlash(file.LocalPath)
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	defer f.Close()

	before, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}

	h := sha256.New()
	var read int64
	pr, pw := io.Pipe()
	go func() {
		zw := gzip.NewWriter(pw)
		n, err := io.Copy(zw, io.TeeReader(f, h))
		read = n
		if err != nil {
			zw.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(zw.Close())
	}()
	body := parallel.Seal(t.Encryptor, pr)
	defer body.Close()
	defer pr.Close()

	remote := t.Layout.FilePath(file.LocalPath)
	stored, err := t.Provider.Upload(ctx, body, remote, true)
	if err != nil {
		return nil, fmt.Errorf("uploading %s: %w", file.LocalPath, err)
	}

	after, err := os.Stat(name)
	if err != nil || after.Size() != before.Size() || !after.ModTime().Equal(before.ModTime()) || read != before.Size() {
		return nil, fmt.Errorf("%s: %w", name, parallel.ErrFileChanged)
	}

	return &parallel.Uploaded{
		RemotePath: remote,
		RemoteSize: stored,
		Checksum:   hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func (WholeFile) Download(ctx context.Context, t *parallel.Target, file *parallel.FileRecord, _ parallel.Manifest, w io.Writer) error {
	rc, err := t.Provider.Download(ctx, t.Layout.FilePath(file.LocalPath))
	if err != nil {
		return fmt.Errorf("downloading %s: %w", file.LocalPath, err)
	}
	defer rc.Close()

	plain, err := parallel.Unseal(t.Decryptor, t.Encrypted(), rc)
	if err != nil {
		return err
	}
	defer plain.Close()

	zr, err := gzip.NewReader(plain)
	if err != nil {
		return fmt.Errorf("remote copy of %s is corrupt: %w", file.LocalPath, err)
	}
	defer zr.Close()

	if _, err := io.Copy(w, zr); err != nil {
		return fmt.Errorf("reading %s: %w", file.LocalPath, err)
	}
	return nil
}

// Cleanup deletes the remote copy of every pruned path.
func (WholeFile) Cleanup(ctx context.Context, t *parallel.Target, gone []*parallel.FileRecord, _ []string) (int, error) {
	var (
		removed  int
		firstErr error
	)
	for _, f := range gone {
		if err := t.Provider.DeleteFile(ctx, t.Layout.FilePath(f.LocalPath)); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("removing %s: %w", f.LocalPath, err)
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}
