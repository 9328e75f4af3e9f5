package objects

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"parallel-go/internal/encryption"
	"parallel-go/internal/parallel"
	"parallel-go/internal/vault"
)

var testLayout = parallel.Layout{Root: "/vault", VaultID: "v1"}

func pattern(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i%251) ^ seed
	}
	return data
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newStore(t *testing.T, p parallel.StorageProvider, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore(p, testLayout, opts...)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func TestStore_Chunk_TenMegabytes(t *testing.T) {
	ctx := context.Background()
	mem := vault.NewMemoryProvider()
	s := newStore(t, mem)

	data := pattern(10*1024*1024, 0)
	res, err := s.Chunk(ctx, writeFile(t, "big.bin", data))
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}

	if len(res.Manifest) != 3 {
		t.Fatalf("manifest has %d chunks, want 3", len(res.Manifest))
	}
	wantHashes := []string{
		sha(data[:ChunkSize]),
		sha(data[ChunkSize : 2*ChunkSize]),
		sha(data[2*ChunkSize:]),
	}
	for i, h := range wantHashes {
		if res.Manifest[i] != h {
			t.Errorf("chunk %d = %s, want %s", i, res.Manifest[i], h)
		}
		p, _ := testLayout.ObjectPath(h)
		if ok, _ := mem.Exists(ctx, p); !ok {
			t.Errorf("chunk %d not stored at %s", i, p)
		}
	}
	if res.Checksum != sha(data) {
		t.Errorf("Checksum = %s, want %s", res.Checksum, sha(data))
	}
	if res.Size != int64(len(data)) || res.Stored != int64(len(data)) {
		t.Errorf("Size = %d, Stored = %d, want %d each", res.Size, res.Stored, len(data))
	}
}

func TestStore_Chunk_Dedup(t *testing.T) {
	ctx := context.Background()
	mem := vault.NewMemoryProvider()
	s := newStore(t, mem, WithChunkSize(1024))

	data := pattern(3000, 7)
	first, err := s.Chunk(ctx, writeFile(t, "a.bin", data))
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Chunk(ctx, writeFile(t, "b.bin", data))
	if err != nil {
		t.Fatal(err)
	}
	if second.Stored != 0 {
		t.Errorf("second Stored = %d, want 0", second.Stored)
	}

	// A fresh store has an empty cache but still must not rewrite chunks.
	fresh := newStore(t, mem, WithChunkSize(1024))
	third, err := fresh.Chunk(ctx, writeFile(t, "c.bin", data))
	if err != nil {
		t.Fatal(err)
	}
	if third.Stored != 0 {
		t.Errorf("fresh store Stored = %d, want 0", third.Stored)
	}
	if len(mem.Paths(testLayout.ObjectsDir())) != len(first.Manifest) {
		t.Errorf("stored %d objects, want %d", len(mem.Paths(testLayout.ObjectsDir())), len(first.Manifest))
	}
}

func TestStore_Chunk_ConcurrentSameContent(t *testing.T) {
	ctx := context.Background()
	mem := vault.NewMemoryProvider()
	s := newStore(t, mem, WithChunkSize(512))

	data := pattern(4096, 3)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int64
	)
	for i := 0; i < 8; i++ {
		name := writeFile(t, "same.bin", data)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Chunk(ctx, name)
			if err != nil {
				t.Errorf("Chunk() error = %v", err)
				return
			}
			mu.Lock()
			total += res.Stored
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != int64(len(data)) {
		t.Errorf("total Stored = %d, want %d", total, len(data))
	}
}

func TestStore_Chunk_EmptyFile(t *testing.T) {
	s := newStore(t, vault.NewMemoryProvider())

	res, err := s.Chunk(context.Background(), writeFile(t, "empty", nil))
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	if len(res.Manifest) != 0 {
		t.Errorf("manifest = %v, want empty", res.Manifest)
	}
	if res.Checksum != sha(nil) {
		t.Errorf("Checksum = %s, want hash of empty input", res.Checksum)
	}
}

// mutatingProvider appends to a file during the first upload.
type mutatingProvider struct {
	*vault.MemoryProvider
	target string
	once   sync.Once
}

func (m *mutatingProvider) Upload(ctx context.Context, r io.Reader, path string, overwrite bool) (int64, error) {
	m.once.Do(func() {
		f, err := os.OpenFile(m.target, os.O_APPEND|os.O_WRONLY, 0)
		if err == nil {
			f.Write([]byte("more"))
			f.Close()
		}
	})
	return m.MemoryProvider.Upload(ctx, r, path, overwrite)
}

func TestStore_Chunk_FileChangedWhileReading(t *testing.T) {
	name := writeFile(t, "growing.log", pattern(100, 1))
	p := &mutatingProvider{MemoryProvider: vault.NewMemoryProvider(), target: name}
	s := newStore(t, p, WithChunkSize(64))

	_, err := s.Chunk(context.Background(), name)
	if !errors.Is(err, parallel.ErrFileChanged) {
		t.Errorf("Chunk() error = %v, want ErrFileChanged", err)
	}
}

func TestStore_Assemble(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		s := newStore(t, vault.NewMemoryProvider(), WithChunkSize(1000))
		data := pattern(4321, 9)
		res, err := s.Chunk(ctx, writeFile(t, "in.bin", data))
		if err != nil {
			t.Fatal(err)
		}

		out := filepath.Join(t.TempDir(), "nested", "out.bin")
		if err := s.Assemble(ctx, res.Manifest, out); err != nil {
			t.Fatalf("Assemble() error = %v", err)
		}
		got, err := os.ReadFile(out)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, data) {
			t.Error("assembled content differs from input")
		}
	})

	t.Run("missing chunk", func(t *testing.T) {
		mem := vault.NewMemoryProvider()
		s := newStore(t, mem, WithChunkSize(100))
		res, err := s.Chunk(ctx, writeFile(t, "in.bin", pattern(250, 2)))
		if err != nil {
			t.Fatal(err)
		}
		p, _ := testLayout.ObjectPath(res.Manifest[1])
		mem.DeleteFile(ctx, p)

		out := filepath.Join(t.TempDir(), "out.bin")
		err = s.Assemble(ctx, res.Manifest, out)
		if !errors.Is(err, parallel.ErrChunkMissing) {
			t.Fatalf("Assemble() error = %v, want ErrChunkMissing", err)
		}
		if _, err := os.Stat(out); !os.IsNotExist(err) {
			t.Error("partial output left in place")
		}
	})

	t.Run("corrupt chunk", func(t *testing.T) {
		mem := vault.NewMemoryProvider()
		s := newStore(t, mem, WithChunkSize(100))
		res, err := s.Chunk(ctx, writeFile(t, "in.bin", pattern(150, 4)))
		if err != nil {
			t.Fatal(err)
		}
		p, _ := testLayout.ObjectPath(res.Manifest[0])
		mem.Corrupt(p, []byte("garbage"))

		if err := s.AssembleTo(ctx, res.Manifest, io.Discard); err == nil {
			t.Error("AssembleTo() succeeded on a corrupt chunk")
		}
	})

	t.Run("invalid hash", func(t *testing.T) {
		s := newStore(t, vault.NewMemoryProvider())
		err := s.AssembleTo(ctx, []string{"xyz"}, io.Discard)
		if !errors.Is(err, parallel.ErrInvalidHash) {
			t.Errorf("AssembleTo() error = %v, want ErrInvalidHash", err)
		}
	})
}

func TestStore_Encrypted(t *testing.T) {
	ctx := context.Background()
	enc := encryption.NewFakeEncryptor()
	dec, err := enc.Unlock("")
	if err != nil {
		t.Fatal(err)
	}
	mem := vault.NewMemoryProvider()
	data := pattern(300, 5)

	s := newStore(t, mem, WithChunkSize(128), WithEncryption(enc, dec))
	res, err := s.Chunk(ctx, writeFile(t, "secret.bin", data))
	if err != nil {
		t.Fatal(err)
	}
	if res.Manifest[0] != sha(data[:128]) {
		t.Error("chunk hash must be the plaintext hash")
	}

	p, _ := testLayout.ObjectPath(res.Manifest[0])
	rc, _ := mem.Download(ctx, p)
	stored, _ := io.ReadAll(rc)
	rc.Close()
	if bytes.Equal(stored, data[:128]) {
		t.Error("chunk stored in plaintext")
	}

	var out bytes.Buffer
	if err := s.AssembleTo(ctx, res.Manifest, &out); err != nil {
		t.Fatalf("AssembleTo() error = %v", err)
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Error("decrypted content differs from input")
	}

	locked := newStore(t, mem, WithChunkSize(128), WithEncryption(enc, nil))
	if err := locked.AssembleTo(ctx, res.Manifest, io.Discard); !errors.Is(err, parallel.ErrEncrypted) {
		t.Errorf("AssembleTo() without key error = %v, want ErrEncrypted", err)
	}
}

func TestStore_Remove(t *testing.T) {
	ctx := context.Background()
	mem := vault.NewMemoryProvider()
	s := newStore(t, mem, WithChunkSize(100))

	res, err := s.Chunk(ctx, writeFile(t, "in.bin", pattern(300, 6)))
	if err != nil {
		t.Fatal(err)
	}

	n, err := s.Remove(ctx, append(res.Manifest, "not-a-hash"))
	if n != 3 {
		t.Errorf("Remove() = %d, want 3", n)
	}
	if !errors.Is(err, parallel.ErrInvalidHash) {
		t.Errorf("Remove() error = %v, want ErrInvalidHash", err)
	}
	if left := mem.Paths(testLayout.ObjectsDir()); len(left) != 0 {
		t.Errorf("objects left after Remove: %v", left)
	}

	// Removed chunks are written again on the next push.
	again, err := s.Chunk(ctx, writeFile(t, "again.bin", pattern(300, 6)))
	if err != nil {
		t.Fatal(err)
	}
	if again.Stored != 300 {
		t.Errorf("Stored after Remove = %d, want 300", again.Stored)
	}
}
