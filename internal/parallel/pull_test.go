package parallel_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"parallel-go/internal/parallel"
	"parallel-go/internal/testutil"
)

func TestPull(t *testing.T) {
	h := newHarness(t)
	a := h.write("docs/a.txt", "pull me back", t0)
	s := h.connect()
	h.push(s, false, a)

	local := filepath.FromSlash(a.LocalPath)
	if err := os.Remove(local); err != nil {
		t.Fatal(err)
	}

	n, err := s.Pull(h.ctx, []*parallel.FileRecord{h.latest(s, a.LocalPath)}, false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("Pull() = %d, want 1", n)
	}
	if got := string(testutil.ReadFile(t, local)); got != "pull me back" {
		t.Errorf("pulled content = %q", got)
	}
	info, err := os.Stat(local)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(t0) {
		t.Errorf("ModTime() = %v, want %v", info.ModTime(), t0)
	}

	idx, _ := s.Index()
	events, _ := idx.GetHistory(h.ctx, "", parallel.HistoryRestored, 0)
	if len(events) != 1 {
		t.Errorf("got %d Restored events, want 1", len(events))
	}

	// The local copy is now current.
	h.progress.Reset()
	n, err = s.Pull(h.ctx, []*parallel.FileRecord{h.latest(s, a.LocalPath)}, false)
	if err != nil || n != 0 {
		t.Errorf("second Pull() = %d, %v; want 0, nil", n, err)
	}
	if diff := cmp.Diff([]string{a.LocalPath}, h.progress.Paths(parallel.OpSkip)); diff != "" {
		t.Errorf("skip reports mismatch (-want +got):\n%s", diff)
	}
}

func TestPull_EmptyFile(t *testing.T) {
	h := newHarness(t)
	a := h.write("empty", "", t0)
	s := h.connect()
	h.push(s, false, a)
	os.Remove(filepath.FromSlash(a.LocalPath))

	n, err := s.Pull(h.ctx, []*parallel.FileRecord{h.latest(s, a.LocalPath)}, false)
	if err != nil || n != 1 {
		t.Fatalf("Pull() = %d, %v", n, err)
	}
	if got := testutil.ReadFile(t, filepath.FromSlash(a.LocalPath)); len(got) != 0 {
		t.Errorf("pulled %d bytes, want 0", len(got))
	}
}

func TestPull_MissingChunk(t *testing.T) {
	h := newHarness(t)
	a := h.write("a.txt", "AAAABBBB", t0)
	s := h.connect()
	h.push(s, false, a)

	for _, p := range h.provider.Paths(h.layout().ObjectsDir()) {
		h.provider.DeleteFile(h.ctx, p)
	}
	dest := filepath.Join(t.TempDir(), "out")
	n, err := s.Restore(h.ctx, parallel.RestoreOptions{Path: h.root, RemapTo: dest})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Restore() = %d, want 0", n)
	}
	if len(h.progress.Failures()) != 1 {
		t.Errorf("Failures() = %v, want one", h.progress.Failures())
	}
	if _, err := os.Stat(filepath.Join(dest, "a.txt")); !os.IsNotExist(err) {
		t.Errorf("partial file left behind: %v", err)
	}
}

// pushTwoRevisions stores "version one" and then "version two!" for a.txt,
// an hour apart. It returns the time between the two.
func pushTwoRevisions(h *harness, s *parallel.Session) (*parallel.FileRecord, time.Time) {
	h.t.Helper()
	v1 := h.write("a.txt", "version one", t0)
	h.push(s, false, v1)
	h.clock.Advance(time.Hour)
	v2 := h.write("a.txt", "version two!", t0.Add(time.Hour))
	h.push(s, false, v2)
	return v2, h.clock.Now().Add(-30 * time.Minute)
}

func TestRestore_PointInTime(t *testing.T) {
	h := newHarness(t)
	s := h.connect()
	_, between := pushTwoRevisions(h, s)

	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{name: "before second push", at: between, want: "version one"},
		{name: "now", at: time.Time{}, want: "version two!"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			out := t.TempDir()
			n, err := s.Restore(h.ctx, parallel.RestoreOptions{Path: h.root, At: tt.at, RemapTo: out})
			if err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				t.Fatalf("Restore() = %d, want 1", n)
			}
			if got := string(testutil.ReadFile(t, filepath.Join(out, "a.txt"))); got != tt.want {
				t.Errorf("restored %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRestore_SameTickRevisions(t *testing.T) {
	h := newHarness(t)
	s := h.connect()
	h.push(s, false, h.write("a.txt", "version one", t0))
	second := h.write("a.txt", "version two!", t0.Add(time.Second))
	h.push(s, false, second)
	if got := h.latest(s, second.LocalPath).LastUpdate; !got.After(h.clock.Now()) {
		t.Fatalf("second LastUpdate = %v, want bumped past clock %v", got, h.clock.Now())
	}

	out := t.TempDir()
	n, err := s.Restore(h.ctx, parallel.RestoreOptions{Path: h.root, RemapTo: out, Force: true})
	if err != nil || n != 1 {
		t.Fatalf("Restore() = %d, %v; want 1", n, err)
	}
	if got := string(testutil.ReadFile(t, filepath.Join(out, "a.txt"))); got != "version two!" {
		t.Errorf("restored %q, want the newest revision", got)
	}
}

func TestRestore_KeepsNewerLocalFile(t *testing.T) {
	h := newHarness(t)
	s := h.connect()
	v2, between := pushTwoRevisions(h, s)
	local := filepath.FromSlash(v2.LocalPath)

	n, err := s.Restore(h.ctx, parallel.RestoreOptions{Path: h.root, At: between})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Restore() = %d, want 0", n)
	}
	if got := string(testutil.ReadFile(t, local)); got != "version two!" {
		t.Errorf("newer local file overwritten with %q", got)
	}

	n, err = s.Restore(h.ctx, parallel.RestoreOptions{Path: h.root, At: between, Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("forced Restore() = %d, want 1", n)
	}
	if got := string(testutil.ReadFile(t, local)); got != "version one" {
		t.Errorf("forced restore wrote %q", got)
	}
}

func TestRestore_Archived(t *testing.T) {
	h := newHarness(t)
	a := h.write("gone.txt", "archived content", t0)
	s := h.connect()
	h.push(s, false, a)
	gone := a.Clone()
	gone.Deleted = true
	h.push(s, false, gone)

	out := t.TempDir()
	n, err := s.Restore(h.ctx, parallel.RestoreOptions{Path: h.root, RemapTo: out})
	if err != nil || n != 0 {
		t.Fatalf("Restore() = %d, %v; want archived files excluded", n, err)
	}

	n, err = s.Restore(h.ctx, parallel.RestoreOptions{Path: h.root, RemapTo: out, IncludeArchived: true})
	if err != nil || n != 1 {
		t.Fatalf("Restore(IncludeArchived) = %d, %v", n, err)
	}
	if got := string(testutil.ReadFile(t, filepath.Join(out, "gone.txt"))); got != "archived content" {
		t.Errorf("restored %q", got)
	}
	if diff := cmp.Diff([]string{parallel.NormalizePath(filepath.Join(out, "gone.txt"))}, h.progress.Paths(parallel.OpRestore)); diff != "" {
		t.Errorf("restore reports mismatch (-want +got):\n%s", diff)
	}
}

func TestEncryptedVault(t *testing.T) {
	h := newHarness(t)
	enc := testutil.NewTestEncryptor()
	dec, err := enc.Unlock("")
	if err != nil {
		t.Fatal(err)
	}
	h.deps.Encryptor = enc
	h.deps.Decryptor = dec

	plaintext := "secret document body"
	a := h.write("secret.txt", plaintext, t0)
	s := h.connect()
	h.push(s, false, a)

	for _, p := range h.provider.Paths(h.layout().ObjectsDir()) {
		rc, err := h.provider.Download(h.ctx, p)
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		if bytes.Contains([]byte(plaintext), data) {
			t.Errorf("chunk %s stored in plaintext", p)
		}
	}

	rec := h.latest(s, a.LocalPath)
	os.Remove(filepath.FromSlash(a.LocalPath))
	if n, err := s.Pull(h.ctx, []*parallel.FileRecord{rec}, false); err != nil || n != 1 {
		t.Fatalf("Pull() = %d, %v", n, err)
	}
	if got := string(testutil.ReadFile(t, filepath.FromSlash(a.LocalPath))); got != plaintext {
		t.Errorf("decrypted %q, want %q", got, plaintext)
	}
	if err := s.Disconnect(h.ctx); err != nil {
		t.Fatal(err)
	}

	// Reconnect without unlocking the key.
	h.deps.Decryptor = nil
	h.progress.Reset()
	locked := h.connect()
	os.Remove(filepath.FromSlash(a.LocalPath))

	n, err := locked.Pull(h.ctx, []*parallel.FileRecord{rec}, false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Pull() without key = %d, want 0", n)
	}
	if _, failed := h.progress.Failures()[a.LocalPath]; !failed {
		t.Error("pull without key not reported as failure")
	}
}
