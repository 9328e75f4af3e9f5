package parallel_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"parallel-go/internal/parallel"
	"parallel-go/internal/testutil"
)

// archivedPair pushes a and b, which share their first chunk, then archives a.
func archivedPair(h *harness, s *parallel.Session) (a, b *parallel.FileRecord) {
	h.t.Helper()
	a = h.write("a.txt", "AAAABBBB", t0)
	b = h.write("b.txt", "AAAACCCC", t0)
	h.push(s, false, a)
	h.push(s, false, b)
	h.clock.Advance(time.Minute)

	gone := a.Clone()
	gone.Deleted = true
	h.push(s, false, gone)
	h.clock.Advance(time.Minute)
	return a, b
}

func TestPrune_Declined(t *testing.T) {
	h := newHarness(t)
	s := h.connect()
	a, _ := archivedPair(h, s)

	asked := 0
	res, err := s.Prune(h.ctx, "", h.clock.Now(), false, func(n int) bool {
		asked = n
		return false
	})
	if err != nil {
		t.Fatal(err)
	}
	if asked != 1 {
		t.Errorf("confirm asked about %d files, want 1", asked)
	}
	if diff := cmp.Diff(&parallel.PruneResult{Candidates: 1}, res); diff != "" {
		t.Errorf("Prune() mismatch (-want +got):\n%s", diff)
	}
	if h.latest(s, a.LocalPath) == nil {
		t.Error("declined prune removed the archived file")
	}

	// A nil confirm also declines.
	res, err = s.Prune(h.ctx, "", h.clock.Now(), false, nil)
	if err != nil || res.Confirmed {
		t.Errorf("Prune(nil confirm) = %+v, %v", res, err)
	}
}

func TestPrune_RemovesUnreferencedChunks(t *testing.T) {
	h := newHarness(t)
	s := h.connect()
	a, b := archivedPair(h, s)

	if got := len(h.provider.Paths(h.layout().ObjectsDir())); got != 3 {
		t.Fatalf("stored %d chunks before prune, want 3", got)
	}

	res, err := s.Prune(h.ctx, "", h.clock.Now(), false, func(int) bool { return true })
	if err != nil {
		t.Fatal(err)
	}
	want := &parallel.PruneResult{Candidates: 1, Pruned: 1, Rows: 1, Blobs: 1, Confirmed: true}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Prune() mismatch (-want +got):\n%s", diff)
	}

	if got := h.latest(s, a.LocalPath); got != nil {
		t.Errorf("pruned file still indexed: %+v", got)
	}
	// The shared chunk survives with b.
	if got := len(h.provider.Paths(h.layout().ObjectsDir())); got != 2 {
		t.Errorf("stored %d chunks after prune, want 2", got)
	}
	if n, err := s.Restore(h.ctx, parallel.RestoreOptions{Path: b.LocalPath, RemapTo: t.TempDir()}); err != nil || n != 1 {
		t.Errorf("Restore(b) after prune = %d, %v", n, err)
	}

	idx, _ := s.Index()
	events, _ := idx.GetHistory(h.ctx, a.LocalPath, parallel.HistoryPruned, 0)
	if len(events) != 1 {
		t.Errorf("got %d Pruned events, want 1", len(events))
	}
	if diff := cmp.Diff([]string{a.LocalPath}, h.progress.Paths(parallel.OpPrune)); diff != "" {
		t.Errorf("prune reports mismatch (-want +got):\n%s", diff)
	}
}

func TestPrune_Cutoff(t *testing.T) {
	h := newHarness(t)
	s := h.connect()
	a, _ := archivedPair(h, s)

	// Before the archive, a was live: nothing to prune.
	res, err := s.Prune(h.ctx, "", t0, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Candidates != 0 {
		t.Errorf("Prune() before archive found %d candidates", res.Candidates)
	}
	if h.latest(s, a.LocalPath) == nil {
		t.Error("file removed by a prune before its archive")
	}
}

func TestPrune_SupersededRevision(t *testing.T) {
	h := newHarness(t)
	s := h.connect()
	h.push(s, false, h.write("doc.txt", "AAAABBBB", t0))
	h.clock.Advance(time.Hour)
	cutoff := h.clock.Now()
	h.clock.Advance(time.Hour)
	v2 := h.write("doc.txt", "AAAADDDD", t0.Add(2*time.Hour))
	h.push(s, false, v2)

	res, err := s.Prune(h.ctx, "", cutoff, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := &parallel.PruneResult{Candidates: 1, Pruned: 1, Rows: 1, Blobs: 1, Confirmed: true}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Prune() mismatch (-want +got):\n%s", diff)
	}

	if got := h.latest(s, v2.LocalPath); got == nil || got.Checksum != v2.Checksum {
		t.Fatalf("latest revision after prune = %+v, want v2", got)
	}
	if got := len(h.provider.Paths(h.layout().ObjectsDir())); got != 2 {
		t.Errorf("stored %d chunks after prune, want 2", got)
	}
	if n, err := s.Restore(h.ctx, parallel.RestoreOptions{Path: h.root, At: cutoff, RemapTo: t.TempDir()}); err != nil || n != 0 {
		t.Errorf("Restore(at cutoff) after prune = %d, %v; want nothing left", n, err)
	}
	out := t.TempDir()
	if n, err := s.Restore(h.ctx, parallel.RestoreOptions{Path: h.root, RemapTo: out}); err != nil || n != 1 {
		t.Fatalf("Restore() after prune = %d, %v", n, err)
	}
	if got := string(testutil.ReadFile(t, filepath.Join(out, "doc.txt"))); got != "AAAADDDD" {
		t.Errorf("restored %q, want the current revision", got)
	}
}

func TestPrune_KeepsCurrentRevision(t *testing.T) {
	h := newHarness(t)
	s := h.connect()
	a := h.write("a.txt", "AAAABBBB", t0)
	h.push(s, false, a)
	h.clock.Advance(24 * time.Hour)

	res, err := s.Prune(h.ctx, "", h.clock.Now(), true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Candidates != 0 || res.Rows != 0 {
		t.Errorf("Prune() = %+v, want nothing to prune", res)
	}
	if h.latest(s, a.LocalPath) == nil {
		t.Error("current revision of a live file was pruned")
	}
}

func TestPrune_Prefix(t *testing.T) {
	h := newHarness(t)
	s := h.connect()
	archivedPair(h, s)

	res, err := s.Prune(h.ctx, h.root+"/elsewhere", h.clock.Now(), true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Candidates != 0 {
		t.Errorf("Prune() outside prefix found %d candidates", res.Candidates)
	}

	res, err = s.Prune(h.ctx, h.root, h.clock.Now(), true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Confirmed || res.Pruned != 1 {
		t.Errorf("forced Prune() = %+v, want 1 pruned", res)
	}
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	s := h.connect()
	archivedPair(h, s)

	st, err := s.Stats(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := &parallel.Stats{LocalFiles: 1, DeletedFiles: 1, LocalSize: 8, RemoteSize: 4}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
	if st.Files() != 2 {
		t.Errorf("Files() = %d, want 2", st.Files())
	}
	if got := (parallel.Stats{}).SpaceSaved(); got != 0 {
		t.Errorf("SpaceSaved() of empty vault = %v", got)
	}
}

func TestHistory(t *testing.T) {
	h := newHarness(t)
	s := h.connect()
	a, _ := archivedPair(h, s)

	all, err := s.History(h.ctx, "", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("History() = %d events, want 3", len(all))
	}
	if all[0].Type != parallel.HistoryArchived {
		t.Errorf("newest event = %s, want Archived", all[0].Type)
	}

	limited, err := s.History(h.ctx, a.LocalPath, parallel.HistorySynced, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].Path != a.LocalPath {
		t.Errorf("History(a, Synced, 1) = %+v", limited)
	}
}
