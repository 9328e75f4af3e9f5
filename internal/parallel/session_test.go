package parallel_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"parallel-go/internal/config"
	"parallel-go/internal/objects"
	"parallel-go/internal/parallel"
	"parallel-go/internal/strategy"
	"parallel-go/internal/testutil"
	"parallel-go/internal/vault"
)

// harness is one vault backed by memory, with a local directory to back up.
type harness struct {
	t        *testing.T
	ctx      context.Context
	provider *vault.MemoryProvider
	clock    *testutil.StubClock
	progress *testutil.RecordingProgress
	deps     parallel.Deps
	vault    config.VaultConfig
	root     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	provider := testutil.NewTestProvider()
	clock := testutil.FixedClock()
	progress := testutil.NewRecordingProgress()
	return &harness{
		t:        t,
		ctx:      context.Background(),
		provider: provider,
		clock:    clock,
		progress: progress,
		deps: parallel.Deps{
			Dial:      testutil.Dialer(provider),
			OpenIndex: testutil.IndexOpener(clock),
			Strategy:  strategy.NewContentAddressed(objects.WithChunkSize(4)),
			Progress:  progress,
			Clock:     clock,
		},
		vault: config.VaultConfig{
			ID:          "v1",
			Name:        "test",
			Enabled:     true,
			Credentials: config.Credentials{Service: "memory", Root: "/vault"},
		},
		root: t.TempDir(),
	}
}

func (h *harness) layout() parallel.Layout {
	return parallel.Layout{Root: h.vault.Credentials.Root, VaultID: h.vault.ID}
}

// session creates a new disconnected session over the harness vault.
func (h *harness) session() *parallel.Session {
	h.t.Helper()
	s, err := parallel.NewSession(h.vault, h.deps, parallel.Options{
		MaxConcurrentUploads:   4,
		MaxConcurrentProcesses: 2,
		TempDir:                h.t.TempDir(),
	})
	if err != nil {
		h.t.Fatalf("NewSession() error = %v", err)
	}
	return s
}

// connect returns a connected session that is disconnected at cleanup.
func (h *harness) connect() *parallel.Session {
	h.t.Helper()
	s := h.session()
	if err := s.Connect(h.ctx); err != nil {
		h.t.Fatalf("Connect() error = %v", err)
	}
	h.t.Cleanup(func() {
		if s.State() == parallel.StateConnected {
			s.Disconnect(h.ctx)
		}
	})
	return s
}

// write creates a local file and returns its record, checksum included.
func (h *harness) write(rel, content string, mtime time.Time) *parallel.FileRecord {
	h.t.Helper()
	p := testutil.WriteFile(h.t, h.root, rel, []byte(content), mtime)
	return testutil.Record(h.t, p)
}

func (h *harness) push(s *parallel.Session, force bool, files ...*parallel.FileRecord) int {
	h.t.Helper()
	n, err := s.Push(h.ctx, files, force)
	if err != nil {
		h.t.Fatalf("Push() error = %v", err)
	}
	if f := h.progress.Failures(); len(f) > 0 {
		h.t.Fatalf("Push() reported failures: %v", f)
	}
	return n
}

func (h *harness) latest(s *parallel.Session, p string) *parallel.FileRecord {
	h.t.Helper()
	idx, err := s.Index()
	if err != nil {
		h.t.Fatal(err)
	}
	rec, err := idx.GetLatestFile(h.ctx, parallel.NormalizePath(p))
	if err != nil {
		h.t.Fatalf("GetLatestFile() error = %v", err)
	}
	return rec
}

func TestNewSession_Validation(t *testing.T) {
	h := newHarness(t)

	if _, err := parallel.NewSession(config.VaultConfig{}, h.deps, parallel.Options{}); !errors.Is(err, parallel.ErrMissingField) {
		t.Errorf("NewSession() without id error = %v, want ErrMissingField", err)
	}
	deps := h.deps
	deps.Strategy = nil
	if _, err := parallel.NewSession(h.vault, deps, parallel.Options{}); err == nil {
		t.Error("NewSession() without strategy succeeded")
	}

	s, err := parallel.NewSession(h.vault, h.deps, parallel.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Options(); got.MaxConcurrentUploads != 1 || got.MaxConcurrentProcesses != 1 {
		t.Errorf("Options() = %+v, want limits of 1", got)
	}
	if got := s.Layout().Dir(); got != "/vault/Parallel/v1" {
		t.Errorf("Layout().Dir() = %s", got)
	}
}

func TestSession_StateMachine(t *testing.T) {
	h := newHarness(t)
	s := h.session()

	if got := s.State(); got != parallel.StateDisconnected {
		t.Fatalf("State() = %s, want disconnected", got)
	}
	if _, err := s.Push(h.ctx, nil, false); !errors.Is(err, parallel.ErrInvalidState) {
		t.Errorf("Push() while disconnected error = %v, want ErrInvalidState", err)
	}
	if _, err := s.Index(); !errors.Is(err, parallel.ErrInvalidState) {
		t.Errorf("Index() while disconnected error = %v, want ErrInvalidState", err)
	}
	if _, err := s.Stats(h.ctx); !errors.Is(err, parallel.ErrInvalidState) {
		t.Errorf("Stats() while disconnected error = %v, want ErrInvalidState", err)
	}
	if err := s.Disconnect(h.ctx); !errors.Is(err, parallel.ErrInvalidState) {
		t.Errorf("Disconnect() while disconnected error = %v, want ErrInvalidState", err)
	}

	if err := s.Connect(h.ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := s.State(); got != parallel.StateConnected {
		t.Fatalf("State() = %s, want connected", got)
	}
	if err := s.Connect(h.ctx); !errors.Is(err, parallel.ErrInvalidState) {
		t.Errorf("second Connect() error = %v, want ErrInvalidState", err)
	}

	if err := s.Disconnect(h.ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if got := s.State(); got != parallel.StateDisconnected {
		t.Errorf("State() after disconnect = %s", got)
	}

	// A session can be reconnected.
	if err := s.Connect(h.ctx); err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
	if err := s.Disconnect(h.ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := map[parallel.State]string{
		parallel.StateDisconnected:  "disconnected",
		parallel.StatePushing:       "pushing",
		parallel.StateDisconnecting: "disconnecting",
		parallel.State(42):          "state(42)",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(st), got, want)
		}
	}
}

func TestSession_ConnectCreatesRemoteConfig(t *testing.T) {
	h := newHarness(t)
	s := h.connect()

	if ok, _ := h.provider.Exists(h.ctx, h.layout().ConfigPath()); !ok {
		t.Fatal("Connect() did not upload a default config")
	}
	policy, err := s.Policy()
	if err != nil {
		t.Fatal(err)
	}
	if policy.BackupInterval != config.DefaultBackupInterval || policy.PrunePeriod != config.DefaultPrunePeriod {
		t.Errorf("Policy() = %+v, want defaults", policy)
	}
	found := false
	for _, d := range policy.IgnoreDirectories {
		if d == "/vault" {
			found = true
		}
	}
	if !found {
		t.Errorf("IgnoreDirectories = %v, want the vault root included", policy.IgnoreDirectories)
	}

	if err := s.Disconnect(h.ctx); err != nil {
		t.Fatal(err)
	}
	if ok, _ := h.provider.Exists(h.ctx, h.layout().IndexPath()); !ok {
		t.Error("Disconnect() did not upload the index")
	}
}

func TestSession_ConnectFailures(t *testing.T) {
	t.Run("corrupt config", func(t *testing.T) {
		h := newHarness(t)
		h.provider.Corrupt(h.layout().ConfigPath(), []byte("not gzip"))

		s := h.session()
		err := s.Connect(h.ctx)
		if !errors.Is(err, parallel.ErrConnect) {
			t.Fatalf("Connect() error = %v, want ErrConnect", err)
		}
		if got := s.State(); got != parallel.StateDisconnected {
			t.Errorf("State() = %s, want disconnected", got)
		}
	})

	t.Run("corrupt index", func(t *testing.T) {
		h := newHarness(t)
		h.provider.Corrupt(h.layout().IndexPath(), []byte("garbage"))

		if err := h.session().Connect(h.ctx); !errors.Is(err, parallel.ErrConnect) {
			t.Fatalf("Connect() error = %v, want ErrConnect", err)
		}
	})

	t.Run("storage unavailable", func(t *testing.T) {
		h := newHarness(t)
		h.deps.Dial = func(ctx context.Context) (parallel.StorageProvider, error) {
			return nil, errors.New("drive not mounted")
		}
		if err := h.session().Connect(h.ctx); !errors.Is(err, parallel.ErrConnect) {
			t.Fatalf("Connect() error = %v, want ErrConnect", err)
		}
	})
}

func TestSession_IndexPersistsAcrossConnections(t *testing.T) {
	h := newHarness(t)
	rec := h.write("docs/a.txt", "hello world", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	s := h.connect()
	h.push(s, false, rec)
	if err := s.Disconnect(h.ctx); err != nil {
		t.Fatal(err)
	}

	s2 := h.connect()
	got := h.latest(s2, rec.LocalPath)
	if got == nil {
		t.Fatal("pushed file missing after reconnect")
	}
	if got.Checksum != rec.Checksum {
		t.Errorf("Checksum = %s, want %s", got.Checksum, rec.Checksum)
	}
}

func TestSession_Run(t *testing.T) {
	h := newHarness(t)
	s := h.session()

	boom := errors.New("boom")
	err := s.Run(h.ctx, func(ctx context.Context) error {
		if s.State() != parallel.StateConnected {
			t.Errorf("State() inside Run = %s", s.State())
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Run() error = %v, want %v", err, boom)
	}
	if got := s.State(); got != parallel.StateDisconnected {
		t.Errorf("State() after Run = %s, want disconnected", got)
	}
	if ok, _ := h.provider.Exists(h.ctx, h.layout().IndexPath()); !ok {
		t.Error("Run() did not persist the index after a failure")
	}
}

func TestSession_RunCancelled(t *testing.T) {
	h := newHarness(t)
	s := h.session()

	ctx, cancel := context.WithCancel(h.ctx)
	err := s.Run(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if got := s.State(); got != parallel.StateDisconnected {
		t.Errorf("State() after cancelled Run = %s", got)
	}
}

func TestSession_TempDirRemoved(t *testing.T) {
	h := newHarness(t)
	tmp := t.TempDir()
	s, err := parallel.NewSession(h.vault, h.deps, parallel.Options{TempDir: tmp})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Run(h.ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	left, _ := filepath.Glob(filepath.Join(tmp, "*"))
	if len(left) != 0 {
		t.Errorf("temp files left after disconnect: %v", left)
	}
}
