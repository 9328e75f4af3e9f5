package parallel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"

	"parallel-go/internal/config"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StatePushing
	StatePulling
	StatePruning
	StateRestoring
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePushing:
		return "pushing"
	case StatePulling:
		return "pulling"
	case StatePruning:
		return "pruning"
	case StateRestoring:
		return "restoring"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options bounds the work a session does in parallel.
type Options struct {
	MaxConcurrentUploads   int
	MaxConcurrentProcesses int
	TempDir                string // parent of the per-connection temp dir; "" uses os.TempDir
}

// Deps are the collaborators a session is composed from.
type Deps struct {
	// Dial opens the vault's storage. Called once per Connect.
	Dial func(ctx context.Context) (StorageProvider, error)

	// OpenIndex opens (creating and migrating if needed) the index file at path.
	OpenIndex func(path string) (Index, error)

	Strategy  SyncStrategy
	Encryptor Encryptor         // nil for plaintext vaults
	Decryptor DecryptionContext // required to pull from encrypted vaults
	Progress  Progress
	Logger    Logger
	Clock     Clock
}

// Session owns one connection to one vault.
//
// The provider, index and remote config exist exactly while the session is
// connected. Operations do not nest; a call made in the wrong state fails
// with ErrInvalidState.
type Session struct {
	vault  config.VaultConfig
	deps   Deps
	opts   Options
	layout Layout

	mu    sync.Mutex
	state State

	provider StorageProvider
	index    Index
	remote   *config.RemoteConfig
	target   *Target
	tempDir  string
}

// NewSession creates a disconnected session for vault.
func NewSession(vault config.VaultConfig, deps Deps, opts Options) (*Session, error) {
	if vault.ID == "" {
		return nil, fmt.Errorf("vault id: %w", ErrMissingField)
	}
	if deps.Dial == nil || deps.OpenIndex == nil || deps.Strategy == nil {
		return nil, fmt.Errorf("session requires a provider, an index and a strategy")
	}
	if deps.Progress == nil {
		deps.Progress = NopProgress{}
	}
	if deps.Logger == nil {
		deps.Logger = NewNopLogger()
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if opts.MaxConcurrentUploads <= 0 {
		opts.MaxConcurrentUploads = 1
	}
	if opts.MaxConcurrentProcesses <= 0 {
		opts.MaxConcurrentProcesses = 1
	}

	return &Session{
		vault:  vault,
		deps:   deps,
		opts:   opts,
		layout: Layout{Root: vault.Credentials.Root, VaultID: vault.ID},
	}, nil
}

func (s *Session) Vault() config.VaultConfig { return s.vault }
func (s *Session) Layout() Layout            { return s.layout }
func (s *Session) Options() Options          { return s.opts }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Index returns the vault's index. Valid only while connected.
func (s *Session) Index() (Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index == nil {
		return nil, fmt.Errorf("index: %w (%s)", ErrInvalidState, s.state)
	}
	return s.index, nil
}

// Policy returns the vault's backup policy. Valid only while connected.
func (s *Session) Policy() (*config.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return nil, fmt.Errorf("policy: %w (%s)", ErrInvalidState, s.state)
	}
	return s.remote.Policy, nil
}

// transition moves from one state to another, failing if the session is elsewhere.
func (s *Session) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return fmt.Errorf("cannot start %s while %s: %w", to, s.state, ErrInvalidState)
	}
	s.state = to
	return nil
}

// begin starts an operation on a connected session; end returns it to Connected.
func (s *Session) begin(op State) error { return s.transition(StateConnected, op) }

func (s *Session) end() {
	s.mu.Lock()
	s.state = StateConnected
	s.mu.Unlock()
}

// Connect establishes the session: it ensures the vault directory exists,
// fetches or creates the remote config, and fetches or creates the index.
// Every failure is wrapped in ErrConnect and leaves the session disconnected.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.transition(StateDisconnected, StateConnecting); err != nil {
		return err
	}

	err := s.connect(ctx)

	s.mu.Lock()
	if err != nil {
		s.state = StateDisconnected
	} else {
		s.state = StateConnected
	}
	s.mu.Unlock()

	if err != nil {
		s.deps.Logger.Error("connect failed", "error", err)
		return fmt.Errorf("%w %q: %w", ErrConnect, s.vault.Name, err)
	}
	s.deps.Logger.Info("connected", "root", s.layout.Dir())
	return nil
}

func (s *Session) connect(ctx context.Context) (err error) {
	provider, err := s.deps.Dial(ctx)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}

	tempDir, err := os.MkdirTemp(s.opts.TempDir, "parallel-"+s.vault.ID+"-")
	if err != nil {
		provider.Close()
		return fmt.Errorf("creating temp directory: %w", err)
	}

	var index Index
	defer func() {
		if err != nil {
			if index != nil {
				index.Close()
			}
			provider.Close()
			os.RemoveAll(tempDir)
		}
	}()

	if err := provider.CreateDirectory(ctx, s.layout.Dir()); err != nil {
		return fmt.Errorf("creating vault directory: %w", err)
	}

	remote, err := s.loadRemoteConfig(ctx, provider)
	if err != nil {
		return err
	}

	indexPath := filepath.Join(tempDir, s.vault.ID+".db")
	if err := s.fetchIndex(ctx, provider, indexPath); err != nil {
		return err
	}
	index, err = s.deps.OpenIndex(indexPath)
	if err != nil {
		return fmt.Errorf("opening index: %w", err)
	}

	s.mu.Lock()
	s.provider = provider
	s.index = index
	s.remote = remote
	s.tempDir = tempDir
	s.target = &Target{
		Provider:  provider,
		Layout:    s.layout,
		Encryptor: s.deps.Encryptor,
		Decryptor: s.deps.Decryptor,
	}
	s.mu.Unlock()
	return nil
}

// loadRemoteConfig downloads config.json.gz, or creates and uploads a default one.
func (s *Session) loadRemoteConfig(ctx context.Context, provider StorageProvider) (*config.RemoteConfig, error) {
	path := s.layout.ConfigPath()
	exists, err := provider.Exists(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("checking remote config: %w", err)
	}

	if !exists {
		remote := &config.RemoteConfig{
			Vault:  s.vault,
			Policy: config.DefaultPolicy(s.vault.Credentials.Root),
		}
		if err := uploadRemoteConfig(ctx, provider, path, remote); err != nil {
			return nil, err
		}
		s.deps.Logger.Info("created remote config", "path", path)
		return remote, nil
	}

	rc, err := provider.Download(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("downloading remote config: %w", err)
	}
	defer rc.Close()

	remote, err := config.DecodeRemote(rc)
	if err != nil {
		return nil, fmt.Errorf("remote config is corrupt: %w", err)
	}
	if remote.Policy == nil {
		remote.Policy = config.DefaultPolicy(s.vault.Credentials.Root)
	}
	// The local identity and credentials are authoritative; the policy is remote.
	remote.Vault = s.vault
	return remote, nil
}

func uploadRemoteConfig(ctx context.Context, provider StorageProvider, path string, remote *config.RemoteConfig) error {
	var buf bytes.Buffer
	if err := config.EncodeRemote(&buf, remote); err != nil {
		return err
	}
	if _, err := provider.Upload(ctx, &buf, path, true); err != nil {
		return fmt.Errorf("uploading remote config: %w", err)
	}
	return nil
}

// fetchIndex downloads and decompresses index.db.gz to dest if the vault has one.
func (s *Session) fetchIndex(ctx context.Context, provider StorageProvider, dest string) error {
	rc, err := provider.Download(ctx, s.layout.IndexPath())
	if errors.Is(err, ErrNotFound) {
		s.deps.Logger.Info("creating new index")
		return nil
	}
	if err != nil {
		return fmt.Errorf("downloading index: %w", err)
	}
	defer rc.Close()

	zr, err := gzip.NewReader(rc)
	if err != nil {
		return fmt.Errorf("remote index is corrupt: %w", err)
	}
	defer zr.Close()

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating local index: %w", err)
	}
	if _, err := io.Copy(f, zr); err != nil {
		f.Close()
		return fmt.Errorf("remote index is corrupt: %w", err)
	}
	return f.Close()
}

// Disconnect persists the config and index back to the vault and releases
// the provider. Every step is attempted; the first error is returned.
func (s *Session) Disconnect(ctx context.Context) error {
	if err := s.transition(StateConnected, StateDisconnecting); err != nil {
		return err
	}

	err := s.disconnect(ctx)

	s.mu.Lock()
	s.provider = nil
	s.index = nil
	s.remote = nil
	s.target = nil
	s.tempDir = ""
	s.state = StateDisconnected
	s.mu.Unlock()

	if err != nil {
		s.deps.Logger.Error("disconnect failed", "error", err)
		return err
	}
	s.deps.Logger.Info("disconnected")
	return nil
}

func (s *Session) disconnect(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(uploadRemoteConfig(ctx, s.provider, s.layout.ConfigPath(), s.remote))

	snapshot := filepath.Join(s.tempDir, "snapshot.db")
	snapErr := s.index.BackupTo(snapshot)
	keep(snapErr)

	if err := s.index.Close(); err != nil {
		keep(fmt.Errorf("closing index: %w", err))
	}

	if snapErr == nil {
		keep(s.uploadIndex(ctx, snapshot))
	}

	if err := s.provider.Close(); err != nil {
		keep(fmt.Errorf("closing storage: %w", err))
	}

	if err := os.RemoveAll(s.tempDir); err != nil {
		keep(fmt.Errorf("removing temp directory: %w", err))
	}
	return firstErr
}

func (s *Session) uploadIndex(ctx context.Context, snapshot string) error {
	f, err := os.Open(snapshot)
	if err != nil {
		return fmt.Errorf("opening index snapshot: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	go func() {
		zw := gzip.NewWriter(pw)
		if _, err := io.Copy(zw, f); err != nil {
			zw.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(zw.Close())
	}()
	defer pr.Close()

	if _, err := s.provider.Upload(ctx, pr, s.layout.IndexPath(), true); err != nil {
		return fmt.Errorf("uploading index: %w", err)
	}
	return nil
}

// Run connects, calls fn, and always disconnects, even when fn fails,
// panics or ctx is cancelled.
func (s *Session) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if derr := s.Disconnect(context.WithoutCancel(ctx)); derr != nil && err == nil {
			err = derr
		}
	}()
	return fn(ctx)
}
