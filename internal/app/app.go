package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"parallel-go/internal/config"
	"parallel-go/internal/database"
	"parallel-go/internal/encryption"
	"parallel-go/internal/fs"
	"parallel-go/internal/parallel"
	"parallel-go/internal/strategy"
	"parallel-go/internal/vault"
)

// App is the application layer between the CLI (or service) and the sync
// sessions. It constructs all dependencies from config, exposes high-level
// operations that accept raw string paths, and owns the log file.
type App struct {
	cfg       *config.Config
	op        *Operation
	logger    *slog.Logger
	logFile   io.Closer
	encryptor parallel.Encryptor
	decryptor parallel.DecryptionContext
	progress  parallel.Progress
	clock     parallel.Clock
	ids       parallel.IDGenerator
	dial      func(ctx context.Context, creds config.Credentials) (parallel.StorageProvider, error)
}

// Option customizes an App.
type Option func(*App)

// WithProgress sets where per-file progress is reported.
func WithProgress(p parallel.Progress) Option { return func(a *App) { a.progress = p } }

// WithClock replaces the wall clock.
func WithClock(c parallel.Clock) Option { return func(a *App) { a.clock = c } }

// WithIDGenerator replaces the generator of new vault IDs.
func WithIDGenerator(g parallel.IDGenerator) Option { return func(a *App) { a.ids = g } }

// WithDialer replaces the storage provider factory.
func WithDialer(dial func(ctx context.Context, creds config.Credentials) (parallel.StorageProvider, error)) Option {
	return func(a *App) { a.dial = dial }
}

// NewApp creates a fully wired App from the given config.
// operation identifies the command being run (e.g. "push", "service") and
// console receives log lines in addition to the log file (nil for none).
// The caller must call Close when done.
func NewApp(cfg *config.Config, operation string, console io.Writer, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		progress: parallel.NopProgress{},
		clock:    parallel.RealClock{},
		ids:      parallel.UUIDGenerator{},
		dial:     vault.NewProviderFromConfig,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.op = NewOperation(operation, a.clock.Now())

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	a.encryptor = enc

	logger, logFile, err := newLogger(cfg.Log, cfg.LogDir, a.op.ID(), console)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a.logger = logger
	a.logFile = logFile
	return a, nil
}

// Config returns the local configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the operation's logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// EngineLogger returns the operation's logger for the sync packages.
func (a *App) EngineLogger() parallel.Logger { return &slogAdapter{l: a.logger} }

// Fail records that the operation ended in error.
func (a *App) Fail(err error) { a.op.Fail(err) }

// Close logs the outcome of the operation and closes the log file.
func (a *App) Close() error {
	a.logger.Info("operation finished", "status", a.op.Status, "elapsed", a.clock.Now().Sub(a.op.Started))
	if a.logFile != nil {
		return a.logFile.Close()
	}
	return nil
}

// Vaults resolves the vaults a command acts on. A non-empty nameOrID selects
// exactly that vault. Otherwise all enabled vaults are returned, or just the
// first when all is false.
func (a *App) Vaults(nameOrID string, all bool) ([]config.VaultConfig, error) {
	if nameOrID != "" {
		v := a.cfg.Vault(nameOrID)
		if v == nil {
			return nil, fmt.Errorf("no vault named %q", nameOrID)
		}
		return []config.VaultConfig{*v}, nil
	}
	enabled := a.cfg.EnabledVaults()
	if len(enabled) == 0 {
		return nil, fmt.Errorf("no vaults configured")
	}
	if !all {
		enabled = enabled[:1]
	}
	return enabled, nil
}

// AddVault assigns v a fresh ID and adds it to the local config. The caller
// saves the config.
func (a *App) AddVault(v config.VaultConfig) (config.VaultConfig, error) {
	v.ID = a.ids.New()
	if v.Credentials.Service == "" {
		v.Credentials.Service = "local"
	}
	if _, err := strategy.NewFromConfig(v.Strategy); err != nil {
		return v, err
	}
	if err := a.cfg.AddVault(v); err != nil {
		return v, err
	}
	a.logger.Info("vault added", "vault", v.Name, "id", v.ID, "service", v.Credentials.Service)
	return v, nil
}

// SetupEncryption generates the key pair used by encrypted vaults.
func (a *App) SetupEncryption(passphrase string) error {
	return a.encryptor.Setup(passphrase)
}

// EncryptionConfigured reports whether the key pair exists.
func (a *App) EncryptionConfigured() bool { return a.encryptor.IsConfigured() }

// Unlock decrypts the private key so encrypted vaults can be read.
func (a *App) Unlock(passphrase string) error {
	dec, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return fmt.Errorf("unlocking encryption key: %w", err)
	}
	a.decryptor = dec
	return nil
}

// NeedsPassphrase reports whether reading from v requires Unlock first.
func (a *App) NeedsPassphrase(v config.VaultConfig) bool {
	return v.Credentials.Encrypt && a.decryptor == nil
}

// Session creates a disconnected session for v.
func (a *App) Session(v config.VaultConfig) (*parallel.Session, error) {
	strat, err := strategy.NewFromConfig(v.Strategy)
	if err != nil {
		return nil, fmt.Errorf("vault %q: %w", v.Name, err)
	}

	var enc parallel.Encryptor
	if v.Credentials.Encrypt {
		if !a.encryptor.IsConfigured() {
			return nil, fmt.Errorf("vault %q is encrypted but no key pair is set up", v.Name)
		}
		enc = a.encryptor
	}

	creds := v.Credentials
	deps := parallel.Deps{
		Dial: func(ctx context.Context) (parallel.StorageProvider, error) {
			return a.dial(ctx, creds)
		},
		OpenIndex: func(path string) (parallel.Index, error) {
			return database.OpenSQLiteIndex(path, a.clock)
		},
		Strategy:  strat,
		Encryptor: enc,
		Decryptor: a.decryptor,
		Progress:  a.progress,
		Logger:    &slogAdapter{l: a.logger.With("vault", v.Name)},
		Clock:     a.clock,
	}
	return parallel.NewSession(v, deps, parallel.Options{
		MaxConcurrentUploads:   a.cfg.Parallelism.MaxConcurrentUploads,
		MaxConcurrentProcesses: a.cfg.Parallelism.MaxConcurrentProcesses,
		TempDir:                a.cfg.TempDir,
	})
}

// run opens a session for v and calls fn while it is connected.
func (a *App) run(ctx context.Context, v config.VaultConfig, fn func(ctx context.Context, s *parallel.Session) error) error {
	s, err := a.Session(v)
	if err != nil {
		return err
	}
	return s.Run(ctx, func(ctx context.Context) error {
		return fn(ctx, s)
	})
}

// Ping connects to v and disconnects again, creating the vault if needed.
// It returns the vault's policy.
func (a *App) Ping(ctx context.Context, v config.VaultConfig) (*config.Policy, error) {
	var policy *config.Policy
	err := a.run(ctx, v, func(ctx context.Context, s *parallel.Session) error {
		p, err := s.Policy()
		policy = p
		return err
	})
	return policy, err
}

// PushResult summarizes one push of one vault.
type PushResult struct {
	Scan        *parallel.ScanResult
	Transferred int
	Policy      *config.Policy
}

// Push scans and pushes v. An empty rawPath covers every backup directory
// of the vault's policy; otherwise rawPath must lie inside one of them and
// must not be ignored.
func (a *App) Push(ctx context.Context, v config.VaultConfig, rawPath string, force bool) (*PushResult, error) {
	res := &PushResult{Scan: &parallel.ScanResult{}}
	err := a.run(ctx, v, func(ctx context.Context, s *parallel.Session) error {
		policy, err := s.Policy()
		if err != nil {
			return err
		}
		res.Policy = policy

		if rawPath == "" {
			err = a.scanBackupDirs(ctx, s, policy, res.Scan)
		} else {
			err = a.scanPath(ctx, s, policy, rawPath, res.Scan)
		}
		if err != nil {
			return err
		}
		res.Scan.Sort()

		res.Transferred, err = s.Push(ctx, res.Scan.Changes(), force)
		return err
	})
	return res, err
}

func (a *App) scanner(s *parallel.Session) (*fs.Scanner, error) {
	idx, err := s.Index()
	if err != nil {
		return nil, err
	}
	return fs.NewScanner(idx, &slogAdapter{l: a.logger.With("vault", s.Vault().Name)},
		s.Options().MaxConcurrentProcesses), nil
}

func (a *App) scanBackupDirs(ctx context.Context, s *parallel.Session, policy *config.Policy, out *parallel.ScanResult) error {
	sc, err := a.scanner(s)
	if err != nil {
		return err
	}
	for _, dir := range policy.BackupDirectories {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			a.logger.Warn("skipping missing backup directory", "vault", s.Vault().Name, "path", dir)
			continue
		}
		ignore, err := fs.LoadIgnoreMatcher(dir, policy.IgnoreDirectories)
		if err != nil {
			return err
		}
		res, err := sc.Scan(ctx, dir, ignore)
		if err != nil {
			return fmt.Errorf("scanning %s: %w", dir, err)
		}
		out.Merge(res)
	}
	return nil
}

func (a *App) scanPath(ctx context.Context, s *parallel.Session, policy *config.Policy, rawPath string, out *parallel.ScanResult) error {
	abs, err := filepath.Abs(rawPath)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}
	dir := containingDir(policy.BackupDirectories, abs)
	if dir == "" {
		return fmt.Errorf("%s is not inside a backup directory of vault %q", abs, s.Vault().Name)
	}
	ignore, err := fs.LoadIgnoreMatcher(dir, policy.IgnoreDirectories)
	if err != nil {
		return err
	}
	if ignore.Match(parallel.NormalizePath(abs)) {
		return fmt.Errorf("%s is ignored by vault %q", abs, s.Vault().Name)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat path: %w", err)
	}
	if info.IsDir() {
		sc, err := a.scanner(s)
		if err != nil {
			return err
		}
		res, err := sc.Scan(ctx, abs, ignore)
		if err != nil {
			return fmt.Errorf("scanning %s: %w", abs, err)
		}
		out.Merge(res)
		return nil
	}

	rec, err := fs.Describe(abs)
	if err != nil {
		return err
	}
	idx, err := s.Index()
	if err != nil {
		return err
	}
	latest, err := idx.GetLatestFile(ctx, rec.LocalPath)
	if err != nil {
		return err
	}
	switch {
	case latest == nil || latest.Deleted:
		out.Created = append(out.Created, rec)
	default:
		// Explicit pushes are always offered; Push skips unchanged content.
		out.Changed = append(out.Changed, rec)
	}
	return nil
}

// containingDir returns the entry of dirs that is p or an ancestor of p.
func containingDir(dirs []string, p string) string {
	np := parallel.NormalizePath(p)
	for _, d := range dirs {
		nd := parallel.NormalizePath(d)
		if np == nd || strings.HasPrefix(np, strings.TrimSuffix(nd, "/")+"/") {
			return d
		}
	}
	return ""
}

// Pull writes the newest live revision of every file under rawPath (all
// files when empty) back to its original location.
func (a *App) Pull(ctx context.Context, v config.VaultConfig, rawPath string, force bool) (int, error) {
	prefix, err := absPrefix(rawPath)
	if err != nil {
		return 0, err
	}
	var n int
	err = a.run(ctx, v, func(ctx context.Context, s *parallel.Session) error {
		idx, err := s.Index()
		if err != nil {
			return err
		}
		files, err := idx.GetLatestFiles(ctx, prefix, time.Time{}, false)
		if err != nil {
			return err
		}
		n, err = s.Pull(ctx, files, force)
		return err
	})
	return n, err
}

// PruneRequest selects what a prune removes. The cutoff is Before when set,
// else Days ago, else the vault's prune period ago. With no Path the
// policy's prune directories are used, or the whole vault when it has none.
type PruneRequest struct {
	Path    string
	Before  time.Time
	Days    int
	Force   bool
	Confirm parallel.ConfirmFunc
}

// Prune permanently removes archived files of v.
func (a *App) Prune(ctx context.Context, v config.VaultConfig, req PruneRequest) (*parallel.PruneResult, error) {
	prefix, err := absPrefix(req.Path)
	if err != nil {
		return nil, err
	}
	total := &parallel.PruneResult{}
	err = a.run(ctx, v, func(ctx context.Context, s *parallel.Session) error {
		policy, err := s.Policy()
		if err != nil {
			return err
		}
		cutoff := pruneCutoff(a.clock.Now(), req, policy)

		paths := []string{prefix}
		if prefix == "" && len(policy.PruneDirectories) > 0 {
			paths = policy.PruneDirectories
		}
		for _, p := range paths {
			res, err := s.Prune(ctx, p, cutoff, req.Force, req.Confirm)
			if res != nil {
				total.Candidates += res.Candidates
				total.Pruned += res.Pruned
				total.Rows += res.Rows
				total.Blobs += res.Blobs
				total.Confirmed = total.Confirmed || res.Confirmed
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	return total, err
}

func pruneCutoff(now time.Time, req PruneRequest, policy *config.Policy) time.Time {
	switch {
	case !req.Before.IsZero():
		return req.Before
	case req.Days > 0:
		return now.AddDate(0, 0, -req.Days)
	default:
		return now.AddDate(0, 0, -policy.PrunePeriod)
	}
}

// Restore writes a point-in-time snapshot of v back to disk.
func (a *App) Restore(ctx context.Context, v config.VaultConfig, opts parallel.RestoreOptions) (int, error) {
	prefix, err := absPrefix(opts.Path)
	if err != nil {
		return 0, err
	}
	opts.Path = prefix
	if opts.RemapTo != "" {
		if opts.RemapTo, err = filepath.Abs(opts.RemapTo); err != nil {
			return 0, fmt.Errorf("resolving remap path: %w", err)
		}
	}
	var n int
	err = a.run(ctx, v, func(ctx context.Context, s *parallel.Session) error {
		n, err = s.Restore(ctx, opts)
		return err
	})
	return n, err
}

// Stats reads aggregate figures of v.
func (a *App) Stats(ctx context.Context, v config.VaultConfig) (*parallel.Stats, error) {
	var st *parallel.Stats
	err := a.run(ctx, v, func(ctx context.Context, s *parallel.Session) error {
		var err error
		st, err = s.Stats(ctx)
		return err
	})
	return st, err
}

// History lists events of v under rawPath, newest first.
func (a *App) History(ctx context.Context, v config.VaultConfig, rawPath string, typ parallel.HistoryType, limit int) ([]*parallel.HistoryEvent, error) {
	prefix, err := absPrefix(rawPath)
	if err != nil {
		return nil, err
	}
	var events []*parallel.HistoryEvent
	err = a.run(ctx, v, func(ctx context.Context, s *parallel.Session) error {
		events, err = s.History(ctx, prefix, typ, limit)
		return err
	})
	return events, err
}

// ErrNoDiskUsage is returned by Disk for vaults not on a mounted filesystem.
var ErrNoDiskUsage = errors.New("disk usage is only available for local vaults")

// Disk reports the capacity of the filesystem holding a local vault.
func (a *App) Disk(v config.VaultConfig) (*fs.Usage, error) {
	if v.Credentials.Service != "local" && v.Credentials.Service != "" {
		return nil, fmt.Errorf("vault %q: %w", v.Name, ErrNoDiskUsage)
	}
	return fs.DiskUsage(v.Credentials.Root)
}

// Backup runs one scheduled cycle for v: a push of every backup directory.
// It returns the vault's policy so the caller can plan the next cycle.
func (a *App) Backup(ctx context.Context, v config.VaultConfig) (*config.Policy, error) {
	res, err := a.Push(ctx, v, "", false)
	if err != nil {
		return res.Policy, err
	}
	a.logger.Info("backup cycle complete", "vault", v.Name,
		"created", len(res.Scan.Created), "changed", len(res.Scan.Changed),
		"deleted", len(res.Scan.Deleted), "transferred", res.Transferred)
	return res.Policy, nil
}

func absPrefix(rawPath string) (string, error) {
	if rawPath == "" {
		return "", nil
	}
	abs, err := filepath.Abs(rawPath)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}
	return parallel.NormalizePath(abs), nil
}
