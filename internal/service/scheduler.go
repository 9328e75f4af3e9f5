// Package service runs scheduled backups of every enabled vault.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"parallel-go/internal/config"
	"parallel-go/internal/parallel"
)

// Runner performs one backup cycle of one vault and returns the vault's
// policy, or nil if the vault could not be reached.
type Runner interface {
	Backup(ctx context.Context, v config.VaultConfig) (*config.Policy, error)
}

// Options tunes a Scheduler. Zero values select defaults.
type Options struct {
	MaxConcurrentVaults int
	Watch               bool          // wake early when backup directories change
	Debounce            time.Duration // default 5s
	RetryInterval       time.Duration // after a failed cycle with no policy; default 5m
	IntervalUnit        time.Duration // unit of Policy.BackupInterval; default time.Minute
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrentVaults <= 0 {
		o.MaxConcurrentVaults = 1
	}
	if o.Debounce <= 0 {
		o.Debounce = 5 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 5 * time.Minute
	}
	if o.IntervalUnit <= 0 {
		o.IntervalUnit = time.Minute
	}
	return o
}

// Scheduler runs one loop per vault. At most MaxConcurrentVaults cycles
// are active at once; a loop waits for a slot before each cycle.
type Scheduler struct {
	runner Runner
	vaults []config.VaultConfig
	opts   Options
	logger parallel.Logger
	slots  *semaphore.Weighted
}

// New creates a scheduler for vaults.
func New(runner Runner, vaults []config.VaultConfig, logger parallel.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = parallel.NewNopLogger()
	}
	opts = opts.withDefaults()
	return &Scheduler{
		runner: runner,
		vaults: vaults,
		opts:   opts,
		logger: logger,
		slots:  semaphore.NewWeighted(int64(opts.MaxConcurrentVaults)),
	}
}

// Run starts every vault loop and blocks until ctx is cancelled. Each loop
// backs up immediately, then again after the policy's interval or, when
// watching, once changes under the backup directories settle.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.vaults) == 0 {
		return fmt.Errorf("no vaults to schedule")
	}
	s.logger.Info("service started", "vaults", len(s.vaults), "slots", s.opts.MaxConcurrentVaults)

	var wg sync.WaitGroup
	for _, v := range s.vaults {
		v := v
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, v)
		}()
	}
	wg.Wait()

	s.logger.Info("service stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, v config.VaultConfig) {
	var watcher *Watcher
	defer func() {
		if watcher != nil {
			watcher.Close()
		}
	}()

	for {
		policy, err := s.cycle(ctx, v)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Error("backup cycle failed", "vault", v.Name, "error", err)
		}

		wait := s.opts.RetryInterval
		if policy != nil {
			if policy.BackupInterval > 0 {
				wait = time.Duration(policy.BackupInterval) * s.opts.IntervalUnit
			}
			if s.opts.Watch {
				watcher = s.watch(watcher, v, policy.BackupDirectories)
			}
		}

		var changed <-chan struct{}
		if watcher != nil {
			changed = watcher.Changed()
		}
		s.logger.Debug("next backup scheduled", "vault", v.Name, "in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-changed:
			timer.Stop()
			s.logger.Info("changes detected", "vault", v.Name)
		}
	}
}

// cycle runs one backup while holding a vault slot.
func (s *Scheduler) cycle(ctx context.Context, v config.VaultConfig) (*config.Policy, error) {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.slots.Release(1)

	s.logger.Info("backup cycle started", "vault", v.Name)
	return s.runner.Backup(ctx, v)
}

// watch makes sure w (created on first use) covers dirs. A watcher that
// cannot be created leaves the loop on its timer alone.
func (s *Scheduler) watch(w *Watcher, v config.VaultConfig, dirs []string) *Watcher {
	if w == nil {
		var err error
		if w, err = NewWatcher(s.opts.Debounce, s.logger); err != nil {
			s.logger.Warn("change watching disabled", "vault", v.Name, "error", err)
			return nil
		}
	}
	if err := w.Watch(dirs); err != nil {
		s.logger.Warn("watching backup directories failed", "vault", v.Name, "error", err)
	}
	return w
}
