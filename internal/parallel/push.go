package parallel

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Push records a change-set in the vault. Deleted records are archived
// without any transfer; the rest are uploaded with at most
// MaxConcurrentUploads in flight. A file whose newest revision already has
// the same checksum is skipped unless force is set. Per-file failures are
// reported to Progress and do not stop the batch.
//
// Returns the number of files transferred.
func (s *Session) Push(ctx context.Context, files []*FileRecord, force bool) (int, error) {
	if err := s.begin(StatePushing); err != nil {
		return 0, err
	}
	defer s.end()

	var toUpload, toArchive []*FileRecord
	for _, f := range files {
		if f.Deleted {
			toArchive = append(toArchive, f)
		} else {
			toUpload = append(toUpload, f)
		}
	}
	s.deps.Logger.Info("push started", "upload", len(toUpload), "archive", len(toArchive), "force", force)

	for _, f := range toArchive {
		if ctx.Err() != nil {
			break
		}
		if err := s.archive(ctx, f); err != nil {
			s.fail(f, "archive failed", err)
		}
	}

	var transferred atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.opts.MaxConcurrentUploads)
	for _, f := range toUpload {
		f := f
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			sent, err := s.pushFile(ctx, f, force)
			if err != nil {
				s.fail(f, "upload failed", err)
				return nil
			}
			if sent {
				transferred.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	n := int(transferred.Load())
	if err := ctx.Err(); err != nil {
		return n, fmt.Errorf("push interrupted: %w", err)
	}
	s.deps.Logger.Info("push complete", "transferred", n)
	return n, nil
}

func (s *Session) fail(f *FileRecord, msg string, err error) {
	s.deps.Logger.Warn(msg, "path", f.LocalPath, "error", err)
	s.deps.Progress.Failed(f, err.Error())
}

// archive marks a file deleted in the index. Its remote content is retained.
func (s *Session) archive(ctx context.Context, f *FileRecord) error {
	rec := f.Clone()
	if rec.Checksum == "" {
		latest, err := s.index.GetLatestFile(ctx, rec.LocalPath)
		if err != nil {
			return fmt.Errorf("finding latest revision: %w", err)
		}
		if latest == nil {
			return fmt.Errorf("archiving untracked file %s: %w", rec.LocalPath, ErrMissingField)
		}
		rec = latest.Clone()
	}
	rec.Deleted = true
	rec.LastUpdate = s.deps.Clock.Now()

	if err := s.index.AddFile(ctx, rec); err != nil {
		return fmt.Errorf("recording archive: %w", err)
	}
	if err := s.index.AddHistory(ctx, HistoryArchived, rec); err != nil {
		return fmt.Errorf("recording history: %w", err)
	}
	s.deps.Progress.Report(OpArchive, rec)
	return nil
}

// pushFile uploads one file and records it. Returns false when skipped.
func (s *Session) pushFile(ctx context.Context, f *FileRecord, force bool) (bool, error) {
	if !force && f.Checksum != "" {
		latest, err := s.index.GetLatestFile(ctx, f.LocalPath)
		if err != nil {
			return false, fmt.Errorf("finding latest revision: %w", err)
		}
		if latest != nil && !latest.Deleted && latest.Checksum == f.Checksum {
			s.deps.Progress.Report(OpSkip, f)
			return false, nil
		}
	}

	up, err := s.deps.Strategy.Upload(ctx, s.target, f)
	if err != nil {
		return false, err
	}
	if f.Checksum != "" && up.Checksum != f.Checksum {
		return false, fmt.Errorf("%s: %w", f.LocalPath, ErrFileChanged)
	}

	rec := f.Clone()
	if rec.ID == "" {
		rec.ID = FileID(rec.LocalPath)
	}
	rec.Checksum = up.Checksum
	rec.RemotePath = up.RemotePath
	rec.RemoteSize = up.RemoteSize
	rec.Deleted = false
	rec.LastUpdate = s.deps.Clock.Now()

	if up.Manifest != nil {
		if err := s.index.PutManifest(ctx, rec.Checksum, up.Manifest); err != nil {
			return false, fmt.Errorf("recording manifest: %w", err)
		}
	}
	if err := s.index.AddFile(ctx, rec); err != nil {
		return false, fmt.Errorf("recording file: %w", err)
	}
	if err := s.index.AddHistory(ctx, HistorySynced, rec); err != nil {
		return false, fmt.Errorf("recording history: %w", err)
	}

	s.deps.Logger.Debug("file pushed", "path", rec.LocalPath, "size", rec.RemoteSize)
	s.deps.Progress.Report(OpUpload, rec)
	return true, nil
}
