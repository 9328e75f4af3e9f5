package parallel

import (
	"context"
	"fmt"
	"time"
)

// PruneResult summarizes a prune.
type PruneResult struct {
	Candidates int   // paths with revisions at or before the cutoff that can go
	Pruned     int   // paths actually pruned
	Rows       int64 // index rows removed
	Blobs      int   // remote blobs removed
	Confirmed  bool
}

// ConfirmFunc is asked before a non-forced prune removes n files.
type ConfirmFunc func(n int) bool

// Prune permanently removes the revisions under prefix recorded at or before
// cutoff. Candidates are the newest revision of each path at the cutoff. A
// live path whose newest revision is that candidate keeps it, so the current
// backup of an existing file is never pruned. Unless force is set, confirm
// must approve; a nil or declining confirm removes nothing.
// Chunks are removed only once no remaining manifest references them.
func (s *Session) Prune(ctx context.Context, prefix string, cutoff time.Time, force bool, confirm ConfirmFunc) (*PruneResult, error) {
	if err := s.begin(StatePruning); err != nil {
		return nil, err
	}
	defer s.end()

	if prefix != "" {
		prefix = NormalizePath(prefix)
	}
	if cutoff.IsZero() {
		cutoff = s.deps.Clock.Now()
	}
	latest, err := s.index.GetLatestFiles(ctx, prefix, cutoff, true)
	if err != nil {
		return nil, fmt.Errorf("finding prune candidates: %w", err)
	}
	var candidates []*FileRecord
	for _, f := range latest {
		if f.Deleted {
			candidates = append(candidates, f)
			continue
		}
		newest, err := s.index.GetLatestFile(ctx, f.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("finding prune candidates: %w", err)
		}
		if newest != nil && newest.LastUpdate.After(f.LastUpdate) {
			candidates = append(candidates, f)
		}
	}

	res := &PruneResult{Candidates: len(candidates)}
	if len(candidates) == 0 {
		return res, nil
	}
	if !force && (confirm == nil || !confirm(len(candidates))) {
		s.deps.Logger.Info("prune not confirmed", "candidates", len(candidates))
		return res, nil
	}
	res.Confirmed = true

	var gone []*FileRecord
	for _, f := range candidates {
		if ctx.Err() != nil {
			break
		}
		n, err := s.index.RemoveFiles(ctx, f.LocalPath, cutoff)
		if err != nil {
			s.fail(f, "prune failed", err)
			continue
		}
		res.Rows += n
		res.Pruned++
		if err := s.index.AddHistory(ctx, HistoryPruned, f); err != nil {
			s.fail(f, "prune history failed", err)
		}
		s.deps.Progress.Report(OpPrune, f)

		remaining, err := s.index.GetLatestFile(ctx, f.LocalPath)
		if err == nil && remaining == nil {
			gone = append(gone, f)
		}
	}

	orphans, err := s.index.PruneManifests(ctx)
	if err != nil {
		return res, fmt.Errorf("collecting unreferenced chunks: %w", err)
	}
	blobs, err := s.deps.Strategy.Cleanup(ctx, s.target, gone, orphans)
	res.Blobs = blobs
	if err != nil {
		s.deps.Logger.Warn("content cleanup incomplete", "removed", blobs, "error", err)
	}

	s.deps.Logger.Info("prune complete", "pruned", res.Pruned, "rows", res.Rows, "blobs", res.Blobs)
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("prune interrupted: %w", err)
	}
	return res, nil
}
