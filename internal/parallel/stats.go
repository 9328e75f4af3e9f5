package parallel

import (
	"context"
	"fmt"
)

// Stats are aggregate figures for one vault.
type Stats struct {
	LocalFiles   int64
	DeletedFiles int64
	LocalSize    int64
	RemoteSize   int64
}

// Files is the number of managed paths.
func (s Stats) Files() int64 { return s.LocalFiles + s.DeletedFiles }

// SpaceSaved is the percentage of local bytes not needed remotely.
func (s Stats) SpaceSaved() float64 {
	if s.LocalSize == 0 {
		return 0
	}
	return float64(s.LocalSize-s.RemoteSize) / float64(s.LocalSize) * 100
}

// Stats reads aggregate figures from the index. Valid while connected.
func (s *Session) Stats(ctx context.Context) (*Stats, error) {
	index, err := s.Index()
	if err != nil {
		return nil, err
	}

	var st Stats
	if st.LocalFiles, err = index.GetFileCount(ctx, false); err != nil {
		return nil, fmt.Errorf("counting files: %w", err)
	}
	if st.DeletedFiles, err = index.GetFileCount(ctx, true); err != nil {
		return nil, fmt.Errorf("counting deleted files: %w", err)
	}
	if st.LocalSize, err = index.GetTotalSize(ctx, SizeLocal); err != nil {
		return nil, fmt.Errorf("summing local size: %w", err)
	}
	if st.RemoteSize, err = index.GetTotalSize(ctx, SizeRemote); err != nil {
		return nil, fmt.Errorf("summing remote size: %w", err)
	}
	return &st, nil
}

// History lists events under prefix, newest first. Valid while connected.
func (s *Session) History(ctx context.Context, prefix string, typ HistoryType, limit int) ([]*HistoryEvent, error) {
	index, err := s.Index()
	if err != nil {
		return nil, err
	}
	if prefix != "" {
		prefix = NormalizePath(prefix)
	}
	return index.GetHistory(ctx, prefix, typ, limit)
}
