package strategy

import (
	"context"
	"io"

	"parallel-go/internal/parallel"
)

// Delta is reserved for rsync-style transfers and refuses every operation.
type Delta struct{}

var _ parallel.SyncStrategy = Delta{}

func (Delta) Name() string { return NameDelta }

func (Delta) Upload(context.Context, *parallel.Target, *parallel.FileRecord) (*parallel.Uploaded, error) {
	return nil, parallel.ErrUnsupportedStrategy
}

func (Delta) Download(context.Context, *parallel.Target, *parallel.FileRecord, parallel.Manifest, io.Writer) error {
	return parallel.ErrUnsupportedStrategy
}

func (Delta) Cleanup(context.Context, *parallel.Target, []*parallel.FileRecord, []string) (int, error) {
	return 0, parallel.ErrUnsupportedStrategy
}
