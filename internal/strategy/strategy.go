// Package strategy implements the ways file content can be laid out in a vault.
package strategy

import (
	"fmt"

	"parallel-go/internal/objects"
	"parallel-go/internal/parallel"
)

// Strategy names as stored in VaultConfig.Strategy.
const (
	NameObjects = "objects"
	NameFiles   = "files"
	NameDelta   = "delta"
)

// NewFromConfig returns the strategy for a vault. An empty name selects
// content-addressed chunking.
func NewFromConfig(name string, opts ...objects.Option) (parallel.SyncStrategy, error) {
	switch name {
	case NameObjects, "":
		return NewContentAddressed(opts...), nil
	case NameFiles:
		return NewWholeFile(), nil
	case NameDelta:
		return Delta{}, nil
	default:
		return nil, fmt.Errorf("unknown sync strategy: %q", name)
	}
}
