package testutil

import (
	"context"

	"parallel-go/internal/parallel"
	"parallel-go/internal/vault"
)

// NewTestProvider creates an in-memory vault backend.
func NewTestProvider() *vault.MemoryProvider {
	return vault.NewMemoryProvider()
}

// Dialer returns a Deps.Dial func that always hands out p.
func Dialer(p parallel.StorageProvider) func(ctx context.Context) (parallel.StorageProvider, error) {
	return func(ctx context.Context) (parallel.StorageProvider, error) {
		return p, nil
	}
}
