package vault

import (
	"context"
	"fmt"
	"sync"

	"parallel-go/internal/config"
	"parallel-go/internal/parallel"
)

var (
	memoryMu     sync.Mutex
	memoryVaults = map[string]*MemoryProvider{}
)

// NewProviderFromConfig opens the storage described by creds.
// "memory" vaults are shared per root for the life of the process.
func NewProviderFromConfig(ctx context.Context, creds config.Credentials) (parallel.StorageProvider, error) {
	switch creds.Service {
	case "local", "":
		if creds.Root == "" {
			return nil, fmt.Errorf("local vault requires root to be set")
		}
		return NewLocalProvider(creds.Root)
	case "memory":
		memoryMu.Lock()
		defer memoryMu.Unlock()
		m, ok := memoryVaults[creds.Root]
		if !ok {
			m = NewMemoryProvider()
			memoryVaults[creds.Root] = m
		}
		return m, nil
	case "s3":
		return NewS3Provider(ctx, creds)
	case "ssh":
		return nil, fmt.Errorf("ssh vaults are not supported yet")
	default:
		return nil, fmt.Errorf("unknown vault service: %s", creds.Service)
	}
}
