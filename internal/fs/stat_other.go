//go:build !(linux || darwin || freebsd)

package fs

import (
	"fmt"
	"runtime"
)

// Usage is the capacity of the filesystem holding a path.
type Usage struct {
	Total uint64
	Free  uint64
}

// Used returns the bytes in use.
func (u Usage) Used() uint64 { return u.Total - u.Free }

// DiskUsage is not available on this platform.
func DiskUsage(name string) (*Usage, error) {
	return nil, fmt.Errorf("disk usage is not supported on %s", runtime.GOOS)
}
