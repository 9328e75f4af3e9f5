//go:build linux || darwin || freebsd

package fs

import (
	"fmt"
	"syscall"
)

// Usage is the capacity of the filesystem holding a path.
type Usage struct {
	Total uint64
	Free  uint64 // available to unprivileged users
}

// Used returns the bytes in use.
func (u Usage) Used() uint64 { return u.Total - u.Free }

// DiskUsage reports the capacity of the filesystem containing name.
func DiskUsage(name string) (*Usage, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(name, &st); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", name, err)
	}
	bsize := uint64(st.Bsize)
	return &Usage{
		Total: uint64(st.Blocks) * bsize,
		Free:  uint64(st.Bavail) * bsize,
	}, nil
}
