package app

import (
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"

	"parallel-go/internal/parallel"
)

// ConsoleProgress prints one line per transferred file and counts the rest.
type ConsoleProgress struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
	counts  map[parallel.Operation]int
	bytes   int64
	failed  int
}

var _ parallel.Progress = (*ConsoleProgress)(nil)

// NewConsoleProgress writes to w. Skipped files are listed only when verbose.
func NewConsoleProgress(w io.Writer, verbose bool) *ConsoleProgress {
	return &ConsoleProgress{w: w, verbose: verbose, counts: make(map[parallel.Operation]int)}
}

func (p *ConsoleProgress) Report(op parallel.Operation, file *parallel.FileRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.counts[op]++
	switch op {
	case parallel.OpUpload:
		p.bytes += file.RemoteSize
		fmt.Fprintf(p.w, "%-8s %s (%s)\n", op, file.LocalPath, humanize.IBytes(uint64(file.LocalSize)))
	case parallel.OpSkip:
		if p.verbose {
			fmt.Fprintf(p.w, "%-8s %s\n", op, file.LocalPath)
		}
	default:
		fmt.Fprintf(p.w, "%-8s %s\n", op, file.LocalPath)
	}
}

func (p *ConsoleProgress) Failed(file *parallel.FileRecord, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed++
	fmt.Fprintf(p.w, "%-8s %s: %s\n", "failed", file.LocalPath, reason)
}

func (p *ConsoleProgress) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts = make(map[parallel.Operation]int)
	p.bytes = 0
	p.failed = 0
}

// Count returns how many files were reported for op.
func (p *ConsoleProgress) Count(op parallel.Operation) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[op]
}

// Summary recaps everything reported since the last Reset on one line.
func (p *ConsoleProgress) Summary() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("%d uploaded (%s stored), %d archived, %d downloaded, %d restored, %d pruned, %d unchanged, %d failed",
		p.counts[parallel.OpUpload], humanize.IBytes(uint64(p.bytes)),
		p.counts[parallel.OpArchive], p.counts[parallel.OpDownload],
		p.counts[parallel.OpRestore], p.counts[parallel.OpPrune],
		p.counts[parallel.OpSkip], p.failed)
}
