package testutil

import (
	"sort"
	"sync"

	"parallel-go/internal/parallel"
)

// RecordingProgress remembers every report. Safe for concurrent use.
type RecordingProgress struct {
	mu       sync.Mutex
	reports  map[parallel.Operation][]string
	failures map[string]string
}

var _ parallel.Progress = (*RecordingProgress)(nil)

func NewRecordingProgress() *RecordingProgress {
	p := &RecordingProgress{}
	p.Reset()
	return p
}

func (p *RecordingProgress) Report(op parallel.Operation, file *parallel.FileRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports[op] = append(p.reports[op], file.LocalPath)
}

func (p *RecordingProgress) Failed(file *parallel.FileRecord, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[file.LocalPath] = reason
}

func (p *RecordingProgress) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = make(map[parallel.Operation][]string)
	p.failures = make(map[string]string)
}

// Paths returns the sorted paths reported for op.
func (p *RecordingProgress) Paths(op parallel.Operation) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]string(nil), p.reports[op]...)
	sort.Strings(out)
	return out
}

// Failures returns failure reasons by path.
func (p *RecordingProgress) Failures() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.failures))
	for k, v := range p.failures {
		out[k] = v
	}
	return out
}
