package parallel

import "sort"

// ScanResult is the change-set of one directory compared with the index.
type ScanResult struct {
	Created []*FileRecord // on disk, never indexed
	Changed []*FileRecord // indexed, content and write time moved on
	Deleted []*FileRecord // indexed, now missing or ignored; copies with Deleted set
	Ignored []*FileRecord // on disk, matched an ignore rule, never indexed
}

// Changes returns the records a push should process.
func (r *ScanResult) Changes() []*FileRecord {
	out := make([]*FileRecord, 0, len(r.Created)+len(r.Changed)+len(r.Deleted))
	out = append(out, r.Created...)
	out = append(out, r.Changed...)
	return append(out, r.Deleted...)
}

// Empty reports whether there is nothing to push.
func (r *ScanResult) Empty() bool {
	return len(r.Created) == 0 && len(r.Changed) == 0 && len(r.Deleted) == 0
}

// Merge appends other into r.
func (r *ScanResult) Merge(other *ScanResult) {
	if other == nil {
		return
	}
	r.Created = append(r.Created, other.Created...)
	r.Changed = append(r.Changed, other.Changed...)
	r.Deleted = append(r.Deleted, other.Deleted...)
	r.Ignored = append(r.Ignored, other.Ignored...)
}

// Sort orders every list by path.
func (r *ScanResult) Sort() {
	for _, list := range [][]*FileRecord{r.Created, r.Changed, r.Deleted, r.Ignored} {
		list := list
		sort.Slice(list, func(i, j int) bool { return list[i].LocalPath < list[j].LocalPath })
	}
}
