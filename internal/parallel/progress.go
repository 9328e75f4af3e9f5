package parallel

// Operation names the action a Progress report is about.
type Operation string

const (
	OpUpload   Operation = "upload"
	OpArchive  Operation = "archive"
	OpDownload Operation = "download"
	OpPrune    Operation = "prune"
	OpRestore  Operation = "restore"
	OpSkip     Operation = "skip"
)

// Progress receives per-file notifications from a session.
// Implementations must not panic and must return promptly; they may be
// called from several worker goroutines at once.
type Progress interface {
	Report(op Operation, file *FileRecord)
	Failed(file *FileRecord, reason string)
	Reset()
}

// NopProgress discards every notification.
type NopProgress struct{}

func (NopProgress) Report(Operation, *FileRecord) {}
func (NopProgress) Failed(*FileRecord, string)    {}
func (NopProgress) Reset()                        {}
