package app

import (
	"fmt"
	"time"
)

// Operation identifies one CLI or service invocation. Its ID tags every
// log line written while it runs.
type Operation struct {
	Name    string
	Started time.Time
	Status  string // "success" or "error"
}

// NewOperation starts an operation named after the command being run.
func NewOperation(name string, started time.Time) *Operation {
	return &Operation{
		Name:    name,
		Started: started,
		Status:  "success",
	}
}

// ID is the start time and name, e.g. "20240115T103000Z-push".
func (op *Operation) ID() string {
	return fmt.Sprintf("%s-%s", op.Started.UTC().Format("20060102T150405Z"), op.Name)
}

// Fail marks the operation as failed when err is non-nil.
func (op *Operation) Fail(err error) {
	if err != nil {
		op.Status = "error"
	}
}
