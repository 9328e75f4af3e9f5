package parallel

import (
	"fmt"
	"strings"
	"time"
)

// HistoryType is the closed set of lifecycle actions recorded in the index.
type HistoryType string

const (
	HistoryArchived HistoryType = "Archived"
	HistoryCleaned  HistoryType = "Cleaned"
	HistoryCloned   HistoryType = "Cloned"
	HistoryPruned   HistoryType = "Pruned"
	HistoryRestored HistoryType = "Restored"
	HistorySynced   HistoryType = "Synced"
)

// HistoryTypes lists every valid HistoryType.
var HistoryTypes = []HistoryType{
	HistoryArchived, HistoryCleaned, HistoryCloned, HistoryPruned, HistoryRestored, HistorySynced,
}

// ParseHistoryType accepts a history type name in any case.
func ParseHistoryType(s string) (HistoryType, error) {
	for _, t := range HistoryTypes {
		if strings.EqualFold(s, string(t)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown history type %q", s)
}

// HistoryEvent is an append-only audit row.
type HistoryEvent struct {
	ID        int64
	Type      HistoryType
	Timestamp time.Time
	Path      string
	Checksum  string
}
