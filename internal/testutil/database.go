package testutil

import (
	"testing"

	"parallel-go/internal/database"
	"parallel-go/internal/parallel"
)

// NewTestIndex creates a migrated in-memory index that is closed when the test completes.
func NewTestIndex(t *testing.T, clock parallel.Clock) *database.SQLiteIndex {
	t.Helper()

	idx, err := database.OpenSQLiteIndex(":memory:", clock)
	if err != nil {
		t.Fatalf("failed to open index: %v", err)
	}
	t.Cleanup(func() {
		idx.Close()
	})
	return idx
}

// IndexOpener returns a Deps.OpenIndex func backed by SQLite files.
func IndexOpener(clock parallel.Clock) func(path string) (parallel.Index, error) {
	return func(path string) (parallel.Index, error) {
		return database.OpenSQLiteIndex(path, clock)
	}
}
