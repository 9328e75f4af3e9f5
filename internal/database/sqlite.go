package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bobg/sqlutil"

	"parallel-go/internal/database/migrations"
	"parallel-go/internal/parallel"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteIndex implements parallel.Index on one SQLite file per vault.
//
// Every method holds mu for its whole duration and the pool is capped at a
// single connection, so statements never interleave.
type SQLiteIndex struct {
	mu    sync.Mutex
	db    *sql.DB
	path  string
	clock parallel.Clock
}

var _ parallel.Index = (*SQLiteIndex)(nil)

// OpenSQLiteIndex opens (creating if needed) the index at path and brings
// its schema up to date. path can be ":memory:". A nil clock uses the real clock.
func OpenSQLiteIndex(path string, clock parallel.Clock) (*SQLiteIndex, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating index %s: %w", path, err)
	}
	if clock == nil {
		clock = parallel.RealClock{}
	}
	return &SQLiteIndex{db: db, path: path, clock: clock}, nil
}

// OpenConnection opens and configures a single-connection SQLite handle.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure index: %w", err)
	}
	return db, nil
}

// Path returns the index file path.
func (s *SQLiteIndex) Path() string { return s.path }

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// prefixClause matches a column against an exact path or anything below it.
func prefixClause(column, prefix string) (string, []any) {
	if prefix == "" {
		return "1 = 1", nil
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return column + " LIKE '/%'", nil
	}
	return "(" + column + " = ? OR substr(" + column + ", 1, ?) = ?)", []any{prefix, len(prefix) + 1, prefix + "/"}
}

const fileColumns = `id, name, localpath, remotepath, lastwrite, lastupdate, localsize, remotesize,
	category, hidden, readonly, deleted, checksum`

// File operations

func (s *SQLiteIndex) AddFile(ctx context.Context, record *parallel.FileRecord) error {
	if record == nil || record.LocalPath == "" {
		return fmt.Errorf("adding file: local path: %w", parallel.ErrMissingField)
	}
	if record.Checksum == "" {
		return fmt.Errorf("adding file %s: checksum: %w", record.LocalPath, parallel.ErrMissingField)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	update := record.LastUpdate
	if update.IsZero() {
		update = s.clock.Now()
	}
	var last sql.NullInt64
	err = tx.QueryRowContext(ctx, "SELECT MAX(lastupdate) FROM files WHERE localpath = ?", record.LocalPath).Scan(&last)
	if err != nil {
		return fmt.Errorf("reading last update: %w", err)
	}
	ms := millis(update)
	if last.Valid && ms <= last.Int64 {
		ms = last.Int64 + 1
	}

	category := record.Category
	if category == "" {
		category = parallel.CategoryOf(record.Name)
	}
	id := record.ID
	if id == "" {
		id = parallel.FileID(record.LocalPath)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO files (`+fileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (localpath, checksum) DO UPDATE SET
			id = excluded.id,
			name = excluded.name,
			remotepath = excluded.remotepath,
			lastwrite = excluded.lastwrite,
			lastupdate = excluded.lastupdate,
			localsize = excluded.localsize,
			remotesize = excluded.remotesize,
			category = excluded.category,
			hidden = excluded.hidden,
			readonly = excluded.readonly,
			deleted = excluded.deleted`,
		id, record.Name, record.LocalPath, record.RemotePath,
		millis(record.LastWrite), ms, record.LocalSize, record.RemoteSize,
		string(category), record.Hidden, record.ReadOnly, record.Deleted, record.Checksum)
	if err != nil {
		return fmt.Errorf("adding file %s: %w", record.LocalPath, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing file %s: %w", record.LocalPath, err)
	}

	record.ID = id
	record.Category = category
	record.LastUpdate = fromMillis(ms)
	return nil
}

// latestQuery selects the newest row per path at or before a cutoff.
func latestQuery(where string) string {
	return `SELECT ` + fileColumns + ` FROM files f
		WHERE ` + where + `
		AND f.lastupdate = (
			SELECT MAX(lastupdate) FROM files
			WHERE localpath = f.localpath AND lastupdate <= ?)`
}

func (s *SQLiteIndex) GetLatestFiles(ctx context.Context, pathPrefix string, at time.Time, includeDeleted bool) ([]*parallel.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	where, args := prefixClause("f.localpath", pathPrefix)
	q := latestQuery(where)
	// LastUpdate can run ahead of the clock after a monotonic bump.
	bound := int64(math.MaxInt64)
	if !at.IsZero() {
		bound = millis(at)
	}
	args = append(args, bound)
	if !includeDeleted {
		q += " AND f.deleted = 0"
	}
	q += " ORDER BY f.lastupdate DESC, f.localpath"

	files, err := s.queryFiles(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("getting latest files under %q: %w", pathPrefix, err)
	}
	return files, nil
}

func (s *SQLiteIndex) GetLatestFile(ctx context.Context, localPath string) (*parallel.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.queryFiles(ctx, `SELECT `+fileColumns+` FROM files
		WHERE localpath = ? ORDER BY lastupdate DESC LIMIT 1`, localPath)
	if err != nil {
		return nil, fmt.Errorf("getting latest file %s: %w", localPath, err)
	}
	if len(files) == 0 {
		return nil, nil
	}
	return files[0], nil
}

func (s *SQLiteIndex) queryFiles(ctx context.Context, q string, args ...any) ([]*parallel.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*parallel.FileRecord
	for rows.Next() {
		var (
			f                   parallel.FileRecord
			lastWrite, lastUpd  int64
			category            string
			hidden, ro, deleted bool
		)
		err := rows.Scan(&f.ID, &f.Name, &f.LocalPath, &f.RemotePath, &lastWrite, &lastUpd,
			&f.LocalSize, &f.RemoteSize, &category, &hidden, &ro, &deleted, &f.Checksum)
		if err != nil {
			return nil, fmt.Errorf("scanning file row: %w", err)
		}
		f.LastWrite = fromMillis(lastWrite)
		f.LastUpdate = fromMillis(lastUpd)
		f.Category = parallel.Category(category)
		f.Hidden, f.ReadOnly, f.Deleted = hidden, ro, deleted
		files = append(files, &f)
	}
	return files, rows.Err()
}

// latestWhere restricts to the newest row of each path.
const latestWhere = `lastupdate = (SELECT MAX(lastupdate) FROM files AS g WHERE g.localpath = files.localpath)`

func (s *SQLiteIndex) GetTotalSize(ctx context.Context, scope parallel.SizeScope) (int64, error) {
	column := "localsize"
	if scope == parallel.SizeRemote {
		column = "remotesize"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM("+column+"), 0) FROM files WHERE deleted = 0 AND "+latestWhere).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing %s: %w", column, err)
	}
	return total, nil
}

func (s *SQLiteIndex) GetFileCount(ctx context.Context, deleted bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM files WHERE deleted = ? AND "+latestWhere, deleted).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting files: %w", err)
	}
	return n, nil
}

func (s *SQLiteIndex) RemoveFiles(ctx context.Context, localPath string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE localpath = ? AND lastupdate <= ?", localPath, millis(at))
	if err != nil {
		return 0, fmt.Errorf("removing %s: %w", localPath, err)
	}
	return res.RowsAffected()
}

// History operations

func (s *SQLiteIndex) AddHistory(ctx context.Context, typ parallel.HistoryType, record *parallel.FileRecord) error {
	if record == nil || record.LocalPath == "" {
		return fmt.Errorf("adding history: path: %w", parallel.ErrMissingField)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "INSERT INTO history (type, timestamp, path, checksum) VALUES (?, ?, ?, ?)",
		string(typ), millis(s.clock.Now()), record.LocalPath, record.Checksum)
	if err != nil {
		return fmt.Errorf("adding %s history for %s: %w", typ, record.LocalPath, err)
	}
	return nil
}

func (s *SQLiteIndex) GetHistory(ctx context.Context, pathPrefix string, typ parallel.HistoryType, limit int) ([]*parallel.HistoryEvent, error) {
	where, args := prefixClause("path", pathPrefix)
	if typ != "" {
		where += " AND type = ?"
		args = append(args, string(typ))
	}
	q := "SELECT id, type, timestamp, path, checksum FROM history WHERE " + where + " ORDER BY timestamp DESC, id DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var events []*parallel.HistoryEvent
	args = append(args, func(id int64, typ string, ts int64, path, checksum string) {
		events = append(events, &parallel.HistoryEvent{
			ID:        id,
			Type:      parallel.HistoryType(typ),
			Timestamp: fromMillis(ts),
			Path:      path,
			Checksum:  checksum,
		})
	})
	if err := sqlutil.ForQueryRows(ctx, s.db, q, args...); err != nil {
		return nil, fmt.Errorf("getting history: %w", err)
	}
	return events, nil
}

// Manifest operations

func (s *SQLiteIndex) PutManifest(ctx context.Context, checksum string, m parallel.Manifest) error {
	if checksum == "" {
		return fmt.Errorf("putting manifest: checksum: %w", parallel.ErrMissingField)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM manifests WHERE checksum = ?", checksum); err != nil {
		return fmt.Errorf("replacing manifest %s: %w", checksum, err)
	}
	for i, chunk := range m {
		if _, err := tx.ExecContext(ctx, "INSERT INTO manifests (checksum, position, chunk) VALUES (?, ?, ?)", checksum, i, chunk); err != nil {
			return fmt.Errorf("storing manifest %s: %w", checksum, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) GetManifest(ctx context.Context, checksum string) (parallel.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var m parallel.Manifest
	err := sqlutil.ForQueryRows(ctx, s.db, "SELECT chunk FROM manifests WHERE checksum = ? ORDER BY position", checksum, func(chunk string) {
		m = append(m, chunk)
	})
	if err != nil {
		return nil, fmt.Errorf("getting manifest %s: %w", checksum, err)
	}
	return m, nil
}

func (s *SQLiteIndex) PruneManifests(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	const orphaned = "checksum NOT IN (SELECT checksum FROM files)"

	var candidates []string
	rows, err := tx.QueryContext(ctx, "SELECT DISTINCT chunk FROM manifests WHERE "+orphaned)
	if err != nil {
		return nil, fmt.Errorf("finding orphaned manifests: %w", err)
	}
	for rows.Next() {
		var chunk string
		if err := rows.Scan(&chunk); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		candidates = append(candidates, chunk)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM manifests WHERE "+orphaned); err != nil {
		return nil, fmt.Errorf("deleting orphaned manifests: %w", err)
	}

	var unreferenced []string
	for _, chunk := range candidates {
		var n int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM manifests WHERE chunk = ?", chunk).Scan(&n); err != nil {
			return nil, fmt.Errorf("checking chunk %s: %w", chunk, err)
		}
		if n == 0 {
			unreferenced = append(unreferenced, chunk)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing manifest prune: %w", err)
	}
	return unreferenced, nil
}

// BackupTo creates a complete copy of the index at destPath using VACUUM INTO.
func (s *SQLiteIndex) BackupTo(destPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("snapshotting index: %w", err)
	}
	return nil
}

// Close closes the database. Closing twice is not an error.
func (s *SQLiteIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
