package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// IndexedStore keeps result payloads in an FSStore and a queryable SQLite
// index of their metadata next to them. The filesystem stays the source of
// truth; Reindex rebuilds the index from it.
type IndexedStore struct {
	fs *FSStore
	db *sql.DB
}

var _ Store = (*IndexedStore)(nil)

// OpenIndexed opens (or creates) the index database at path.
func OpenIndexed(fs *FSStore, path string) (*IndexedStore, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	s := &IndexedStore{fs: fs, db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *IndexedStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS results (
			id TEXT PRIMARY KEY,
			ts INTEGER NOT NULL,
			source TEXT NOT NULL,
			device TEXT NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			keypoints INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_results_ts ON results(ts);
		CREATE INDEX IF NOT EXISTS idx_results_source ON results(source);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// FS returns the underlying payload store.
func (s *IndexedStore) FS() *FSStore { return s.fs }

// BaseDir returns the root directory of the payload store.
func (s *IndexedStore) BaseDir() string { return s.fs.BaseDir() }

// Close closes the index database.
func (s *IndexedStore) Close() error {
	return s.db.Close()
}

const upsertSQL = `
	INSERT INTO results (id, ts, source, device, width, height, keypoints, duration_ns)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		ts = excluded.ts, source = excluded.source, device = excluded.device,
		width = excluded.width, height = excluded.height,
		keypoints = excluded.keypoints, duration_ns = excluded.duration_ns`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsert(db execer, info ResultInfo) error {
	_, err := db.Exec(upsertSQL,
		info.ID, info.Timestamp.UnixNano(), info.Source, info.Device,
		info.Width, info.Height, info.Keypoints, int64(info.Duration))
	return err
}

// Save writes the payload and then indexes it.
func (s *IndexedStore) Save(r *Result) error {
	if err := s.fs.Save(r); err != nil {
		return err
	}
	if err := upsert(s.db, r.ToInfo()); err != nil {
		return fmt.Errorf("failed to index result %s: %w", r.ID, err)
	}
	return nil
}

// Load reads the payload from the filesystem.
func (s *IndexedStore) Load(id string) (*Result, error) {
	return s.fs.Load(id)
}

// Delete removes the payload and its index row.
func (s *IndexedStore) Delete(id string) error {
	fsErr := s.fs.Delete(id)
	if fsErr != nil && !errors.Is(fsErr, ErrNotFound) {
		return fsErr
	}
	if _, err := s.db.Exec(`DELETE FROM results WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove index row %s: %w", id, err)
	}
	return fsErr
}

// List returns every indexed result, newest first.
func (s *IndexedStore) List() ([]ResultInfo, error) {
	return s.Query(context.Background(), Filter{})
}

// Filter narrows a Query. Zero fields do not filter.
type Filter struct {
	// Source matches results whose source path contains it.
	Source       string
	MinKeypoints int
	Since        time.Time
	Limit        int
}

// Query returns the indexed results matching f, newest first.
func (s *IndexedStore) Query(ctx context.Context, f Filter) ([]ResultInfo, error) {
	var (
		where []string
		args  []any
	)
	if f.Source != "" {
		where = append(where, "instr(source, ?) > 0")
		args = append(args, f.Source)
	}
	if f.MinKeypoints > 0 {
		where = append(where, "keypoints >= ?")
		args = append(args, f.MinKeypoints)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UnixNano())
	}

	query := `SELECT id, ts, source, device, width, height, keypoints, duration_ns FROM results`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}
	defer rows.Close()

	infos := []ResultInfo{}
	for rows.Next() {
		var (
			info    ResultInfo
			ts, dur int64
		)
		if err := rows.Scan(&info.ID, &ts, &info.Source, &info.Device,
			&info.Width, &info.Height, &info.Keypoints, &dur); err != nil {
			return nil, fmt.Errorf("failed to scan index row: %w", err)
		}
		info.Timestamp = time.Unix(0, ts)
		info.Duration = time.Duration(dur)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	return infos, nil
}

// Reindex rebuilds the index from the filesystem and returns the number of
// indexed results.
func (s *IndexedStore) Reindex() (int, error) {
	infos, err := s.fs.List()
	if err != nil {
		return 0, err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin reindex: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM results`); err != nil {
		return 0, fmt.Errorf("failed to clear index: %w", err)
	}
	for _, info := range infos {
		if err := upsert(tx, info); err != nil {
			return 0, fmt.Errorf("failed to index result %s: %w", info.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reindex: %w", err)
	}
	slog.Info("Rebuilt result index", "results", len(infos))
	return len(infos), nil
}
