package storage

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/transitlos/losctl/model"
)

// SQLiteStore is a production RecordStore backend. Records are
// buffered in memory as they arrive and, on Close, written in one
// batched transaction per stream via a prepared INSERT — directly
// grounded on the teacher's SQLiteFeedWriter (prepared statement +
// sql.Tx around stop_times). The database is built inside Close, after
// every record has been buffered, in a sibling ".tmp" file that is
// renamed onto the production path only once every stream has been
// written, so a failed run never leaves a half-written database under
// the production path.
type SQLiteStore struct {
	path    string
	buffers map[string]*streamBuffer
}

// NewSQLiteStore returns a SQLiteStore that writes to the sqlite
// database file at path, replacing any existing file there on Close.
func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Open(streams []string) error {
	s.buffers = make(map[string]*streamBuffer, len(streams))
	for _, name := range streams {
		s.buffers[name] = &streamBuffer{}
	}
	return nil
}

func (s *SQLiteStore) Write(stream string, record model.Record) error {
	b, ok := s.buffers[stream]
	if !ok {
		return unknownStreamErr(stream)
	}
	b.add(record)
	return nil
}

func (s *SQLiteStore) Close() error {
	tmp := s.path + ".tmp"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: removing stale %s: %w", tmp, err)
	}

	db, err := sql.Open("sqlite3", tmp)
	if err != nil {
		return fmt.Errorf("storage: opening %s: %w", tmp, err)
	}

	for name, b := range s.buffers {
		if len(b.records) == 0 {
			continue
		}
		if err := writeSQLiteStream(db, name, b); err != nil {
			db.Close()
			return fmt.Errorf("storage: writing stream %q: %w", name, err)
		}
	}

	if err := db.Close(); err != nil {
		return fmt.Errorf("storage: closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("storage: renaming %s to %s: %w", tmp, s.path, err)
	}
	return nil
}

func writeSQLiteStream(db *sql.DB, name string, b *streamBuffer) error {
	table := sanitizeTableName(name)

	columns := make([]string, len(b.header))
	for i, col := range b.header {
		columns[i] = fmt.Sprintf("%s %s", col, sqlColumnType(b.records[0].Values()[i]))
	}

	_, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, table, strings.Join(columns, ", ")))
	if err != nil {
		return fmt.Errorf("creating table %s: %w", table, err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	placeholders := make([]string, len(b.header))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	stmt, err := tx.Prepare(fmt.Sprintf(`INSERT INTO %s VALUES (%s)`, table, strings.Join(placeholders, ", ")))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert: %w", err)
	}

	for _, r := range b.records {
		if _, err := stmt.Exec(r.Values()...); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("inserting row: %w", err)
		}
	}

	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func sanitizeTableName(stream string) string {
	return strings.ReplaceAll(stream, "-", "_")
}

// sqlColumnType infers a SQLite column affinity from a Go value seen
// in the first record of a stream, since the schema is otherwise
// entirely dynamic.
func sqlColumnType(v any) string {
	switch v.(type) {
	case int, int64:
		return "INTEGER"
	case float64, float32:
		return "REAL"
	case bool:
		return "INTEGER"
	default:
		return "TEXT"
	}
}
