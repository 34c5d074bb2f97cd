package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/transitlos/losctl/model"
)

// PostgresStore is the alternate production RecordStore backend for a
// shared/durable deployment. Like the teacher's PSQLFeedWriter, it
// buffers records per stream and bulk-loads them via pq.CopyIn inside
// one transaction per stream at Close, rather than row-by-row INSERTs.
type PostgresStore struct {
	connStr string
	buffers map[string]*streamBuffer
}

// NewPostgresStore returns a PostgresStore that connects using connStr
// (a standard libpq connection string).
func NewPostgresStore(connStr string) *PostgresStore {
	return &PostgresStore{connStr: connStr}
}

func (s *PostgresStore) Open(streams []string) error {
	s.buffers = make(map[string]*streamBuffer, len(streams))
	for _, name := range streams {
		s.buffers[name] = &streamBuffer{}
	}
	return nil
}

func (s *PostgresStore) Write(stream string, record model.Record) error {
	b, ok := s.buffers[stream]
	if !ok {
		return unknownStreamErr(stream)
	}
	b.add(record)
	return nil
}

func (s *PostgresStore) Close() error {
	db, err := sql.Open("postgres", s.connStr)
	if err != nil {
		return fmt.Errorf("storage: connecting to postgres: %w", err)
	}
	defer db.Close()

	for name, b := range s.buffers {
		if len(b.records) == 0 {
			continue
		}
		if err := writePostgresStream(db, name, b); err != nil {
			return fmt.Errorf("storage: writing stream %q: %w", name, err)
		}
	}

	return nil
}

func writePostgresStream(db *sql.DB, name string, b *streamBuffer) error {
	table := sanitizeTableName(name)

	columns := make([]string, len(b.header))
	for i, col := range b.header {
		columns[i] = fmt.Sprintf("%s %s", col, pqColumnType(b.records[0].Values()[i]))
	}

	_, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, table, strings.Join(columns, ", ")))
	if err != nil {
		return fmt.Errorf("creating table %s: %w", table, err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	stmt, err := tx.Prepare(pq.CopyIn(table, b.header...))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing copy-in: %w", err)
	}

	for _, r := range b.records {
		if _, err := stmt.Exec(r.Values()...); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("copying row: %w", err)
		}
	}

	if _, err := stmt.Exec(); err != nil {
		stmt.Close()
		tx.Rollback()
		return fmt.Errorf("flushing copy-in: %w", err)
	}

	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func pqColumnType(v any) string {
	switch v.(type) {
	case int, int64:
		return "bigint"
	case float64, float32:
		return "double precision"
	case bool:
		return "boolean"
	default:
		return "text"
	}
}
