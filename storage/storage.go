// Package storage implements the record store (C3): a multi-stream
// sink with schema inferred from the first record written to each
// stream. Two shapes exist, mirroring the teacher's one-Storage-
// interface/many-backends design (storage/{memory,sqlite,postgres}.go):
// row-oriented streaming (CSV, debug) and columnar/buffered production
// backends (SQLite, Postgres).
package storage

import (
	"fmt"

	"github.com/transitlos/losctl/model"
)

// RecordStore is the sink every pipeline stage writes through.
// Open must be called once per backend, declaring every stream name
// that will be written. Write must be safe to call before any
// previous record of that stream has been observed: the schema is
// inferred from the first record's Fields(). Close guarantees a
// flush on every exit path. The buffered production backends do not
// leave a half-written file or table visible under its final name;
// the debug CSVStore streams straight into its destination files, so
// a failed run can leave them partially written.
type RecordStore interface {
	Open(streams []string) error
	Write(stream string, record model.Record) error
	Close() error
}

// streamBuffer accumulates a stream's records and lazily captures its
// header from the first write, matching csv.DictWriter's "header
// inferred from first row" behavior in the Python original.
type streamBuffer struct {
	header  []string
	records []model.Record
}

func (b *streamBuffer) add(r model.Record) {
	if b.header == nil {
		b.header = r.Fields()
	}
	b.records = append(b.records, r)
}

func unknownStreamErr(stream string) error {
	return fmt.Errorf("storage: stream %q was not declared in Open", stream)
}
