package storage

import (
	"encoding/csv"
	"fmt"
	"os"

	"github.com/transitlos/losctl/model"
)

// csvStream holds the per-stream file handle and writer. The header
// row is written on the first Write call, once the record's Fields()
// are known.
type csvStream struct {
	path   string
	file   *os.File
	writer *csv.Writer
	header []string
}

// CSVStore is the debug/row-oriented RecordStore backend: each stream
// is written directly to its destination file, one record at a time,
// with no in-memory buffering (§4.3 "in debug mode it must stream
// row-by-row"). gocsv is not used here because it marshals whole
// typed slices via reflection, not one dynamic record at a time; see
// DESIGN.md.
type CSVStore struct {
	paths   map[string]string
	streams map[string]*csvStream
}

// NewCSVStore returns a CSVStore that will write each declared stream
// to paths[streamName].
func NewCSVStore(paths map[string]string) *CSVStore {
	return &CSVStore{paths: paths}
}

func (s *CSVStore) Open(streams []string) error {
	s.streams = make(map[string]*csvStream, len(streams))
	for _, name := range streams {
		path, ok := s.paths[name]
		if !ok {
			return fmt.Errorf("storage: no output path configured for stream %q", name)
		}

		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("storage: creating %s: %w", path, err)
		}

		s.streams[name] = &csvStream{
			path:   path,
			file:   f,
			writer: csv.NewWriter(f),
		}
	}
	return nil
}

func (s *CSVStore) Write(stream string, record model.Record) error {
	st, ok := s.streams[stream]
	if !ok {
		return unknownStreamErr(stream)
	}

	if st.header == nil {
		st.header = record.Fields()
		if err := st.writer.Write(st.header); err != nil {
			return fmt.Errorf("storage: writing header for %s: %w", st.path, err)
		}
	}

	row := make([]string, len(st.header))
	for i, v := range record.Values() {
		if v == nil {
			row[i] = ""
			continue
		}
		row[i] = fmt.Sprint(v)
	}

	if err := st.writer.Write(row); err != nil {
		return fmt.Errorf("storage: writing row to %s: %w", st.path, err)
	}
	return nil
}

func (s *CSVStore) Close() error {
	var firstErr error
	for _, st := range s.streams {
		st.writer.Flush()
		if err := st.writer.Error(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage: flushing %s: %w", st.path, err)
		}
		if err := st.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage: closing %s: %w", st.path, err)
		}
	}
	return firstErr
}
