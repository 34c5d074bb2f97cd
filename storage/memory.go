package storage

import (
	"github.com/transitlos/losctl/model"
)

// MemoryStore is the in-memory buffer variant for debug inspection
// (§4.3), grounded on the teacher's MemoryStorage. Records are kept
// as-is; nothing is serialized. Close is a no-op: there is nothing to
// flush, and records remain readable through Records after Close.
type MemoryStore struct {
	buffers map[string]*streamBuffer
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Open(streams []string) error {
	s.buffers = make(map[string]*streamBuffer, len(streams))
	for _, name := range streams {
		s.buffers[name] = &streamBuffer{}
	}
	return nil
}

func (s *MemoryStore) Write(stream string, record model.Record) error {
	b, ok := s.buffers[stream]
	if !ok {
		return unknownStreamErr(stream)
	}
	b.add(record)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Records returns every record written to stream, in write order.
func (s *MemoryStore) Records(stream string) []model.Record {
	b, ok := s.buffers[stream]
	if !ok {
		return nil
	}
	return b.records
}
