package recordstore

import (
	"context"
	"maps"
	"sync"

	"datacore/internal/apperr"
	"datacore/internal/domain"
)

// MemoryStore keeps records in process memory. Used by tests and RECORD_STORE_DRIVER=memory.
type MemoryStore struct {
	mu      sync.RWMutex
	schemas map[string]*domain.ModelSchema
	data    map[string]map[string]Record
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		schemas: map[string]*domain.ModelSchema{},
		data:    map[string]map[string]Record{},
	}
}

func (s *MemoryStore) EnsureModel(_ context.Context, schema *domain.ModelSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[schema.Name] = schema
	if _, ok := s.data[schema.Name]; !ok {
		s.data[schema.Name] = map[string]Record{}
	}
	return nil
}

func (s *MemoryStore) table(model string) (map[string]Record, *domain.ModelSchema, error) {
	rows, ok := s.data[model]
	if !ok {
		return nil, nil, apperr.NotFound("model %q not initialised", model)
	}
	return rows, s.schemas[model], nil
}

func (s *MemoryStore) Get(_ context.Context, model, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, _, err := s.table(model)
	if err != nil {
		return nil, err
	}
	rec, ok := rows[id]
	if !ok {
		return nil, apperr.NotFound("%s record %s", model, id)
	}
	return maps.Clone(rec), nil
}

func (s *MemoryStore) Query(_ context.Context, model string, fields []string, offset, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, schema, err := s.table(model)
	if err != nil {
		return nil, err
	}
	cols := projection(schema, fields)
	ids := sortedKeys(rows)
	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		src := rows[id]
		rec := make(Record, len(cols))
		for _, c := range cols {
			if v, ok := src[c]; ok {
				rec[c] = v
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) Upsert(_ context.Context, model, id string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, _, err := s.table(model)
	if err != nil {
		return err
	}
	merged := withID(rows[id], id)
	for k, v := range rec {
		merged[k] = v
	}
	merged[domain.RecordIDField] = id
	rows[id] = merged
	return nil
}

func (s *MemoryStore) InsertIfAbsent(_ context.Context, model, id string, rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, _, err := s.table(model)
	if err != nil {
		return false, err
	}
	if _, ok := rows[id]; ok {
		return false, nil
	}
	rows[id] = withID(rec, id)
	return true, nil
}

func (s *MemoryStore) Count(_ context.Context, model string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, _, err := s.table(model)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (s *MemoryStore) ListIDs(_ context.Context, model string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, _, err := s.table(model)
	if err != nil {
		return nil, err
	}
	return sortedKeys(rows), nil
}

func (s *MemoryStore) Close() error { return nil }

func withID(rec Record, id string) Record {
	out := maps.Clone(rec)
	if out == nil {
		out = Record{}
	}
	out[domain.RecordIDField] = id
	return out
}
