// Package recordstore persists model records keyed by record_id.
//
// Three backends implement Store: an in-memory map, a relational store
// (PostgreSQL, MySQL or SQLite through sqlx), and a document store (MongoDB).
// A Registry binds each logical model to its schema and backend once at startup.
package recordstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"datacore/internal/apperr"
	"datacore/internal/coerce"
	"datacore/internal/domain"
)

// Record is one row of a model: field name → typed value.
type Record = map[string]any

// Store abstracts a record backend. Every method takes the model name; a
// model must have been passed to EnsureModel before it is read or written.
type Store interface {
	// EnsureModel creates the table/collection for schema if needed.
	EnsureModel(ctx context.Context, schema *domain.ModelSchema) error

	// Get returns apperr.ErrNotFound when id is absent.
	Get(ctx context.Context, model, id string) (Record, error)

	// Query returns records ordered by record_id. fields selects the
	// columns returned; record_id is always included. Empty fields means all.
	Query(ctx context.Context, model string, fields []string, offset, limit int) ([]Record, error)

	// Upsert inserts the record or updates the fields present in rec.
	// Fields absent from rec keep their stored value.
	Upsert(ctx context.Context, model, id string, rec Record) error

	// InsertIfAbsent inserts the record unless id already exists.
	// It reports whether a row was written.
	InsertIfAbsent(ctx context.Context, model, id string, rec Record) (bool, error)

	Count(ctx context.Context, model string) (int64, error)

	// ListIDs returns every record_id of the model in ascending order.
	ListIDs(ctx context.Context, model string) ([]string, error)

	Close() error
}

// ── Registry ───────────────────────────────────────────────
// Typed map from model name to schema + backend, built once at startup.

// Model is a resolved registry entry.
type Model struct {
	Schema *domain.ModelSchema
	Store  Store
}

// Name returns the model name.
func (m Model) Name() string { return m.Schema.Name }

type Registry struct {
	mu     sync.RWMutex
	models map[string]Model
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{models: map[string]Model{}}
}

// Add registers schema on store. Registering the same name twice is an error.
func (r *Registry) Add(schema *domain.ModelSchema, store Store) error {
	if err := schema.Validate(); err != nil {
		return apperr.Invalid("register model: %v", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[schema.Name]; ok {
		return apperr.Invalid("model %s registered twice", schema.Name)
	}
	r.models[schema.Name] = Model{Schema: schema, Store: store}
	r.order = append(r.order, schema.Name)
	return nil
}

// Resolve returns the model or an apperr not-found error.
func (r *Registry) Resolve(name string) (Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	if !ok {
		return Model{}, apperr.NotFound("model %q", name)
	}
	return m, nil
}

// Names returns registered model names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// EnsureAll creates storage for every registered model.
func (r *Registry) EnsureAll(ctx context.Context) error {
	for _, name := range r.Names() {
		m, _ := r.Resolve(name)
		if err := m.Store.EnsureModel(ctx, m.Schema); err != nil {
			return fmt.Errorf("ensure model %s: %w", name, err)
		}
	}
	return nil
}

// Close closes every distinct backend once.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[Store]bool{}
	var errs []error
	for _, m := range r.models {
		if seen[m.Store] {
			continue
		}
		seen[m.Store] = true
		if err := m.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ── Helpers ────────────────────────────────────────────────

// fromStore re-applies schema coercion to values read back from a backend,
// so every backend hands out the same Go types.
func fromStore(schema *domain.ModelSchema, raw map[string]any) Record {
	out := make(Record, len(raw))
	for k, v := range raw {
		if k == domain.RecordIDField {
			if v != nil {
				out[k] = fmt.Sprint(v)
			}
			continue
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		f, ok := schema.Field(k)
		if !ok {
			out[k] = v
			continue
		}
		if c, err := coerce.Value(v, f.Type); err == nil {
			out[k] = c
		} else {
			out[k] = v
		}
	}
	return out
}

// projection returns the columns to read: record_id plus the requested
// fields the schema defines. Empty requests select every field.
func projection(schema *domain.ModelSchema, fields []string) []string {
	return append([]string{domain.RecordIDField}, schema.Project(fields)...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
