package etl

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ── Source ──────────────────────────────────────────────────
// A Source extracts data from an external system.
// Implementations live in etl/sources/, one file per source type.
//
// Pattern: Airbyte connector protocol (spec → discover → read).

// SourceConfig is an opaque configuration map parsed per source type.
type SourceConfig map[string]any

// ConfigExcludeIDs carries a []string of record ids the source should skip.
// Sources that can filter before fetching (REDCap) honour it; the engine
// drops excluded rows from any other source after reading.
const ConfigExcludeIDs = "excludeIds"

// ConfigField describes a single configuration input for a source.
type ConfigField struct {
	Key      string   `json:"key"`
	Label    string   `json:"label"`
	Type     string   `json:"type"` // "string" | "select" | "password" | "file" | "int"
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
	Default  string   `json:"default,omitempty"`
	Help     string   `json:"help,omitempty"`
}

// SourceSpec describes a source type: its label and config fields.
type SourceSpec struct {
	Type         string        `json:"type"`
	Label        string        `json:"label"`
	ConfigFields []ConfigField `json:"configFields"`
}

// Source is the interface every data source must implement.
type Source interface {
	// Spec returns metadata about this source type.
	Spec() SourceSpec

	// Discover introspects the source and returns the expected schema.
	Discover(ctx context.Context, cfg SourceConfig) (*Schema, error)

	// Read streams records from the source into a channel.
	// The channel is closed when all records have been read or ctx is cancelled.
	// Errors are sent on the error channel (buffered size 1).
	Read(ctx context.Context, cfg SourceConfig) (<-chan Record, <-chan error)
}

// WarningSource is implemented by sources that tolerate partial failures
// (a skipped page, a failed file download). Warnings are collected after Read.
type WarningSource interface {
	Warnings() []string
}

// ── Source Registry ────────────────────────────────────────
// Sources are registered on an explicit registry built at startup.

type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: make(map[string]Source, len(sources))}
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

// Register adds a source by its spec type, replacing any previous one.
func (r *Registry) Register(s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[s.Spec().Type] = s
}

// Get returns a registered source by type, or an error if not found.
func (r *Registry) Get(typ string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[typ]
	if !ok {
		return nil, fmt.Errorf("unknown source type: %q", typ)
	}
	return s, nil
}

// List returns the specs of all registered sources sorted by type.
func (r *Registry) List() []SourceSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]SourceSpec, 0, len(r.sources))
	for _, s := range r.sources {
		specs = append(specs, s.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Type < specs[j].Type })
	return specs
}
