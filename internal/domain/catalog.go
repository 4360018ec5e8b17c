package domain

import "context"

// Project is a named collection of instruments.
type Project struct {
	Name        string `json:"name" yaml:"name"`
	VerboseName string `json:"verboseName" yaml:"verbose_name"`
}

// Instrument relates a model (form) to the project it belongs to.
type Instrument struct {
	FormName       string `json:"formName"`
	RelatedProject string `json:"relatedProject"`
}

// CatalogStore persists projects and their instruments.
type CatalogStore interface {
	UpsertProject(ctx context.Context, p Project) error
	// AddInstrument is a no-op when the pair already exists.
	AddInstrument(ctx context.Context, in Instrument) (bool, error)
	// ListProjects returns every project when names is empty.
	ListProjects(ctx context.Context, names []string) ([]Project, error)
	// InstrumentsFor returns form names in insertion order.
	InstrumentsFor(ctx context.Context, project string) ([]string, error)
}
