package config

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"datacore/internal/domain"
	"datacore/internal/etl"
)

//go:embed defaults.yaml
var defaultCatalog []byte

// Catalog is the static description of the study: model schemas, the
// project seed, how each project is pulled, field remaps, migration plans
// and the CSV ingest manifest.
type Catalog struct {
	Fieldsets  map[string][]domain.FieldSpec `yaml:"fieldsets"`
	Models     []ModelEntry                  `yaml:"models" validate:"required,dive"`
	Projects   []ProjectSeed                 `yaml:"projects" validate:"dive"`
	Pull       map[string]PullPlan           `yaml:"pull" validate:"dive"`
	Remap      map[string]map[string]string  `yaml:"remap"`
	Migrations []MigrationPlan               `yaml:"migrations" validate:"dive"`
	Ingest     []IngestEntry                 `yaml:"ingest" validate:"dive"`

	schemas map[string]*domain.ModelSchema
	order   []string
}

// ModelEntry is a model schema whose fields are the included fieldsets,
// in order, followed by its own fields.
type ModelEntry struct {
	Name    string             `yaml:"name" validate:"required"`
	Label   string             `yaml:"label"`
	Backend domain.Backend     `yaml:"backend" validate:"oneof=records documents"`
	Include []string           `yaml:"include"`
	Fields  []domain.FieldSpec `yaml:"fields"`
}

type ProjectSeed struct {
	Name        string   `yaml:"name" validate:"required"`
	VerboseName string   `yaml:"verbose_name"`
	Instruments []string `yaml:"instruments"`
}

// PullPlan says which unified models a REDCap project is pulled into.
type PullPlan struct {
	Models       []string `yaml:"models" validate:"required,min=1"`
	RemapVersion string   `yaml:"remap_version"`
	FileFields   []string `yaml:"file_fields"`
}

// MigrationPlan copies numbered per-project models into one unified model.
type MigrationPlan struct {
	Target       string            `yaml:"target" validate:"required"`
	RemapVersion string            `yaml:"remap_version"`
	Fields       map[string]string `yaml:"fields"`
	Sources      []MigrationSource `yaml:"sources" validate:"required,min=1,dive"`
	// Transforms run after field mapping and before the project stamp.
	Transforms []etl.TransformConfig `yaml:"transforms"`
}

type MigrationSource struct {
	Model   string `yaml:"model" validate:"required"`
	Project string `yaml:"project" validate:"required"`
}

// IngestEntry maps one CSV file (relative to the ingest dir) to its models.
type IngestEntry struct {
	File       string                `yaml:"file" validate:"required"`
	Models     []string              `yaml:"models" validate:"required,min=1"`
	Transforms []etl.TransformConfig `yaml:"transforms"`
}

// LoadCatalog reads the catalog at path, or the embedded default when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
		data = b
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes, expands and validates a catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := Validate(&c); err != nil {
		return nil, err
	}
	if err := c.build(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) build() error {
	c.schemas = make(map[string]*domain.ModelSchema, len(c.Models))
	for _, m := range c.Models {
		if _, dup := c.schemas[m.Name]; dup {
			return fmt.Errorf("catalog: model %s defined twice", m.Name)
		}
		schema := &domain.ModelSchema{Name: m.Name, Label: m.Label, Backend: m.Backend}
		for _, set := range m.Include {
			fields, ok := c.Fieldsets[set]
			if !ok {
				return fmt.Errorf("catalog: model %s includes unknown fieldset %s", m.Name, set)
			}
			schema.Fields = append(schema.Fields, fields...)
		}
		schema.Fields = append(schema.Fields, m.Fields...)
		if err := schema.Validate(); err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		c.schemas[m.Name] = schema
		c.order = append(c.order, m.Name)
	}

	known := func(ctx, name string) error {
		if _, ok := c.schemas[name]; !ok {
			return fmt.Errorf("catalog: %s references unknown model %s", ctx, name)
		}
		return nil
	}
	for _, p := range c.Projects {
		for _, in := range p.Instruments {
			if err := known("project "+p.Name, in); err != nil {
				return err
			}
		}
	}
	for project, plan := range c.Pull {
		for _, m := range plan.Models {
			if err := known("pull "+project, m); err != nil {
				return err
			}
		}
		if plan.RemapVersion != "" {
			if _, ok := c.Remap[plan.RemapVersion]; !ok {
				return fmt.Errorf("catalog: pull %s uses unknown remap version %s", project, plan.RemapVersion)
			}
		}
	}
	for _, mp := range c.Migrations {
		if err := known("migration", mp.Target); err != nil {
			return err
		}
		for _, src := range mp.Sources {
			if err := known("migration "+mp.Target, src.Model); err != nil {
				return err
			}
		}
		if mp.RemapVersion != "" {
			if _, ok := c.Remap[mp.RemapVersion]; !ok {
				return fmt.Errorf("catalog: migration %s uses unknown remap version %s", mp.Target, mp.RemapVersion)
			}
		}
		if _, err := etl.BuildTransformers(mp.Transforms); err != nil {
			return fmt.Errorf("catalog: migration %s: %w", mp.Target, err)
		}
	}
	for _, in := range c.Ingest {
		for _, m := range in.Models {
			if err := known("ingest "+in.File, m); err != nil {
				return err
			}
		}
		if _, err := etl.BuildTransformers(in.Transforms); err != nil {
			return fmt.Errorf("catalog: ingest %s: %w", in.File, err)
		}
	}
	return nil
}

// Schemas returns the expanded model schemas in declaration order.
func (c *Catalog) Schemas() []*domain.ModelSchema {
	out := make([]*domain.ModelSchema, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.schemas[name])
	}
	return out
}

func (c *Catalog) Schema(name string) (*domain.ModelSchema, bool) {
	s, ok := c.schemas[name]
	return s, ok
}

// RemapFor returns the old→new field mapping of a remap version.
// Unknown or empty versions map nothing.
func (c *Catalog) RemapFor(version string) map[string]string {
	out := make(map[string]string, len(c.Remap[version]))
	for k, v := range c.Remap[version] {
		out[k] = v
	}
	return out
}

// FieldMapping merges the plan's remap version with its explicit fields;
// explicit entries win.
func (c *Catalog) FieldMapping(mp MigrationPlan) map[string]string {
	out := c.RemapFor(mp.RemapVersion)
	for k, v := range mp.Fields {
		out[k] = v
	}
	return out
}

// PullProjects returns the projects that have a pull plan, sorted.
func (c *Catalog) PullProjects() []string {
	names := make([]string, 0, len(c.Pull))
	for name := range c.Pull {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SeedProjects returns the projects and instruments load-catalog writes.
func (c *Catalog) SeedProjects() []ProjectSeed {
	return c.Projects
}
