package storage

import (
	"context"
	"fmt"
	"strings"

	"datacore/internal/domain"
)

// CatalogStore persists projects and the instruments (models) that belong to them.
type CatalogStore struct {
	db *DB
}

// NewCatalogStore creates a new CatalogStore.
func NewCatalogStore(db *DB) *CatalogStore {
	return &CatalogStore{db: db}
}

func (s *CatalogStore) UpsertProject(ctx context.Context, p domain.Project) error {
	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO projects (name, verbose_name) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET verbose_name = excluded.verbose_name`,
		p.Name, p.VerboseName,
	)
	if err != nil {
		return fmt.Errorf("upsert project %s: %w", p.Name, err)
	}
	return nil
}

// AddInstrument inserts the pair unless it already exists.
func (s *CatalogStore) AddInstrument(ctx context.Context, in domain.Instrument) (bool, error) {
	res, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO instruments (form_name, related_project) VALUES (?, ?)
		 ON CONFLICT(form_name, related_project) DO NOTHING`,
		in.FormName, in.RelatedProject,
	)
	if err != nil {
		return false, fmt.Errorf("add instrument %s/%s: %w", in.RelatedProject, in.FormName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *CatalogStore) ListProjects(ctx context.Context, names []string) ([]domain.Project, error) {
	query := `SELECT name, verbose_name FROM projects`
	args := make([]any, 0, len(names))
	if len(names) > 0 {
		query += ` WHERE name IN (?` + strings.Repeat(`, ?`, len(names)-1) + `)`
		for _, n := range names {
			args = append(args, n)
		}
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.Name, &p.VerboseName); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *CatalogStore) InstrumentsFor(ctx context.Context, project string) ([]string, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT form_name FROM instruments WHERE related_project = ? ORDER BY id ASC`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
