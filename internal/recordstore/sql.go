package recordstore

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"datacore/internal/apperr"
	"datacore/internal/coerce"
	"datacore/internal/domain"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// identRe restricts table and column names to what model schemas use.
var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// SQLStore keeps one table per model with typed columns and record_id as
// primary key. Shared by PostgreSQL, MySQL and SQLite.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	flavor sqlbuilder.Flavor

	mu      sync.RWMutex
	schemas map[string]*domain.ModelSchema
}

// OpenSQL connects to driver ("postgres", "mysql" or "sqlite") at dsn.
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	flavor, driverName, err := flavorFor(driver)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(10 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return &SQLStore{db: db, driver: driver, flavor: flavor, schemas: map[string]*domain.ModelSchema{}}, nil
}

func flavorFor(driver string) (sqlbuilder.Flavor, string, error) {
	switch driver {
	case "postgres":
		return sqlbuilder.PostgreSQL, "postgres", nil
	case "mysql":
		return sqlbuilder.MySQL, "mysql", nil
	case "sqlite":
		return sqlbuilder.SQLite, "sqlite", nil
	}
	return 0, "", fmt.Errorf("unsupported record store driver: %s", driver)
}

// ── Schema management ──────────────────────────────────────

func (s *SQLStore) EnsureModel(ctx context.Context, schema *domain.ModelSchema) error {
	if !identRe.MatchString(schema.Name) {
		return apperr.Invalid("model name %q is not a valid table name", schema.Name)
	}
	for _, f := range schema.Fields {
		if !identRe.MatchString(f.Name) {
			return apperr.Invalid("model %s: field %q is not a valid column name", schema.Name, f.Name)
		}
	}

	ctb := sqlbuilder.NewCreateTableBuilder()
	ctb.SetFlavor(s.flavor)
	ctb.CreateTable(s.flavor.Quote(schema.Name)).IfNotExists()
	ctb.Define(domain.RecordIDField, s.idType(), "NOT NULL", "PRIMARY KEY")
	for _, f := range schema.Fields {
		if f.Name == domain.RecordIDField {
			continue
		}
		ctb.Define(s.flavor.Quote(f.Name), s.columnType(f))
	}
	query, args := ctb.Build()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("create table %s: %w", schema.Name, err)
	}

	// Columns added to the schema after the table was created.
	existing, err := s.columns(ctx, schema.Name)
	if err != nil {
		return err
	}
	for _, f := range schema.Fields {
		if existing[f.Name] {
			continue
		}
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			s.flavor.Quote(schema.Name), s.flavor.Quote(f.Name), s.columnType(f))
		if _, err := s.db.ExecContext(ctx, alter); err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("add column %s.%s: %w", schema.Name, f.Name, err)
		}
	}

	s.mu.Lock()
	s.schemas[schema.Name] = schema
	s.mu.Unlock()
	return nil
}

func (s *SQLStore) columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", s.flavor.Quote(table)))
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", table, err)
	}
	out := make(map[string]bool, len(cols))
	for _, c := range cols {
		out[c] = true
	}
	return out, nil
}

func isDuplicateColumn(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

func (s *SQLStore) idType() string {
	if s.driver == "mysql" {
		return "VARCHAR(191)"
	}
	return "TEXT"
}

func (s *SQLStore) columnType(f domain.FieldSpec) string {
	switch s.driver {
	case "sqlite":
		switch f.Type {
		case domain.FieldInteger, domain.FieldBoolean:
			return "INTEGER"
		default:
			// Decimals and dates are kept as canonical text to stay exact.
			return "TEXT"
		}
	case "mysql":
		switch f.Type {
		case domain.FieldInteger:
			return "BIGINT"
		case domain.FieldDecimal:
			return "DECIMAL(30,10)"
		case domain.FieldDate:
			return "DATE"
		case domain.FieldDatetime:
			return "DATETIME"
		case domain.FieldBoolean:
			return "BOOLEAN"
		}
		if f.MaxLength > 0 && f.MaxLength <= 255 {
			return fmt.Sprintf("VARCHAR(%d)", f.MaxLength)
		}
		return "TEXT"
	default:
		switch f.Type {
		case domain.FieldInteger:
			return "BIGINT"
		case domain.FieldDecimal:
			return "NUMERIC"
		case domain.FieldDate:
			return "DATE"
		case domain.FieldDatetime:
			return "TIMESTAMP"
		case domain.FieldBoolean:
			return "BOOLEAN"
		}
		if f.MaxLength > 0 {
			return fmt.Sprintf("VARCHAR(%d)", f.MaxLength)
		}
		return "TEXT"
	}
}

func (s *SQLStore) schema(model string) (*domain.ModelSchema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sch, ok := s.schemas[model]
	if !ok {
		return nil, apperr.NotFound("model %q not initialised", model)
	}
	return sch, nil
}

// ── Reads ──────────────────────────────────────────────────

func (s *SQLStore) Get(ctx context.Context, model, id string) (Record, error) {
	sch, err := s.schema(model)
	if err != nil {
		return nil, err
	}
	sb := s.flavor.NewSelectBuilder()
	sb.Select(s.quoteAll(projection(sch, nil))...)
	sb.From(s.flavor.Quote(model))
	sb.Where(sb.Equal(domain.RecordIDField, id))

	query, args := sb.Build()
	recs, err := s.queryRecords(ctx, sch, query, args)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", model, id, err)
	}
	if len(recs) == 0 {
		return nil, apperr.NotFound("%s record %s", model, id)
	}
	return recs[0], nil
}

func (s *SQLStore) Query(ctx context.Context, model string, fields []string, offset, limit int) ([]Record, error) {
	sch, err := s.schema(model)
	if err != nil {
		return nil, err
	}
	sb := s.flavor.NewSelectBuilder()
	sb.Select(s.quoteAll(projection(sch, fields))...)
	sb.From(s.flavor.Quote(model))
	sb.OrderBy(domain.RecordIDField).Asc()
	if limit > 0 {
		sb.Limit(limit)
	}
	if offset > 0 {
		sb.Offset(offset)
	}

	query, args := sb.Build()
	recs, err := s.queryRecords(ctx, sch, query, args)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", model, err)
	}
	return recs, nil
}

func (s *SQLStore) queryRecords(ctx context.Context, sch *domain.ModelSchema, query string, args []any) ([]Record, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		raw := map[string]any{}
		if err := rows.MapScan(raw); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, fromStore(sch, raw))
	}
	return out, rows.Err()
}

func (s *SQLStore) Count(ctx context.Context, model string) (int64, error) {
	if _, err := s.schema(model); err != nil {
		return 0, err
	}
	sb := s.flavor.NewSelectBuilder()
	sb.Select("COUNT(*)").From(s.flavor.Quote(model))
	query, args := sb.Build()

	var n int64
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("count %s: %w", model, err)
	}
	return n, nil
}

func (s *SQLStore) ListIDs(ctx context.Context, model string) ([]string, error) {
	if _, err := s.schema(model); err != nil {
		return nil, err
	}
	sb := s.flavor.NewSelectBuilder()
	sb.Select(domain.RecordIDField).From(s.flavor.Quote(model))
	sb.OrderBy(domain.RecordIDField).Asc()
	query, args := sb.Build()

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("list ids %s: %w", model, err)
	}
	return ids, nil
}

// ── Writes ─────────────────────────────────────────────────

// Upsert writes the columns present in rec. Columns missing from rec keep
// their stored value, or NULL on insert.
func (s *SQLStore) Upsert(ctx context.Context, model, id string, rec Record) error {
	sch, err := s.schema(model)
	if err != nil {
		return err
	}
	cols, vals := s.row(sch, id, rec)

	ib := s.flavor.NewInsertBuilder()
	ib.InsertInto(s.flavor.Quote(model))
	ib.Cols(s.quoteAll(cols)...)
	ib.Values(vals...)
	query, args := ib.Build()
	query += s.conflictUpdate(cols[1:])

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", model, id, err)
	}
	return nil
}

func (s *SQLStore) InsertIfAbsent(ctx context.Context, model, id string, rec Record) (bool, error) {
	sch, err := s.schema(model)
	if err != nil {
		return false, err
	}
	cols, vals := s.row(sch, id, rec)

	ib := s.flavor.NewInsertBuilder()
	if s.driver == "mysql" {
		ib.InsertIgnoreInto(s.flavor.Quote(model))
	} else {
		ib.InsertInto(s.flavor.Quote(model))
	}
	ib.Cols(s.quoteAll(cols)...)
	ib.Values(vals...)
	query, args := ib.Build()
	if s.driver != "mysql" {
		query += " ON CONFLICT (" + domain.RecordIDField + ") DO NOTHING"
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("insert %s/%s: %w", model, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert %s/%s: %w", model, id, err)
	}
	return n > 0, nil
}

func (s *SQLStore) conflictUpdate(cols []string) string {
	if len(cols) == 0 {
		if s.driver == "mysql" {
			return " ON DUPLICATE KEY UPDATE " + domain.RecordIDField + " = " + domain.RecordIDField
		}
		return " ON CONFLICT (" + domain.RecordIDField + ") DO NOTHING"
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		q := s.flavor.Quote(c)
		if s.driver == "mysql" {
			sets[i] = fmt.Sprintf("%s = VALUES(%s)", q, q)
		} else {
			sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", q, q)
		}
	}
	if s.driver == "mysql" {
		return " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	return " ON CONFLICT (" + domain.RecordIDField + ") DO UPDATE SET " + strings.Join(sets, ", ")
}

// row flattens the schema columns present in rec into column/value lists
// starting with record_id.
func (s *SQLStore) row(sch *domain.ModelSchema, id string, rec Record) ([]string, []any) {
	cols := []string{domain.RecordIDField}
	vals := []any{id}
	for _, f := range sch.Fields {
		if f.Name == domain.RecordIDField {
			continue
		}
		v, ok := rec[f.Name]
		if !ok {
			continue
		}
		cols = append(cols, f.Name)
		vals = append(vals, s.bind(f, v))
	}
	return cols, vals
}

// bind converts a typed value into what the driver stores.
func (s *SQLStore) bind(f domain.FieldSpec, v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case decimal.Decimal:
		return x.String()
	case time.Time:
		if s.driver != "sqlite" {
			return x
		}
		if f.Type == domain.FieldDate {
			return x.Format(coerce.DateLayout)
		}
		return x.Format(coerce.DatetimeLayout)
	case bool:
		if s.driver == "sqlite" {
			if x {
				return int64(1)
			}
			return int64(0)
		}
		return x
	}
	return v
}

func (s *SQLStore) quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = s.flavor.Quote(n)
	}
	return out
}

func (s *SQLStore) Close() error { return s.db.Close() }
