package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/westernx/sgcache/internal/schema"
)

// System columns carried on every entity table alongside the schema's
// fields.
var systemColumns = []column{
	{"_active", "BOOLEAN"},
	{"_cache_created_at", "DATETIME"},
	{"_cache_updated_at", "DATETIME"},
	{"_last_log_event_id", "INTEGER"},
}

// EntityType binds one schema entity type to its table and field
// strategies.
type EntityType struct {
	cache  *Cache
	Name   string
	fields map[string]Field
}

func newEntityType(c *Cache, name string, es schema.EntitySchema) (*EntityType, error) {
	et := &EntityType{cache: c, Name: name, fields: make(map[string]Field, len(es))}
	for fieldName, fs := range es {
		f, err := newField(name, fieldName, fs)
		if err != nil {
			return nil, err
		}
		et.fields[fieldName] = f
	}
	return et, nil
}

func (et *EntityType) tableName() string {
	return strings.ToLower(et.Name)
}

// Field resolves a field strategy; unknown fields force a passthrough.
func (et *EntityType) Field(name string) (Field, error) {
	f, ok := et.fields[name]
	if !ok {
		return nil, fieldNotCached(et.Name, name)
	}
	return f, nil
}

// FieldNames returns the cached field names in sorted order.
func (et *EntityType) FieldNames() []string {
	names := make([]string, 0, len(et.fields))
	for name, f := range et.fields {
		if f.Cached() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// HasField reports whether the type caches the named field.
func (et *EntityType) HasField(name string) bool {
	f, ok := et.fields[name]
	return ok && f.Cached()
}

// desiredColumns is the full column set of the entity table, id first.
func (et *EntityType) desiredColumns() []column {
	cols := []column{{"id", "INTEGER"}}
	for _, name := range et.FieldNames() {
		if name == "id" {
			continue
		}
		cols = append(cols, et.fields[name].columns()...)
	}
	return append(cols, systemColumns...)
}

// migrate creates or additively upgrades the entity table and any
// association tables. Columns are only ever added; a declared-type
// mismatch on an existing column is fatal rather than silently
// coerced.
func (et *EntityType) migrate(ctx context.Context, db *sql.DB) error {
	if err := migrateTable(ctx, db, et.tableName(), et.desiredColumns(), "id INTEGER PRIMARY KEY"); err != nil {
		return err
	}
	for _, name := range et.FieldNames() {
		mf, ok := et.fields[name].(*multiEntityField)
		if !ok {
			continue
		}
		assoc := mf.assocTableName()
		// No uniqueness constraint; the write path deduplicates
		// memberships itself.
		stmt := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY,
				parent_id INTEGER NOT NULL,
				child_type TEXT NOT NULL,
				child_id INTEGER NOT NULL
			)`, quoteIdent(assoc))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table %s: %w", assoc, err)
		}
		idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (parent_id)",
			quoteIdent("idx_"+assoc+"_parent"), quoteIdent(assoc))
		if _, err := db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("index %s: %w", assoc, err)
		}
	}
	return nil
}

func migrateTable(ctx context.Context, db *sql.DB, table string, cols []column, pkDef string) error {
	existing, err := tableColumns(ctx, db, table)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		defs := make([]string, 0, len(cols))
		for _, c := range cols {
			if c.name == "id" && pkDef != "" {
				defs = append(defs, pkDef)
				continue
			}
			defs = append(defs, quoteIdent(c.name)+" "+c.sqlType)
		}
		stmt := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), strings.Join(defs, ", "))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
		return nil
	}
	for _, c := range cols {
		have, ok := existing[c.name]
		if !ok {
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
				quoteIdent(table), quoteIdent(c.name), c.sqlType)
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("add column %s.%s: %w", table, c.name, err)
			}
			continue
		}
		if !strings.EqualFold(have, c.sqlType) {
			return fmt.Errorf("column %s.%s is %s, schema wants %s; refusing to continue",
				table, c.name, have, c.sqlType)
		}
	}
	return nil
}

// tableColumns reads the existing column set, mapping name to declared
// type. An empty map means the table does not exist.
func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var (
			cid     int
			name    string
			sqlType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &sqlType, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = sqlType
	}
	return cols, rows.Err()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
