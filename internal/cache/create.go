package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/westernx/sgcache/internal/shotgun"
)

// UpsertOptions tune one CreateOrUpdate call.
type UpsertOptions struct {
	// EventID records which log event the data came from; zero means
	// the data came from an API response or a scan.
	EventID int64

	// Active overrides the row's activity. Nil leaves an existing row's
	// activity alone and defaults a new row to active.
	Active *bool
}

// UpsertResult reports what CreateOrUpdate did.
type UpsertResult struct {
	Type    string
	ID      int64
	Created bool
}

// CreateOrUpdate writes one entity's field data into the cache,
// inserting the row if it does not exist. Fields the schema does not
// cache are skipped. The data must carry the entity's id; rows only
// ever enter the cache with ids already assigned upstream.
func (c *Cache) CreateOrUpdate(ctx context.Context, typeName string, data map[string]any, opts UpsertOptions) (UpsertResult, error) {
	et, err := c.Type(typeName)
	if err != nil {
		return UpsertResult{}, err
	}
	id, ok := shotgun.AsInt64(data["id"])
	if !ok {
		return UpsertResult{}, fmt.Errorf("upsert %s: data has no id", typeName)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, err
	}
	defer tx.Rollback()

	var probe int
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", quoteIdent(et.tableName())), id,
	).Scan(&probe)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return UpsertResult{}, fmt.Errorf("upsert %s %d: %w", typeName, id, err)
	}

	colVals := make(map[string]any)
	type assocWrite struct {
		field *multiEntityField
		value any
	}
	var assocWrites []assocWrite

	for key, value := range data {
		if key == "type" || key == "id" {
			continue
		}
		f, ok := et.fields[key]
		if !ok || !f.Cached() {
			c.logger.WithField("field", typeName+"."+key).Debug("skipping uncached field on write")
			continue
		}
		if mf, isMulti := f.(*multiEntityField); isMulti {
			assocWrites = append(assocWrites, assocWrite{mf, value})
			continue
		}
		cols, err := f.prepareUpsert(value)
		if errors.Is(err, errNoFieldData) {
			continue
		}
		if err != nil {
			return UpsertResult{}, err
		}
		for col, v := range cols {
			colVals[col] = v
		}
	}

	now := c.nowString()
	colVals["_cache_updated_at"] = now
	if opts.EventID != 0 {
		colVals["_last_log_event_id"] = opts.EventID
	}
	if opts.Active != nil {
		colVals["_active"] = *opts.Active
	}

	if exists {
		// _cache_created_at never changes after insert.
		delete(colVals, "_cache_created_at")
		sets := make([]string, 0, len(colVals))
		args := make([]any, 0, len(colVals)+1)
		for _, col := range sortedKeys(colVals) {
			sets = append(sets, quoteIdent(col)+" = ?")
			args = append(args, colVals[col])
		}
		args = append(args, id)
		stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?",
			quoteIdent(et.tableName()), strings.Join(sets, ", "))
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return UpsertResult{}, fmt.Errorf("update %s %d: %w", typeName, id, err)
		}
	} else {
		colVals["id"] = id
		colVals["_cache_created_at"] = now
		if opts.Active == nil {
			colVals["_active"] = true
		}
		cols := sortedKeys(colVals)
		names := make([]string, len(cols))
		args := make([]any, len(cols))
		for i, col := range cols {
			names[i] = quoteIdent(col)
			args[i] = colVals[col]
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(et.tableName()), strings.Join(names, ", "), placeholders(len(cols)))
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return UpsertResult{}, fmt.Errorf("insert %s %d: %w", typeName, id, err)
		}
	}

	for _, w := range assocWrites {
		if err := w.field.afterUpsert(ctx, tx, id, w.value); err != nil {
			return UpsertResult{}, fmt.Errorf("upsert %s %d: %w", typeName, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{Type: typeName, ID: id, Created: !exists}, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Retire marks one row inactive. In strict mode a missing row is an
// error; otherwise it is logged and ignored, since the row may simply
// never have been cached.
func (c *Cache) Retire(ctx context.Context, typeName string, id int64, strict bool, eventID int64) (bool, error) {
	return c.setActive(ctx, typeName, id, false, strict, eventID)
}

// Revive marks one row active again. Returns false when the row was
// not cached, so callers can fall back to fetching it whole.
func (c *Cache) Revive(ctx context.Context, typeName string, id int64, strict bool, eventID int64) (bool, error) {
	return c.setActive(ctx, typeName, id, true, strict, eventID)
}

func (c *Cache) setActive(ctx context.Context, typeName string, id int64, active, strict bool, eventID int64) (bool, error) {
	et, err := c.Type(typeName)
	if err != nil {
		return false, err
	}
	sets := []string{quoteIdent("_active") + " = ?", quoteIdent("_cache_updated_at") + " = ?"}
	args := []any{active, c.nowString()}
	if eventID != 0 {
		sets = append(sets, quoteIdent("_last_log_event_id")+" = ?")
		args = append(args, eventID)
	}
	args = append(args, id)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?",
		quoteIdent(et.tableName()), strings.Join(sets, ", "))
	res, err := c.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return false, fmt.Errorf("set active %s %d: %w", typeName, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if strict {
			return false, fmt.Errorf("%s %d is not cached", typeName, id)
		}
		c.logger.WithField("entity", fmt.Sprintf("%s:%d", typeName, id)).
			Warn("activity change for uncached row")
		return false, nil
	}
	return true, nil
}

// Exists reports whether a row is cached at all, active or not.
func (c *Cache) Exists(ctx context.Context, typeName string, id int64) (bool, error) {
	et, err := c.Type(typeName)
	if err != nil {
		return false, err
	}
	var probe int
	err = c.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", quoteIdent(et.tableName())), id,
	).Scan(&probe)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
