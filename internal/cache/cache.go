// Package cache holds the entity cache itself: the relational store
// derived from the schema description, the per-field strategies, the
// query compiler that answers read requests locally, and the write
// engine that keeps rows current from API responses, events and scans.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"

	"github.com/westernx/sgcache/internal/schema"
)

func init() {
	// Reuse compiled WASM across runs; compiling the SQLite module takes
	// a noticeable fraction of startup.
	if cacheDir, err := os.UserCacheDir(); err == nil {
		wazeroDir := filepath.Join(cacheDir, "sgcache", "wazero")
		if err := os.MkdirAll(wazeroDir, 0o755); err == nil {
			if compCache, err := wazero.NewCompilationCacheWithDir(wazeroDir); err == nil {
				sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(compCache)
			}
		}
	}
}

// timeLayout is the wire form of timestamps, also used for the cache's
// own bookkeeping columns.
const timeLayout = "2006-01-02T15:04:05Z"

// Cache is the entity cache over one SQLite database.
type Cache struct {
	db     *sql.DB
	schema schema.Schema
	types  map[string]*EntityType
	logger *logrus.Entry

	now func() time.Time
}

// Open opens (or creates) the cache database and applies additive
// migrations for every type in the schema.
func Open(ctx context.Context, path string, sch schema.Schema, logger *logrus.Entry) (*Cache, error) {
	if logger == nil {
		logger = logrus.WithField("subsystem", "cache")
	}
	memory := path == ":memory:" || strings.Contains(path, "mode=memory")

	connString := path
	if !strings.HasPrefix(connString, "file:") {
		connString = "file:" + connString
	}
	sep := "?"
	if strings.Contains(connString, "?") {
		sep = "&"
	}
	connString += sep + "_pragma=busy_timeout(30000)&_pragma=foreign_keys(ON)&_time_format=sqlite"

	db, err := sql.Open("sqlite3", connString)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if memory {
		// A second connection would see a different empty database.
		db.SetMaxOpenConns(1)
	} else {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	c := &Cache{
		db:     db,
		schema: sch,
		types:  make(map[string]*EntityType, len(sch)),
		logger: logger,
		now:    time.Now,
	}
	for name, es := range sch {
		et, err := newEntityType(c, name, es)
		if err != nil {
			db.Close()
			return nil, err
		}
		c.types[name] = et
	}
	for _, name := range c.TypeNames() {
		if err := c.types[name].migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return c, nil
}

// Close releases the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// DB exposes the underlying handle for callers with their own queries.
func (c *Cache) DB() *sql.DB {
	return c.db
}

// Type resolves an entity type; unknown types force a passthrough.
func (c *Cache) Type(name string) (*EntityType, error) {
	et, ok := c.types[name]
	if !ok {
		return nil, entityNotCached(name)
	}
	return et, nil
}

// TypeNames returns the cached type names in sorted order.
func (c *Cache) TypeNames() []string {
	names := make([]string, 0, len(c.types))
	for name := range c.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Cache) nowString() string {
	return c.now().UTC().Format(timeLayout)
}

// LastEventID returns the highest event id any row was written from,
// across all tables. ok is false when no row carries one.
func (c *Cache) LastEventID(ctx context.Context) (int64, bool, error) {
	var best int64
	found := false
	for _, name := range c.TypeNames() {
		et := c.types[name]
		var v sql.NullInt64
		stmt := fmt.Sprintf("SELECT MAX(_last_log_event_id) FROM %s", quoteIdent(et.tableName()))
		if err := c.db.QueryRowContext(ctx, stmt).Scan(&v); err != nil {
			return 0, false, fmt.Errorf("last event id of %s: %w", name, err)
		}
		if v.Valid && (!found || v.Int64 > best) {
			best, found = v.Int64, true
		}
	}
	return best, found, nil
}

// LastUpdatedAt returns the most recent cache write time across all
// tables.
func (c *Cache) LastUpdatedAt(ctx context.Context) (time.Time, bool, error) {
	var best time.Time
	found := false
	for _, name := range c.TypeNames() {
		et := c.types[name]
		var v sql.NullString
		stmt := fmt.Sprintf("SELECT MAX(_cache_updated_at) FROM %s", quoteIdent(et.tableName()))
		if err := c.db.QueryRowContext(ctx, stmt).Scan(&v); err != nil {
			return time.Time{}, false, fmt.Errorf("last updated of %s: %w", name, err)
		}
		if !v.Valid {
			continue
		}
		t, err := time.Parse(timeLayout, v.String)
		if err != nil {
			continue
		}
		if !found || t.After(best) {
			best, found = t, true
		}
	}
	return best, found, nil
}

// CountActive returns how many active rows a type holds. Used by
// status reporting and tests.
func (c *Cache) CountActive(ctx context.Context, typeName string) (int64, error) {
	et, err := c.Type(typeName)
	if err != nil {
		return 0, err
	}
	var n int64
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE _active = 1", quoteIdent(et.tableName()))
	if err := c.db.QueryRowContext(ctx, stmt).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
