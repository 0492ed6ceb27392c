// Package schema discovers table metadata (columns and primary key) through
// information_schema and caches it per table until it is invalidated.
package schema

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"sync"

	"github.com/edgeflare/odatadb/pkg/httputil"
	"github.com/edgeflare/odatadb/pkg/metrics"
	pg "github.com/edgeflare/odatadb/pkg/pgx"
	"github.com/jackc/pgx/v5"
)

// DefaultSchema is used for table names without a schema qualifier.
const DefaultSchema = "public"

var (
	ErrTableNotFound = errors.New("table does not exist")
	ErrNoPrimaryKey  = errors.New("table has no primary key")
)

type TableType string

const (
	TypeTable   TableType = "TABLE"
	TypeView    TableType = "VIEW"
	TypeForeign TableType = "FOREIGN"
)

type TableInfo struct {
	Schema     string    `json:"schema"`
	Name       string    `json:"name"`
	Type       TableType `json:"type"`
	PrimaryKey []string  `json:"primaryKey"`
	Columns    []Column  `json:"columns"`
}

type Column struct {
	Name         string `json:"name"`
	DataType     string `json:"dataType"`
	UDTSchema    string `json:"udtSchema"`
	UDTName      string `json:"udtName"`
	IsNullable   bool   `json:"isNullable"`
	IsPrimaryKey bool   `json:"isPrimaryKey"`
}

// CastType is the quoted type name used to cast text parameters to this column's type.
func (c Column) CastType() string {
	if c.UDTSchema == "" || c.UDTSchema == "pg_catalog" {
		return pgx.Identifier{c.UDTName}.Sanitize()
	}
	return pgx.Identifier{c.UDTSchema, c.UDTName}.Sanitize()
}

func (t TableInfo) FullName() string {
	return t.Schema + "." + t.Name
}

func (t TableInfo) Identifier() pgx.Identifier {
	return pgx.Identifier{t.Schema, t.Name}
}

// Column looks a column up by name. An exact match wins over a
// case-insensitive one.
func (t TableInfo) Column(name string) (Column, bool) {
	var fold *Column
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return t.Columns[i], true
		}
		if fold == nil && strings.EqualFold(t.Columns[i].Name, name) {
			fold = &t.Columns[i]
		}
	}
	if fold != nil {
		return *fold, true
	}
	return Column{}, false
}

// KeyColumns returns the primary key columns in key order.
func (t TableInfo) KeyColumns() ([]Column, error) {
	if len(t.PrimaryKey) == 0 {
		return nil, fmt.Errorf("%s: %w", t.FullName(), ErrNoPrimaryKey)
	}
	cols := make([]Column, 0, len(t.PrimaryKey))
	for _, name := range t.PrimaryKey {
		col, ok := t.Column(name)
		if !ok {
			return nil, fmt.Errorf("%s: primary key column %q not found", t.FullName(), name)
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// Cache holds discovered TableInfo keyed by lower-cased "schema.table".
// Entries are loaded on first use and stay until invalidated.
type Cache struct {
	conn          pg.Conn
	defaultSchema string
	tables        map[string]TableInfo
	mu            sync.RWMutex
}

type Option func(*Cache)

// WithDefaultSchema sets the schema for unqualified table names.
func WithDefaultSchema(schema string) Option {
	return func(c *Cache) {
		if schema != "" {
			c.defaultSchema = schema
		}
	}
}

func NewCache(conn pg.Conn, opts ...Option) *Cache {
	c := &Cache{
		conn:          conn,
		defaultSchema: DefaultSchema,
		tables:        make(map[string]TableInfo),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// splitName splits "schema.table" and applies the default schema.
func (c *Cache) splitName(name string) (string, string) {
	if s, t, ok := strings.Cut(name, "."); ok && s != "" && t != "" {
		return s, t
	}
	return c.defaultSchema, name
}

func (c *Cache) key(name string) string {
	s, t := c.splitName(name)
	return strings.ToLower(s + "." + t)
}

// Get returns the table info for name, loading it from the database on a miss.
func (c *Cache) Get(ctx context.Context, name string) (TableInfo, error) {
	if strings.TrimSpace(name) == "" {
		return TableInfo{}, ErrTableNotFound
	}
	key := c.key(name)

	c.mu.RLock()
	t, ok := c.tables[key]
	c.mu.RUnlock()
	if ok {
		metrics.TableInfoCache.WithLabelValues("hit").Inc()
		return t, nil
	}
	metrics.TableInfoCache.WithLabelValues("miss").Inc()

	schema, table := c.splitName(name)
	t, err := loadTable(ctx, c.conn, schema, table)
	if err != nil {
		return TableInfo{}, err
	}

	c.mu.Lock()
	c.tables[key] = t
	c.mu.Unlock()
	return t, nil
}

// Invalidate drops the entry for name and reports whether one was cached.
func (c *Cache) Invalidate(name string) bool {
	key := c.key(name)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tables[key]; !ok {
		return false
	}
	delete(c.tables, key)
	metrics.TableInfoCache.WithLabelValues("invalidated").Inc()
	return true
}

// Snapshot returns a copy of the cached entries.
func (c *Cache) Snapshot() map[string]TableInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := make(map[string]TableInfo, len(c.tables))
	maps.Copy(snap, c.tables)
	return snap
}

// ServeHTTP writes the cached table infos as JSON.
func (c *Cache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, c.Snapshot())
}

// loadTable resolves schema and table case-insensitively, preferring an exact match.
func loadTable(ctx context.Context, conn pg.Conn, schema, table string) (TableInfo, error) {
	var t TableInfo
	var tableType string
	err := conn.QueryRow(ctx, `
		SELECT table_schema, table_name, table_type
		FROM information_schema.tables
		WHERE lower(table_schema) = lower($1) AND lower(table_name) = lower($2)
		ORDER BY (table_schema = $1 AND table_name = $2) DESC, table_schema, table_name
		LIMIT 1`, schema, table).Scan(&t.Schema, &t.Name, &tableType)
	if errors.Is(err, pgx.ErrNoRows) {
		return TableInfo{}, fmt.Errorf("%s.%s: %w", schema, table, ErrTableNotFound)
	}
	if err != nil {
		return TableInfo{}, fmt.Errorf("query table %s.%s: %w", schema, table, err)
	}

	switch tableType {
	case "VIEW":
		t.Type = TypeView
	case "FOREIGN":
		t.Type = TypeForeign
	default:
		t.Type = TypeTable
	}

	cols, err := queryColumns(ctx, conn, t.Schema, t.Name)
	if err != nil {
		return TableInfo{}, fmt.Errorf("query columns %s: %w", t.FullName(), err)
	}
	t.Columns = cols

	pkeys, err := queryPrimaryKey(ctx, conn, t.Schema, t.Name)
	if err != nil {
		return TableInfo{}, fmt.Errorf("query primary key %s: %w", t.FullName(), err)
	}
	t.PrimaryKey = pkeys
	for i := range t.Columns {
		for _, pk := range pkeys {
			if t.Columns[i].Name == pk {
				t.Columns[i].IsPrimaryKey = true
			}
		}
	}
	return t, nil
}

func queryColumns(ctx context.Context, conn pg.Conn, schema, table string) ([]Column, error) {
	rows, err := conn.Query(ctx, `
		SELECT
			c.column_name,
			c.data_type,
			c.udt_schema,
			c.udt_name,
			c.is_nullable = 'YES'
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.DataType, &col.UDTSchema, &col.UDTName, &col.IsNullable); err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func queryPrimaryKey(ctx context.Context, conn pg.Conn, schema, table string) ([]string, error) {
	rows, err := conn.Query(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
			AND tc.table_name = kcu.table_name
		WHERE tc.constraint_type = 'PRIMARY KEY'
			AND tc.table_schema = $1
			AND tc.table_name = $2
		ORDER BY kcu.ordinal_position`, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pkeys []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		pkeys = append(pkeys, name)
	}
	return pkeys, rows.Err()
}
