// Package repository runs OData queries, entity CRUD and stored procedures
// against PostgreSQL.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/edgeflare/odatadb/pkg/odata"
	pg "github.com/edgeflare/odatadb/pkg/pgx"
	"github.com/edgeflare/odatadb/pkg/pgx/schema"
	"go.uber.org/zap"
)

var (
	ErrUnknownColumn    = errors.New("unknown column")
	ErrNothingToUpdate  = errors.New("no columns to update")
	ErrEmptyTable       = errors.New("table name is required")
	ErrReadOnlyRelation = errors.New("relation is not a table")
)

// ODataRepository executes OData requests against the tables described by a schema.Cache.
type ODataRepository struct {
	conn      pg.Conn
	cache     *schema.Cache
	converter *odata.Converter
	logger    *zap.Logger
}

type Option func(*ODataRepository)

func WithConverter(c *odata.Converter) Option {
	return func(r *ODataRepository) { r.converter = c }
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *ODataRepository) { r.logger = logger }
}

func NewODataRepository(conn pg.Conn, cache *schema.Cache, opts ...Option) *ODataRepository {
	r := &ODataRepository{
		conn:      conn,
		cache:     cache,
		converter: odata.NewConverter(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TableInfo returns the cached metadata of table.
func (r *ODataRepository) TableInfo(ctx context.Context, table string) (schema.TableInfo, error) {
	if strings.TrimSpace(table) == "" {
		return schema.TableInfo{}, ErrEmptyTable
	}
	return r.cache.Get(ctx, table)
}

// Query runs q and returns up to q.Top+1 rows so callers can tell whether
// another page exists.
func (r *ODataRepository) Query(ctx context.Context, q odata.Query) ([]pg.Row, error) {
	t, err := r.TableInfo(ctx, q.Table)
	if err != nil {
		return nil, err
	}
	sql, args, err := r.converter.ToSQL(ctx, q, t, q.Top+1)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("odata query", zap.String("table", t.FullName()), zap.String("sql", sql), zap.Int("args", len(args)))
	return pg.QueryRows(ctx, r.conn, sql, args...)
}

// QueryByKey returns the rows whose primary key equals key.
func (r *ODataRepository) QueryByKey(ctx context.Context, table, key string) ([]pg.Row, error) {
	t, where, err := r.resolveKey(ctx, table, key)
	if err != nil {
		return nil, err
	}
	return pg.SelectRows(ctx, r.conn, t.Identifier(), where)
}

// Insert stores data as a new row and returns the row as stored.
func (r *ODataRepository) Insert(ctx context.Context, table string, data map[string]any) (pg.Row, error) {
	t, err := r.writableTable(ctx, table)
	if err != nil {
		return nil, err
	}
	values, err := columnValues(t, data, false)
	if err != nil {
		return nil, err
	}
	return pg.InsertRow(ctx, r.conn, t.Identifier(), values)
}

// Update sets data on the row identified by key. Primary key columns in data
// are ignored. The bool reports whether a row matched.
func (r *ODataRepository) Update(ctx context.Context, table, key string, data map[string]any) (pg.Row, bool, error) {
	t, where, err := r.resolveKey(ctx, table, key)
	if err != nil {
		return nil, false, err
	}
	values, err := columnValues(t, data, true)
	if err != nil {
		return nil, false, err
	}
	if len(values) == 0 {
		return nil, false, ErrNothingToUpdate
	}
	rows, err := pg.UpdateRows(ctx, r.conn, t.Identifier(), values, where)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// Delete removes the row identified by key and reports whether one existed.
func (r *ODataRepository) Delete(ctx context.Context, table, key string) (bool, error) {
	t, where, err := r.resolveKey(ctx, table, key)
	if err != nil {
		return false, err
	}
	n, err := pg.DeleteRows(ctx, r.conn, t.Identifier(), where)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InvalidateTableInfo drops the cached metadata of table.
func (r *ODataRepository) InvalidateTableInfo(table string) bool {
	return r.cache.Invalidate(table)
}

func (r *ODataRepository) resolveKey(ctx context.Context, table, key string) (schema.TableInfo, []pg.Value, error) {
	t, err := r.TableInfo(ctx, table)
	if err != nil {
		return schema.TableInfo{}, nil, err
	}
	parts, err := ParseKey(ctx, key)
	if err != nil {
		return schema.TableInfo{}, nil, err
	}
	where, err := keyValues(t, parts)
	if err != nil {
		return schema.TableInfo{}, nil, err
	}
	return t, where, nil
}

func (r *ODataRepository) writableTable(ctx context.Context, table string) (schema.TableInfo, error) {
	t, err := r.TableInfo(ctx, table)
	if err != nil {
		return schema.TableInfo{}, err
	}
	if t.Type == schema.TypeForeign {
		return schema.TableInfo{}, fmt.Errorf("%s: %w", t.FullName(), ErrReadOnlyRelation)
	}
	return t, nil
}

// columnValues maps data onto the table's columns in a stable order.
func columnValues(t schema.TableInfo, data map[string]any, skipKey bool) ([]pg.Value, error) {
	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([]pg.Value, 0, len(names))
	for _, name := range names {
		col, ok := t.Column(name)
		if !ok {
			return nil, fmt.Errorf("%w: '%s' in table '%s'", ErrUnknownColumn, name, t.Name)
		}
		if skipKey && col.IsPrimaryKey {
			continue
		}
		values = append(values, pg.Value{Column: col.Name, Type: col.CastType(), Value: data[name]})
	}
	return values, nil
}
