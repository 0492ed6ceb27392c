package pgtest

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Result is the scripted answer to a statement.
type Result struct {
	Columns []string
	Rows    [][]any
	Tag     string // command tag returned by Exec, eg "DELETE 1"
	Err     error
}

// Call records one statement sent to a FakeConn.
type Call struct {
	SQL  string
	Args []any
}

type script struct {
	match  func(sql string, args []any) bool
	result Result
}

// FakeConn answers statements from scripts tried in registration order. It satisfies the Conn interface of pkg/pgx.
type FakeConn struct {
	mu      sync.Mutex
	scripts []script
	calls   []Call
}

func NewFakeConn() *FakeConn { return &FakeConn{} }

// On registers result for statements containing match.
func (c *FakeConn) On(match string, result Result) *FakeConn {
	return c.OnFunc(func(sql string, _ []any) bool { return strings.Contains(sql, match) }, result)
}

// OnFunc registers result for statements accepted by match.
func (c *FakeConn) OnFunc(match func(sql string, args []any) bool, result Result) *FakeConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts = append(c.scripts, script{match: match, result: result})
	return c
}

// FakeColumn describes a column for OnTable.
type FakeColumn struct {
	Name     string
	UDTName  string // pg_catalog type, eg int4
	Nullable bool
}

// OnTable scripts the information_schema lookups the schema cache runs for
// schema.name. Lookups match the table name case-insensitively.
func (c *FakeConn) OnTable(schema, name string, pk []string, columns ...FakeColumn) *FakeConn {
	forTable := func(fragment string) func(string, []any) bool {
		return func(sql string, args []any) bool {
			if !strings.Contains(sql, fragment) || len(args) < 2 {
				return false
			}
			s, _ := args[0].(string)
			t, _ := args[1].(string)
			return strings.EqualFold(s, schema) && strings.EqualFold(t, name)
		}
	}

	c.OnFunc(forTable("FROM information_schema.tables"), Result{
		Columns: []string{"table_schema", "table_name", "table_type"},
		Rows:    [][]any{{schema, name, "BASE TABLE"}},
	})

	cols := Result{Columns: []string{"column_name", "data_type", "udt_schema", "udt_name", "is_nullable"}}
	for _, col := range columns {
		cols.Rows = append(cols.Rows, []any{col.Name, col.UDTName, "pg_catalog", col.UDTName, col.Nullable})
	}
	c.OnFunc(forTable("FROM information_schema.columns"), cols)

	keys := Result{Columns: []string{"column_name"}}
	for _, k := range pk {
		keys.Rows = append(keys.Rows, []any{k})
	}
	c.OnFunc(forTable("information_schema.table_constraints"), keys)
	return c
}

// Calls returns the statements received so far.
func (c *FakeConn) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// LastCall returns the most recent statement containing match.
func (c *FakeConn) LastCall(match string) (Call, bool) {
	calls := c.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if strings.Contains(calls[i].SQL, match) {
			return calls[i], true
		}
	}
	return Call{}, false
}

func (c *FakeConn) lookup(sql string, args []any) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{SQL: sql, Args: args})
	for _, s := range c.scripts {
		if s.match(sql, args) {
			return s.result, nil
		}
	}
	return Result{}, fmt.Errorf("pgtest: unexpected statement: %s", sql)
}

func (c *FakeConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	res, err := c.lookup(sql, args)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag(res.Tag), res.Err
}

func (c *FakeConn) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	res, err := c.lookup(sql, args)
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return &fakeRows{result: res, pos: -1}, nil
}

func (c *FakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	rows, err := c.Query(ctx, sql, args...)
	return &fakeRow{rows: rows, err: err}
}

type fakeRow struct {
	rows pgx.Rows
	err  error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	defer r.rows.Close()
	if !r.rows.Next() {
		return pgx.ErrNoRows
	}
	return r.rows.Scan(dest...)
}

type fakeRows struct {
	result Result
	pos    int
	closed bool
}

func (r *fakeRows) Close()                        { r.closed = true }
func (r *fakeRows) Err() error                    { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag(r.result.Tag) }
func (r *fakeRows) RawValues() [][]byte           { return nil }
func (r *fakeRows) Conn() *pgx.Conn               { return nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	fds := make([]pgconn.FieldDescription, len(r.result.Columns))
	for i, name := range r.result.Columns {
		fds[i] = pgconn.FieldDescription{Name: name}
	}
	return fds
}

func (r *fakeRows) Next() bool {
	if r.closed {
		return false
	}
	r.pos++
	if r.pos >= len(r.result.Rows) {
		r.closed = true
		return false
	}
	return true
}

func (r *fakeRows) Values() ([]any, error) {
	row := r.result.Rows[r.pos]
	return append([]any(nil), row...), nil
}

// Scan assigns the current row to dest, converting between compatible kinds.
func (r *fakeRows) Scan(dest ...any) error {
	if len(dest) == 1 {
		if rs, ok := dest[0].(pgx.RowScanner); ok {
			return rs.ScanRow(r)
		}
	}
	row := r.result.Rows[r.pos]
	if len(dest) != len(row) {
		return fmt.Errorf("pgtest: scan %d values into %d destinations", len(row), len(dest))
	}
	for i, d := range dest {
		target := reflect.ValueOf(d)
		if target.Kind() != reflect.Pointer || target.IsNil() {
			return fmt.Errorf("pgtest: destination %d is not a pointer", i)
		}
		elem := target.Elem()
		if row[i] == nil {
			elem.Set(reflect.Zero(elem.Type()))
			continue
		}
		v := reflect.ValueOf(row[i])
		if !v.Type().ConvertibleTo(elem.Type()) {
			return fmt.Errorf("pgtest: cannot scan %T into %s", row[i], elem.Type())
		}
		elem.Set(v.Convert(elem.Type()))
	}
	return nil
}
