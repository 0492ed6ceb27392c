package odata

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/CiscoM31/godata"
	"github.com/edgeflare/odatadb/pkg/pgx/schema"
	"github.com/jackc/pgx/v5"
	pg_query "github.com/pganalyze/pg_query_go/v5"
)

var ErrNotSelect = errors.New("generated statement is not a single SELECT")

// Converter compiles a Query against a table into a parameterized SELECT.
type Converter struct {
	verify bool
}

type ConverterOption func(*Converter)

// WithVerify makes ToSQL parse every generated statement and reject anything
// but a single SELECT.
func WithVerify(verify bool) ConverterOption {
	return func(c *Converter) { c.verify = verify }
}

func NewConverter(opts ...ConverterOption) *Converter {
	c := &Converter{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ToSQL builds the SELECT for q. fetch is the LIMIT to apply, 0 for none.
func (c *Converter) ToSQL(ctx context.Context, q Query, table schema.TableInfo, fetch int) (string, []any, error) {
	comp := &compiler{}
	sc := tableScope(table)
	source := table.Identifier().Sanitize()

	if q.Apply != "" {
		steps, err := ParseApply(ctx, q.Apply)
		if err != nil {
			return "", nil, err
		}
		source, sc, err = comp.apply(steps, source, sc)
		if err != nil {
			return "", nil, err
		}
	}

	var query strings.Builder
	query.WriteString("SELECT ")

	props, err := ParseSelect(ctx, q.Select)
	if err != nil {
		return "", nil, err
	}
	if len(props) == 0 {
		query.WriteString("*")
	} else {
		cols := make([]string, 0, len(props))
		for _, p := range props {
			col, err := sc.resolve(p)
			if err != nil {
				return "", nil, err
			}
			cols = append(cols, col.ident)
		}
		query.WriteString(strings.Join(cols, ", "))
	}

	query.WriteString(" FROM ")
	query.WriteString(source)

	if q.Filter != "" {
		e, err := ParseFilter(ctx, q.Filter)
		if err != nil {
			return "", nil, err
		}
		cond, err := comp.expr(sc, e, "")
		if err != nil {
			var se *SyntaxError
			if errors.As(err, &se) && se.Expr == "" {
				se.Expr = q.Filter
			}
			return "", nil, err
		}
		query.WriteString(" WHERE ")
		query.WriteString(cond)
	}

	if q.OrderBy != "" {
		order, err := ParseOrderBy(ctx, q.OrderBy)
		if err != nil {
			return "", nil, err
		}
		clauses := make([]string, 0, len(order))
		for _, o := range order {
			col, err := sc.resolve(o.Property)
			if err != nil {
				return "", nil, err
			}
			clauses = append(clauses, col.ident+" "+strings.ToUpper(o.Direction))
		}
		query.WriteString(" ORDER BY ")
		query.WriteString(strings.Join(clauses, ", "))
	}

	if fetch > 0 {
		query.WriteString(" LIMIT " + comp.bind(int64(fetch)))
	}
	if q.Skip > 0 {
		query.WriteString(" OFFSET " + comp.bind(int64(q.Skip)))
	}

	sql := query.String()
	if c.verify {
		if err := VerifySelect(sql); err != nil {
			return "", nil, err
		}
	}
	return sql, comp.args, nil
}

// VerifySelect checks that sql parses as exactly one SELECT statement.
func VerifySelect(sql string) error {
	tree, err := pg_query.Parse(sql)
	if err != nil {
		return fmt.Errorf("odata: parse generated SQL: %w", err)
	}
	if len(tree.Stmts) != 1 || tree.Stmts[0].Stmt.GetSelectStmt() == nil {
		return ErrNotSelect
	}
	return nil
}

type column struct {
	name     string
	ident    string
	castType string // empty for computed columns
}

// scope is the set of columns an expression may reference.
type scope struct {
	table   string
	columns []column
}

func tableScope(t schema.TableInfo) *scope {
	sc := &scope{table: t.Name, columns: make([]column, 0, len(t.Columns))}
	for _, c := range t.Columns {
		sc.columns = append(sc.columns, column{
			name:     c.Name,
			ident:    pgx.Identifier{c.Name}.Sanitize(),
			castType: c.CastType(),
		})
	}
	return sc
}

// resolve finds a column by exact name, then case-insensitively.
func (s *scope) resolve(name string) (column, error) {
	for _, c := range s.columns {
		if c.name == name {
			return c, nil
		}
	}
	for _, c := range s.columns {
		if strings.EqualFold(c.name, name) {
			return c, nil
		}
	}
	return column{}, fmt.Errorf("%w: could not find a property named '%s' on '%s'", ErrUnknownProperty, name, s.table)
}

type compiler struct {
	args []any
}

// bind appends v and returns its placeholder.
func (c *compiler) bind(v any) string {
	c.args = append(c.args, v)
	return "$" + strconv.Itoa(len(c.args))
}

var comparisonSQL = map[string]string{
	"eq": "=", "ne": "<>", "gt": ">", "ge": ">=", "lt": "<", "le": "<=",
}

var arithmeticSQL = map[string]string{
	"add": "+", "sub": "-", "mul": "*", "div": "/", "divby": "/", "mod": "%",
}

func op(n *godata.ParseNode) string { return strings.ToLower(n.Token.Value) }

// expr compiles n. castType, when set, is the type of the column n is compared
// with; literals are cast to it.
func (c *compiler) expr(sc *scope, n *godata.ParseNode, castType string) (string, error) {
	switch n.Token.Type {
	case godata.ExpressionTokenLiteral:
		col, err := sc.resolve(n.Token.Value)
		if err != nil {
			return "", err
		}
		return col.ident, nil

	case godata.ExpressionTokenLogical:
		switch op(n) {
		case "not":
			operand, err := c.expr(sc, n.Children[0], "")
			if err != nil {
				return "", err
			}
			return "NOT (" + operand + ")", nil
		case "in":
			return c.in(sc, n)
		case "and", "or":
			left, err := c.expr(sc, n.Children[0], "")
			if err != nil {
				return "", err
			}
			right, err := c.expr(sc, n.Children[1], "")
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("(%s %s %s)", left, strings.ToUpper(op(n)), right), nil
		}
		return c.comparison(sc, n)

	case godata.ExpressionTokenOp:
		sqlOp, ok := arithmeticSQL[op(n)]
		if !ok {
			return "", &SyntaxError{Msg: fmt.Sprintf("unsupported operator '%s'", op(n))}
		}
		left, err := c.expr(sc, n.Children[0], "")
		if err != nil {
			return "", err
		}
		right, err := c.expr(sc, n.Children[1], "")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s %s %s)", left, sqlOp, right), nil

	case godata.ExpressionTokenFunc:
		return c.call(sc, n)
	}

	if isLiteral(n) {
		return c.literal(n, castType)
	}
	return "", &SyntaxError{Msg: fmt.Sprintf("unsupported expression %q", n.Token.Value)}
}

func (c *compiler) comparison(sc *scope, n *godata.ParseNode) (string, error) {
	sqlOp, ok := comparisonSQL[op(n)]
	if !ok {
		return "", &SyntaxError{Msg: fmt.Sprintf("unsupported operator '%s'", op(n))}
	}
	left, right := n.Children[0], n.Children[1]

	if isNull(left) || isNull(right) {
		operand := left
		if isNull(left) {
			operand = right
		}
		s, err := c.expr(sc, operand, "")
		if err != nil {
			return "", err
		}
		switch op(n) {
		case "eq":
			return "(" + s + " IS NULL)", nil
		case "ne":
			return "(" + s + " IS NOT NULL)", nil
		}
		return "", &SyntaxError{Msg: fmt.Sprintf("null cannot be compared with '%s'", op(n))}
	}

	l, err := c.expr(sc, left, c.castTypeOf(sc, right))
	if err != nil {
		return "", err
	}
	r, err := c.expr(sc, right, c.castTypeOf(sc, left))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(%s %s %s)", l, sqlOp, r), nil
}

// in compiles `value in (items)`. A single item may come without a list node.
func (c *compiler) in(sc *scope, n *godata.ParseNode) (string, error) {
	value, list := n.Children[0], n.Children[1]
	items := []*godata.ParseNode{list}
	if list.Token.Value == listExpr && list.Token.Type != godata.ExpressionTokenLiteral {
		items = list.Children
	}
	if len(items) == 0 {
		return "", &SyntaxError{Msg: "empty 'in' list"}
	}

	hint := c.castTypeOf(sc, value)
	v, err := c.expr(sc, value, "")
	if err != nil {
		return "", err
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		s, err := c.expr(sc, it, hint)
		if err != nil {
			return "", err
		}
		out = append(out, s)
	}
	return fmt.Sprintf("(%s IN (%s))", v, strings.Join(out, ", ")), nil
}

func (c *compiler) call(sc *scope, n *godata.ParseNode) (string, error) {
	name := op(n)
	arity, ok := functionArity[name]
	if !ok {
		return "", &SyntaxError{Msg: fmt.Sprintf("unknown function %q", n.Token.Value)}
	}
	if got := len(n.Children); got < arity[0] || got > arity[1] {
		return "", &SyntaxError{Msg: fmt.Sprintf("function %s takes %s arguments, got %d", name, arityString(arity), got)}
	}

	args := make([]string, len(n.Children))
	for i, a := range n.Children {
		s, err := c.expr(sc, a, "")
		if err != nil {
			return "", err
		}
		args[i] = s
	}

	switch name {
	case "contains":
		return fmt.Sprintf("(strpos(%s, %s) > 0)", args[0], args[1]), nil
	case "startswith":
		return fmt.Sprintf("starts_with(%s, %s)", args[0], args[1]), nil
	case "endswith":
		// the suffix is referenced twice
		suffix, err := c.expr(sc, n.Children[1], "")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(right(%s, length(%s)) = %s)", args[0], args[1], suffix), nil
	case "tolower":
		return "lower(" + args[0] + ")", nil
	case "toupper":
		return "upper(" + args[0] + ")", nil
	case "length":
		return "length(" + args[0] + ")", nil
	case "trim":
		return "btrim(" + args[0] + ")", nil
	case "concat":
		return fmt.Sprintf("concat(%s, %s)", args[0], args[1]), nil
	case "indexof":
		return fmt.Sprintf("(strpos(%s, %s) - 1)", args[0], args[1]), nil
	case "substring":
		if len(args) == 3 {
			return fmt.Sprintf("substr(%s, (%s) + 1, %s)", args[0], args[1], args[2]), nil
		}
		return fmt.Sprintf("substr(%s, (%s) + 1)", args[0], args[1]), nil
	}
	// year, month, day, hour, minute, second
	return fmt.Sprintf("CAST(EXTRACT(%s FROM %s) AS integer)", strings.ToUpper(name), args[0]), nil
}

// literal binds a literal. Compared with a column it is sent as text and
// cast to the column type; otherwise it is cast by its own kind.
func (c *compiler) literal(n *godata.ParseNode, castType string) (string, error) {
	t := n.Token
	if t.Type == godata.ExpressionTokenNull {
		return "NULL", nil
	}
	text := t.Value
	if t.Type == godata.ExpressionTokenString {
		text = unquoteString(text)
	}
	if castType != "" {
		return fmt.Sprintf("CAST(%s::text AS %s)", c.bind(text), castType), nil
	}

	switch t.Type {
	case godata.ExpressionTokenInteger:
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return "", &SyntaxError{Msg: fmt.Sprintf("invalid integer %q", text)}
		}
		return c.bind(v) + "::bigint", nil
	case godata.ExpressionTokenFloat:
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return "", &SyntaxError{Msg: fmt.Sprintf("invalid number %q", text)}
		}
		return c.bind(v) + "::numeric", nil
	case godata.ExpressionTokenBoolean:
		return c.bind(strings.EqualFold(text, "true")) + "::boolean", nil
	case godata.ExpressionTokenDateTime:
		return c.bind(text) + "::timestamptz", nil
	case godata.ExpressionTokenDate:
		return c.bind(text) + "::date", nil
	case godata.ExpressionTokenTime:
		return c.bind(text) + "::time", nil
	case godata.ExpressionTokenGuid:
		return c.bind(text) + "::uuid", nil
	}
	return c.bind(text) + "::text", nil
}

// castTypeOf returns the column type of n when n is a plain column reference.
func (c *compiler) castTypeOf(sc *scope, n *godata.ParseNode) string {
	if n.Token.Type != godata.ExpressionTokenLiteral {
		return ""
	}
	col, err := sc.resolve(n.Token.Value)
	if err != nil {
		return ""
	}
	return col.castType
}

func isLiteral(n *godata.ParseNode) bool {
	switch n.Token.Type {
	case godata.ExpressionTokenString, godata.ExpressionTokenInteger, godata.ExpressionTokenFloat,
		godata.ExpressionTokenBoolean, godata.ExpressionTokenNull, godata.ExpressionTokenDate,
		godata.ExpressionTokenTime, godata.ExpressionTokenDateTime, godata.ExpressionTokenGuid:
		return true
	}
	return false
}

func isNull(n *godata.ParseNode) bool {
	return n.Token.Type == godata.ExpressionTokenNull
}

var aggregateSQL = map[string]string{
	"sum": "SUM(%s)", "avg": "AVG(%s)", "min": "MIN(%s)", "max": "MAX(%s)",
	"countdistinct": "COUNT(DISTINCT %s)",
}

// apply compiles $apply steps into nested sub-selects over source and
// returns the final source and the columns it exposes.
func (c *compiler) apply(steps []Transformation, source string, sc *scope) (string, *scope, error) {
	for i, step := range steps {
		var stmt string
		next := sc

		switch s := step.(type) {
		case FilterStep:
			cond, err := c.expr(sc, s.Expr, "")
			if err != nil {
				return "", nil, err
			}
			stmt = fmt.Sprintf("SELECT * FROM %s WHERE %s", source, cond)

		case GroupByStep:
			next = &scope{table: sc.table}
			groups := make([]string, 0, len(s.Properties))
			for _, p := range s.Properties {
				col, err := sc.resolve(p)
				if err != nil {
					return "", nil, err
				}
				groups = append(groups, col.ident)
				next.columns = append(next.columns, col)
			}
			selects := slices.Clone(groups)
			aggs, err := c.aggregates(sc, next, s.Aggregates)
			if err != nil {
				return "", nil, err
			}
			selects = append(selects, aggs...)
			stmt = fmt.Sprintf("SELECT %s FROM %s GROUP BY %s", strings.Join(selects, ", "), source, strings.Join(groups, ", "))

		case AggregateStep:
			next = &scope{table: sc.table}
			aggs, err := c.aggregates(sc, next, s.Aggregates)
			if err != nil {
				return "", nil, err
			}
			stmt = fmt.Sprintf("SELECT %s FROM %s", strings.Join(aggs, ", "), source)
		}

		source = fmt.Sprintf("(%s) AS %s", stmt, pgx.Identifier{"_apply" + strconv.Itoa(i+1)}.Sanitize())
		sc = next
	}
	return source, sc, nil
}

// aggregates compiles aggs against in and registers their aliases in out.
func (c *compiler) aggregates(in, out *scope, aggs []Aggregate) ([]string, error) {
	exprs := make([]string, 0, len(aggs))
	for _, a := range aggs {
		for _, existing := range out.columns {
			if strings.EqualFold(existing.name, a.Alias) {
				return nil, &SyntaxError{Expr: a.Alias, Msg: fmt.Sprintf("duplicate property '%s' in $apply", a.Alias)}
			}
		}
		alias := pgx.Identifier{a.Alias}.Sanitize()

		var expr string
		if a.Method == "count" {
			expr = "COUNT(*)"
		} else {
			col, err := in.resolve(a.Property)
			if err != nil {
				return nil, err
			}
			expr = fmt.Sprintf(aggregateSQL[a.Method], col.ident)
		}
		exprs = append(exprs, expr+" AS "+alias)
		out.columns = append(out.columns, column{name: a.Alias, ident: alias})
	}
	return exprs, nil
}
