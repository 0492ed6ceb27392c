package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// Row is a result row keyed by column name.
type Row = map[string]any

// Value binds Value to Column. When Type is set the value is sent as text
// and cast to Type on the server, so the column type decides how it is parsed.
type Value struct {
	Column string
	Type   string // sanitized type name, eg "pg_catalog"."int4"
	Value  any
}

var ErrNoWhere = errors.New("no WHERE conditions provided")

type queryBuilder struct {
	table     pgx.Identifier
	args      []any
	nextIndex int
}

func newQueryBuilder(table pgx.Identifier) *queryBuilder {
	return &queryBuilder{table: table, nextIndex: 1}
}

// placeholder appends v to the args and returns its (possibly cast) placeholder.
func (qb *queryBuilder) placeholder(v Value) string {
	p := fmt.Sprintf("$%d", qb.nextIndex)
	qb.nextIndex++
	if v.Type == "" {
		qb.args = append(qb.args, v.Value)
		return p
	}
	qb.args = append(qb.args, TextArg(v.Value))
	return fmt.Sprintf("CAST(%s::text AS %s)", p, v.Type)
}

func (qb *queryBuilder) tableIdentifier() string {
	return qb.table.Sanitize()
}

func (qb *queryBuilder) where(values []Value) string {
	clauses := make([]string, 0, len(values))
	for _, v := range values {
		clauses = append(clauses, fmt.Sprintf("%s = %s", pgx.Identifier{v.Column}.Sanitize(), qb.placeholder(v)))
	}
	return strings.Join(clauses, " AND ")
}

// InsertRow inserts values into table and returns the stored row.
func InsertRow(ctx context.Context, conn Conn, table pgx.Identifier, values []Value) (Row, error) {
	qb := newQueryBuilder(table)

	var query string
	if len(values) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING *", qb.tableIdentifier())
	} else {
		columns := make([]string, 0, len(values))
		placeholders := make([]string, 0, len(values))
		for _, v := range values {
			columns = append(columns, pgx.Identifier{v.Column}.Sanitize())
			placeholders = append(placeholders, qb.placeholder(v))
		}
		query = fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s) RETURNING *",
			qb.tableIdentifier(),
			strings.Join(columns, ", "),
			strings.Join(placeholders, ", "),
		)
	}

	rows, err := QueryRows(ctx, conn, query, qb.args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, pgx.ErrNoRows
	}
	return rows[0], nil
}

// UpdateRows sets values on the rows matching where and returns the updated rows.
func UpdateRows(ctx context.Context, conn Conn, table pgx.Identifier, values, where []Value) ([]Row, error) {
	if len(where) == 0 {
		return nil, ErrNoWhere
	}
	qb := newQueryBuilder(table)

	setClauses := make([]string, 0, len(values))
	for _, v := range values {
		setClauses = append(setClauses, fmt.Sprintf("%s = %s", pgx.Identifier{v.Column}.Sanitize(), qb.placeholder(v)))
	}

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s RETURNING *",
		qb.tableIdentifier(),
		strings.Join(setClauses, ", "),
		qb.where(where),
	)
	return QueryRows(ctx, conn, query, qb.args...)
}

// DeleteRows deletes the rows matching where and reports how many were removed.
func DeleteRows(ctx context.Context, conn Conn, table pgx.Identifier, where []Value) (int64, error) {
	if len(where) == 0 {
		return 0, ErrNoWhere
	}
	qb := newQueryBuilder(table)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", qb.tableIdentifier(), qb.where(where))

	tag, err := conn.Exec(ctx, query, qb.args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SelectRows returns the rows matching where.
func SelectRows(ctx context.Context, conn Conn, table pgx.Identifier, where []Value) ([]Row, error) {
	qb := newQueryBuilder(table)
	query := "SELECT * FROM " + qb.tableIdentifier()
	if len(where) > 0 {
		query += " WHERE " + qb.where(where)
	}
	return QueryRows(ctx, conn, query, qb.args...)
}

// QueryRows runs query and collects every row into a map, with values
// normalized for JSON encoding.
func QueryRows(ctx context.Context, conn Conn, query string, args ...any) ([]Row, error) {
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	result, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	for _, row := range result {
		for k, v := range row {
			row[k] = normalize(v)
		}
	}
	return result, nil
}

// normalize converts driver values that do not encode to JSON as expected.
func normalize(v any) any {
	switch val := v.(type) {
	case [16]byte:
		return uuid.UUID(val).String()
	case pgtype.Numeric:
		if !val.Valid {
			return nil
		}
		if val.NaN || val.InfinityModifier != pgtype.Finite {
			f, _ := val.Float64Value()
			return f.Float64
		}
		return json.Number(numericString(val))
	case []any:
		for i := range val {
			val[i] = normalize(val[i])
		}
		return val
	case map[string]any:
		for k := range val {
			val[k] = normalize(val[k])
		}
		return val
	}
	return v
}

func numericString(n pgtype.Numeric) string {
	if n.Exp >= 0 {
		i := new(big.Int).Mul(n.Int, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n.Exp)), nil))
		return i.String()
	}
	r := new(big.Rat).SetFrac(n.Int, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-n.Exp)), nil))
	return r.FloatString(int(-n.Exp))
}

// TextArg renders a decoded JSON value as the text form PostgreSQL input
// functions accept. nil stays nil so NULL is preserved.
func TextArg(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case []any, map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}
