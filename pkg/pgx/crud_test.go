package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/edgeflare/odatadb/internal/testutil/pgtest"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errCaptured = errors.New("captured")

// recordingConn records statements instead of running them.
type recordingConn struct {
	sql  string
	args []any
	tag  string
}

func (c *recordingConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.sql, c.args = sql, args
	return pgconn.NewCommandTag(c.tag), nil
}

func (c *recordingConn) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	c.sql, c.args = sql, args
	return nil, errCaptured
}

func (c *recordingConn) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	c.sql, c.args = sql, args
	return nil
}

var customers = pgx.Identifier{"public", "customers"}

func TestInsertRow(t *testing.T) {
	conn := &recordingConn{}
	_, err := InsertRow(context.Background(), conn, customers, []Value{
		{Column: "id", Type: `"int4"`, Value: json.Number("7")},
		{Column: "name", Value: "Alfreds"},
	})
	require.ErrorIs(t, err, errCaptured)

	assert.Equal(t, `INSERT INTO "public"."customers" ("id", "name") VALUES (CAST($1::text AS "int4"), $2) RETURNING *`, conn.sql)
	assert.Equal(t, []any{"7", "Alfreds"}, conn.args)
}

func TestInsertRowDefaultValues(t *testing.T) {
	conn := &recordingConn{}
	_, err := InsertRow(context.Background(), conn, customers, nil)
	require.ErrorIs(t, err, errCaptured)
	assert.Equal(t, `INSERT INTO "public"."customers" DEFAULT VALUES RETURNING *`, conn.sql)
}

func TestUpdateRows(t *testing.T) {
	conn := &recordingConn{}
	_, err := UpdateRows(context.Background(), conn, customers,
		[]Value{{Column: "name", Type: `"text"`, Value: "Ana"}},
		[]Value{{Column: "id", Type: `"int4"`, Value: "1"}},
	)
	require.ErrorIs(t, err, errCaptured)

	assert.Equal(t, `UPDATE "public"."customers" SET "name" = CAST($1::text AS "text") WHERE "id" = CAST($2::text AS "int4") RETURNING *`, conn.sql)
	assert.Equal(t, []any{"Ana", "1"}, conn.args)

	_, err = UpdateRows(context.Background(), conn, customers, []Value{{Column: "name", Value: "x"}}, nil)
	assert.ErrorIs(t, err, ErrNoWhere)
}

func TestDeleteRows(t *testing.T) {
	conn := &recordingConn{tag: "DELETE 1"}
	n, err := DeleteRows(context.Background(), conn, customers, []Value{
		{Column: "order_id", Type: `"int4"`, Value: "10"},
		{Column: "line", Type: `"int4"`, Value: "2"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, `DELETE FROM "public"."customers" WHERE "order_id" = CAST($1::text AS "int4") AND "line" = CAST($2::text AS "int4")`, conn.sql)

	_, err = DeleteRows(context.Background(), conn, customers, nil)
	assert.ErrorIs(t, err, ErrNoWhere)
}

func TestSelectRows(t *testing.T) {
	conn := &recordingConn{}
	_, err := SelectRows(context.Background(), conn, customers, []Value{{Column: "Id", Type: `"uuid"`, Value: "a"}})
	require.ErrorIs(t, err, errCaptured)
	assert.Equal(t, `SELECT * FROM "public"."customers" WHERE "Id" = CAST($1::text AS "uuid")`, conn.sql)
}

func TestTextArg(t *testing.T) {
	ts := time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		in   any
		want any
	}{
		{nil, nil},
		{"abc", "abc"},
		{true, "true"},
		{json.Number("12.50"), "12.50"},
		{float64(3), "3"},
		{1.25, "1.25"},
		{42, "42"},
		{int64(-1), "-1"},
		{ts, "2024-01-31T10:00:00Z"},
		{map[string]any{"a": 1.0}, `{"a":1}`},
		{[]any{"x", 2.0}, `["x",2]`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TextArg(tt.in), "TextArg(%#v)", tt.in)
	}
}

func TestNormalize(t *testing.T) {
	id := [16]byte{0x55, 0x0e, 0x84, 0x00, 0xe2, 0x9b, 0x41, 0xd4, 0xa7, 0x16, 0x44, 0x66, 0x55, 0x44, 0x00, 0x00}
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", normalize(id))

	assert.Equal(t, json.Number("12.34"), normalize(pgtype.Numeric{Int: big.NewInt(1234), Exp: -2, Valid: true}))
	assert.Equal(t, json.Number("1200"), normalize(pgtype.Numeric{Int: big.NewInt(12), Exp: 2, Valid: true}))
	assert.Nil(t, normalize(pgtype.Numeric{}))

	nested := normalize([]any{id})
	assert.Equal(t, []any{"550e8400-e29b-41d4-a716-446655440000"}, nested)

	assert.Equal(t, "plain", normalize("plain"))
}

func TestCRUDRoundTrip(t *testing.T) {
	ctx := context.Background()
	conn := pgtest.Connect(ctx, t)
	pgtest.Exec(ctx, t, conn, `CREATE TEMP TABLE crud_items (id int4 PRIMARY KEY, name text NOT NULL)`)

	table := pgx.Identifier{"crud_items"}
	key := []Value{{Column: "id", Type: `"int4"`, Value: json.Number("1")}}

	row, err := InsertRow(ctx, conn, table, []Value{
		{Column: "id", Type: `"int4"`, Value: json.Number("1")},
		{Column: "name", Type: `"text"`, Value: "first"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, row["id"])

	rows, err := UpdateRows(ctx, conn, table, []Value{{Column: "name", Type: `"text"`, Value: "renamed"}}, key)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "renamed", rows[0]["name"])

	rows, err = SelectRows(ctx, conn, table, key)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	n, err := DeleteRows(ctx, conn, table, key)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rows, err = SelectRows(ctx, conn, table, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
