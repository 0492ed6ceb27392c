package repository

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/edgeflare/odatadb/internal/testutil/pgtest"
	"github.com/edgeflare/odatadb/pkg/odata"
	"github.com/edgeflare/odatadb/pkg/pgx/schema"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeRepository(conn *pgtest.FakeConn) *ODataRepository {
	conn.OnTable("public", "Customers", []string{"Id"},
		pgtest.FakeColumn{Name: "Id", UDTName: "int4"},
		pgtest.FakeColumn{Name: "Name", UDTName: "text"},
		pgtest.FakeColumn{Name: "Email", UDTName: "text", Nullable: true},
	).OnTable("public", "events", nil,
		pgtest.FakeColumn{Name: "payload", UDTName: "jsonb"},
	).On("FROM information_schema.tables", pgtest.Result{})
	return NewODataRepository(conn, schema.NewCache(conn))
}

func TestQueryFetchesOneExtraRow(t *testing.T) {
	conn := pgtest.NewFakeConn().On(`FROM "public"."Customers"`, pgtest.Result{
		Columns: []string{"Id", "Name"},
		Rows:    [][]any{{int32(1), "Ana"}, {int32(2), "Bo"}, {int32(3), "Cy"}},
	})
	repo := newFakeRepository(conn)

	rows, err := repo.Query(context.Background(), odata.Query{Table: "customers", Filter: "Name ne 'x'", Top: 2})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.Equal(t, "Ana", rows[0]["Name"])

	call, ok := conn.LastCall(`FROM "public"."Customers"`)
	require.True(t, ok)
	assert.Equal(t, `SELECT * FROM "public"."Customers" WHERE ("Name" <> CAST($1::text AS "text")) LIMIT $2`, call.SQL)
	assert.Equal(t, []any{"x", int64(3)}, call.Args)
}

func TestQueryErrors(t *testing.T) {
	repo := newFakeRepository(pgtest.NewFakeConn())
	ctx := context.Background()

	_, err := repo.Query(ctx, odata.Query{Table: "nope", Top: 10})
	assert.ErrorIs(t, err, schema.ErrTableNotFound)

	_, err = repo.Query(ctx, odata.Query{Table: "", Top: 10})
	assert.ErrorIs(t, err, ErrEmptyTable)

	_, err = repo.Query(ctx, odata.Query{Table: "Customers", OrderBy: "Phone", Top: 10})
	assert.ErrorIs(t, err, odata.ErrUnknownProperty)
}

func TestQueryByKey(t *testing.T) {
	conn := pgtest.NewFakeConn().On(`SELECT * FROM "public"."Customers" WHERE`, pgtest.Result{
		Columns: []string{"Id", "Name"},
		Rows:    [][]any{{int32(7), "Ana"}},
	})
	repo := newFakeRepository(conn)

	rows, err := repo.QueryByKey(context.Background(), "Customers", "7")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int32(7), rows[0]["Id"])

	call, _ := conn.LastCall(`SELECT * FROM "public"."Customers"`)
	assert.Equal(t, `SELECT * FROM "public"."Customers" WHERE "Id" = CAST($1::text AS "int4")`, call.SQL)
	assert.Equal(t, []any{"7"}, call.Args)

	_, err = repo.QueryByKey(context.Background(), "events", "1")
	assert.ErrorIs(t, err, schema.ErrNoPrimaryKey)
}

func TestInsert(t *testing.T) {
	conn := pgtest.NewFakeConn().On(`INSERT INTO "public"."Customers"`, pgtest.Result{
		Columns: []string{"Id", "Name", "Email"},
		Rows:    [][]any{{int32(9), "Ana", nil}},
	})
	repo := newFakeRepository(conn)

	row, err := repo.Insert(context.Background(), "Customers", map[string]any{"name": "Ana", "Id": json.Number("9")})
	require.NoError(t, err)
	assert.Equal(t, int32(9), row["Id"])

	call, _ := conn.LastCall("INSERT INTO")
	assert.Equal(t, `INSERT INTO "public"."Customers" ("Id", "Name") VALUES (CAST($1::text AS "int4"), CAST($2::text AS "text")) RETURNING *`, call.SQL)
	assert.Equal(t, []any{"9", "Ana"}, call.Args)

	_, err = repo.Insert(context.Background(), "Customers", map[string]any{"Phone": "1"})
	assert.ErrorIs(t, err, ErrUnknownColumn)
	assert.Contains(t, err.Error(), "'Phone'")
}

func TestUpdate(t *testing.T) {
	conn := pgtest.NewFakeConn().
		On(`WHERE "Id" = CAST($2::text AS "int4") RETURNING *`, pgtest.Result{
			Columns: []string{"Id", "Name"},
			Rows:    [][]any{{int32(1), "Bea"}},
		})
	repo := newFakeRepository(conn)
	ctx := context.Background()

	row, found, err := repo.Update(ctx, "Customers", "1", map[string]any{"Id": json.Number("99"), "Name": "Bea"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Bea", row["Name"])

	call, _ := conn.LastCall("UPDATE")
	assert.Equal(t, `UPDATE "public"."Customers" SET "Name" = CAST($1::text AS "text") WHERE "Id" = CAST($2::text AS "int4") RETURNING *`, call.SQL)
	assert.Equal(t, []any{"Bea", "1"}, call.Args)

	_, _, err = repo.Update(ctx, "Customers", "1", map[string]any{"Id": json.Number("99")})
	assert.ErrorIs(t, err, ErrNothingToUpdate)

	_, _, err = repo.Update(ctx, "Customers", "1", map[string]any{"Phone": "1"})
	assert.ErrorIs(t, err, ErrUnknownColumn)

	_, _, err = repo.Update(ctx, "Customers", "'unterminated", map[string]any{"Name": "x"})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestUpdateNotFound(t *testing.T) {
	conn := pgtest.NewFakeConn().On("UPDATE", pgtest.Result{Columns: []string{"Id"}})
	repo := newFakeRepository(conn)

	_, found, err := repo.Update(context.Background(), "Customers", "404", map[string]any{"Name": "x"})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDelete(t *testing.T) {
	conn := pgtest.NewFakeConn().
		OnFunc(func(sql string, args []any) bool {
			return len(args) == 1 && args[0] == "1"
		}, pgtest.Result{Tag: "DELETE 1"}).
		On("DELETE", pgtest.Result{Tag: "DELETE 0"})
	repo := newFakeRepository(conn)
	ctx := context.Background()

	ok, err := repo.Delete(ctx, "Customers", "1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Delete(ctx, "Customers", "2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeletePropagatesDatabaseErrors(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "22P02", Message: `invalid input syntax for type integer: "abc"`}
	conn := pgtest.NewFakeConn().On("DELETE", pgtest.Result{Err: pgErr})
	repo := newFakeRepository(conn)

	_, err := repo.Delete(context.Background(), "Customers", "abc")
	assert.ErrorIs(t, err, pgErr)
}

func TestInvalidateTableInfo(t *testing.T) {
	repo := newFakeRepository(pgtest.NewFakeConn())

	assert.False(t, repo.InvalidateTableInfo("Customers"))
	_, err := repo.TableInfo(context.Background(), "Customers")
	require.NoError(t, err)
	assert.True(t, repo.InvalidateTableInfo("customers"))
}
