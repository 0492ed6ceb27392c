package schema

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/edgeflare/odatadb/internal/testutil/pgtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func customersConn() *pgtest.FakeConn {
	return pgtest.NewFakeConn().
		OnTable("public", "Customers", []string{"Id"},
			pgtest.FakeColumn{Name: "Id", UDTName: "int4"},
			pgtest.FakeColumn{Name: "Name", UDTName: "text", Nullable: true},
		).
		OnTable("sales", "order_lines", []string{"order_id", "line"},
			pgtest.FakeColumn{Name: "order_id", UDTName: "int4"},
			pgtest.FakeColumn{Name: "line", UDTName: "int4"},
			pgtest.FakeColumn{Name: "qty", UDTName: "int4"},
		).
		OnTable("public", "audit_log", nil,
			pgtest.FakeColumn{Name: "message", UDTName: "text"},
		).
		On("FROM information_schema.tables", pgtest.Result{})
}

func countTableLookups(conn *pgtest.FakeConn) int {
	n := 0
	for _, c := range conn.Calls() {
		if strings.Contains(c.SQL, "FROM information_schema.tables") {
			n++
		}
	}
	return n
}

func TestCacheGet(t *testing.T) {
	ctx := context.Background()
	conn := customersConn()
	cache := NewCache(conn)

	info, err := cache.Get(ctx, "customers")
	require.NoError(t, err)
	assert.Equal(t, "public", info.Schema)
	assert.Equal(t, "Customers", info.Name)
	assert.Equal(t, TypeTable, info.Type)
	assert.Equal(t, []string{"Id"}, info.PrimaryKey)
	require.Len(t, info.Columns, 2)
	assert.True(t, info.Columns[0].IsPrimaryKey)
	assert.False(t, info.Columns[1].IsPrimaryKey)
	assert.True(t, info.Columns[1].IsNullable)

	// second lookup, different case, served from the cache
	_, err = cache.Get(ctx, "CUSTOMERS")
	require.NoError(t, err)
	_, err = cache.Get(ctx, "public.Customers")
	require.NoError(t, err)
	assert.Equal(t, 1, countTableLookups(conn))
}

func TestCacheGetQualified(t *testing.T) {
	cache := NewCache(customersConn())

	info, err := cache.Get(context.Background(), "sales.order_lines")
	require.NoError(t, err)
	assert.Equal(t, []string{"order_id", "line"}, info.PrimaryKey)

	keys, err := info.KeyColumns()
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, `"int4"`, keys[0].CastType())

	_, err = cache.Get(context.Background(), "order_lines")
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestCacheDefaultSchema(t *testing.T) {
	cache := NewCache(customersConn(), WithDefaultSchema("sales"))
	_, err := cache.Get(context.Background(), "order_lines")
	assert.NoError(t, err)
}

func TestCacheGetUnknown(t *testing.T) {
	cache := NewCache(customersConn())

	_, err := cache.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTableNotFound)
	assert.Contains(t, err.Error(), "public.nope")

	_, err = cache.Get(context.Background(), " ")
	assert.ErrorIs(t, err, ErrTableNotFound)
	assert.Empty(t, cache.Snapshot())
}

func TestTableWithoutPrimaryKey(t *testing.T) {
	cache := NewCache(customersConn())

	info, err := cache.Get(context.Background(), "audit_log")
	require.NoError(t, err)
	assert.Empty(t, info.PrimaryKey)

	_, err = info.KeyColumns()
	assert.ErrorIs(t, err, ErrNoPrimaryKey)
}

func TestCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	conn := customersConn()
	cache := NewCache(conn)

	assert.False(t, cache.Invalidate("Customers"))

	_, err := cache.Get(ctx, "Customers")
	require.NoError(t, err)
	assert.Len(t, cache.Snapshot(), 1)

	assert.True(t, cache.Invalidate("customers"))
	assert.False(t, cache.Invalidate("customers"))
	assert.Empty(t, cache.Snapshot())

	_, err = cache.Get(ctx, "Customers")
	require.NoError(t, err)
	assert.Equal(t, 2, countTableLookups(conn))
}

func TestCacheConcurrentAccess(t *testing.T) {
	cache := NewCache(customersConn())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%5 == 0 {
				cache.Invalidate("Customers")
				return
			}
			_, err := cache.Get(context.Background(), "Customers")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
}

func TestTableInfoColumn(t *testing.T) {
	info := TableInfo{Columns: []Column{{Name: "name"}, {Name: "Name"}}}

	col, ok := info.Column("Name")
	require.True(t, ok)
	assert.Equal(t, "Name", col.Name)

	col, ok = info.Column("NAME")
	require.True(t, ok)
	assert.Equal(t, "name", col.Name)

	_, ok = info.Column("missing")
	assert.False(t, ok)
}

func TestColumnCastType(t *testing.T) {
	assert.Equal(t, `"int4"`, Column{UDTSchema: "pg_catalog", UDTName: "int4"}.CastType())
	assert.Equal(t, `"public"."mood"`, Column{UDTSchema: "public", UDTName: "mood"}.CastType())
}

func TestCacheServeHTTP(t *testing.T) {
	cache := NewCache(customersConn())
	_, err := cache.Get(context.Background(), "Customers")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	cache.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/odata/$metadata", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]TableInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Customers", body["public.customers"].Name)
}

func TestCacheLoadsFromDatabase(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Pool(ctx, t)

	pgtest.Exec(ctx, t, pool,
		`DROP TABLE IF EXISTS "SchemaProbe"`,
		`CREATE TABLE "SchemaProbe" (tenant int, id int, label text, PRIMARY KEY (tenant, id))`,
	)
	t.Cleanup(func() { pool.Exec(context.Background(), `DROP TABLE IF EXISTS "SchemaProbe"`) })

	cache := NewCache(pool)
	info, err := cache.Get(ctx, "schemaprobe")
	require.NoError(t, err)
	assert.Equal(t, "SchemaProbe", info.Name)
	assert.Equal(t, []string{"tenant", "id"}, info.PrimaryKey)
	require.Len(t, info.Columns, 3)
	assert.Equal(t, "label", info.Columns[2].Name)
	assert.Equal(t, "text", info.Columns[2].UDTName)
}
