package repository

import (
	"context"
	"testing"

	pg "github.com/edgeflare/odatadb/pkg/pgx"
	"github.com/edgeflare/odatadb/pkg/pgx/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		raw  string
		want []KeyPart
	}{
		{"1", []KeyPart{{Value: "1"}}},
		{" 42 ", []KeyPart{{Value: "42"}}},
		{"'ALFKI'", []KeyPart{{Value: "ALFKI"}}},
		{"'O''Brien'", []KeyPart{{Value: "O'Brien"}}},
		{"'a,b=c'", []KeyPart{{Value: "a,b=c"}}},
		{"Id=7", []KeyPart{{Name: "Id", Value: "7"}}},
		{"2.5", []KeyPart{{Value: "2.5"}}},
		{"OrderId=1, Line='x'", []KeyPart{{Name: "OrderId", Value: "1"}, {Name: "Line", Value: "x"}}},
	}
	for _, tt := range tests {
		got, err := ParseKey(context.Background(), tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}

func TestParseKeyErrors(t *testing.T) {
	for _, raw := range []string{"", "  ", "'open", "=1", "1,2", "a=1,2", "ab'c", "1 or 1", "Id=1 eq 1"} {
		_, err := ParseKey(context.Background(), raw)
		assert.ErrorIs(t, err, ErrInvalidKey, raw)
	}
}

var orderLines = schema.TableInfo{
	Schema:     "sales",
	Name:       "order_lines",
	PrimaryKey: []string{"order_id", "line"},
	Columns: []schema.Column{
		{Name: "order_id", UDTSchema: "pg_catalog", UDTName: "int4", IsPrimaryKey: true},
		{Name: "line", UDTSchema: "pg_catalog", UDTName: "int2", IsPrimaryKey: true},
		{Name: "sku", UDTSchema: "pg_catalog", UDTName: "text"},
	},
}

func TestKeyValues(t *testing.T) {
	ctx := context.Background()
	parts, err := ParseKey(ctx, "LINE=2,order_id=10")
	require.NoError(t, err)

	values, err := keyValues(orderLines, parts)
	require.NoError(t, err)
	assert.Equal(t, []pg.Value{
		{Column: "order_id", Type: `"int4"`, Value: "10"},
		{Column: "line", Type: `"int2"`, Value: "2"},
	}, values)

	single, err := ParseKey(ctx, "10")
	require.NoError(t, err)
	_, err = keyValues(orderLines, single)
	assert.ErrorIs(t, err, ErrInvalidKey)

	partial, err := ParseKey(ctx, "order_id=10")
	require.NoError(t, err)
	_, err = keyValues(orderLines, partial)
	assert.ErrorIs(t, err, ErrInvalidKey)

	wrong, err := ParseKey(ctx, "order_id=10,sku='x'")
	require.NoError(t, err)
	_, err = keyValues(orderLines, wrong)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = keyValues(schema.TableInfo{Name: "log"}, single)
	assert.ErrorIs(t, err, schema.ErrNoPrimaryKey)
}

func TestFormatKey(t *testing.T) {
	single := schema.TableInfo{PrimaryKey: []string{"Id"}}
	assert.Equal(t, "5", FormatKey(single, pg.Row{"Id": int32(5)}))
	assert.Equal(t, "'ALF''KI'", FormatKey(single, pg.Row{"Id": "ALF'KI"}))

	assert.Equal(t, "order_id=10,line=2", FormatKey(orderLines, pg.Row{"order_id": int32(10), "line": int16(2)}))
	assert.Equal(t, "", FormatKey(schema.TableInfo{}, pg.Row{}))
}
