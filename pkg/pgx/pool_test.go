package pgx

import (
	"context"
	"testing"
	"time"

	"github.com/edgeflare/odatadb/internal/testutil/pgtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectOptions(t *testing.T) {
	ctx := context.Background()

	_, err := Connect(ctx, PoolOptions{})
	assert.ErrorIs(t, err, ErrNoConnString)

	_, err = Connect(ctx, PoolOptions{ConnString: "postgres://localhost:notaport/db"})
	assert.ErrorContains(t, err, "parse conn string")
}

func TestConnectUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err := Connect(ctx, PoolOptions{
		ConnString:     "postgres://postgres@127.0.0.1:1/postgres?sslmode=disable",
		ConnectTimeout: 500 * time.Millisecond,
		MaxRetries:     1,
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestConnectStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Connect(ctx, PoolOptions{
		ConnString: "postgres://postgres@127.0.0.1:1/postgres?sslmode=disable",
		MaxRetries: 100,
	})
	assert.Error(t, err)
}

func TestConnect(t *testing.T) {
	ctx := context.Background()
	pool, err := Connect(ctx, PoolOptions{ConnString: pgtest.ConnString(t)})
	require.NoError(t, err)
	defer pool.Close()

	assert.NoError(t, pool.Ping(ctx))

	rows, err := QueryRows(ctx, pool, "SELECT 1 AS one")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 1, rows[0]["one"])
}
