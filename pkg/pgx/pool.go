package pgx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PoolOptions configures Connect.
type PoolOptions struct {
	Config         *pgxpool.Config // Takes precedence over ConnString
	ConnString     string          // Used if Config is nil
	ConnectTimeout time.Duration   // Per attempt, defaults to 5 seconds
	MaxRetries     uint64          // Additional attempts after the first, 0 means no retry
	Logger         *zap.Logger
}

var ErrNoConnString = errors.New("either Config or ConnString must be provided")

// Connect creates a *pgxpool.Pool and pings it, retrying with exponential
// backoff while the database is unreachable.
func Connect(ctx context.Context, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg := opts.Config
	if cfg == nil {
		if opts.ConnString == "" {
			return nil, ErrNoConnString
		}
		var err error
		cfg, err = pgxpool.ParseConfig(opts.ConnString)
		if err != nil {
			return nil, fmt.Errorf("pgx: parse conn string: %w", err)
		}
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var pool *pgxpool.Pool
	attempt := 0
	operation := func() error {
		attempt++
		p, err := createPool(ctx, cfg, timeout)
		if err != nil {
			logger.Warn("database connection attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		pool = p
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), opts.MaxRetries),
		ctx,
	)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, fmt.Errorf("pgx: %w", err)
	}

	logger.Info("connected to database",
		zap.String("host", cfg.ConnConfig.Host),
		zap.String("database", cfg.ConnConfig.Database))
	return pool, nil
}

func createPool(ctx context.Context, cfg *pgxpool.Config, timeout time.Duration) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg.Copy())
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping connection: %w", err)
	}

	return pool, nil
}
