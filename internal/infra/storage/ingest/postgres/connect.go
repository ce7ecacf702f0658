package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ahrav/hepnos-dataloader/pkg/common/logger"
)

// PoolConfig sizes the connection pool. Each loader rank runs Threads
// workers, so MaxConns should be at least that.
type PoolConfig struct {
	MinConns int32
	MaxConns int32
}

// Connect opens a traced pool on dsn and waits, with exponential backoff up
// to maxElapsed, until the database answers a ping.
func Connect(ctx context.Context, dsn string, pc PoolConfig, log *logger.Logger, maxElapsed time.Duration) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	if pc.MinConns > 0 {
		poolCfg.MinConns = pc.MinConns
	}
	if pc.MaxConns > 0 {
		poolCfg.MaxConns = pc.MaxConns
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed

	attempt := 0
	operation := func() error {
		attempt++
		if err := pool.Ping(ctx); err != nil {
			log.Warn(ctx, "database not reachable yet", "attempt", attempt, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database after %d attempts: %w", attempt, err)
	}
	return pool, nil
}
