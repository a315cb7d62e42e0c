package resilience

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mohammed-shakir/geofilter/internal/core/config"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

// NewPool builds the shared, bounded pool for one PostgreSQL backend.
// Connections are not opened until first use.
func NewPool(ctx context.Context, cfg config.PostgresCfg) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres dsn: %v", model.ErrInput, err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		pc.HealthCheckPeriod = cfg.HealthCheckPeriod
	}
	if cfg.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres pool: %v", model.ErrUnavailable, err)
	}
	return pool, nil
}

// PoolAcquirer takes connections from a pool through a Guard.
type PoolAcquirer struct {
	pool  *pgxpool.Pool
	guard *Guard
}

func NewPoolAcquirer(pool *pgxpool.Pool, guard *Guard) *PoolAcquirer {
	return &PoolAcquirer{pool: pool, guard: guard}
}

func (a *PoolAcquirer) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	var conn *pgxpool.Conn
	err := a.guard.Do(ctx, func(ctx context.Context) error {
		c, err := a.pool.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: acquire connection: %v", model.ErrUnavailable, err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (a *PoolAcquirer) Close() { a.pool.Close() }
