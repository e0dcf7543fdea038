// Package postgres opens instrumented pgx connection pools. Every query gets
// an otelpgx span, per-query metrics through a QueryObserver, and a log line
// when it fails or runs slower than the configured threshold.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSlowQuery is the duration above which successful queries are logged.
const DefaultSlowQuery = 250 * time.Millisecond

// PoolOptions tunes NewPool. Zero values keep the pgx defaults.
type PoolOptions struct {
	MaxConns  int32
	SlowQuery time.Duration
}

// NewPool parses databaseURL, installs the tracing chain and verifies
// connectivity before returning.
func NewPool(ctx context.Context, databaseURL string, opts ...PoolOptions) (*pgxpool.Pool, error) {
	var o PoolOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.SlowQuery <= 0 {
		o.SlowQuery = DefaultSlowQuery
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if o.MaxConns > 0 {
		cfg.MaxConns = o.MaxConns
	}
	cfg.ConnConfig.Tracer = newQueryTracer(otelpgx.NewTracer(), o.SlowQuery)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
