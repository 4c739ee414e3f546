package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/MLidstrom/castellan/internal/infrastructure/config"
)

// Pool wraps the pgx connection pool and exposes a database/sql view for
// the repositories.
type Pool struct {
	pgx    *pgxpool.Pool
	db     *sql.DB
	logger *zap.Logger
}

// Connect opens and health-checks the PostgreSQL pool.
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolCfg.HealthCheckPeriod = time.Minute
	poolCfg.ConnConfig.ConnectTimeout = 5 * time.Second
	poolCfg.ConnConfig.RuntimeParams = map[string]string{
		"application_name": "castellan",
		"timezone":         "UTC",
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("database pool initialized",
		zap.Int32("max_conns", poolCfg.MaxConns))

	return &Pool{
		pgx:    pool,
		db:     stdlib.OpenDBFromPool(pool),
		logger: logger,
	}, nil
}

// DB returns the database/sql view of the pool.
func (p *Pool) DB() *sql.DB {
	return p.db
}

// Ping health-checks the pool.
func (p *Pool) Ping(ctx context.Context) error {
	return p.pgx.Ping(ctx)
}

func (p *Pool) Close() {
	_ = p.db.Close()
	p.pgx.Close()
	p.logger.Info("database pool closed")
}
