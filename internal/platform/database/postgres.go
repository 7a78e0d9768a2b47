package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/matheusmosca/checkout-saga/internal/platform/config"
)

const connectAttempts = 30

// DB is the part of *pgxpool.Pool the repositories use.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ DB = (*pgxpool.Pool)(nil)

// NewPool opens a pgx connection pool and waits for the database to answer.
func NewPool(ctx context.Context, cfg config.Database, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	for i := 0; i < connectAttempts; i++ {
		if err := pool.Ping(ctx); err == nil {
			logger.Info("✅ Connected to database with connection pool", zap.String("database", cfg.Name))
			return pool, nil
		}
		logger.Info("⏳ Waiting for database...", zap.Int("attempt", i+1), zap.Int("max_attempts", connectAttempts))
		time.Sleep(1 * time.Second)
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after %d attempts", connectAttempts)
}

// NewSQLDB opens a database/sql handle on the lib/pq driver. The dtm branch
// barrier works on *sql.Tx, so services using it need this handle next to the pool.
func NewSQLDB(ctx context.Context, cfg config.Database, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.KeywordDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	for i := 0; i < connectAttempts; i++ {
		if err := db.PingContext(ctx); err == nil {
			logger.Info("✅ Connected to database (database/sql)", zap.String("database", cfg.Name))
			return db, nil
		}
		logger.Info("⏳ Waiting for database...", zap.Int("attempt", i+1), zap.Int("max_attempts", connectAttempts))
		time.Sleep(1 * time.Second)
	}

	_ = db.Close()
	return nil, fmt.Errorf("failed to connect to database after %d attempts", connectAttempts)
}
