// Package database owns the Durable Store connection: a pgx connection
// pool wrapped by sqlx for ergonomic scans, goose-driven migrations
// applied at boot in lexicographic filename order, and a gobreaker
// circuit breaker around every round trip so a flaky Postgres degrades
// into TransientStore errors instead of hanging callers.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	apperrors "github.com/nimbusforge/gpucp/internal/errors"
)

// ErrNoRows is returned by Do when fn's query found nothing — a normal
// outcome for lookups, never a transient store failure, so callers can
// distinguish it from every other error Do returns.
var ErrNoRows = sql.ErrNoRows

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config describes how to reach and pool connections to Postgres.
type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		DSN:             "host=localhost port=5432 user=gpucp dbname=gpucp sslmode=disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

func (c *Config) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("max open connections must be greater than 0")
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("max idle connections must be non-negative")
	}
	return nil
}

// DB wraps a sqlx handle with a circuit breaker so call sites get a
// TransientStore AppError instead of a raw driver error once Postgres is
// unhealthy enough to trip the breaker.
type DB struct {
	*sqlx.DB
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// Connect opens the pool, runs pending migrations, and verifies
// connectivity with a ping.
func Connect(ctx context.Context, cfg *Config, log *zap.Logger) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	sqlDB, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, apperrors.NewTransientStoreError("open", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, apperrors.NewTransientStoreError("ping", err)
	}

	if err := migrate(sqlDB, log); err != nil {
		return nil, err
	}

	return &DB{
		DB:      sqlx.NewDb(sqlDB, "pgx"),
		breaker: newBreaker(),
		log:     log,
	}, nil
}

func newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "postgres",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
}

// NewForTesting wraps an already-open *sqlx.DB (typically backed by
// go-sqlmock) without touching migrations or connectivity — used by
// repository unit tests across pkg/.
func NewForTesting(sqlxDB *sqlx.DB, log *zap.Logger) *DB {
	return &DB{DB: sqlxDB, breaker: newBreaker(), log: log}
}

func migrate(sqlDB *sql.DB, log *zap.Logger) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		return apperrors.NewTransientStoreError("migrate", err)
	}
	log.Info("schema migrations applied")
	return nil
}

// Do runs fn through the circuit breaker, translating a tripped breaker or
// a returned error into a TransientStore AppError.
func (db *DB) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	noRows := false
	_, err := db.breaker.Execute(func() (interface{}, error) {
		fnErr := fn(ctx)
		if errors.Is(fnErr, ErrNoRows) {
			// A missing row is a normal query outcome, not a store
			// fault — don't let it count toward tripping the breaker.
			noRows = true
			return nil, nil
		}
		return nil, fnErr
	})
	if noRows {
		return ErrNoRows
	}
	if err != nil {
		return apperrors.NewTransientStoreError(operation, err)
	}
	return nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}
