package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"erp-sync-service/internal/config"
	"erp-sync-service/internal/logger"
)

// pingAttempts bounds how long startup waits for a database that is still
// coming up.
const pingAttempts = 30

type Database struct {
	DB     *sql.DB
	Config config.DatabaseConnection
}

// NewDatabase opens a MySQL pool and waits until it answers.
func NewDatabase(ctx context.Context, cfg config.DatabaseConnection) (*Database, error) {
	db, err := Open(ctx, "mysql", cfg.DSN())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	logger.Log.Info("Connected to database",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)

	return &Database{
		DB:     db,
		Config: cfg,
	}, nil
}

// Wrap adapts an already open pool.
func Wrap(db *sql.DB) *Database {
	return &Database{DB: db}
}

// Open opens driver/dsn and pings it with a constant one second backoff.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", driver, err)
	}

	attempt := 0
	ping := func() error {
		attempt++
		err := db.PingContext(ctx)
		if err != nil {
			logger.Log.Info("Waiting for database...", zap.String("driver", driver), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), pingAttempts-1), ctx)
	if err := backoff.Retry(ping, policy); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s after %d attempts: %w", driver, attempt, err)
	}
	return db, nil
}

func (d *Database) Close() error {
	return d.DB.Close()
}

// ExecTx executes a function within a transaction
func (d *Database) ExecTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %w, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
