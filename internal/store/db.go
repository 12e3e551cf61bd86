package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

const (
	maxOpenConns    = 20
	maxIdleConns    = 10
	connMaxIdleTime = 5 * time.Minute
	connMaxLifetime = 30 * time.Minute

	pingAttempts = 5
	pingInterval = time.Second
)

// Open builds a database/sql pool on the pgx driver and waits until the
// server answers, which covers a database container that is still starting.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	connCfg, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxIdleTime(connMaxIdleTime)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := waitForDB(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func waitForDB(ctx context.Context, db *sql.DB) error {
	var err error
	for attempt := 1; attempt <= pingAttempts; attempt++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		if attempt == pingAttempts {
			break
		}
		slog.WarnContext(ctx, "database not ready", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("ping db: %w", ctx.Err())
		case <-time.After(pingInterval):
		}
	}
	return fmt.Errorf("ping db after %d attempts: %w", pingAttempts, err)
}
