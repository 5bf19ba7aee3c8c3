package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/IliaW/resource-scanner/config"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Open connects to the configured database, pings it with growing pauses and creates the schema.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, Dialect, error) {
	slog.Info("connecting to the database...", slog.String("driver", cfg.Driver))
	dialect := Dialect(cfg.Driver)

	var database *sql.DB
	var err error
	switch dialect {
	case Postgres:
		connStr := fmt.Sprintf("user=%s password=%s host=%s port=%s dbname=%s sslmode=disable",
			cfg.User,
			cfg.Password,
			cfg.Host,
			cfg.Port,
			cfg.Name,
		)
		database, err = sql.Open("postgres", connStr)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		database.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		database.SetMaxOpenConns(cfg.MaxOpenConns)
		database.SetMaxIdleConns(cfg.MaxIdleConns)
	case SQLite:
		database, err = openSQLite(cfg.SqlitePath)
		if err != nil {
			return nil, "", err
		}
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if err = ping(ctx, database, cfg.PingAttempts); err != nil {
		_ = database.Close()
		return nil, "", err
	}
	if err = Migrate(ctx, database, dialect); err != nil {
		_ = database.Close()
		return nil, "", fmt.Errorf("failed to create tables: %w", err)
	}
	slog.Info("connected to the database!")

	return database, dialect, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dsn := path + "?mode=rwc&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	database, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	// sqlite has a single writer
	database.SetMaxOpenConns(1)
	database.SetMaxIdleConns(1)
	database.SetConnMaxLifetime(time.Hour)
	if _, err = database.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	return database, nil
}

func ping(ctx context.Context, database *sql.DB, maxRetry int) error {
	if maxRetry < 1 {
		maxRetry = 1
	}
	for i := 1; i <= maxRetry; i++ {
		slog.Info("ping the database.", slog.String("attempt", fmt.Sprintf("%d/%d", i, maxRetry)))
		pingErr := database.PingContext(ctx)
		if pingErr == nil {
			return nil
		}
		slog.Error("not responding.", slog.String("err", pingErr.Error()))
		if i == maxRetry {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, pingErr)
		}
		wait := time.Duration(5*i) * time.Second
		slog.Info(fmt.Sprintf("wait %d seconds", 5*i))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func Close(database *sql.DB) {
	slog.Info("closing database connection.")
	if err := database.Close(); err != nil {
		slog.Error("failed to close database connection.", slog.String("err", err.Error()))
	}
}

// rebind turns $N placeholders into the ?N form sqlite understands.
func (d Dialect) rebind(query string) string {
	if d != SQLite {
		return query
	}
	return strings.ReplaceAll(query, "$", "?")
}
