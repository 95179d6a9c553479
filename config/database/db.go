package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"meetnotes/config"
	"meetnotes/pkg/logger"
)

const (
	pingAttempts = 5
	pingDelay    = 2 * time.Second

	sqlitePragmas = "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
)

// Connect opens the pool for the configured driver and pings it, retrying
// a few times in case of temporary DNS/network blips.
func Connect(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := Open(cfg.DBDriver, dsn(cfg))
	if err != nil {
		return nil, err
	}

	for i := 0; i < pingAttempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			logger.Sugar.Infof("Successfully connected to the %s database", cfg.DBDriver)
			return db, nil
		}
		logger.Sugar.Infof("Database connection failed, retrying in %s... (%v)", pingDelay, err)
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, ctx.Err()
		case <-time.After(pingDelay):
		}
	}
	_ = db.Close()
	return nil, fmt.Errorf("could not connect to database after %d attempts: %w", pingAttempts, err)
}

// Open opens a pool without pinging. SQLite is limited to one connection
// because concurrent writers otherwise fail with SQLITE_BUSY.
func Open(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case config.DriverPostgres:
	case config.DriverSQLite:
		path := dsn
		if i := strings.IndexByte(dsn, '?'); i >= 0 {
			path = dsn[:i]
		} else {
			dsn += sqlitePragmas
		}
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if driver == config.DriverSQLite {
		db.SetMaxOpenConns(1)
		return db, nil
	}

	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)
	return db, nil
}

func dsn(cfg config.Config) string {
	if cfg.DBDriver == config.DriverSQLite {
		return cfg.SQLitePath
	}
	return cfg.DatabaseURL
}
