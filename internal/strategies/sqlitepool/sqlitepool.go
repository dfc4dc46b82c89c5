// Package sqlitepool opens a SQLite database and hands out dedicated,
// pragma-configured connections through a bounded pool.
package sqlitepool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"

	"github.com/tributary-ai/query-router/internal/pool"
	"github.com/tributary-ai/query-router/internal/types"
)

const (
	driverName         = "sqlite"
	defaultBusyTimeout = 5000
)

// Handle is an open database plus its connection pool
type Handle struct {
	DB   *sql.DB
	Pool *pool.Pool[*sql.Conn]
}

// Pragmas returns the settings applied to every new connection
func Pragmas(cfg types.StorageConfig) []string {
	synchronous := "NORMAL"
	if cfg.Durability == types.DurabilityWALFull {
		synchronous = "FULL"
	}
	busy := defaultBusyTimeout
	if v, err := strconv.Atoi(cfg.Option("busy_timeout_ms", "")); err == nil && v > 0 {
		busy = v
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = " + synchronous,
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy),
		"PRAGMA foreign_keys = ON",
	}
	if v, err := strconv.Atoi(cfg.Option("cache_size", "")); err == nil {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA cache_size = %d", v))
	}
	return pragmas
}

// OptimizeStatements lists the maintenance work for each level
func OptimizeStatements(level types.OptimizationLevel) []string {
	stmts := []string{"PRAGMA optimize"}
	switch level {
	case types.OptimizeBalanced:
		stmts = append(stmts, "ANALYZE")
	case types.OptimizeAggressive:
		stmts = append(stmts, "ANALYZE", "PRAGMA wal_checkpoint(TRUNCATE)", "VACUUM")
	}
	return stmts
}

// IsBroken reports errors after which a connection must not be reused
func IsBroken(err error) bool {
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone)
}

// Open creates the data directory if needed, opens cfg.Target and verifies
// it with a ping on a pooled connection
func Open(ctx context.Context, name string, cfg types.StorageConfig, logger *logrus.Logger) (*Handle, error) {
	if dir := filepath.Dir(cfg.Target); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open(driverName, cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.PoolSize)
	db.SetMaxIdleConns(cfg.PoolSize)

	pragmas := Pragmas(cfg)
	p, err := pool.New(pool.Options{
		Name:     name,
		Size:     cfg.PoolSize,
		IsBroken: IsBroken,
	}, func(ctx context.Context) (*sql.Conn, error) {
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		for _, pragma := range pragmas {
			if _, err := conn.ExecContext(ctx, pragma); err != nil {
				conn.Close()
				return nil, fmt.Errorf("pragma %q: %w", pragma, err)
			}
		}
		return conn, nil
	}, func(conn *sql.Conn) error {
		return conn.Close()
	}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := p.With(ctx, func(conn *sql.Conn) error { return conn.PingContext(ctx) }); err != nil {
		p.Close()
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Handle{DB: db, Pool: p}, nil
}

// Close closes the pool, then the database
func (h *Handle) Close() error {
	h.Pool.Close()
	if err := h.DB.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
