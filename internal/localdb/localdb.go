// Package localdb opens the agent's SQLite database: a small connection
// pool in WAL mode with the agent's schema applied on first use.
package localdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/heymex/MeshyMcMapface/internal/logging"
)

// ErrEmptyPath is returned when no database path is configured
var ErrEmptyPath = errors.New("database path cannot be empty")

// Config for Open.
type Config struct {
	// Path of the database file. ":memory:" is not supported because every
	// pooled connection would see its own database.
	Path     string
	PoolSize int
	Logger   *slog.Logger
}

// DB is a pooled SQLite database.
type DB struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
}

// Open opens (creating if needed) the database and applies the schema.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, ErrEmptyPath
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	logger := logging.OrDiscard(cfg.Logger)

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    cfg.PoolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Path, err)
	}

	db := &DB{pool: pool, path: cfg.Path, logger: logger}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("local database opened", "path", cfg.Path, "pool_size", cfg.PoolSize)
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Do runs fn with a pooled connection.
func (db *DB) Do(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("failed to take connection: %w", err)
	}
	defer db.pool.Put(conn)
	return fn(conn)
}

// Tx runs fn inside an immediate transaction. The transaction commits when
// fn returns nil and rolls back otherwise.
func (db *DB) Tx(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	return db.Do(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer endTransaction(&err)
		return fn(conn)
	})
}

// Close closes every pooled connection.
func (db *DB) Close() error {
	if err := db.pool.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", db.path, err)
	}
	db.logger.Info("local database closed", "path", db.path)
	return nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (db *DB) migrate(ctx context.Context) error {
	return db.Do(ctx, func(conn *sqlite.Conn) error {
		var version int64
		err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				version = stmt.ColumnInt64(0)
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}

		for i := int(version); i < len(migrations); i++ {
			if err := sqlitex.ExecuteScript(conn, migrations[i], nil); err != nil {
				return fmt.Errorf("failed to apply schema version %d: %w", i+1, err)
			}
			if err := sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA user_version = %d", i+1), nil); err != nil {
				return fmt.Errorf("failed to record schema version %d: %w", i+1, err)
			}
			db.logger.Debug("applied local schema", "version", i+1)
		}
		return nil
	})
}
