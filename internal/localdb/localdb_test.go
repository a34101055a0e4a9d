package localdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "agent.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func countRows(t *testing.T, db *DB, table string) int {
	t.Helper()
	var n int
	err := db.Do(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT COUNT(*) FROM "+table, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	require.NoError(t, err)
	return n
}

func TestOpen(t *testing.T) {
	t.Run("empty_path", func(t *testing.T) {
		_, err := Open(context.Background(), Config{})
		assert.ErrorIs(t, err, ErrEmptyPath)
	})

	t.Run("schema_applied", func(t *testing.T) {
		db := openTemp(t)
		for _, table := range []string{"envelopes", "queue_counters", "destination_health", "route_cache", "pending_discoveries"} {
			assert.Equal(t, 0, countRows(t, db, table), table)
		}
	})

	t.Run("reopen_is_idempotent", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agent.db")
		db, err := Open(context.Background(), Config{Path: path})
		require.NoError(t, err)
		require.NoError(t, db.Close())

		db, err = Open(context.Background(), Config{Path: path})
		require.NoError(t, err)
		require.NoError(t, db.Close())
	})
}

func TestTx(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()

	insert := func(conn *sqlite.Conn, target string) error {
		return sqlitex.Execute(conn, "INSERT INTO route_cache (target, expires_at, body) VALUES (?, 0, x'00')",
			&sqlitex.ExecOptions{Args: []any{target}})
	}

	require.NoError(t, db.Tx(ctx, func(conn *sqlite.Conn) error { return insert(conn, "!a") }))

	boom := errors.New("boom")
	err := db.Tx(ctx, func(conn *sqlite.Conn) error {
		if err := insert(conn, "!b"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, countRows(t, db, "route_cache"), "failed transaction must roll back")
}
