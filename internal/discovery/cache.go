package discovery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/heymex/MeshyMcMapface/internal/codec"
	"github.com/heymex/MeshyMcMapface/internal/localdb"
	"github.com/heymex/MeshyMcMapface/pkg/discovery"
)

// MemoryCache is a non-durable Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]discovery.CacheEntry
	pending map[string]discovery.Request
}

var _ discovery.Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an empty in-memory cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]discovery.CacheEntry),
		pending: make(map[string]discovery.Request),
	}
}

func (c *MemoryCache) Get(ctx context.Context, target string) (discovery.CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[target]
	return e, ok, nil
}

func (c *MemoryCache) Put(ctx context.Context, entry discovery.CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Target] = entry
	return nil
}

func (c *MemoryCache) Entries(ctx context.Context) ([]discovery.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]discovery.CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out, nil
}

func (c *MemoryCache) SavePending(ctx context.Context, req discovery.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[req.ID] = req
	return nil
}

func (c *MemoryCache) DeletePending(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
	return nil
}

func (c *MemoryCache) Pending(ctx context.Context) ([]discovery.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]discovery.Request, 0, len(c.pending))
	for _, r := range c.pending {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

func (c *MemoryCache) Close() error { return nil }

// SQLiteCache keeps cache entries and pending requests in the agent's
// local database so they survive restarts.
type SQLiteCache struct {
	db *localdb.DB
}

var _ discovery.Cache = (*SQLiteCache)(nil)

// NewSQLiteCache returns a cache over db. Close does not close db.
func NewSQLiteCache(db *localdb.DB) *SQLiteCache {
	return &SQLiteCache{db: db}
}

func (c *SQLiteCache) Get(ctx context.Context, target string) (discovery.CacheEntry, bool, error) {
	var (
		entry discovery.CacheEntry
		found bool
	)
	err := c.db.Do(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT body FROM route_cache WHERE target = ?", &sqlitex.ExecOptions{
			Args: []any{target},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return unpackColumn(stmt, 0, &entry)
			},
		})
	})
	if err != nil {
		return discovery.CacheEntry{}, false, fmt.Errorf("route cache get %s: %w", target, err)
	}
	return entry, found, nil
}

func (c *SQLiteCache) Put(ctx context.Context, entry discovery.CacheEntry) error {
	body, err := codec.Pack(entry)
	if err != nil {
		return err
	}
	return c.db.Do(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO route_cache (target, expires_at, body) VALUES (?, ?, ?)
			ON CONFLICT (target) DO UPDATE SET
				expires_at = excluded.expires_at,
				body = excluded.body`,
			&sqlitex.ExecOptions{Args: []any{entry.Target, entry.ExpiresAt.UnixNano(), body}})
		if err != nil {
			return fmt.Errorf("route cache put %s: %w", entry.Target, err)
		}
		return nil
	})
}

func (c *SQLiteCache) Entries(ctx context.Context) ([]discovery.CacheEntry, error) {
	var out []discovery.CacheEntry
	err := c.db.Do(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT body FROM route_cache ORDER BY target", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var e discovery.CacheEntry
				if err := unpackColumn(stmt, 0, &e); err != nil {
					return err
				}
				out = append(out, e)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("route cache entries: %w", err)
	}
	return out, nil
}

func (c *SQLiteCache) SavePending(ctx context.Context, req discovery.Request) error {
	body, err := codec.Pack(req)
	if err != nil {
		return err
	}
	return c.db.Do(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			"INSERT OR REPLACE INTO pending_discoveries (id, target, issued_at, body) VALUES (?, ?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{req.ID, req.Target, req.IssuedAt.UnixNano(), body}})
		if err != nil {
			return fmt.Errorf("save pending %s: %w", req.ID, err)
		}
		return nil
	})
}

func (c *SQLiteCache) DeletePending(ctx context.Context, id string) error {
	return c.db.Do(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM pending_discoveries WHERE id = ?", &sqlitex.ExecOptions{Args: []any{id}})
	})
}

func (c *SQLiteCache) Pending(ctx context.Context) ([]discovery.Request, error) {
	var out []discovery.Request
	err := c.db.Do(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT body FROM pending_discoveries ORDER BY issued_at", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var r discovery.Request
				if err := unpackColumn(stmt, 0, &r); err != nil {
					return err
				}
				out = append(out, r)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	return out, nil
}

// Close is a no-op; the database belongs to the caller.
func (c *SQLiteCache) Close() error { return nil }

func unpackColumn(stmt *sqlite.Stmt, col int, v any) error {
	blob := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, blob)
	return codec.Unpack(blob, v)
}
