package health

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/heymex/MeshyMcMapface/internal/codec"
	"github.com/heymex/MeshyMcMapface/internal/localdb"
	"github.com/heymex/MeshyMcMapface/pkg/delivery"
)

// Store persists health records so backoff and state survive restarts.
type Store interface {
	SaveHealth(ctx context.Context, rec delivery.HealthRecord) error
	LoadHealth(ctx context.Context) (map[string]delivery.HealthRecord, error)
}

// SQLiteStore keeps health records in the agent's local database.
type SQLiteStore struct {
	db *localdb.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore returns a store over db.
func NewSQLiteStore(db *localdb.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// SaveHealth upserts rec.
func (s *SQLiteStore) SaveHealth(ctx context.Context, rec delivery.HealthRecord) error {
	rec.StateName = rec.State.String()
	body, err := codec.Pack(rec)
	if err != nil {
		return err
	}
	return s.db.Do(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO destination_health (destination, state, updated_at, body)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (destination) DO UPDATE SET
				state = excluded.state,
				updated_at = excluded.updated_at,
				body = excluded.body`,
			&sqlitex.ExecOptions{Args: []any{rec.Destination, rec.StateName, time.Now().UnixNano(), body}})
		if err != nil {
			return fmt.Errorf("failed to save health for %s: %w", rec.Destination, err)
		}
		return nil
	})
}

// LoadHealth returns every stored record keyed by destination.
func (s *SQLiteStore) LoadHealth(ctx context.Context) (map[string]delivery.HealthRecord, error) {
	out := make(map[string]delivery.HealthRecord)
	err := s.db.Do(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT destination, body FROM destination_health", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, blob)
				var rec delivery.HealthRecord
				if err := codec.Unpack(blob, &rec); err != nil {
					return fmt.Errorf("failed to decode health for %s: %w", stmt.ColumnText(0), err)
				}
				rec.State = delivery.ParseHealthState(rec.StateName)
				out[stmt.ColumnText(0)] = rec
				return nil
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
