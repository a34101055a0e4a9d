package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/heymex/MeshyMcMapface/internal/codec"
	"github.com/heymex/MeshyMcMapface/internal/localdb"
	"github.com/heymex/MeshyMcMapface/pkg/delivery"
)

// SQLite is a durable Queue stored in the agent's local database.
// Envelopes survive restarts; leases on in-flight envelopes simply expire.
type SQLite struct {
	db     *localdb.DB
	routes routes
	opts   Options
	logger *slog.Logger
	notify notifier

	mu      sync.Mutex // guards nextSeq and closed
	nextSeq int64
	closed  bool
}

var (
	_ delivery.Queue    = (*SQLite)(nil)
	_ delivery.Notifier = (*SQLite)(nil)
)

// NewSQLite opens a durable queue over db for destinations. Envelopes
// addressed to destinations that are no longer configured stay untouched.
func NewSQLite(ctx context.Context, db *localdb.DB, destinations []delivery.Destination, opts Options) (*SQLite, error) {
	r, err := newRoutes(destinations)
	if err != nil {
		return nil, err
	}
	opts.setDefaults()

	q := &SQLite{
		db:     db,
		routes: r,
		opts:   opts,
		logger: opts.Logger.With("component", "queue"),
		notify: newNotifier(r),
	}

	err = db.Do(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT COALESCE(MAX(seq), 0) FROM envelopes", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				q.nextSeq = stmt.ColumnInt64(0)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read queue sequence: %w", err)
	}
	return q, nil
}

func (q *SQLite) checkOpen() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return delivery.ErrQueueClosed
	}
	return nil
}

func (q *SQLite) seq() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSeq++
	return q.nextSeq
}

// Enqueue persists env before returning.
func (q *SQLite) Enqueue(ctx context.Context, env *delivery.Envelope) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if err := q.checkOpen(); err != nil {
		return err
	}
	if err := prepare(env, q.opts.Clock.Now(), q.routes); err != nil {
		return err
	}
	env.Seq = q.seq()

	err := q.db.Tx(ctx, func(conn *sqlite.Conn) error {
		if err := insertEnvelope(conn, env); err != nil {
			return err
		}
		if err := bump(conn, env.Destination, "enqueued"); err != nil {
			return err
		}
		return q.evict(conn, env.Destination)
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue envelope: %w", err)
	}
	q.notify.signal(env.Destination)
	return nil
}

func insertEnvelope(conn *sqlite.Conn, env *delivery.Envelope) error {
	body, err := codec.Pack(env)
	if err != nil {
		return err
	}
	return sqlitex.Execute(conn, `
		INSERT INTO envelopes (id, destination, seq, attempts, next_attempt_at, enqueued_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			env.ID, env.Destination, env.Seq, env.Attempts,
			unixNano(env.NextAttemptAt), unixNano(env.EnqueuedAt), body,
		}})
}

func updateEnvelope(conn *sqlite.Conn, env *delivery.Envelope) error {
	body, err := codec.Pack(env)
	if err != nil {
		return err
	}
	return sqlitex.Execute(conn, `
		UPDATE envelopes SET destination = ?, attempts = ?, next_attempt_at = ?, body = ?
		WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{env.Destination, env.Attempts, unixNano(env.NextAttemptAt), body, env.ID}})
}

var counterColumns = map[string]bool{
	"enqueued": true, "delivered": true, "requeued": true,
	"dead_lettered_in": true, "dead_lettered_out": true,
	"dropped": true, "evicted": true, "corrupt": true,
}

func bump(conn *sqlite.Conn, destination, column string) error {
	if !counterColumns[column] {
		return fmt.Errorf("unknown queue counter %q", column)
	}
	return sqlitex.Execute(conn, fmt.Sprintf(`
		INSERT INTO queue_counters (destination, %[1]s) VALUES (?, 1)
		ON CONFLICT (destination) DO UPDATE SET %[1]s = %[1]s + 1`, column),
		&sqlitex.ExecOptions{Args: []any{destination}})
}

func (q *SQLite) evict(conn *sqlite.Conn, destination string) error {
	limit := q.routes.byName[destination].MaxQueueDepth
	if limit <= 0 {
		return nil
	}
	depth, err := countWhere(conn, destination)
	if err != nil {
		return err
	}
	for ; depth > limit; depth-- {
		var id string
		err := sqlitex.Execute(conn,
			"SELECT id FROM envelopes WHERE destination = ? ORDER BY seq LIMIT 1",
			&sqlitex.ExecOptions{
				Args: []any{destination},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					id = stmt.ColumnText(0)
					return nil
				},
			})
		if err != nil {
			return err
		}
		if err := deleteEnvelope(conn, id); err != nil {
			return err
		}
		if err := bump(conn, destination, "evicted"); err != nil {
			return err
		}
		q.logger.Warn("queue over depth limit, evicted oldest envelope",
			"destination", destination, "envelope", id, "limit", limit)
	}
	return nil
}

func countWhere(conn *sqlite.Conn, destination string) (int, error) {
	query := "SELECT COUNT(*) FROM envelopes WHERE destination = ?"
	args := []any{destination}
	if destination == "" {
		query = "SELECT COUNT(*) FROM envelopes"
		args = nil
	}
	var n int
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		},
	})
	return n, err
}

func deleteEnvelope(conn *sqlite.Conn, id string) error {
	return sqlitex.Execute(conn, "DELETE FROM envelopes WHERE id = ?", &sqlitex.ExecOptions{Args: []any{id}})
}

// corruptError reports a stored envelope whose body cannot be decoded.
type corruptError struct {
	id  string
	err error
}

func (e *corruptError) Error() string {
	return fmt.Sprintf("failed to decode envelope %s: %v", e.id, e.err)
}

func (e *corruptError) Unwrap() error { return e.err }

func loadEnvelope(conn *sqlite.Conn, query string, args ...any) (*delivery.Envelope, error) {
	var env *delivery.Envelope
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob := make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, blob)
			var decoded delivery.Envelope
			if err := codec.Unpack(blob, &decoded); err != nil {
				return &corruptError{id: stmt.ColumnText(0), err: err}
			}
			env = &decoded
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// quarantine moves an undecodable row out of the queue so the envelopes
// behind it stay deliverable.
func (q *SQLite) quarantine(conn *sqlite.Conn, destination string, bad *corruptError, now time.Time) error {
	err := sqlitex.Execute(conn, `
		INSERT OR REPLACE INTO corrupt_envelopes (id, destination, found_at, body)
		SELECT id, destination, ?, body FROM envelopes WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{unixNano(now), bad.id}})
	if err != nil {
		return err
	}
	if err := deleteEnvelope(conn, bad.id); err != nil {
		return err
	}
	q.logger.Error("moved undecodable envelope aside",
		"destination", destination,
		"envelope", bad.id,
		"error", bad.err,
	)
	return bump(conn, destination, "corrupt")
}

// NextReady leases the earliest eligible envelope.
func (q *SQLite) NextReady(ctx context.Context, now time.Time, destination string) (*delivery.Envelope, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	names, err := q.routes.scan(destination)
	if err != nil {
		return nil, err
	}

	var leased *delivery.Envelope
	err = q.db.Tx(ctx, func(conn *sqlite.Conn) error {
		for i := 0; i < len(names); i++ {
			name := names[i]
			env, err := loadEnvelope(conn, `
				SELECT id, body FROM envelopes
				WHERE destination = ? AND next_attempt_at <= ?
				ORDER BY seq LIMIT 1`, name, unixNano(now))
			var bad *corruptError
			if errors.As(err, &bad) {
				if err := q.quarantine(conn, name, bad, now); err != nil {
					return err
				}
				i-- // same destination again
				continue
			}
			if err != nil {
				return err
			}
			if env == nil {
				continue
			}
			env.NextAttemptAt = now.Add(q.opts.Lease)
			if err := updateEnvelope(conn, env); err != nil {
				return err
			}
			leased = env
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to lease envelope: %w", err)
	}
	if leased == nil {
		return nil, delivery.ErrNoReady
	}
	return leased, nil
}

// Ack removes a delivered envelope.
func (q *SQLite) Ack(ctx context.Context, id string) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	return q.db.Tx(ctx, func(conn *sqlite.Conn) error {
		env, err := loadEnvelope(conn, "SELECT id, body FROM envelopes WHERE id = ?", id)
		if err != nil {
			return err
		}
		if env == nil {
			return delivery.ErrEnvelopeNotFound
		}
		if err := deleteEnvelope(conn, id); err != nil {
			return err
		}
		return bump(conn, env.Destination, "delivered")
	})
}

// Nack records a failed attempt and requeues, dead-letters or drops.
func (q *SQLite) Nack(ctx context.Context, id string, res delivery.Result, retryAt time.Time) (delivery.NackOutcome, error) {
	if err := q.checkOpen(); err != nil {
		return delivery.NackOutcome{}, err
	}

	var (
		d   decision
		env *delivery.Envelope
	)
	err := q.db.Tx(ctx, func(conn *sqlite.Conn) error {
		var err error
		env, err = loadEnvelope(conn, "SELECT id, body FROM envelopes WHERE id = ?", id)
		if err != nil {
			return err
		}
		if env == nil {
			return delivery.ErrEnvelopeNotFound
		}
		if _, err := q.routes.get(env.Destination); err != nil {
			return err
		}

		d = decide(env, res, retryAt, q.routes)
		switch d.outcome.Action {
		case delivery.Requeued:
			if err := updateEnvelope(conn, env); err != nil {
				return err
			}
			return bump(conn, d.from, "requeued")
		case delivery.DeadLettered:
			if err := updateEnvelope(conn, env); err != nil {
				return err
			}
			if err := bump(conn, d.from, "dead_lettered_out"); err != nil {
				return err
			}
			if err := bump(conn, d.outcome.Target, "dead_lettered_in"); err != nil {
				return err
			}
			return q.evict(conn, d.outcome.Target)
		default:
			if err := deleteEnvelope(conn, id); err != nil {
				return err
			}
			return bump(conn, d.from, "dropped")
		}
	})
	if err != nil {
		if errors.Is(err, delivery.ErrEnvelopeNotFound) {
			return delivery.NackOutcome{}, err
		}
		return delivery.NackOutcome{}, fmt.Errorf("failed to nack envelope: %w", err)
	}

	logNack(q.logger, env, d, res)
	if d.outcome.Action == delivery.DeadLettered {
		q.notify.signal(d.outcome.Target)
	}
	return d.outcome, nil
}

// Depth counts queued envelopes for destination, or all when empty.
func (q *SQLite) Depth(ctx context.Context, destination string) (int, error) {
	if destination != "" {
		if _, err := q.routes.get(destination); err != nil {
			return 0, err
		}
	}
	var n int
	err := q.db.Do(ctx, func(conn *sqlite.Conn) error {
		var err error
		n, err = countWhere(conn, destination)
		return err
	})
	return n, err
}

// Stats returns counters for every destination in priority order.
func (q *SQLite) Stats(ctx context.Context) ([]delivery.QueueStats, error) {
	now := unixNano(q.opts.Clock.Now())
	byName := make(map[string]*delivery.QueueStats, len(q.routes.ordered))
	for _, d := range q.routes.ordered {
		byName[d.Name] = &delivery.QueueStats{Destination: d.Name}
	}

	err := q.db.Do(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			SELECT destination, enqueued, delivered, requeued, dead_lettered_in,
			       dead_lettered_out, dropped, evicted, corrupt
			FROM queue_counters`,
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				s, ok := byName[stmt.ColumnText(0)]
				if !ok {
					return nil
				}
				s.Enqueued = stmt.ColumnInt64(1)
				s.Delivered = stmt.ColumnInt64(2)
				s.Requeued = stmt.ColumnInt64(3)
				s.DeadLetteredIn = stmt.ColumnInt64(4)
				s.DeadLetteredOut = stmt.ColumnInt64(5)
				s.Dropped = stmt.ColumnInt64(6)
				s.Evicted = stmt.ColumnInt64(7)
				s.Corrupt = stmt.ColumnInt64(8)
				return nil
			}})
		if err != nil {
			return err
		}
		return sqlitex.Execute(conn, `
			SELECT destination, COUNT(*), SUM(CASE WHEN next_attempt_at <= ? THEN 1 ELSE 0 END)
			FROM envelopes GROUP BY destination`,
			&sqlitex.ExecOptions{
				Args: []any{now},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					s, ok := byName[stmt.ColumnText(0)]
					if !ok {
						return nil
					}
					s.Depth = stmt.ColumnInt(1)
					s.Ready = stmt.ColumnInt(2)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	out := make([]delivery.QueueStats, 0, len(byName))
	for _, d := range q.routes.ordered {
		out = append(out, *byName[d.Name])
	}
	return out, nil
}

// Notify returns a channel signalled when destination gains work.
func (q *SQLite) Notify(destination string) <-chan struct{} {
	return q.notify.Notify(destination)
}

// Close stops accepting operations. The database is owned by the caller.
func (q *SQLite) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
