package localdb

// migrations are applied in order; PRAGMA user_version records progress.
// Times are unix nanoseconds.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS envelopes (
	id              TEXT PRIMARY KEY,
	destination     TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	enqueued_at     INTEGER NOT NULL,
	body            BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS envelopes_by_destination ON envelopes (destination, seq);
CREATE INDEX IF NOT EXISTS envelopes_ready ON envelopes (destination, next_attempt_at);

CREATE TABLE IF NOT EXISTS queue_counters (
	destination       TEXT PRIMARY KEY,
	enqueued          INTEGER NOT NULL DEFAULT 0,
	delivered         INTEGER NOT NULL DEFAULT 0,
	requeued          INTEGER NOT NULL DEFAULT 0,
	dead_lettered_in  INTEGER NOT NULL DEFAULT 0,
	dead_lettered_out INTEGER NOT NULL DEFAULT 0,
	dropped           INTEGER NOT NULL DEFAULT 0,
	evicted           INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS destination_health (
	destination TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	updated_at  INTEGER NOT NULL,
	body        BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS route_cache (
	target     TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL,
	body       BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_discoveries (
	id        TEXT PRIMARY KEY,
	target    TEXT NOT NULL,
	issued_at INTEGER NOT NULL,
	body      BLOB NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS corrupt_envelopes (
	id          TEXT PRIMARY KEY,
	destination TEXT NOT NULL,
	found_at    INTEGER NOT NULL,
	body        BLOB NOT NULL
);
ALTER TABLE queue_counters ADD COLUMN corrupt INTEGER NOT NULL DEFAULT 0;
`,
}
