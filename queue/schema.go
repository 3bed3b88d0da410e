package queue

// schema is applied statement by statement on open. Timestamps are Unix
// nanoseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS pending_requests (
		id              TEXT PRIMARY KEY,
		fingerprint     TEXT NOT NULL UNIQUE,
		method          TEXT NOT NULL,
		url             TEXT NOT NULL,
		headers         TEXT NOT NULL DEFAULT '{}',
		body            BLOB,
		enqueued_at     INTEGER NOT NULL,
		attempts        INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL,
		revision        INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_next_attempt ON pending_requests(next_attempt_at)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_enqueued ON pending_requests(enqueued_at)`,
	`CREATE TABLE IF NOT EXISTS abandoned_requests (
		id              TEXT PRIMARY KEY,
		fingerprint     TEXT NOT NULL,
		method          TEXT NOT NULL,
		url             TEXT NOT NULL,
		headers         TEXT NOT NULL DEFAULT '{}',
		body            BLOB,
		enqueued_at     INTEGER NOT NULL,
		attempts        INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL,
		revision        INTEGER NOT NULL DEFAULT 0,
		reason          TEXT NOT NULL,
		status_code     INTEGER NOT NULL DEFAULT 0,
		detail          TEXT NOT NULL DEFAULT '',
		abandoned_at    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_abandoned_at ON abandoned_requests(abandoned_at)`,
}

const pendingColumns = `id, fingerprint, method, url, headers, body, enqueued_at, attempts, next_attempt_at, revision`
