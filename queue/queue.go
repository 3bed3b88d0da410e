// Package queue is the durable store of mutating requests that could not be
// delivered. Entries live in a SQLite database in WAL mode and every
// mutation is committed before the call returns, so a crash loses nothing
// that was acknowledged.
//
// There is at most one entry per request fingerprint. A second request with
// the same fingerprint is coalesced into the existing entry, keeping the
// newest payload.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/huykn/offline-cache/cache"
	"github.com/huykn/offline-cache/types"
)

var (
	// ErrQueueClosed is returned when operations are performed on a closed queue.
	ErrQueueClosed = errors.New("queue is closed")

	// ErrInvalidRequest is returned when a request cannot be queued.
	ErrInvalidRequest = errors.New("invalid pending request")
)

// Outcome classifies one delivery attempt.
type Outcome int

const (
	// Delivered means the server accepted the request.
	Delivered Outcome = iota
	// Retryable means the attempt failed in a way that may succeed later.
	Retryable
	// Rejected means the server refused the request for good.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Retryable:
		return "retryable"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Attempt is the result of one delivery attempt.
type Attempt struct {
	Outcome    Outcome
	StatusCode int
	Err        error
}

// Disposition is what MarkAttempt did with the entry.
type Disposition int

const (
	// Removed means the entry was delivered and deleted.
	Removed Disposition = iota
	// Rescheduled means the entry stays queued with a later due time.
	Rescheduled
	// Abandoned means the entry moved to the abandoned log.
	Abandoned
	// Superseded means a newer payload was coalesced during the attempt;
	// the newer payload stays queued and is due immediately.
	Superseded
	// Gone means the entry no longer exists.
	Gone
)

func (d Disposition) String() string {
	return [...]string{"removed", "rescheduled", "abandoned", "superseded", "gone"}[d]
}

// Queue is the durable pending-request queue.
type Queue struct {
	db      *sql.DB
	path    string
	options Options
	logger  cache.Logger
	now     func() time.Time

	// mu serializes writers within the process; SQLite's busy timeout
	// covers other processes sharing the file.
	mu     sync.Mutex
	closed int32
}

// Open opens (creating if needed) the queue database at opts.Path.
func Open(opts Options) (*Queue, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
	}

	// Pragmas are per connection, so they go in the DSN.
	dsn := "file:" + opts.Path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(wal)" +
		"&_pragma=synchronous(full)" +
		"&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping queue database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
		}
	}

	q := &Queue{
		db:      db,
		path:    opts.Path,
		options: opts,
		logger:  opts.Logger,
		now:     now,
	}
	if opts.DebugMode {
		q.logger.Debug("Queue opened", "path", opts.Path)
	}
	return q, nil
}

// Path returns the database file path.
func (q *Queue) Path() string {
	return q.path
}

// Enqueue durably stores req. A request whose fingerprint is already queued
// replaces the queued payload and reports coalesced=true; the entry keeps
// its id, position and attempt count. An existing entry older than
// EntryTTL is abandoned as expired and req is queued fresh.
func (q *Queue) Enqueue(ctx context.Context, req types.PendingRequest) (types.PendingRequest, bool, error) {
	if atomic.LoadInt32(&q.closed) != 0 {
		return types.PendingRequest{}, false, ErrQueueClosed
	}
	if req.Method == "" || req.URL == "" {
		return types.PendingRequest{}, false, ErrInvalidRequest
	}
	if req.Fingerprint == "" {
		fp, err := types.NewFingerprint(req.Method, req.URL, req.Body)
		if err != nil {
			return types.PendingRequest{}, false, errors.Join(ErrInvalidRequest, err)
		}
		req.Fingerprint = fp
	}
	headers, err := encodeHeaders(req.Headers)
	if err != nil {
		return types.PendingRequest{}, false, errors.Join(ErrInvalidRequest, err)
	}

	q.mu.Lock()
	now := q.now()
	var (
		result    types.PendingRequest
		coalesced bool
		expired   *types.AbandonedRequest
	)
	err = q.withTx(ctx, "enqueue", func(tx *sql.Tx) error {
		existing, err := scanPending(tx.QueryRowContext(ctx,
			`SELECT `+pendingColumns+` FROM pending_requests WHERE fingerprint = ?`, req.Fingerprint.String()))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case q.options.EntryTTL > 0 && now.Sub(existing.EnqueuedAt) > q.options.EntryTTL:
			ab := types.AbandonedRequest{
				PendingRequest: existing,
				Reason:         types.ReasonExpired,
				Detail:         "superseded after entry TTL",
				AbandonedAt:    now,
			}
			if err := moveToAbandoned(ctx, tx, ab); err != nil {
				return err
			}
			expired = &ab
		default:
			existing.Headers = req.Headers
			existing.Body = req.Body
			existing.Revision++
			if _, err := tx.ExecContext(ctx,
				`UPDATE pending_requests SET headers = ?, body = ?, revision = ? WHERE id = ?`,
				headers, nullableBlob(req.Body), existing.Revision, existing.ID); err != nil {
				return err
			}
			result, coalesced = existing, true
			return nil
		}

		result = types.PendingRequest{
			ID:            uuid.NewString(),
			Fingerprint:   req.Fingerprint,
			Method:        req.Method,
			URL:           req.URL,
			Headers:       req.Headers,
			Body:          req.Body,
			EnqueuedAt:    now,
			NextAttemptAt: now,
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO pending_requests (`+pendingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, 0)`,
			result.ID, result.Fingerprint.String(), result.Method, result.URL, headers,
			nullableBlob(result.Body), result.EnqueuedAt.UnixNano(), result.NextAttemptAt.UnixNano())
		return err
	})
	q.mu.Unlock()
	if err != nil {
		return types.PendingRequest{}, false, err
	}

	if expired != nil {
		q.logger.Warn("Enqueue: expired entry abandoned", "id", expired.ID, "fingerprint", expired.Fingerprint)
		q.emitAbandon(*expired)
	}
	if coalesced {
		q.logger.Info("Enqueue: duplicate request coalesced", "id", result.ID, "fingerprint", result.Fingerprint, "revision", result.Revision)
	} else if q.options.DebugMode {
		q.logger.Debug("Enqueue: request queued", "id", result.ID, "method", result.Method, "url", result.URL)
	}
	return result, coalesced, nil
}

// ListDue returns the entries due at or before now, oldest first.
func (q *Queue) ListDue(ctx context.Context, now time.Time) ([]types.PendingRequest, error) {
	return q.query(ctx, `SELECT `+pendingColumns+` FROM pending_requests
		WHERE next_attempt_at <= ? ORDER BY enqueued_at, rowid`, now.UnixNano())
}

// List returns every queued entry, oldest first.
func (q *Queue) List(ctx context.Context) ([]types.PendingRequest, error) {
	return q.query(ctx, `SELECT `+pendingColumns+` FROM pending_requests ORDER BY enqueued_at, rowid`)
}

// Get returns the entry with the given id.
func (q *Queue) Get(ctx context.Context, id string) (types.PendingRequest, error) {
	if atomic.LoadInt32(&q.closed) != 0 {
		return types.PendingRequest{}, ErrQueueClosed
	}
	req, err := scanPending(q.db.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.PendingRequest{}, types.ErrNotFound
	}
	if err != nil {
		return types.PendingRequest{}, types.NewError(types.KindStorageFailure, "queue.get", err)
	}
	return req, nil
}

// Len returns the number of queued entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	if atomic.LoadInt32(&q.closed) != 0 {
		return 0, ErrQueueClosed
	}
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_requests`).Scan(&n); err != nil {
		return 0, types.NewError(types.KindStorageFailure, "queue.len", err)
	}
	return n, nil
}

// MarkAttempt records the result of delivering req. req must be the
// snapshot returned by ListDue; if the entry was coalesced since then, the
// newer payload is kept.
func (q *Queue) MarkAttempt(ctx context.Context, req types.PendingRequest, attempt Attempt) (Disposition, error) {
	if atomic.LoadInt32(&q.closed) != 0 {
		return Gone, ErrQueueClosed
	}

	q.mu.Lock()
	now := q.now()
	var (
		disposition Disposition
		abandoned   *types.AbandonedRequest
	)
	err := q.withTx(ctx, "mark_attempt", func(tx *sql.Tx) error {
		current, err := scanPending(tx.QueryRowContext(ctx,
			`SELECT `+pendingColumns+` FROM pending_requests WHERE id = ?`, req.ID))
		if errors.Is(err, sql.ErrNoRows) {
			disposition = Gone
			return nil
		}
		if err != nil {
			return err
		}

		if current.Revision != req.Revision {
			disposition = Superseded
			_, err := tx.ExecContext(ctx,
				`UPDATE pending_requests SET attempts = 0, next_attempt_at = ? WHERE id = ?`,
				now.UnixNano(), current.ID)
			return err
		}

		switch attempt.Outcome {
		case Delivered:
			disposition = Removed
			_, err := tx.ExecContext(ctx, `DELETE FROM pending_requests WHERE id = ?`, current.ID)
			return err

		case Rejected:
			disposition = Abandoned
			ab := types.AbandonedRequest{
				PendingRequest: current,
				Reason:         types.ReasonRejected,
				StatusCode:     attempt.StatusCode,
				Detail:         errDetail(attempt.Err),
				AbandonedAt:    now,
			}
			abandoned = &ab
			return moveToAbandoned(ctx, tx, ab)

		default:
			decision := q.options.Policy.ComputeNextAttempt(current.Attempts)
			if decision.GiveUp {
				disposition = Abandoned
				current.Attempts++
				ab := types.AbandonedRequest{
					PendingRequest: current,
					Reason:         types.ReasonExhausted,
					StatusCode:     attempt.StatusCode,
					Detail:         errDetail(attempt.Err),
					AbandonedAt:    now,
				}
				abandoned = &ab
				return moveToAbandoned(ctx, tx, ab)
			}
			disposition = Rescheduled
			next := now.Add(decision.Delay)
			_, err := tx.ExecContext(ctx,
				`UPDATE pending_requests SET attempts = attempts + 1, next_attempt_at = ? WHERE id = ?`,
				next.UnixNano(), current.ID)
			if err == nil && q.options.DebugMode {
				q.logger.Debug("MarkAttempt: rescheduled", "id", current.ID, "attempts", current.Attempts+1, "delay", decision.Delay)
			}
			return err
		}
	})
	q.mu.Unlock()
	if err != nil {
		return Gone, err
	}

	if abandoned != nil {
		q.logger.Warn("MarkAttempt: request abandoned", "id", abandoned.ID, "reason", abandoned.Reason, "status", abandoned.StatusCode)
		q.emitAbandon(*abandoned)
	}
	if disposition == Superseded {
		q.logger.Info("MarkAttempt: newer payload kept", "id", req.ID, "outcome", attempt.Outcome)
	}
	return disposition, nil
}

// Abandon moves the entry with the given id to the abandoned log with
// reason cancelled.
func (q *Queue) Abandon(ctx context.Context, id string) (types.AbandonedRequest, error) {
	if atomic.LoadInt32(&q.closed) != 0 {
		return types.AbandonedRequest{}, ErrQueueClosed
	}

	q.mu.Lock()
	var ab types.AbandonedRequest
	err := q.withTx(ctx, "abandon", func(tx *sql.Tx) error {
		current, err := scanPending(tx.QueryRowContext(ctx,
			`SELECT `+pendingColumns+` FROM pending_requests WHERE id = ?`, id))
		if err != nil {
			return err
		}
		ab = types.AbandonedRequest{
			PendingRequest: current,
			Reason:         types.ReasonCancelled,
			Detail:         "cancelled",
			AbandonedAt:    q.now(),
		}
		return moveToAbandoned(ctx, tx, ab)
	})
	q.mu.Unlock()
	if errors.Is(err, sql.ErrNoRows) {
		return types.AbandonedRequest{}, types.ErrNotFound
	}
	if err != nil {
		return types.AbandonedRequest{}, err
	}

	q.logger.Info("Abandon: request cancelled", "id", id)
	q.emitAbandon(ab)
	return ab, nil
}

// ListAbandoned returns up to limit abandoned records, newest first. A
// non-positive limit returns all of them.
func (q *Queue) ListAbandoned(ctx context.Context, limit int) ([]types.AbandonedRequest, error) {
	if atomic.LoadInt32(&q.closed) != 0 {
		return nil, ErrQueueClosed
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.db.QueryContext(ctx, `SELECT `+pendingColumns+`, reason, status_code, detail, abandoned_at
		FROM abandoned_requests ORDER BY abandoned_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, types.NewError(types.KindStorageFailure, "queue.list_abandoned", err)
	}
	defer rows.Close()

	var out []types.AbandonedRequest
	for rows.Next() {
		var (
			ab          types.AbandonedRequest
			reason      string
			abandonedAt int64
		)
		p, err := scanPendingWith(rows, &reason, &ab.StatusCode, &ab.Detail, &abandonedAt)
		if err != nil {
			return nil, types.NewError(types.KindStorageFailure, "queue.list_abandoned", err)
		}
		ab.PendingRequest = p
		ab.Reason = types.AbandonReason(reason)
		ab.AbandonedAt = time.Unix(0, abandonedAt)
		out = append(out, ab)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewError(types.KindStorageFailure, "queue.list_abandoned", err)
	}
	return out, nil
}

// Close checkpoints the WAL and closes the database.
func (q *Queue) Close() error {
	if !atomic.CompareAndSwapInt32(&q.closed, 0, 1) {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		q.logger.Warn("Close: failed to checkpoint WAL", "error", err)
	}
	if err := q.db.Close(); err != nil {
		return fmt.Errorf("failed to close queue database: %w", err)
	}
	return nil
}

func (q *Queue) query(ctx context.Context, query string, args ...any) ([]types.PendingRequest, error) {
	if atomic.LoadInt32(&q.closed) != 0 {
		return nil, ErrQueueClosed
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.NewError(types.KindStorageFailure, "queue.query", err)
	}
	defer rows.Close()

	var out []types.PendingRequest
	for rows.Next() {
		req, err := scanPending(rows)
		if err != nil {
			return nil, types.NewError(types.KindStorageFailure, "queue.query", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewError(types.KindStorageFailure, "queue.query", err)
	}
	return out, nil
}

// withTx runs fn in a transaction. sql.ErrNoRows from fn is returned
// unwrapped; any other failure is a storage failure.
func (q *Queue) withTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return types.NewError(types.KindStorageFailure, "queue."+op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return types.NewError(types.KindStorageFailure, "queue."+op, err)
	}
	if err := tx.Commit(); err != nil {
		return types.NewError(types.KindStorageFailure, "queue."+op, err)
	}
	return nil
}

func (q *Queue) emitAbandon(ab types.AbandonedRequest) {
	if q.options.OnAbandon != nil {
		q.options.OnAbandon(ab)
	}
}

func moveToAbandoned(ctx context.Context, tx *sql.Tx, ab types.AbandonedRequest) error {
	headers, err := encodeHeaders(ab.Headers)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO abandoned_requests (`+pendingColumns+`, reason, status_code, detail, abandoned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ab.ID, ab.Fingerprint.String(), ab.Method, ab.URL, headers, nullableBlob(ab.Body),
		ab.EnqueuedAt.UnixNano(), ab.Attempts, ab.NextAttemptAt.UnixNano(), ab.Revision,
		string(ab.Reason), ab.StatusCode, ab.Detail, ab.AbandonedAt.UnixNano()); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM pending_requests WHERE id = ?`, ab.ID)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPending(s scanner) (types.PendingRequest, error) {
	return scanPendingWith(s)
}

func scanPendingWith(s scanner, extra ...any) (types.PendingRequest, error) {
	var (
		req         types.PendingRequest
		fingerprint string
		headers     string
		enqueuedAt  int64
		nextAttempt int64
	)
	dest := append([]any{
		&req.ID, &fingerprint, &req.Method, &req.URL, &headers, &req.Body,
		&enqueuedAt, &req.Attempts, &nextAttempt, &req.Revision,
	}, extra...)
	if err := s.Scan(dest...); err != nil {
		return types.PendingRequest{}, err
	}
	req.Fingerprint = types.Fingerprint(fingerprint)
	req.EnqueuedAt = time.Unix(0, enqueuedAt)
	req.NextAttemptAt = time.Unix(0, nextAttempt)
	if err := json.Unmarshal([]byte(headers), &req.Headers); err != nil {
		return types.PendingRequest{}, fmt.Errorf("decode headers of %s: %w", req.ID, err)
	}
	if len(req.Headers) == 0 {
		req.Headers = nil
	}
	return req, nil
}

func encodeHeaders(h map[string]string) (string, error) {
	if len(h) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullableBlob(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
