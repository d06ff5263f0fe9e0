package queue

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrStorageFull reports that the local database could not persist a new
// mutation. This is the one locally-unrecoverable condition: offline
// queueing cannot be its own fallback, so callers must surface it to the
// user as a hard error.
var ErrStorageFull = errors.New("queue: local storage full or unavailable")

// Backoff parameters for failed replays: exponential per retry with jitter
// so a burst of failures does not replay in lockstep.
const (
	backoffBase    = 2 * time.Second
	backoffMax     = 5 * time.Minute
	jitterFraction = 0.25

	walJournalSizeLimit = 67108864 // 64 MiB
)

// Store is the SQLite-backed durable mutation queue. Safe for concurrent
// use; all ordering guarantees come from the id/created_at index, not from
// caller discipline.
type Store struct {
	db           *sql.DB
	ids          *idGenerator
	retryCeiling int
	logger       *slog.Logger

	stmts statements

	// nowFunc and jitterFunc are injectable for testing backoff behavior.
	nowFunc    func() time.Time
	jitterFunc func() float64
}

// statements groups the prepared statements by operation.
type statements struct {
	insert, listPending, listDead, get, remove  *sql.Stmt
	bumpRetry, markDead, requeue, pendingFor    *sql.Stmt
	countPending, exhaust                       *sql.Stmt
}

// NewStore opens (or creates) the queue database at dbPath, applies
// migrations, and prepares statements. Use ":memory:" for tests.
func NewStore(dbPath string, retryCeiling int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if retryCeiling <= 0 {
		retryCeiling = DefaultRetryCeiling
	}

	logger.Info("opening mutation queue database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("queue: open sqlite: %w", err)
	}

	// Sole-writer pattern: a single pooled connection serializes concurrent
	// replay goroutines instead of surfacing SQLITE_BUSY, and keeps
	// ":memory:" databases from splitting across connections.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:           db,
		ids:          newIDGenerator(),
		retryCeiling: retryCeiling,
		logger:       logger,
		nowFunc:      time.Now,
		jitterFunc:   rand.Float64,
	}

	if err := s.prepareStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: prepare statements: %w", err)
	}

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("queue: set pragma %q: %w", p, err)
		}
	}

	return nil
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("queue: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("queue: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("queue: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied queue migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// SQL for the prepared statements.
const (
	sqlColumns = `id, collection, doc_id, op, payload, created_at,
		retry_count, next_attempt_at, last_error, state, dead_reason`

	sqlInsert = `INSERT INTO mutations
		(id, collection, doc_id, op, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	sqlListPending = `SELECT ` + sqlColumns + ` FROM mutations
		WHERE state = 'pending' ORDER BY created_at ASC, id ASC`

	sqlListDead = `SELECT ` + sqlColumns + ` FROM mutations
		WHERE state = 'dead' ORDER BY created_at ASC, id ASC`

	sqlGet = `SELECT ` + sqlColumns + ` FROM mutations WHERE id = ?`

	sqlRemove = `DELETE FROM mutations WHERE id = ?`

	sqlBumpRetry = `UPDATE mutations
		SET retry_count = retry_count + 1, next_attempt_at = ?, last_error = ?
		WHERE id = ? AND state = 'pending'`

	sqlMarkDead = `UPDATE mutations
		SET state = 'dead', dead_reason = ?, last_error = ?
		WHERE id = ?`

	sqlExhaust = `UPDATE mutations
		SET state = 'dead', dead_reason = ?, last_error = ?,
		    retry_count = retry_count + 1
		WHERE id = ? AND state = 'pending'`

	sqlRequeue = `UPDATE mutations
		SET state = 'pending', retry_count = 0, next_attempt_at = 0,
		    dead_reason = ''
		WHERE id = ? AND state = 'dead'`

	sqlPendingFor = `SELECT ` + sqlColumns + ` FROM mutations
		WHERE collection = ? AND doc_id = ? AND state = 'pending'
		ORDER BY created_at ASC, id ASC`

	sqlCountPending = `SELECT COUNT(*) FROM mutations WHERE state = 'pending'`
)

func (s *Store) prepareStatements(ctx context.Context) error {
	defs := []struct {
		dest **sql.Stmt
		sql  string
		name string
	}{
		{&s.stmts.insert, sqlInsert, "insert"},
		{&s.stmts.listPending, sqlListPending, "listPending"},
		{&s.stmts.listDead, sqlListDead, "listDead"},
		{&s.stmts.get, sqlGet, "get"},
		{&s.stmts.remove, sqlRemove, "remove"},
		{&s.stmts.bumpRetry, sqlBumpRetry, "bumpRetry"},
		{&s.stmts.markDead, sqlMarkDead, "markDead"},
		{&s.stmts.requeue, sqlRequeue, "requeue"},
		{&s.stmts.pendingFor, sqlPendingFor, "pendingFor"},
		{&s.stmts.countPending, sqlCountPending, "countPending"},
		{&s.stmts.exhaust, sqlExhaust, "exhaust"},
	}

	for i := range defs {
		stmt, err := s.db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

// Enqueue persists a new pending mutation and returns its id. The only
// failure mode is local storage exhaustion/unavailability, reported as an
// error wrapping ErrStorageFull.
func (s *Store) Enqueue(ctx context.Context, collection, docID string, op Op, payload []byte) (string, error) {
	id, createdAt := s.ids.next()

	_, err := s.stmts.insert.ExecContext(ctx, id, collection, docID, string(op), payload, createdAt)
	if err != nil {
		s.logger.Error("failed to persist mutation",
			slog.String("collection", collection),
			slog.String("doc_id", docID),
			slog.String("error", err.Error()),
		)

		return "", fmt.Errorf("%w: %v", ErrStorageFull, err)
	}

	s.logger.Info("mutation queued",
		slog.String("id", id),
		slog.String("collection", collection),
		slog.String("doc_id", docID),
		slog.String("op", string(op)),
	)

	return id, nil
}

// ListPending returns all pending mutations in creation order.
func (s *Store) ListPending(ctx context.Context) ([]*Mutation, error) {
	rows, err := s.stmts.listPending.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: list pending: %w", err)
	}
	defer rows.Close()

	return scanMutationRows(rows)
}

// ListDead returns all dead-lettered mutations in creation order.
func (s *Store) ListDead(ctx context.Context) ([]*Mutation, error) {
	rows, err := s.stmts.listDead.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: list dead: %w", err)
	}
	defer rows.Close()

	return scanMutationRows(rows)
}

// Get returns a single mutation by id, or (nil, nil) when it does not
// exist — callers use the nil to distinguish "already applied and removed".
func (s *Store) Get(ctx context.Context, id string) (*Mutation, error) {
	m, err := scanMutation(s.stmts.get.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("queue: get %s: %w", id, err)
	}

	return m, nil
}

// Remove deletes a mutation. Idempotent: removing an id that does not
// exist is a no-op, not an error.
func (s *Store) Remove(ctx context.Context, id string) error {
	_, err := s.stmts.remove.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("queue: remove %s: %w", id, err)
	}

	return nil
}

// IncrementRetry records a failed replay attempt. The mutation's backoff
// window is pushed out exponentially with jitter. Once the retry count
// reaches the ceiling the mutation moves to dead-letter instead, so a
// mutation at the ceiling is never attempted again.
func (s *Store) IncrementRetry(ctx context.Context, id, errMsg string) error {
	m, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if m == nil || m.State != StatePending {
		return nil
	}

	if m.RetryCount+1 >= s.retryCeiling {
		s.logger.Warn("mutation exceeded retry ceiling, moving to dead-letter",
			slog.String("id", id),
			slog.Int("retries", m.RetryCount+1),
			slog.String("last_error", errMsg),
		)

		// The final failed attempt is counted too, so the dead-letter row
		// shows the true number of attempts.
		reason := fmt.Sprintf("retry ceiling (%d) exceeded", s.retryCeiling)

		if _, err := s.stmts.exhaust.ExecContext(ctx, reason, errMsg, id); err != nil {
			return fmt.Errorf("queue: dead-letter %s: %w", id, err)
		}

		return nil
	}

	next := s.nowFunc().Add(s.backoffFor(m.RetryCount + 1)).UnixNano()

	_, err = s.stmts.bumpRetry.ExecContext(ctx, next, errMsg, id)
	if err != nil {
		return fmt.Errorf("queue: increment retry %s: %w", id, err)
	}

	return nil
}

// backoffFor computes the backoff delay for the given retry count.
func (s *Store) backoffFor(retryCount int) time.Duration {
	d := backoffBase
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= backoffMax {
			d = backoffMax
			break
		}
	}

	jitter := time.Duration(float64(d) * jitterFraction * s.jitterFunc())

	return d + jitter
}

// MarkDead moves a mutation to the dead-letter state. Used directly by the
// sync engine for permanent failures and internally at the retry ceiling.
func (s *Store) MarkDead(ctx context.Context, id, reason, errMsg string) error {
	_, err := s.stmts.markDead.ExecContext(ctx, reason, errMsg, id)
	if err != nil {
		return fmt.Errorf("queue: mark dead %s: %w", id, err)
	}

	return nil
}

// Requeue returns a dead-lettered mutation to the pending state with a
// fresh retry budget. No-op for pending or missing mutations.
func (s *Store) Requeue(ctx context.Context, id string) error {
	_, err := s.stmts.requeue.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("queue: requeue %s: %w", id, err)
	}

	return nil
}

// PendingFor returns pending mutations targeting one document, in creation
// order. The UI uses a non-empty result to render "pending sync" markers.
func (s *Store) PendingFor(ctx context.Context, collection, docID string) ([]*Mutation, error) {
	rows, err := s.stmts.pendingFor.QueryContext(ctx, collection, docID)
	if err != nil {
		return nil, fmt.Errorf("queue: pending for %s/%s: %w", collection, docID, err)
	}
	defer rows.Close()

	return scanMutationRows(rows)
}

// CountPending returns the number of pending mutations.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.stmts.countPending.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: count pending: %w", err)
	}

	return n, nil
}

// Close closes prepared statements and the database connection.
func (s *Store) Close() error {
	stmts := []*sql.Stmt{
		s.stmts.insert, s.stmts.listPending, s.stmts.listDead,
		s.stmts.get, s.stmts.remove, s.stmts.bumpRetry,
		s.stmts.markDead, s.stmts.requeue, s.stmts.pendingFor,
		s.stmts.countPending, s.stmts.exhaust,
	}

	var errs []string

	for _, stmt := range stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	if err := s.db.Close(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("queue: close: %s", strings.Join(errs, "; "))
	}

	return nil
}

// scanMutation scans a full mutation row.
func scanMutation(row interface{ Scan(...any) error }) (*Mutation, error) {
	m := &Mutation{}

	var op, state string

	err := row.Scan(
		&m.ID, &m.Collection, &m.DocID, &op, &m.Payload, &m.CreatedAt,
		&m.RetryCount, &m.NextAttemptAt, &m.LastError, &state, &m.DeadReason,
	)
	if err != nil {
		return nil, err
	}

	m.Op = Op(op)
	m.State = State(state)

	return m, nil
}

// scanMutationRows collects mutations from a result set.
func scanMutationRows(rows *sql.Rows) ([]*Mutation, error) {
	var muts []*Mutation

	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: scan mutation row: %w", err)
		}

		muts = append(muts, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterate mutation rows: %w", err)
	}

	return muts, nil
}
