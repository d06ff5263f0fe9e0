// Package cache keeps the last-known-good copy of remote documents so the
// app can render instantly while offline. Reads are served from a bounded
// in-memory LRU; every write goes through to SQLite so the cache survives
// process restarts. A cache miss is not an error: readers get (nil, nil)
// and decide for themselves whether to hit the network.
package cache

import (
	"container/list"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Defaults, overridable via config.
const (
	DefaultMaxDocuments = 256
	DefaultFreshness    = 15 * time.Minute
)

// Snapshot is the cached view of one collection.
type Snapshot struct {
	Collection string
	Documents  map[string]json.RawMessage
	FetchedAt  time.Time // most recent Put across the collection
}

// entry is one LRU-tracked document.
type entry struct {
	collection string
	docID      string
	data       json.RawMessage
	fetchedAt  time.Time
}

// Store is the two-tier document cache. Safe for concurrent use.
type Store struct {
	db        *sql.DB
	maxDocs   int
	freshness time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	order map[string]*list.List               // per-collection LRU, front = most recent
	index map[string]map[string]*list.Element // collection -> docID -> element

	upsert, get, remove, listByColl *sql.Stmt

	nowFunc func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMaxDocuments bounds the per-collection LRU.
func WithMaxDocuments(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxDocs = n
		}
	}
}

// WithFreshness sets the staleness threshold used by Stale.
func WithFreshness(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.freshness = d
		}
	}
}

// NewStore opens (or creates) the cache database at dbPath, applies
// migrations, and warms the in-memory tier from disk.
func NewStore(dbPath string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening document cache database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("cache: open sqlite: %w", err)
	}

	// Sole-writer pattern, same as the queue store: one pooled connection
	// serializes writers instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(context.Background(), p); err != nil {
			db.Close()
			return nil, fmt.Errorf("cache: set pragma %q: %w", p, err)
		}
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:        db,
		maxDocs:   DefaultMaxDocuments,
		freshness: DefaultFreshness,
		logger:    logger,
		order:     make(map[string]*list.List),
		index:     make(map[string]map[string]*list.Element),
		nowFunc:   time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.prepareStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: prepare statements: %w", err)
	}

	if err := s.warm(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("cache: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("cache: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("cache: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied cache migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

func (s *Store) prepareStatements(ctx context.Context) error {
	defs := []struct {
		dest **sql.Stmt
		sql  string
		name string
	}{
		{&s.upsert, `INSERT INTO cached_documents (collection, doc_id, data, fetched_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (collection, doc_id)
			DO UPDATE SET data = excluded.data, fetched_at = excluded.fetched_at
			WHERE excluded.fetched_at >= cached_documents.fetched_at`, "upsert"},
		{&s.get, `SELECT data, fetched_at FROM cached_documents
			WHERE collection = ? AND doc_id = ?`, "get"},
		{&s.remove, `DELETE FROM cached_documents WHERE collection = ? AND doc_id = ?`, "remove"},
		{&s.listByColl, `SELECT doc_id, data, fetched_at FROM cached_documents
			WHERE collection = ? ORDER BY fetched_at ASC`, "listByColl"},
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

// warm loads persisted documents into the LRU, oldest first so the most
// recently fetched end up at the front.
func (s *Store) warm(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT collection, doc_id, data, fetched_at FROM cached_documents ORDER BY fetched_at ASC`)
	if err != nil {
		return fmt.Errorf("cache: warm from disk: %w", err)
	}
	defer rows.Close()

	n := 0

	for rows.Next() {
		var (
			coll, docID string
			data        []byte
			fetchedNS   int64
		)

		if err := rows.Scan(&coll, &docID, &data, &fetchedNS); err != nil {
			return fmt.Errorf("cache: scan cached document: %w", err)
		}

		s.touch(&entry{collection: coll, docID: docID, data: data, fetchedAt: time.Unix(0, fetchedNS)})
		n++
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("cache: warm from disk: %w", err)
	}

	if n > 0 {
		s.logger.Info("warmed document cache", slog.Int("documents", n))
	}

	return nil
}

// Put stores a document, write-through to SQLite. Last write wins by
// FetchedAt: an older write never clobbers a newer one on disk.
func (s *Store) Put(ctx context.Context, collection, docID string, data json.RawMessage) error {
	now := s.nowFunc()

	if _, err := s.upsert.ExecContext(ctx, collection, docID, []byte(data), now.UnixNano()); err != nil {
		return fmt.Errorf("cache: put %s/%s: %w", collection, docID, err)
	}

	s.mu.Lock()
	evicted := s.touch(&entry{collection: collection, docID: docID, data: data, fetchedAt: now})
	s.mu.Unlock()

	for _, e := range evicted {
		if _, err := s.remove.ExecContext(ctx, e.collection, e.docID); err != nil {
			s.logger.Warn("failed to evict cached document from disk",
				slog.String("collection", e.collection),
				slog.String("doc_id", e.docID),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// touch inserts or refreshes an LRU entry and returns any evicted entries.
// Caller holds s.mu (NewStore's warm path runs before the store is shared).
func (s *Store) touch(e *entry) []*entry {
	l, ok := s.order[e.collection]
	if !ok {
		l = list.New()
		s.order[e.collection] = l
		s.index[e.collection] = make(map[string]*list.Element)
	}

	if el, ok := s.index[e.collection][e.docID]; ok {
		el.Value = e
		l.MoveToFront(el)

		return nil
	}

	s.index[e.collection][e.docID] = l.PushFront(e)

	var evicted []*entry

	for l.Len() > s.maxDocs {
		back := l.Back()
		old := back.Value.(*entry)
		l.Remove(back)
		delete(s.index[e.collection], old.docID)
		evicted = append(evicted, old)
	}

	return evicted
}

// GetDocument returns one cached document, or (nil, nil) on a miss.
func (s *Store) GetDocument(ctx context.Context, collection, docID string) (json.RawMessage, error) {
	s.mu.Lock()

	if el, ok := s.index[collection][docID]; ok {
		s.order[collection].MoveToFront(el)
		data := el.Value.(*entry).data
		s.mu.Unlock()

		return data, nil
	}

	s.mu.Unlock()

	// Memory miss: the document may have been evicted from the LRU but
	// still live on disk from a previous, larger cap.
	var (
		data      []byte
		fetchedNS int64
	)

	err := s.get.QueryRowContext(ctx, collection, docID).Scan(&data, &fetchedNS)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("cache: get %s/%s: %w", collection, docID, err)
	}

	return data, nil
}

// GetSnapshot returns the cached view of a whole collection, or (nil, nil)
// when nothing is cached for it. FetchedAt is the newest document's fetch
// time, so Stale reflects the freshest data the user is looking at.
func (s *Store) GetSnapshot(ctx context.Context, collection string) (*Snapshot, error) {
	rows, err := s.listByColl.QueryContext(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("cache: snapshot %s: %w", collection, err)
	}
	defer rows.Close()

	snap := &Snapshot{Collection: collection, Documents: make(map[string]json.RawMessage)}

	for rows.Next() {
		var (
			docID     string
			data      []byte
			fetchedNS int64
		)

		if err := rows.Scan(&docID, &data, &fetchedNS); err != nil {
			return nil, fmt.Errorf("cache: scan snapshot row: %w", err)
		}

		snap.Documents[docID] = data

		if t := time.Unix(0, fetchedNS); t.After(snap.FetchedAt) {
			snap.FetchedAt = t
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: snapshot %s: %w", collection, err)
	}

	if len(snap.Documents) == 0 {
		return nil, nil
	}

	return snap, nil
}

// Stale reports whether a snapshot is older than the freshness threshold.
// Stale data is still shown to the user; it just triggers a background
// refresh when online.
func (s *Store) Stale(snap *Snapshot) bool {
	if snap == nil {
		return true
	}

	return s.nowFunc().Sub(snap.FetchedAt) > s.freshness
}

// Delete removes a document from both tiers. Used when a remote delete is
// confirmed. Idempotent.
func (s *Store) Delete(ctx context.Context, collection, docID string) error {
	if _, err := s.remove.ExecContext(ctx, collection, docID); err != nil {
		return fmt.Errorf("cache: delete %s/%s: %w", collection, docID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.index[collection][docID]; ok {
		s.order[collection].Remove(el)
		delete(s.index[collection], docID)
	}

	return nil
}

// Close closes prepared statements and the database connection.
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{s.upsert, s.get, s.remove, s.listByColl} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}

	return s.db.Close()
}
