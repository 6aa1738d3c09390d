package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"tillpoint/evictor/pkg/retention"
)

// Config configures the SQLite document store.
type Config struct {
	// Path is the database file path.
	Path string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// SQLiteStore implements retention.Store on top of SQLite. Each collection
// is a table with the columns _id, locationId, createdOn (unix milliseconds)
// and body (JSON), so eviction queries can filter with json_extract.
//
// Subscriptions gate documents arriving from peers: Ingest only keeps a
// document when an active subscription on its collection selects it.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	version string
	logger  *slog.Logger

	mu           sync.RWMutex
	tables       map[string]struct{}
	subs         map[string]map[string]*subscription
	observers    map[string]map[int]func([]retention.Document)
	nextObserver int
	closeOnce    sync.Once
}

var (
	mutatingStatement = regexp.MustCompile(`(?i)^\s*(?:DELETE\s+FROM|UPDATE(?:\s+OR\s+\w+)?|INSERT(?:\s+OR\s+\w+)?\s+INTO|REPLACE\s+INTO)\s+"?([A-Za-z_][A-Za-z0-9_]*)"?`)
	returningClause   = regexp.MustCompile(`(?i)\bRETURNING\b`)
	namedParam        = regexp.MustCompile(`[:@$]([A-Za-z_][A-Za-z0-9_]*)`)
)

// Open creates or opens a SQLite document store.
func Open(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, retention.NewStoreError("sqlite", "mkdir", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, retention.NewStoreError("sqlite", "open", err)
	}

	// SQLite only supports a single writer; ingest transactions rely on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	var version string
	if err := db.QueryRow("SELECT sqlite_version()").Scan(&version); err != nil {
		db.Close()
		return nil, retention.NewStoreError("sqlite", "version", err)
	}

	s := &SQLiteStore{
		db:        db,
		path:      cfg.Path,
		version:   "sqlite " + version,
		logger:    slog.Default().With("component", "store.sqlite"),
		tables:    make(map[string]struct{}),
		subs:      make(map[string]map[string]*subscription),
		observers: make(map[string]map[int]func([]retention.Document)),
	}

	s.logger.Info("document store opened", "path", cfg.Path, "engine", s.version)
	return s, nil
}

// EngineVersion implements retention.Store.
func (s *SQLiteStore) EngineVersion() string {
	return s.version
}

// EnsureCollection creates the table backing collection if needed.
func (s *SQLiteStore) EnsureCollection(ctx context.Context, collection string) error {
	if !retention.ValidCollectionName(collection) {
		return retention.NewStoreError("sqlite", "ensure_collection",
			fmt.Errorf("invalid collection name %q", collection))
	}

	s.mu.RLock()
	_, ok := s.tables[collection]
	s.mu.RUnlock()
	if ok {
		return nil
	}

	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		_id TEXT PRIMARY KEY,
		locationId TEXT NOT NULL DEFAULT '',
		createdOn INTEGER NOT NULL,
		body TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_location_created ON %[1]s(locationId, createdOn);
	`, collection)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return retention.NewStoreError("sqlite", "ensure_collection", err)
	}

	s.mu.Lock()
	s.tables[collection] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Upsert implements retention.Store.
func (s *SQLiteStore) Upsert(ctx context.Context, collection string, doc retention.Document) error {
	if err := s.EnsureCollection(ctx, collection); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, upsertSQL(collection), upsertArgs(doc)...); err != nil {
		return retention.NewStoreError("sqlite", "upsert", err)
	}
	s.notify(ctx, collection)
	return nil
}

// Ingest applies a document received from a peer. It is kept only if an
// active subscription on collection selects it; otherwise it is discarded
// and Ingest returns false.
func (s *SQLiteStore) Ingest(ctx context.Context, collection string, doc retention.Document) (bool, error) {
	if err := s.EnsureCollection(ctx, collection); err != nil {
		return false, err
	}

	s.mu.RLock()
	subs := make([]*subscription, 0, len(s.subs[collection]))
	for _, sub := range s.subs[collection] {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	if len(subs) == 0 {
		s.logger.Debug("document rejected, no subscription", "collection", collection, "doc_id", doc.ID)
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, retention.NewStoreError("sqlite", "ingest", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, upsertSQL(collection), upsertArgs(doc)...); err != nil {
		return false, retention.NewStoreError("sqlite", "ingest", err)
	}

	matched := false
	for _, sub := range subs {
		q := fmt.Sprintf("SELECT COUNT(*) FROM (%s) WHERE _id = :ingestDocID", sub.query)
		args := map[string]any{"ingestDocID": doc.ID}
		for k, v := range sub.args {
			args[k] = v
		}
		var n int
		if err := tx.QueryRowContext(ctx, q, bindArgs(q, args)...).Scan(&n); err != nil {
			return false, retention.NewStoreError("sqlite", "ingest_match", err)
		}
		if n > 0 {
			matched = true
			break
		}
	}

	if !matched {
		s.logger.Debug("document rejected, outside subscriptions", "collection", collection, "doc_id", doc.ID)
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, retention.NewStoreError("sqlite", "ingest_commit", err)
	}
	s.notify(ctx, collection)
	return true, nil
}

// Execute implements retention.Store. Mutating statements report the ids
// of the rows they touched through a RETURNING clause.
func (s *SQLiteStore) Execute(ctx context.Context, query string, args map[string]any) (*retention.ExecuteResult, error) {
	query = strings.TrimRight(strings.TrimSpace(query), ";")
	match := mutatingStatement.FindStringSubmatch(query)
	if match == nil {
		if _, err := s.db.ExecContext(ctx, query, bindArgs(query, args)...); err != nil {
			return nil, retention.NewStoreError("sqlite", "execute", err)
		}
		return &retention.ExecuteResult{}, nil
	}

	collection := match[1]
	if err := s.EnsureCollection(ctx, collection); err != nil {
		return nil, err
	}
	if !returningClause.MatchString(query) {
		query += " RETURNING _id"
	}

	rows, err := s.db.QueryContext(ctx, query, bindArgs(query, args)...)
	if err != nil {
		return nil, retention.NewStoreError("sqlite", "execute", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, retention.NewStoreError("sqlite", "execute_scan", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, retention.NewStoreError("sqlite", "execute", err)
	}
	rows.Close()

	if len(ids) > 0 {
		s.notify(ctx, collection)
	}
	return &retention.ExecuteResult{AffectedDocumentIDs: ids}, nil
}

// Subscribe implements retention.Store. The query is validated by preparing
// it against the collection before the subscription is recorded.
func (s *SQLiteStore) Subscribe(ctx context.Context, collection, query string, args map[string]any) (retention.Subscription, error) {
	if err := s.EnsureCollection(ctx, collection); err != nil {
		return nil, err
	}
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, retention.NewStoreError("sqlite", "subscribe", err)
	}
	stmt.Close()

	sub := &subscription{
		id:         uuid.NewString(),
		collection: collection,
		query:      query,
		args:       args,
		store:      s,
	}

	s.mu.Lock()
	if s.subs[collection] == nil {
		s.subs[collection] = make(map[string]*subscription)
	}
	s.subs[collection][sub.id] = sub
	s.mu.Unlock()

	s.logger.Debug("subscription registered", "collection", collection, "subscription_id", sub.id)
	return sub, nil
}

// Subscriptions returns the ids of the active subscriptions on collection.
func (s *SQLiteStore) Subscriptions(collection string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.subs[collection]))
	for id := range s.subs[collection] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// OnCollectionChanged implements retention.Store. The observer receives the
// current contents immediately and again after every change.
func (s *SQLiteStore) OnCollectionChanged(collection string, fn func(docs []retention.Document)) func() {
	s.mu.Lock()
	id := s.nextObserver
	s.nextObserver++
	if s.observers[collection] == nil {
		s.observers[collection] = make(map[int]func([]retention.Document))
	}
	s.observers[collection][id] = fn
	s.mu.Unlock()

	if docs, err := s.Documents(context.Background(), collection); err != nil {
		s.logger.Error("initial observer delivery failed", "collection", collection, "error", err)
	} else {
		fn(docs)
	}

	return func() {
		s.mu.Lock()
		delete(s.observers[collection], id)
		s.mu.Unlock()
	}
}

// Documents returns every document in collection ordered by creation time.
func (s *SQLiteStore) Documents(ctx context.Context, collection string) ([]retention.Document, error) {
	if err := s.EnsureCollection(ctx, collection); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT _id, locationId, createdOn, body FROM %s ORDER BY createdOn, _id", collection))
	if err != nil {
		return nil, retention.NewStoreError("sqlite", "documents", err)
	}
	defer rows.Close()

	docs := []retention.Document{}
	for rows.Next() {
		var (
			doc       retention.Document
			createdMs int64
			body      sql.NullString
		)
		if err := rows.Scan(&doc.ID, &doc.LocationID, &createdMs, &body); err != nil {
			return nil, retention.NewStoreError("sqlite", "documents_scan", err)
		}
		doc.CreatedOn = time.UnixMilli(createdMs).UTC()
		if body.Valid && body.String != "" {
			doc.Body = []byte(body.String)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, retention.NewStoreError("sqlite", "documents", err)
	}
	return docs, nil
}

// Count returns the number of documents in collection.
func (s *SQLiteStore) Count(ctx context.Context, collection string) (int, error) {
	if err := s.EnsureCollection(ctx, collection); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", collection)).Scan(&n); err != nil {
		return 0, retention.NewStoreError("sqlite", "count", err)
	}
	return n, nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return retention.NewStoreError("sqlite", "ping", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
		s.logger.Info("document store closed", "path", s.path)
	})
	if err != nil {
		return retention.NewStoreError("sqlite", "close", err)
	}
	return nil
}

// notify delivers the current contents of collection to its observers.
// Observers run on the caller's goroutine, outside the store lock.
func (s *SQLiteStore) notify(ctx context.Context, collection string) {
	s.mu.RLock()
	fns := make([]func([]retention.Document), 0, len(s.observers[collection]))
	for _, fn := range s.observers[collection] {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	if len(fns) == 0 {
		return
	}

	docs, err := s.Documents(ctx, collection)
	if err != nil {
		s.logger.Error("observer delivery failed", "collection", collection, "error", err)
		return
	}
	for _, fn := range fns {
		fn(slices.Clone(docs))
	}
}

func (s *SQLiteStore) removeSubscription(collection, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs[collection], id)
}

type subscription struct {
	id         string
	collection string
	query      string
	args       map[string]any
	store      *SQLiteStore
	once       sync.Once
}

func (s *subscription) ID() string { return s.id }

func (s *subscription) Cancel() {
	s.once.Do(func() {
		s.store.removeSubscription(s.collection, s.id)
		s.store.logger.Debug("subscription cancelled", "collection", s.collection, "subscription_id", s.id)
	})
}

func upsertSQL(collection string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (_id, locationId, createdOn, body) VALUES (?, ?, ?, ?)
		ON CONFLICT (_id) DO UPDATE SET
			locationId = excluded.locationId,
			createdOn = excluded.createdOn,
			body = excluded.body`, collection)
}

func upsertArgs(doc retention.Document) []any {
	var body any
	if len(doc.Body) > 0 {
		body = string(doc.Body)
	}
	return []any{doc.ID, doc.LocationID, doc.CreatedOn.UnixMilli(), body}
}

// bindArgs converts the named arguments referenced by query into sql.Named
// values. Times are stored as unix milliseconds.
func bindArgs(query string, args map[string]any) []any {
	if len(args) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	var out []any
	for _, m := range namedParam.FindAllStringSubmatch(query, -1) {
		name := m[1]
		if _, dup := seen[name]; dup {
			continue
		}
		v, ok := args[name]
		if !ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, sql.Named(name, convertArg(v)))
	}
	return out
}

func convertArg(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UnixMilli()
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UnixMilli()
	case time.Duration:
		return t.Milliseconds()
	default:
		return v
	}
}
