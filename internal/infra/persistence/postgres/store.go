// Package postgres provides the remote record store: documents live in
// PostgreSQL JSONB tables (one per collection, inside a schema named after the
// project) and are mirrored in a local in-memory cache that serves every read.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"microlab/internal/infra/persistence/memory"
	"microlab/pkg/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// Compile-time contract assertions ensuring the store satisfies the domain interfaces.
var (
	_ domain.RecordStore  = (*Store)(nil)
	_ domain.Refresher    = (*Store)(nil)
	_ domain.UpdatePolicy = (*Store)(nil)
)

const (
	defaultDriver = "pgx"
	defaultSchema = "microlab"
	// DefaultTimeout bounds every network attempt.
	DefaultTimeout = 10 * time.Second
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Config holds the connection parameters resolved from the remote backend
// configuration blob.
type Config struct {
	// DSN is a postgres:// URL or keyword/value connection string.
	DSN string
	// APIKey is used as the password when the DSN carries none.
	APIKey string
	// ProjectID names the schema holding the collection tables.
	ProjectID string
	// Timeout bounds each network attempt; defaults to DefaultTimeout.
	Timeout     time.Duration
	Collections []domain.Collection
	Logger      *slog.Logger
}

// Store writes through to Postgres and serves reads from its local cache.
// Updates of missing ids are rejected with domain.ErrNotFound.
type Store struct {
	cache       *memory.Store
	db          *sql.DB
	connName    string
	schema      string
	collections []domain.Collection
	known       map[domain.Collection]struct{}
	timeout     time.Duration
	logger      *slog.Logger

	// mu orders remote commits with their cache application.
	mu sync.Mutex

	openMu sync.Mutex
	opened bool
}

// NewStore prepares a store for cfg. No network traffic happens until Open.
func NewStore(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	connCfg, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if connCfg.Password == "" && cfg.APIKey != "" {
		connCfg.Password = cfg.APIKey
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if connCfg.ConnectTimeout == 0 || connCfg.ConnectTimeout > timeout {
		connCfg.ConnectTimeout = timeout
	}
	connName := stdlib.RegisterConnConfig(connCfg)

	openMu.Lock()
	db, err := sqlOpen(defaultDriver, connName)
	openMu.Unlock()
	if err != nil {
		stdlib.UnregisterConnConfig(connName)
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	collections := cfg.Collections
	if len(collections) == 0 {
		collections = domain.DefaultCollections
	}
	known := make(map[domain.Collection]struct{}, len(collections))
	for _, c := range collections {
		if err := c.Validate(); err != nil {
			_ = db.Close()
			stdlib.UnregisterConnConfig(connName)
			return nil, err
		}
		known[c] = struct{}{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		cache:       memory.NewStoreWithOptions(memory.Options{Collections: collections}),
		db:          db,
		connName:    connName,
		schema:      SchemaName(cfg.ProjectID),
		collections: append([]domain.Collection(nil), collections...),
		known:       known,
		timeout:     timeout,
		logger:      logger,
	}, nil
}

var schemaUnsafe = regexp.MustCompile(`[^a-z0-9_]+`)

// SchemaName derives a safe schema identifier from a project id.
func SchemaName(projectID string) string {
	name := schemaUnsafe.ReplaceAllString(strings.ToLower(strings.TrimSpace(projectID)), "_")
	name = strings.Trim(name, "_")
	if name == "" {
		return defaultSchema
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "p_" + name
	}
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

// Driver returns the store driver identifier.
func (s *Store) Driver() domain.Driver { return domain.DriverPostgres }

// CreateOnMissingUpdate reports the store's update-on-missing policy.
func (s *Store) CreateOnMissingUpdate() bool { return false }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Schema returns the schema holding the collection tables.
func (s *Store) Schema() string { return s.schema }

// Close releases the connection pool.
func (s *Store) Close() error {
	err := s.db.Close()
	stdlib.UnregisterConnConfig(s.connName)
	_ = s.cache.Close()
	return err
}

// Open verifies connectivity, ensures the schema and tables exist and hydrates
// the local cache. Concurrent callers share the first successful run.
func (s *Store) Open(ctx context.Context) error {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	if s.opened {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping postgres: %v", domain.ErrStorageUnavailable, err)
	}
	if err := s.ensureTables(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	snapshot := memory.Snapshot{}
	total := 0
	for _, c := range s.collections {
		docs, err := s.loadCollection(ctx, c)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
		}
		byID := make(map[string]domain.Document, len(docs))
		for _, doc := range docs {
			id, _ := domain.DocumentID(doc)
			byID[id] = doc
		}
		snapshot[c] = byID
		total += len(docs)
	}
	s.cache.ImportState(snapshot)
	s.opened = true
	s.logger.Info("remote store hydrated", "schema", s.schema, "collections", len(s.collections), "documents", total)
	return nil
}

func (s *Store) ensureTables(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, quoteIdent(s.schema))); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	for _, c := range s.collections {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			payload JSONB NOT NULL
		)`, s.table(c))
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure %s table: %w", c, err)
		}
	}
	return nil
}

func (s *Store) loadCollection(ctx context.Context, c domain.Collection) ([]domain.Document, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, payload FROM %s`, s.table(c)))
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", c, err)
	}
	defer func() { _ = rows.Close() }()
	var docs []domain.Document
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan %s: %w", c, err)
		}
		var doc domain.Document
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", c, id, err)
		}
		if doc == nil {
			doc = domain.Document{}
		}
		doc[domain.IDField] = id
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", c, err)
	}
	return docs, nil
}

// Refresh pulls the current server copy of collection into the cache.
func (s *Store) Refresh(ctx context.Context, collection domain.Collection) error {
	if !s.isKnown(collection) {
		return fmt.Errorf("%w: %s", domain.ErrUnknownCollection, collection)
	}
	if err := s.Open(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	docs, err := s.loadCollection(ctx, collection)
	if err != nil {
		return domain.NewTransactionError("refresh", collection, err)
	}
	return s.cache.ReplaceCollection(collection, docs)
}

// GetAll returns the cached documents of collection.
func (s *Store) GetAll(ctx context.Context, collection domain.Collection) ([]domain.Document, error) {
	if !s.isKnown(collection) {
		return []domain.Document{}, nil
	}
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	return s.cache.GetAll(ctx, collection)
}

// Get returns the cached document with id.
func (s *Store) Get(ctx context.Context, collection domain.Collection, id string) (domain.Document, bool, error) {
	if !s.isKnown(collection) {
		return nil, false, nil
	}
	if err := s.Open(ctx); err != nil {
		return nil, false, err
	}
	return s.cache.Get(ctx, collection, id)
}

// Put upserts doc on the server and then in the cache.
func (s *Store) Put(ctx context.Context, collection domain.Collection, doc domain.Document) error {
	return s.PutBatch(ctx, collection, []domain.Document{doc})
}

// PutBatch upserts every document in one server transaction.
func (s *Store) PutBatch(ctx context.Context, collection domain.Collection, docs []domain.Document) error {
	prepared := make([]domain.Document, 0, len(docs))
	payloads := make([]string, 0, len(docs))
	for _, doc := range docs {
		normalized, err := domain.NormalizeDocument(doc)
		if err != nil {
			return err
		}
		if _, ok := domain.DocumentID(normalized); !ok {
			return fmt.Errorf("%w: document without %s", domain.ErrInvalidDocument, domain.IDField)
		}
		raw, err := json.Marshal(normalized)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidDocument, err)
		}
		prepared = append(prepared, normalized)
		payloads = append(payloads, string(raw))
	}
	return s.write(ctx, "put", collection, func(ctx context.Context, tx *sql.Tx) error {
		stmt := s.upsertStmt(collection)
		for i, doc := range prepared {
			id, _ := domain.DocumentID(doc)
			if _, err := tx.ExecContext(ctx, stmt, id, payloads[i]); err != nil {
				return fmt.Errorf("upsert %s: %w", id, err)
			}
		}
		return nil
	}, func() error {
		return s.cache.PutBatch(ctx, collection, prepared)
	})
}

// Merge overlays partial onto the server copy of id, locking the row for the
// duration of the transaction.
func (s *Store) Merge(ctx context.Context, collection domain.Collection, id string, partial domain.Document, createMissing bool) error {
	normalized, err := domain.NormalizeDocument(partial)
	if err != nil {
		return err
	}
	var merged domain.Document
	return s.write(ctx, "merge", collection, func(ctx context.Context, tx *sql.Tx) error {
		var payload []byte
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT payload FROM %s WHERE id = $1 FOR UPDATE`, s.table(collection)), id).Scan(&payload)
		existing := domain.Document{domain.IDField: id}
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if !createMissing {
				return domain.NotFoundError{Collection: collection, ID: id}
			}
		case err != nil:
			return fmt.Errorf("select %s: %w", id, err)
		default:
			if err := json.Unmarshal(payload, &existing); err != nil {
				return fmt.Errorf("decode %s: %w", id, err)
			}
			existing[domain.IDField] = id
		}
		merged = domain.MergeDocument(existing, normalized)
		raw, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidDocument, err)
		}
		if _, err := tx.ExecContext(ctx, s.upsertStmt(collection), id, string(raw)); err != nil {
			return fmt.Errorf("upsert %s: %w", id, err)
		}
		return nil
	}, func() error {
		return s.cache.Put(ctx, collection, merged)
	})
}

// Delete removes id on the server and in the cache.
func (s *Store) Delete(ctx context.Context, collection domain.Collection, id string) error {
	return s.write(ctx, "delete", collection, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table(collection)), id)
		return err
	}, func() error {
		return s.cache.Delete(ctx, collection, id)
	})
}

// Clear removes every document of collection on the server and in the cache.
func (s *Store) Clear(ctx context.Context, collection domain.Collection) error {
	return s.write(ctx, "clear", collection, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table(collection)))
		return err
	}, func() error {
		return s.cache.Clear(ctx, collection)
	})
}

// write commits remote within a timeout-bound transaction and then applies
// local to the cache. The cache is only touched after the server committed.
func (s *Store) write(ctx context.Context, op string, collection domain.Collection, remote func(context.Context, *sql.Tx) error, local func() error) error {
	if !s.isKnown(collection) {
		return fmt.Errorf("%w: %s", domain.ErrUnknownCollection, collection)
	}
	if err := s.Open(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	tx, err := s.db.BeginTx(attemptCtx, nil)
	if err != nil {
		return domain.NewTransactionError(op, collection, fmt.Errorf("begin tx: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := remote(attemptCtx, tx); err != nil {
		return domain.NewTransactionError(op, collection, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.NewTransactionError(op, collection, fmt.Errorf("commit: %w", err))
	}
	committed = true
	if err := local(); err != nil {
		s.logger.Warn("remote commit not mirrored in cache", "op", op, "collection", string(collection), "error", err)
		return domain.NewTransactionError(op, collection, err)
	}
	return nil
}

func (s *Store) upsertStmt(c domain.Collection) string {
	return fmt.Sprintf(`INSERT INTO %s(id,payload) VALUES($1,$2) ON CONFLICT(id) DO UPDATE SET payload=EXCLUDED.payload`, s.table(c))
}

func (s *Store) table(c domain.Collection) string {
	return quoteIdent(s.schema) + "." + quoteIdent(string(c))
}

func (s *Store) isKnown(collection domain.Collection) bool {
	_, ok := s.known[collection]
	return ok
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
