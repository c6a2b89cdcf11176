// Package sqlite provides the embedded record store: one SQLite database file
// with one table per collection, each row holding a JSON document keyed by id.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"microlab/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var (
	_ domain.RecordStore  = (*Store)(nil)
	_ domain.UpdatePolicy = (*Store)(nil)
)

const (
	// DatabaseName is the logical name recorded in the meta table.
	DatabaseName = "MicrolabDB"
	// DatabaseVersion is the schema version this build creates.
	DatabaseVersion = 1

	defaultPath = "microlab.db"
)

var sqlOpen = sql.Open

// Options tunes the embedded store.
type Options struct {
	// Collections lists the tables to create; defaults to domain.DefaultCollections.
	Collections []domain.Collection
	// StrictUpdates makes Merge reject missing ids instead of creating them.
	StrictUpdates bool
}

// Store persists documents in SQLite. Update of a missing id creates a
// minimal record unless StrictUpdates is set.
type Store struct {
	db          *sql.DB
	path        string
	collections []domain.Collection
	known       map[domain.Collection]struct{}
	strict      bool

	openMu sync.Mutex
	opened bool
}

// NewStore opens the database file at path (default microlab.db). Tables are
// created lazily by Open or by the first operation.
func NewStore(path string, opts Options) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sqlOpen("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps transactions from
	// tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	collections := opts.Collections
	if len(collections) == 0 {
		collections = domain.DefaultCollections
	}
	known := make(map[domain.Collection]struct{}, len(collections))
	for _, c := range collections {
		if err := c.Validate(); err != nil {
			_ = db.Close()
			return nil, err
		}
		known[c] = struct{}{}
	}
	return &Store{
		db:          db,
		path:        path,
		collections: append([]domain.Collection(nil), collections...),
		known:       known,
		strict:      opts.StrictUpdates,
	}, nil
}

// Driver returns the store driver identifier.
func (s *Store) Driver() domain.Driver { return domain.DriverSQLite }

// CreateOnMissingUpdate reports the store's update-on-missing policy.
func (s *Store) CreateOnMissingUpdate() bool { return !s.strict }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Open creates the meta table and one table per collection. Concurrent callers
// wait for the first initialization; once it succeeded, calls are no-ops.
func (s *Store) Open(ctx context.Context) error {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	if s.opened {
		return nil
	}
	if err := s.createSchema(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	s.opened = true
	return nil
}

func (s *Store) createSchema(ctx context.Context) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO meta(key,value) VALUES('name',?),('version',?) ON CONFLICT(key) DO NOTHING`,
		DatabaseName, strconv.Itoa(DatabaseVersion)); err != nil {
		return fmt.Errorf("seed meta: %w", err)
	}
	var version string
	if err := tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='version'`).Scan(&version); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if v, err := strconv.Atoi(version); err != nil || v > DatabaseVersion {
		return fmt.Errorf("database version %s not supported by this build (max %d)", version, DatabaseVersion)
	}
	for _, c := range s.collections {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			payload BLOB NOT NULL
		)`, quoteIdent(c))
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create %s table: %w", c, err)
		}
	}
	return tx.Commit()
}

// GetAll returns every document of collection ordered by id.
func (s *Store) GetAll(ctx context.Context, collection domain.Collection) ([]domain.Document, error) {
	if !s.isKnown(collection) {
		return []domain.Document{}, nil
	}
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, payload FROM %s ORDER BY id`, quoteIdent(collection)))
	if err != nil {
		return nil, domain.NewTransactionError("get all", collection, err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]domain.Document, 0)
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, domain.NewTransactionError("get all", collection, fmt.Errorf("scan: %w", err))
		}
		doc, err := decodePayload(payload)
		if err != nil {
			return nil, domain.NewTransactionError("get all", collection, fmt.Errorf("decode %s: %w", id, err))
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewTransactionError("get all", collection, err)
	}
	return out, nil
}

// Get returns the document with id.
func (s *Store) Get(ctx context.Context, collection domain.Collection, id string) (domain.Document, bool, error) {
	if !s.isKnown(collection) {
		return nil, false, nil
	}
	if err := s.Open(ctx); err != nil {
		return nil, false, err
	}
	doc, ok, err := getRow(ctx, s.db, collection, id)
	if err != nil {
		return nil, false, domain.NewTransactionError("get", collection, err)
	}
	return doc, ok, nil
}

// Put inserts or overwrites doc keyed by its id.
func (s *Store) Put(ctx context.Context, collection domain.Collection, doc domain.Document) error {
	return s.PutBatch(ctx, collection, []domain.Document{doc})
}

// PutBatch upserts every document in a single transaction.
func (s *Store) PutBatch(ctx context.Context, collection domain.Collection, docs []domain.Document) error {
	type row struct {
		id      string
		payload []byte
	}
	rows := make([]row, 0, len(docs))
	for _, doc := range docs {
		normalized, err := domain.NormalizeDocument(doc)
		if err != nil {
			return err
		}
		id, ok := domain.DocumentID(normalized)
		if !ok {
			return fmt.Errorf("%w: document without %s", domain.ErrInvalidDocument, domain.IDField)
		}
		payload, err := json.Marshal(normalized)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidDocument, err)
		}
		rows = append(rows, row{id: id, payload: payload})
	}
	return s.inTx(ctx, "put", collection, func(tx *sql.Tx) error {
		stmt := fmt.Sprintf(`INSERT INTO %s(id,payload) VALUES(?,?) ON CONFLICT(id) DO UPDATE SET payload=excluded.payload`, quoteIdent(collection))
		for _, r := range rows {
			if _, err := tx.ExecContext(ctx, stmt, r.id, r.payload); err != nil {
				return fmt.Errorf("upsert %s: %w", r.id, err)
			}
		}
		return nil
	})
}

// Merge overlays partial onto the document with id within one transaction.
func (s *Store) Merge(ctx context.Context, collection domain.Collection, id string, partial domain.Document, createMissing bool) error {
	normalized, err := domain.NormalizeDocument(partial)
	if err != nil {
		return err
	}
	return s.inTx(ctx, "merge", collection, func(tx *sql.Tx) error {
		existing, ok, err := getRow(ctx, tx, collection, id)
		if err != nil {
			return err
		}
		if !ok {
			if !createMissing {
				return domain.NotFoundError{Collection: collection, ID: id}
			}
			existing = domain.Document{domain.IDField: id}
		}
		payload, err := json.Marshal(domain.MergeDocument(existing, normalized))
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidDocument, err)
		}
		stmt := fmt.Sprintf(`INSERT INTO %s(id,payload) VALUES(?,?) ON CONFLICT(id) DO UPDATE SET payload=excluded.payload`, quoteIdent(collection))
		if _, err := tx.ExecContext(ctx, stmt, id, payload); err != nil {
			return fmt.Errorf("upsert %s: %w", id, err)
		}
		return nil
	})
}

// Delete removes the document with id; missing ids are ignored.
func (s *Store) Delete(ctx context.Context, collection domain.Collection, id string) error {
	return s.inTx(ctx, "delete", collection, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, quoteIdent(collection)), id)
		return err
	})
}

// Clear removes every document of collection.
func (s *Store) Clear(ctx context.Context, collection domain.Collection) error {
	return s.inTx(ctx, "clear", collection, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, quoteIdent(collection)))
		return err
	})
}

func (s *Store) inTx(ctx context.Context, op string, collection domain.Collection, fn func(*sql.Tx) error) (retErr error) {
	if !s.isKnown(collection) {
		return fmt.Errorf("%w: %s", domain.ErrUnknownCollection, collection)
	}
	if err := s.Open(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewTransactionError(op, collection, fmt.Errorf("begin: %w", err))
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return domain.NewTransactionError(op, collection, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.NewTransactionError(op, collection, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *Store) isKnown(collection domain.Collection) bool {
	_, ok := s.known[collection]
	return ok
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRow(ctx context.Context, q queryRower, collection domain.Collection, id string) (domain.Document, bool, error) {
	var payload []byte
	err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT payload FROM %s WHERE id = ?`, quoteIdent(collection)), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select %s: %w", id, err)
	}
	doc, err := decodePayload(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", id, err)
	}
	return doc, true, nil
}

func decodePayload(payload []byte) (domain.Document, error) {
	var doc domain.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = domain.Document{}
	}
	return doc, nil
}

// quoteIdent is safe for validated collection names only.
func quoteIdent(c domain.Collection) string {
	return `"` + string(c) + `"`
}
