package domain

import "context"

// Driver identifies a concrete record store implementation.
type Driver string

const (
	DriverMemory   Driver = "memory"   // in-memory only (tests / ephemeral)
	DriverSQLite   Driver = "sqlite"   // embedded sqlite file
	DriverPostgres Driver = "postgres" // remote PostgreSQL with local cache
)

// RecordStore is the durable, collection-scoped storage contract implemented by
// every backend. All operations are scoped to one collection; no atomicity is
// provided across collections.
//
// Put is an upsert for every backend, so adding a document whose id already
// exists overwrites it. Merge reports ErrNotFound for a missing id unless
// createMissing is set.
type RecordStore interface {
	// Open creates the physical sub-stores for the known collections. It is
	// idempotent and safe for concurrent use.
	Open(ctx context.Context) error
	// GetAll returns every document of the collection. An unknown collection
	// yields an empty result.
	GetAll(ctx context.Context, collection Collection) ([]Document, error)
	Get(ctx context.Context, collection Collection, id string) (Document, bool, error)
	Put(ctx context.Context, collection Collection, doc Document) error
	// PutBatch upserts every document within one engine transaction.
	PutBatch(ctx context.Context, collection Collection, docs []Document) error
	Merge(ctx context.Context, collection Collection, id string, partial Document, createMissing bool) error
	// Delete removes the document; a missing id is not an error.
	Delete(ctx context.Context, collection Collection, id string) error
	Clear(ctx context.Context, collection Collection) error
	Driver() Driver
	Close() error
}

// Refresher is implemented by stores that cache a remote source and can pull
// a fresh copy of a collection on demand.
type Refresher interface {
	Refresh(ctx context.Context, collection Collection) error
}

// UpdatePolicy is implemented by stores that define how updates of missing
// documents behave. Stores that do not implement it reject such updates.
type UpdatePolicy interface {
	CreateOnMissingUpdate() bool
}
