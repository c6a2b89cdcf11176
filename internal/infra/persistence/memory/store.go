// Package memory provides an in-memory implementation of the record store used
// for tests, ephemeral environments and as the local cache of remote backends.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"microlab/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var (
	_ domain.RecordStore  = (*Store)(nil)
	_ domain.UpdatePolicy = (*Store)(nil)
)

type (
	// Document aliases domain.Document for in-memory persistence operations.
	Document = domain.Document
	// Collection aliases domain.Collection.
	Collection = domain.Collection
)

type memoryState map[Collection]map[string]Document

// Snapshot captures a point-in-time clone of the store state, keyed by
// collection and then by document id.
type Snapshot map[Collection]map[string]Document

func newMemoryState(collections []Collection) memoryState {
	state := make(memoryState, len(collections))
	for _, c := range collections {
		state[c] = make(map[string]Document)
	}
	return state
}

func (s memoryState) clone() memoryState {
	out := make(memoryState, len(s))
	for c, docs := range s {
		cp := make(map[string]Document, len(docs))
		for id, doc := range docs {
			cp[id] = domain.CloneDocument(doc)
		}
		out[c] = cp
	}
	return out
}

// Options tunes a memory store.
type Options struct {
	// Collections lists the sub-stores to create; defaults to domain.DefaultCollections.
	Collections []Collection
	// CreateOnMissingUpdate makes Merge create a minimal record for a missing id.
	CreateOnMissingUpdate bool
}

// Store is a mutex-guarded map of collections. Documents are deep-copied on the
// way in and out so callers never share state with the store.
type Store struct {
	mu            sync.RWMutex
	state         memoryState
	collections   []Collection
	createMissing bool
	closed        bool
}

// NewStore constructs an in-memory store with the default collections.
func NewStore() *Store {
	return NewStoreWithOptions(Options{})
}

// NewStoreWithOptions constructs an in-memory store using opts.
func NewStoreWithOptions(opts Options) *Store {
	collections := opts.Collections
	if len(collections) == 0 {
		collections = domain.DefaultCollections
	}
	collections = append([]Collection(nil), collections...)
	return &Store{
		state:         newMemoryState(collections),
		collections:   collections,
		createMissing: opts.CreateOnMissingUpdate,
	}
}

// Driver returns the store driver identifier.
func (s *Store) Driver() domain.Driver { return domain.DriverMemory }

// CreateOnMissingUpdate reports the store's update-on-missing policy.
func (s *Store) CreateOnMissingUpdate() bool { return s.createMissing }

// Open ensures every configured collection exists. Repeated calls are no-ops.
func (s *Store) Open(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store: %w", domain.ErrStorageUnavailable)
	}
	for _, c := range s.collections {
		if _, ok := s.state[c]; !ok {
			s.state[c] = make(map[string]Document)
		}
	}
	return nil
}

// Close marks the store closed; further calls fail with ErrStorageUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Collections returns the configured collections.
func (s *Store) Collections() []Collection {
	return append([]Collection(nil), s.collections...)
}

// GetAll returns every document of collection ordered by id.
func (s *Store) GetAll(_ context.Context, collection Collection) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("memory store: %w", domain.ErrStorageUnavailable)
	}
	docs := s.state[collection]
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.CloneDocument(docs[id]))
	}
	return out, nil
}

// Get returns a copy of the document with id.
func (s *Store) Get(_ context.Context, collection Collection, id string) (Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, fmt.Errorf("memory store: %w", domain.ErrStorageUnavailable)
	}
	doc, ok := s.state[collection][id]
	if !ok {
		return nil, false, nil
	}
	return domain.CloneDocument(doc), true, nil
}

// Put inserts or overwrites doc keyed by its id.
func (s *Store) Put(ctx context.Context, collection Collection, doc Document) error {
	return s.PutBatch(ctx, collection, []Document{doc})
}

// PutBatch upserts every document; either all documents are applied or none.
func (s *Store) PutBatch(_ context.Context, collection Collection, docs []Document) error {
	prepared := make([]Document, 0, len(docs))
	for _, doc := range docs {
		normalized, err := domain.NormalizeDocument(doc)
		if err != nil {
			return err
		}
		if _, ok := domain.DocumentID(normalized); !ok {
			return fmt.Errorf("%w: document without %s", domain.ErrInvalidDocument, domain.IDField)
		}
		prepared = append(prepared, normalized)
	}
	return s.mutate(collection, func(docs map[string]Document) error {
		for _, doc := range prepared {
			id, _ := domain.DocumentID(doc)
			docs[id] = doc
		}
		return nil
	})
}

// Merge overlays partial onto the stored document with id.
func (s *Store) Merge(_ context.Context, collection Collection, id string, partial Document, createMissing bool) error {
	normalized, err := domain.NormalizeDocument(partial)
	if err != nil {
		return err
	}
	return s.mutate(collection, func(docs map[string]Document) error {
		existing, ok := docs[id]
		if !ok {
			if !createMissing {
				return domain.NotFoundError{Collection: collection, ID: id}
			}
			existing = Document{domain.IDField: id}
		}
		docs[id] = domain.MergeDocument(existing, normalized)
		return nil
	})
}

// Delete removes the document with id; missing ids are ignored.
func (s *Store) Delete(_ context.Context, collection Collection, id string) error {
	return s.mutate(collection, func(docs map[string]Document) error {
		delete(docs, id)
		return nil
	})
}

// Clear removes every document of collection.
func (s *Store) Clear(_ context.Context, collection Collection) error {
	return s.mutate(collection, func(docs map[string]Document) error {
		for id := range docs {
			delete(docs, id)
		}
		return nil
	})
}

// mutate applies fn to a copy of the collection and swaps it in on success.
func (s *Store) mutate(collection Collection, fn func(map[string]Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store: %w", domain.ErrStorageUnavailable)
	}
	current, ok := s.state[collection]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownCollection, collection)
	}
	working := make(map[string]Document, len(current))
	for id, doc := range current {
		working[id] = doc
	}
	if err := fn(working); err != nil {
		return err
	}
	s.state[collection] = working
	return nil
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot(s.state.clone())
}

// ImportState replaces the store state with the provided snapshot. Configured
// collections missing from the snapshot are reset to empty.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := memoryState(snapshot).clone()
	for _, c := range s.collections {
		if _, ok := next[c]; !ok {
			next[c] = make(map[string]Document)
		}
	}
	s.state = next
}

// ReplaceCollection swaps the contents of one collection.
func (s *Store) ReplaceCollection(collection Collection, docs []Document) error {
	return s.mutate(collection, func(current map[string]Document) error {
		for id := range current {
			delete(current, id)
		}
		for _, doc := range docs {
			id, ok := domain.DocumentID(doc)
			if !ok {
				return fmt.Errorf("%w: document without %s", domain.ErrInvalidDocument, domain.IDField)
			}
			current[id] = domain.CloneDocument(doc)
		}
		return nil
	})
}
