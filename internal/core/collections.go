package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"microlab/pkg/domain"
)

// AddResult reports the identifier under which Add stored a document.
type AddResult struct {
	ID string `json:"id"`
}

// Option configures a Collections instance.
type Option func(*Collections)

// WithLogger sets the logger. *slog.Logger satisfies Logger.
func WithLogger(logger Logger) Option {
	return func(c *Collections) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetricsRecorder sets the per-operation metrics hook.
func WithMetricsRecorder(metrics MetricsRecorder) Option {
	return func(c *Collections) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// WithTracer sets the per-operation tracing hook.
func WithTracer(tracer Tracer) Option {
	return func(c *Collections) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithNotifier shares an existing notifier instead of creating one.
func WithNotifier(n *Notifier) Option {
	return func(c *Collections) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithIDGenerator replaces domain.NewID for documents added without an id.
func WithIDGenerator(gen func() string) Option {
	return func(c *Collections) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// WithCollectionNames sets the names reported by Collections().
func WithCollectionNames(names []domain.Collection) Option {
	return func(c *Collections) {
		if len(names) > 0 {
			c.names = append([]domain.Collection(nil), names...)
		}
	}
}

// Collections is the backend-agnostic read/write/subscribe surface. Mutations
// on one collection are serialized by a per-collection lock that also covers
// reading and publishing the resulting snapshot, so subscribers observe
// snapshots in commit order and never a partial write.
type Collections struct {
	store    domain.RecordStore
	notifier *Notifier
	ownsNote bool
	names    []domain.Collection

	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	newID   func() string

	locksMu sync.Mutex
	locks   map[domain.Collection]*sync.Mutex
}

// NewCollections binds the API to store. A nil store is accepted and makes
// every mutation fail with domain.ErrStorageUnavailable while subscriptions
// receive empty snapshots.
func NewCollections(store domain.RecordStore, opts ...Option) *Collections {
	c := &Collections{
		store:   store,
		names:   append([]domain.Collection(nil), domain.DefaultCollections...),
		logger:  noopLogger{},
		metrics: noopMetrics{},
		tracer:  noopTracer{},
		newID:   domain.NewID,
		locks:   make(map[domain.Collection]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notifier == nil {
		c.notifier = NewNotifier(c.logger)
		c.ownsNote = true
	}
	return c
}

// Collections lists the known collection names.
func (c *Collections) Collections() []domain.Collection {
	return append([]domain.Collection(nil), c.names...)
}

// Notifier exposes the notifier backing subscriptions.
func (c *Collections) Notifier() *Notifier { return c.notifier }

// Store returns the bound record store, or nil.
func (c *Collections) Store() domain.RecordStore { return c.store }

// Close stops every subscription when the notifier is owned by this instance.
func (c *Collections) Close() {
	if c.ownsNote {
		c.notifier.Close()
	}
}

func (c *Collections) lockFor(name domain.Collection) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	mu, ok := c.locks[name]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[name] = mu
	}
	return mu
}

// Subscribe registers callback for name. The callback first receives the
// current snapshot and then one snapshot per committed mutation. Unknown
// collections and an unavailable backend yield empty snapshots.
func (c *Collections) Subscribe(ctx context.Context, name domain.Collection, callback SnapshotFunc) Unsubscribe {
	op := operationName("subscribe", string(name))
	ctx, span := c.tracer.Start(ctx, op)
	start := time.Now()

	mu := c.lockFor(name)
	mu.Lock()
	docs := c.readLocked(ctx, name)
	unsubscribe := c.notifier.subscribe(name, callback, docs)
	mu.Unlock()

	c.metrics.Observe(ctx, op, true, time.Since(start))
	span.End(nil)
	c.logger.Debug("collection subscribed", "collection", string(name), "documents", len(docs))
	return unsubscribe
}

// Snapshot reads the current contents of name.
func (c *Collections) Snapshot(ctx context.Context, name domain.Collection) (docs []domain.Document, err error) {
	op := operationName("snapshot", string(name))
	ctx, span := c.tracer.Start(ctx, op)
	start := time.Now()
	defer func() {
		c.metrics.Observe(ctx, op, err == nil, time.Since(start))
		span.End(err)
	}()
	if c.store == nil {
		return nil, errBackendNotInitialized
	}
	docs, err = c.store.GetAll(ctx, name)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	return docs, nil
}

// Add stores doc, generating an id when it carries none. An existing document
// with the same id is overwritten.
func (c *Collections) Add(ctx context.Context, name domain.Collection, doc domain.Document) (AddResult, error) {
	var result AddResult
	err := c.mutate(ctx, "add", name, func(ctx context.Context) error {
		normalized, err := domain.NormalizeDocument(doc)
		if err != nil {
			return err
		}
		id, ok := domain.DocumentID(normalized)
		if !ok {
			id = c.newID()
			normalized[domain.IDField] = id
		}
		if err := c.store.Put(ctx, name, normalized); err != nil {
			return err
		}
		result.ID = id
		return nil
	})
	if err != nil {
		return AddResult{}, err
	}
	return result, nil
}

// Update merges partial into the document with id. Whether a missing id is
// created or rejected with domain.ErrNotFound depends on the backend's
// domain.UpdatePolicy.
func (c *Collections) Update(ctx context.Context, name domain.Collection, id string, partial domain.Document) error {
	return c.mutate(ctx, "update", name, func(ctx context.Context) error {
		id, err := requireID(id)
		if err != nil {
			return err
		}
		return c.store.Merge(ctx, name, id, partial, c.createOnMissingUpdate())
	})
}

// Set creates or overwrites the document with id.
func (c *Collections) Set(ctx context.Context, name domain.Collection, id string, doc domain.Document) error {
	return c.mutate(ctx, "set", name, func(ctx context.Context) error {
		id, err := requireID(id)
		if err != nil {
			return err
		}
		normalized, err := domain.WithID(doc, id)
		if err != nil {
			return err
		}
		return c.store.Put(ctx, name, normalized)
	})
}

// Delete removes the document with id. Deleting a missing id succeeds.
func (c *Collections) Delete(ctx context.Context, name domain.Collection, id string) error {
	return c.mutate(ctx, "delete", name, func(ctx context.Context) error {
		id, err := requireID(id)
		if err != nil {
			return err
		}
		return c.store.Delete(ctx, name, id)
	})
}

// ImportBatch stores every document in one transaction, generating ids for
// documents without one, and notifies subscribers once for the whole batch.
// An empty batch writes nothing but still notifies once.
func (c *Collections) ImportBatch(ctx context.Context, name domain.Collection, docs []domain.Document) error {
	return c.mutate(ctx, "import", name, func(ctx context.Context) error {
		prepared, err := c.prepareBatch(docs)
		if err != nil || len(prepared) == 0 {
			return err
		}
		return c.store.PutBatch(ctx, name, prepared)
	})
}

// Replace clears name and stores docs, publishing a single snapshot. The clear
// and the import are separate engine transactions: when the import fails the
// emptied collection is still published and the error returned.
func (c *Collections) Replace(ctx context.Context, name domain.Collection, docs []domain.Document) error {
	return c.mutateCommitted(ctx, "replace", name, func(ctx context.Context) (bool, error) {
		prepared, err := c.prepareBatch(docs)
		if err != nil {
			return false, err
		}
		if err := c.store.Clear(ctx, name); err != nil {
			return false, err
		}
		if len(prepared) == 0 {
			return true, nil
		}
		return true, c.store.PutBatch(ctx, name, prepared)
	})
}

func (c *Collections) prepareBatch(docs []domain.Document) ([]domain.Document, error) {
	prepared := make([]domain.Document, 0, len(docs))
	for i, doc := range docs {
		normalized, err := domain.NormalizeDocument(doc)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		if _, ok := domain.DocumentID(normalized); !ok {
			normalized[domain.IDField] = c.newID()
		}
		prepared = append(prepared, normalized)
	}
	return prepared, nil
}

// Clear removes every document of name.
func (c *Collections) Clear(ctx context.Context, name domain.Collection) error {
	return c.mutate(ctx, "clear", name, func(ctx context.Context) error {
		return c.store.Clear(ctx, name)
	})
}

// Refresh re-pulls name from a remote backend and publishes the result. For
// stores without a remote source it only republishes the current snapshot.
func (c *Collections) Refresh(ctx context.Context, name domain.Collection) error {
	return c.mutate(ctx, "refresh", name, func(ctx context.Context) error {
		if r, ok := c.store.(domain.Refresher); ok {
			return r.Refresh(ctx, name)
		}
		return nil
	})
}

var errBackendNotInitialized = fmt.Errorf("%w: backend not initialized", domain.ErrStorageUnavailable)

// mutate runs fn under the collection lock and, once it committed, publishes
// one snapshot. The publish step ignores cancellation of ctx: a committed
// mutation always notifies.
func (c *Collections) mutate(ctx context.Context, op string, name domain.Collection, fn func(context.Context) error) error {
	return c.mutateCommitted(ctx, op, name, func(ctx context.Context) (bool, error) {
		err := fn(ctx)
		return err == nil, err
	})
}

// mutateCommitted is mutate for operations that may commit and still fail;
// fn reports whether anything was committed.
func (c *Collections) mutateCommitted(ctx context.Context, op string, name domain.Collection, fn func(context.Context) (bool, error)) (err error) {
	opName := operationName(op, string(name))
	ctx, span := c.tracer.Start(ctx, opName)
	start := time.Now()
	defer func() {
		c.metrics.Observe(ctx, opName, err == nil, time.Since(start))
		span.End(err)
	}()
	if c.store == nil {
		return errBackendNotInitialized
	}

	mu := c.lockFor(name)
	mu.Lock()
	defer mu.Unlock()
	committed, err := fn(ctx)
	if err != nil {
		c.logger.Warn("collection mutation failed", "op", op, "collection", string(name), "committed", committed, "error", err)
	}
	if committed {
		c.publishLocked(context.WithoutCancel(ctx), name)
	}
	return err
}

func (c *Collections) publishLocked(ctx context.Context, name domain.Collection) {
	if c.notifier.Subscribers(name) == 0 {
		return
	}
	docs, err := c.store.GetAll(ctx, name)
	if err != nil {
		c.logger.Warn("snapshot after commit failed, retrying", "collection", string(name), "error", err)
		if docs, err = c.store.GetAll(ctx, name); err != nil {
			c.logger.Error("snapshot after commit failed, notification dropped", "collection", string(name), "error", err)
			return
		}
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	c.notifier.Publish(name, docs)
}

// readLocked returns the current snapshot or an empty one when the backend is
// missing or the read fails.
func (c *Collections) readLocked(ctx context.Context, name domain.Collection) []domain.Document {
	if c.store == nil {
		return []domain.Document{}
	}
	docs, err := c.store.GetAll(ctx, name)
	if err != nil {
		c.logger.Warn("initial snapshot unavailable", "collection", string(name), "error", err)
		return []domain.Document{}
	}
	if docs == nil {
		return []domain.Document{}
	}
	return docs
}

func (c *Collections) createOnMissingUpdate() bool {
	if p, ok := c.store.(domain.UpdatePolicy); ok {
		return p.CreateOnMissingUpdate()
	}
	return false
}

func requireID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: empty %s", domain.ErrInvalidDocument, domain.IDField)
	}
	return id, nil
}
