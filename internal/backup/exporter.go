// Package backup writes point-in-time copies of the collections to a blob
// store and restores them through the Collection API, so that subscribers see
// a restore like any other mutation.
//
// A backup is laid out as
//
//	backups/<id>/<collection>.<json|cbor>
//	backups/<id>/manifest.json
//
// where the manifest is written last and marks the backup complete.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"sort"
	"strings"
	"time"

	"microlab/internal/blob"
	"microlab/internal/core"
	"microlab/pkg/domain"
)

const (
	// Prefix is the key prefix of every backup.
	Prefix = "backups/"
	// ManifestName is the object completing a backup.
	ManifestName = "manifest.json"

	idLayout = "20060102T150405.000Z"
)

// ErrNotFound reports an unknown backup id or collection.
var ErrNotFound = errors.New("backup not found")

// Manifest describes one backup.
type Manifest struct {
	ID          string          `json:"id"`
	CreatedAt   time.Time       `json:"createdAt"`
	Format      Format          `json:"format"`
	Backend     domain.Driver   `json:"backend"`
	Collections []CollectionRef `json:"collections"`
}

// CollectionRef locates the file of one collection inside a backup.
type CollectionRef struct {
	Name      domain.Collection `json:"name"`
	Key       string            `json:"key"`
	Documents int               `json:"documents"`
	Size      int64             `json:"size"`
	ETag      string            `json:"etag,omitempty"`
}

// Collection returns the entry for name.
func (m Manifest) Collection(name domain.Collection) (CollectionRef, bool) {
	for _, ref := range m.Collections {
		if ref.Name == name {
			return ref, true
		}
	}
	return CollectionRef{}, false
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithFormat selects the collection file encoding (default json).
func WithFormat(f Format) Option { return func(e *Exporter) { e.format = f } }

// WithLogger sets the logger; nil discards.
func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock replaces time.Now for backup ids.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) {
		if now != nil {
			e.now = now
		}
	}
}

// Exporter moves collection snapshots between the Collection API and a blob
// store.
type Exporter struct {
	collections *core.Collections
	store       blob.Store
	format      Format
	codec       codec
	logger      *slog.Logger
	now         func() time.Time
}

// NewExporter binds collections to store.
func NewExporter(collections *core.Collections, store blob.Store, opts ...Option) (*Exporter, error) {
	if collections == nil || store == nil {
		return nil, errors.New("backup: collections and blob store required")
	}
	e := &Exporter{
		collections: collections,
		store:       store,
		format:      FormatJSON,
		logger:      slog.New(slog.DiscardHandler),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	c, err := codecFor(e.format)
	if err != nil {
		return nil, err
	}
	e.codec = c
	return e, nil
}

// Export writes a snapshot of every collection and returns the manifest.
func (e *Exporter) Export(ctx context.Context) (Manifest, error) {
	m := Manifest{
		CreatedAt: e.now().UTC(),
		Format:    e.format,
	}
	m.ID = m.CreatedAt.Format(idLayout)
	if store := e.collections.Store(); store != nil {
		m.Backend = store.Driver()
	}
	for _, name := range e.collections.Collections() {
		docs, err := e.collections.Snapshot(ctx, name)
		if err != nil {
			return Manifest{}, fmt.Errorf("snapshot %s: %w", name, err)
		}
		data, err := e.codec.marshal(docs)
		if err != nil {
			return Manifest{}, fmt.Errorf("encode %s: %w", name, err)
		}
		key := path.Join(Prefix, m.ID, string(name)+"."+string(e.format))
		info, err := e.store.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{
			ContentType: e.codec.contentType(),
			Metadata:    map[string]string{"collection": string(name), "documents": fmt.Sprint(len(docs))},
		})
		if err != nil {
			return Manifest{}, fmt.Errorf("write %s: %w", key, err)
		}
		m.Collections = append(m.Collections, CollectionRef{
			Name:      name,
			Key:       key,
			Documents: len(docs),
			Size:      info.Size,
			ETag:      info.ETag,
		})
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Manifest{}, err
	}
	if _, err := e.store.Put(ctx, manifestKey(m.ID), bytes.NewReader(raw), blob.PutOptions{ContentType: "application/json"}); err != nil {
		return Manifest{}, fmt.Errorf("write manifest: %w", err)
	}
	e.logger.Info("backup created", "id", m.ID, "format", string(m.Format), "collections", len(m.Collections), "driver", string(e.store.Driver()))
	return m, nil
}

// List returns the complete backups, newest first. Backups without a manifest
// are skipped.
func (e *Exporter) List(ctx context.Context) ([]Manifest, error) {
	infos, err := e.store.List(ctx, Prefix)
	if err != nil {
		return nil, err
	}
	var out []Manifest
	for _, info := range infos {
		if path.Base(info.Key) != ManifestName {
			continue
		}
		id := path.Base(path.Dir(info.Key))
		m, err := e.Load(ctx, id)
		if err != nil {
			e.logger.Warn("skipping unreadable backup", "id", id, "error", err)
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Load reads the manifest of backup id.
func (e *Exporter) Load(ctx context.Context, id string) (Manifest, error) {
	if err := validateID(id); err != nil {
		return Manifest{}, err
	}
	_, rc, err := e.store.Get(ctx, manifestKey(id))
	if errors.Is(err, blob.ErrNotFound) {
		return Manifest{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Manifest{}, err
	}
	defer func() { _ = rc.Close() }()
	var m Manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", id, err)
	}
	return m, nil
}

// Restore replaces the named collections (all in the backup when none are
// given) with their backed-up contents. Each collection is swapped with a
// single notification. Restore stops at the first failing collection.
func (e *Exporter) Restore(ctx context.Context, id string, only ...domain.Collection) (Manifest, error) {
	m, err := e.Load(ctx, id)
	if err != nil {
		return Manifest{}, err
	}
	c, err := codecFor(m.Format)
	if err != nil {
		return Manifest{}, err
	}
	refs := m.Collections
	if len(only) > 0 {
		refs = nil
		for _, name := range only {
			ref, ok := m.Collection(name)
			if !ok {
				return Manifest{}, fmt.Errorf("%w: %s has no collection %s", ErrNotFound, id, name)
			}
			refs = append(refs, ref)
		}
	}
	restored := m
	restored.Collections = nil
	for _, ref := range refs {
		if !slices.Contains(e.collections.Collections(), ref.Name) {
			e.logger.Warn("skipping collection unknown to this backend", "collection", string(ref.Name))
			continue
		}
		docs, err := e.readCollection(ctx, c, ref)
		if err != nil {
			return restored, err
		}
		if err := e.collections.Replace(ctx, ref.Name, docs); err != nil {
			return restored, fmt.Errorf("restore %s: %w", ref.Name, err)
		}
		restored.Collections = append(restored.Collections, ref)
		e.logger.Info("collection restored", "id", id, "collection", string(ref.Name), "documents", len(docs))
	}
	return restored, nil
}

func (e *Exporter) readCollection(ctx context.Context, c codec, ref CollectionRef) ([]domain.Document, error) {
	_, rc, err := e.store.Get(ctx, ref.Key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref.Key, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref.Key, err)
	}
	docs, err := c.unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", ref.Key, err)
	}
	if len(docs) != ref.Documents {
		return nil, fmt.Errorf("corrupt backup %s: %d documents, manifest lists %d", ref.Key, len(docs), ref.Documents)
	}
	return docs, nil
}

// ShareURL returns a URL from which the collection file of backup id can be
// downloaded. Only stores able to presign support it (blob.ErrUnsupported
// otherwise).
func (e *Exporter) ShareURL(ctx context.Context, id string, name domain.Collection, expiry time.Duration) (string, error) {
	m, err := e.Load(ctx, id)
	if err != nil {
		return "", err
	}
	ref, ok := m.Collection(name)
	if !ok {
		return "", fmt.Errorf("%w: %s has no collection %s", ErrNotFound, id, name)
	}
	return e.store.PresignURL(ctx, ref.Key, blob.SignedURLOptions{Method: "GET", Expiry: expiry})
}

func manifestKey(id string) string {
	return path.Join(Prefix, id, ManifestName)
}

func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: invalid backup id %q", ErrNotFound, id)
	}
	return nil
}
