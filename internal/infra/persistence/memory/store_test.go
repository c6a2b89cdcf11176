package memory

import (
	"context"
	"errors"
	"testing"

	"microlab/pkg/domain"
)

func TestStorePutGetAllAndSnapshots(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	if err := store.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Open(ctx); err != nil {
		t.Fatalf("second open: %v", err)
	}
	if err := store.Put(ctx, domain.CollectionTickets, domain.Document{"id": "t2", "empresa": "Beta"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, domain.CollectionTickets, domain.Document{"id": "t1", "empresa": "ACME"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	docs, err := store.GetAll(ctx, domain.CollectionTickets)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(docs) != 2 || docs[0]["id"] != "t1" || docs[1]["id"] != "t2" {
		t.Fatalf("unexpected docs %#v", docs)
	}

	docs[0]["empresa"] = "mutated"
	again, _, err := store.Get(ctx, domain.CollectionTickets, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again["empresa"] != "ACME" {
		t.Fatalf("store state leaked to caller")
	}

	snapshot := store.ExportState()
	store.ImportState(Snapshot{})
	if docs, _ := store.GetAll(ctx, domain.CollectionTickets); len(docs) != 0 {
		t.Fatalf("expected cleared state")
	}
	store.ImportState(snapshot)
	if docs, _ := store.GetAll(ctx, domain.CollectionTickets); len(docs) != 2 {
		t.Fatalf("expected restored state")
	}
}

func TestStorePutOverwritesOnIDCollision(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	_ = store.Put(ctx, domain.CollectionSettings, domain.Document{"id": "config", "tollPrice": "135"})
	_ = store.Put(ctx, domain.CollectionSettings, domain.Document{"id": "config", "tollPrice": "140"})
	docs, _ := store.GetAll(ctx, domain.CollectionSettings)
	if len(docs) != 1 || docs[0]["tollPrice"] != "140" {
		t.Fatalf("expected single overwritten settings doc, got %#v", docs)
	}
}

func TestStoreMergePolicies(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	err := store.Merge(ctx, domain.CollectionTickets, "missing", domain.Document{"status": "Urgente"}, false)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Merge(ctx, domain.CollectionTickets, "created", domain.Document{"status": "Urgente"}, true); err != nil {
		t.Fatalf("merge create: %v", err)
	}
	doc, ok, _ := store.Get(ctx, domain.CollectionTickets, "created")
	if !ok || doc["id"] != "created" || doc["status"] != "Urgente" {
		t.Fatalf("expected minimal record, got %#v", doc)
	}

	_ = store.Put(ctx, domain.CollectionTickets, domain.Document{"id": "t1", "empresa": "ACME"})
	if err := store.Merge(ctx, domain.CollectionTickets, "t1", domain.Document{"status": "Urgente"}, false); err != nil {
		t.Fatalf("merge: %v", err)
	}
	doc, _, _ = store.Get(ctx, domain.CollectionTickets, "t1")
	if doc["empresa"] != "ACME" || doc["status"] != "Urgente" {
		t.Fatalf("merge lost fields: %#v", doc)
	}
	if NewStoreWithOptions(Options{CreateOnMissingUpdate: true}).CreateOnMissingUpdate() != true {
		t.Fatalf("expected policy to be reported")
	}
}

func TestStoreBatchIsAllOrNothing(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	err := store.PutBatch(ctx, domain.CollectionContacts, []domain.Document{
		{"id": "c1", "company": "A"},
		{"company": "no id"},
	})
	if !errors.Is(err, domain.ErrInvalidDocument) {
		t.Fatalf("expected invalid document, got %v", err)
	}
	if docs, _ := store.GetAll(ctx, domain.CollectionContacts); len(docs) != 0 {
		t.Fatalf("expected no partial application, got %#v", docs)
	}
}

func TestStoreDeleteClearAndUnknownCollections(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	_ = store.Put(ctx, domain.CollectionInventory, domain.Document{"id": "i1"})
	_ = store.Put(ctx, domain.CollectionInventory, domain.Document{"id": "i2"})
	if err := store.Delete(ctx, domain.CollectionInventory, "i1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, domain.CollectionInventory, "i1"); err != nil {
		t.Fatalf("second delete must be a no-op: %v", err)
	}
	if err := store.Clear(ctx, domain.CollectionInventory); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if docs, _ := store.GetAll(ctx, domain.CollectionInventory); len(docs) != 0 {
		t.Fatalf("expected empty collection")
	}

	docs, err := store.GetAll(ctx, "unknown")
	if err != nil || len(docs) != 0 {
		t.Fatalf("unknown collection read should be empty, got %v %v", docs, err)
	}
	if err := store.Put(ctx, "unknown", domain.Document{"id": "x"}); !errors.Is(err, domain.ErrUnknownCollection) {
		t.Fatalf("expected unknown collection error, got %v", err)
	}
}

func TestStoreClosed(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := store.GetAll(ctx, domain.CollectionTickets); !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	if err := store.Put(ctx, domain.CollectionTickets, domain.Document{"id": "x"}); !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	if err := store.Open(ctx); !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected open after close to fail, got %v", err)
	}
}

func TestReplaceCollection(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	_ = store.Put(ctx, domain.CollectionContacts, domain.Document{"id": "old"})
	if err := store.ReplaceCollection(domain.CollectionContacts, []domain.Document{{"id": "new"}}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	docs, _ := store.GetAll(ctx, domain.CollectionContacts)
	if len(docs) != 1 || docs[0]["id"] != "new" {
		t.Fatalf("unexpected docs %#v", docs)
	}
	if err := store.ReplaceCollection(domain.CollectionContacts, []domain.Document{{"name": "x"}}); !errors.Is(err, domain.ErrInvalidDocument) {
		t.Fatalf("expected invalid document, got %v", err)
	}
}
