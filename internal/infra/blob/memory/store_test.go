package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"microlab/internal/blob/core"
)

func TestStoreMissingKeys(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, err := store.Head(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if ok, err := store.Delete(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected delete false, got %v %v", ok, err)
	}
}

func TestStoreLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()
	meta := map[string]string{"collection": "contacts"}
	info, err := store.Put(ctx, "b1/contacts.json", strings.NewReader("[]"), core.PutOptions{ContentType: "application/json", Metadata: meta})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	meta["collection"] = "mutated"
	if info.ETag == "" || info.Size != 2 {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "b1/contacts.json", strings.NewReader("[1]"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := store.Put(ctx, " ", strings.NewReader(""), core.PutOptions{}); !errors.Is(err, core.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}

	head, _ := store.Head(ctx, "b1/contacts.json")
	if head.Metadata["collection"] != "contacts" {
		t.Fatalf("metadata must be copied on put, got %v", head.Metadata)
	}
	head.Metadata["collection"] = "changed"
	again, _, _ := store.Get(ctx, "b1/contacts.json")
	if again.Metadata["collection"] != "contacts" {
		t.Fatalf("metadata must be copied on read")
	}

	_, _ = store.Put(ctx, "b2/contacts.json", strings.NewReader("[]"), core.PutOptions{})
	if list, _ := store.List(ctx, "b1/"); len(list) != 1 {
		t.Fatalf("expected prefix filter, got %+v", list)
	}
	list, _ := store.List(ctx, "")
	if len(list) != 2 || list[0].Key != "b1/contacts.json" {
		t.Fatalf("expected sorted list, got %+v", list)
	}

	_, rc, err := store.Get(ctx, "b2/contacts.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	if string(body) != "[]" {
		t.Fatalf("unexpected body %q", body)
	}
	if ok, _ := store.Delete(ctx, "b2/contacts.json"); !ok {
		t.Fatalf("expected delete true")
	}
	if _, err := store.PresignURL(ctx, "b1/contacts.json", core.SignedURLOptions{}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
	if store.Driver() != core.DriverMemory {
		t.Fatalf("unexpected driver")
	}
}
