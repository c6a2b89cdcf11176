package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestDocumentIDCoercesNumbers(t *testing.T) {
	cases := []struct {
		doc  Document
		want string
		ok   bool
	}{
		{Document{"id": "t1"}, "t1", true},
		{Document{"id": float64(1700000000123)}, "1700000000123", true},
		{Document{"id": 42}, "42", true},
		{Document{"id": "  "}, "", false},
		{Document{"id": nil}, "", false},
		{Document{"name": "x"}, "", false},
		{Document{"id": []any{"x"}}, "", false},
		{nil, "", false},
	}
	for _, tc := range cases {
		got, ok := DocumentID(tc.doc)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("DocumentID(%v) = %q,%v want %q,%v", tc.doc, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNormalizeDocumentCanonicalKinds(t *testing.T) {
	doc := Document{
		"id":      7,
		"count":   3,
		"nested":  map[string]any{"list": []string{"a", "b"}},
		"enabled": true,
	}
	out, err := NormalizeDocument(doc)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if out["id"] != "7" {
		t.Fatalf("expected string id, got %#v", out["id"])
	}
	if out["count"] != float64(3) {
		t.Fatalf("expected float64 count, got %#v", out["count"])
	}
	nested, ok := out["nested"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested map, got %T", out["nested"])
	}
	if list, ok := nested["list"].([]any); !ok || len(list) != 2 {
		t.Fatalf("expected []any list, got %#v", nested["list"])
	}
}

func TestNormalizeDocumentRejectsUnsupportedValues(t *testing.T) {
	_, err := NormalizeDocument(Document{"bad": func() {}})
	if !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument, got %v", err)
	}
	if !strings.Contains(err.Error(), "unsupported type") {
		t.Fatalf("expected unsupported type detail, got %v", err)
	}
}

func TestMergeDocumentPreservesFields(t *testing.T) {
	existing := Document{"id": "t1", "empresa": "ACME", "status": "Pendiente"}
	merged := MergeDocument(existing, Document{"status": "Urgente", "id": "other"})
	if merged["id"] != "t1" || merged["empresa"] != "ACME" || merged["status"] != "Urgente" {
		t.Fatalf("unexpected merge result %#v", merged)
	}
	if existing["status"] != "Pendiente" {
		t.Fatalf("merge must not mutate its inputs")
	}
}

func TestCloneDocumentIsDeep(t *testing.T) {
	orig := Document{"logbook": []any{map[string]any{"note": "a"}}}
	clone := CloneDocument(orig)
	clone["logbook"].([]any)[0].(map[string]any)["note"] = "b"
	if orig["logbook"].([]any)[0].(map[string]any)["note"] != "a" {
		t.Fatalf("clone shares nested state")
	}
}

func TestNewIDUniqueAndOrdered(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	prev := ""
	for i := 0; i < 1000; i++ {
		id := NewID()
		if id == "" {
			t.Fatalf("empty id")
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
		if prev != "" && id[:8] < prev[:8] {
			t.Fatalf("ids not time ordered: %s before %s", prev, id)
		}
		prev = id
	}
}

func TestErrorTaxonomy(t *testing.T) {
	nf := NotFoundError{Collection: CollectionTickets, ID: "t9"}
	if !errors.Is(nf, ErrNotFound) {
		t.Fatalf("NotFoundError must match ErrNotFound")
	}
	if nf.Error() != "tickets t9 not found" {
		t.Fatalf("unexpected message %q", nf.Error())
	}
	cause := errors.New("disk I/O error")
	err := NewTransactionError("put", CollectionContacts, cause)
	if !errors.Is(err, ErrTransactionFailure) || !errors.Is(err, cause) {
		t.Fatalf("expected transaction failure wrapping cause, got %v", err)
	}
	if got := NewTransactionError("merge", CollectionTickets, nf); !errors.Is(got, ErrNotFound) || errors.Is(got, ErrTransactionFailure) {
		t.Fatalf("not found must pass through unchanged, got %v", got)
	}
	if NewTransactionError("put", CollectionTickets, nil) != nil {
		t.Fatalf("nil error must stay nil")
	}
}

func TestCollectionValidate(t *testing.T) {
	for _, c := range DefaultCollections {
		if err := c.Validate(); err != nil {
			t.Fatalf("default collection %s invalid: %v", c, err)
		}
	}
	for _, bad := range []Collection{"", "Tickets", "drop table", "a;b", "1x"} {
		if err := bad.Validate(); !errors.Is(err, ErrUnknownCollection) {
			t.Fatalf("expected %q to be rejected, got %v", bad, err)
		}
	}
}

func TestDecodeEncodeTicket(t *testing.T) {
	doc := Document{
		"id":      "t1",
		"empresa": "ACME",
		"status":  "Urgente",
		"logbook": []any{map[string]any{"id": float64(1), "type": "move", "odo": "1200"}},
		"extra":   "ignored",
	}
	ticket, err := DecodeDocument[Ticket](doc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ticket.Company != "ACME" || ticket.Status != TicketStatusUrgent || len(ticket.Logbook) != 1 || ticket.Logbook[0].Odometer != "1200" {
		t.Fatalf("unexpected ticket %#v", ticket)
	}
	back, err := EncodeDocument(ticket)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if back["empresa"] != "ACME" || back["id"] != "t1" {
		t.Fatalf("unexpected encoded document %#v", back)
	}
	if _, err := EncodeDocument(42); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected non-object value to be rejected, got %v", err)
	}
}
