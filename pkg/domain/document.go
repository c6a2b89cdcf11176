package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// IDField is the document key holding the identifier within a collection.
const IDField = "id"

// Document is a loosely typed record. Values are restricted to the JSON kinds:
// string, float64, bool, nil, []any and nested map[string]any.
type Document map[string]any

// ID returns the document identifier, if one is present and usable.
func (d Document) ID() (string, bool) {
	return DocumentID(d)
}

// DocumentID extracts the identifier of doc. Numeric identifiers are accepted
// and rendered in their decimal form.
func DocumentID(doc Document) (string, bool) {
	if doc == nil {
		return "", false
	}
	raw, ok := doc[IDField]
	if !ok || raw == nil {
		return "", false
	}
	var id string
	switch v := raw.(type) {
	case string:
		id = v
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			id = strconv.FormatFloat(v, 'f', -1, 64)
		} else {
			id = strconv.FormatFloat(v, 'g', -1, 64)
		}
	case float32:
		id = strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		id = strconv.Itoa(v)
	case int64:
		id = strconv.FormatInt(v, 10)
	case int32:
		id = strconv.FormatInt(int64(v), 10)
	case uint64:
		id = strconv.FormatUint(v, 10)
	case json.Number:
		id = v.String()
	default:
		return "", false
	}
	id = strings.TrimSpace(id)
	return id, id != ""
}

// NormalizeDocument converts doc into its canonical JSON representation so that
// every backend stores and returns the same value kinds. The identifier, when
// present, is rewritten as a string.
func NormalizeDocument(doc Document) (Document, error) {
	if doc == nil {
		return Document{}, nil
	}
	raw, err := json.Marshal(map[string]any(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if out == nil {
		out = Document{}
	}
	if id, ok := DocumentID(out); ok {
		out[IDField] = id
	}
	return out, nil
}

// WithID returns a normalized copy of doc carrying id.
func WithID(doc Document, id string) (Document, error) {
	out, err := NormalizeDocument(doc)
	if err != nil {
		return nil, err
	}
	out[IDField] = id
	return out, nil
}

// MergeDocument overlays the top-level fields of partial onto existing. Fields
// absent from partial are preserved; nested values are replaced, not merged.
// The identifier of existing always wins.
func MergeDocument(existing, partial Document) Document {
	out := make(Document, len(existing)+len(partial))
	for k, v := range existing {
		out[k] = cloneValue(v)
	}
	for k, v := range partial {
		if k == IDField {
			continue
		}
		out[k] = cloneValue(v)
	}
	if id, ok := DocumentID(existing); ok {
		out[IDField] = id
	}
	return out
}

// CloneDocument deep-copies doc.
func CloneDocument(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

// CloneDocuments deep-copies every document in docs.
func CloneDocuments(docs []Document) []Document {
	out := make([]Document, len(docs))
	for i, doc := range docs {
		out[i] = CloneDocument(doc)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = cloneValue(inner)
		}
		return out
	case Document:
		return map[string]any(CloneDocument(val))
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return val
	}
}
