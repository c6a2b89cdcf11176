package backup

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"microlab/pkg/domain"
)

// Format selects the encoding of collection files.
type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

type codec interface {
	marshal(docs []domain.Document) ([]byte, error)
	unmarshal(data []byte) ([]domain.Document, error)
	contentType() string
}

func codecFor(f Format) (codec, error) {
	switch f {
	case FormatJSON, "":
		return jsonCodec{}, nil
	case FormatCBOR:
		return newCBORCodec()
	default:
		return nil, fmt.Errorf("unknown backup format %q", f)
	}
}

type jsonCodec struct{}

func (jsonCodec) marshal(docs []domain.Document) ([]byte, error) {
	return json.MarshalIndent(docs, "", "  ")
}

func (jsonCodec) unmarshal(data []byte) ([]domain.Document, error) {
	var docs []domain.Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (jsonCodec) contentType() string { return "application/json" }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() (codec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: enc, dec: dec}, nil
}

func (c cborCodec) marshal(docs []domain.Document) ([]byte, error) {
	return c.enc.Marshal(docs)
}

// unmarshal decodes documents and maps CBOR integers back to the JSON number
// kind used by every record store.
func (c cborCodec) unmarshal(data []byte) ([]domain.Document, error) {
	var raw []map[string]any
	if err := c.dec.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	docs := make([]domain.Document, 0, len(raw))
	for i, m := range raw {
		doc, err := domain.NormalizeDocument(domain.Document(m))
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (cborCodec) contentType() string { return "application/cbor" }
