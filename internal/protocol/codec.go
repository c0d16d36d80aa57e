package protocol

import (
	"github.com/danmuck/tcphub/internal/protocol/schema"
	"github.com/danmuck/tcphub/internal/protocol/tlv"
)

// Codec turns documents into frame payloads and back.
type Codec interface {
	Encode(doc Document) ([]byte, error)
	Decode(payload []byte) (Document, error)
}

// TLVCodec encodes documents as a flat TLV field list.
type TLVCodec struct{}

func (TLVCodec) Encode(doc Document) ([]byte, error) {
	if len(doc.Fields) == 0 {
		return nil, ErrEmptyDocument
	}
	return tlv.EncodeFields(doc.TLV()), nil
}

func (TLVCodec) Decode(payload []byte) (Document, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return Document{}, err
	}
	doc := Document{Fields: make([]Field, len(fields))}
	for i, f := range fields {
		doc.Fields[i] = Field(f)
	}
	return doc, nil
}

// DecodeMeta decodes and validates a metadata document.
func DecodeMeta(c Codec, payload []byte) (Document, error) {
	doc, err := c.Decode(payload)
	if err != nil {
		return Document{}, err
	}
	if err := schema.ValidateMeta(doc.TLV()); err != nil {
		return doc, err
	}
	return doc, nil
}

// MetaTID returns the tid of a metadata document.
func MetaTID(d Document) (int64, bool) {
	f, ok := d.Get(schema.FieldTID)
	if !ok {
		return 0, false
	}
	tid, err := f.Int64()
	if err != nil {
		return 0, false
	}
	return tid, true
}
