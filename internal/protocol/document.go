package protocol

import (
	"fmt"
	"strings"

	"github.com/danmuck/tcphub/internal/protocol/schema"
	"github.com/danmuck/tcphub/internal/protocol/tlv"
)

// Document is an ordered list of fields carried in one frame payload.
type Document struct {
	Fields []Field
}

// NewDocument builds a document from fields in order.
func NewDocument(fields ...Field) Document {
	return Document{Fields: fields}
}

// Add appends fields and returns the document for chaining.
func (d *Document) Add(fields ...Field) *Document {
	d.Fields = append(d.Fields, fields...)
	return d
}

func (d Document) Len() int { return len(d.Fields) }

// Get returns the first field with id.
func (d Document) Get(id uint16) (Field, bool) {
	for _, f := range d.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// Int64 returns the int64 value of field id.
func (d Document) Int64(id uint16) (int64, error) {
	f, ok := d.Get(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingField, schema.Name(id))
	}
	return f.Int64()
}

// Text returns the string value of field id.
func (d Document) Text(id uint16) (string, error) {
	f, ok := d.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingField, schema.Name(id))
	}
	return f.String()
}

// Raw returns the bytes value of field id.
func (d Document) Raw(id uint16) ([]byte, error) {
	f, ok := d.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, schema.Name(id))
	}
	return f.Bytes()
}

// TLV converts the document to wire fields.
func (d Document) TLV() []tlv.Field {
	out := make([]tlv.Field, len(d.Fields))
	for i, f := range d.Fields {
		out[i] = tlv.Field(f)
	}
	return out
}

func (d Document) String() string {
	parts := make([]string, 0, len(d.Fields))
	for _, f := range d.Fields {
		parts = append(parts, fmt.Sprintf("%s:%d", schema.Name(f.ID), len(f.Value)))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// Target addresses a logical endpoint on the server: a service path or an existing proxy id.
// A non-zero CID takes precedence over CSP.
type Target struct {
	CSP string
	CID int64
}

func Service(path string) Target { return Target{CSP: path} }

func Proxy(cid int64) Target { return Target{CID: cid} }

func (t Target) IsZero() bool { return t.CSP == "" && t.CID == 0 }

func (t Target) String() string {
	if t.CID != 0 {
		return fmt.Sprintf("cid=%d", t.CID)
	}
	return fmt.Sprintf("csp=%q", t.CSP)
}

// RequestMeta builds the metadata document preceding a request for tid.
func RequestMeta(t Target, tid int64) Document {
	doc := AsyncMeta(t)
	doc.Add(NewFieldInt64(schema.FieldTID, tid))
	return doc
}

// AsyncMeta builds a metadata document with no tid.
func AsyncMeta(t Target) Document {
	var doc Document
	switch {
	case t.CID != 0:
		doc.Add(NewFieldInt64(schema.FieldCID, t.CID))
	case t.CSP != "":
		doc.Add(NewFieldString(schema.FieldCSP, t.CSP))
	}
	return doc
}

// MetaTarget extracts the csp or cid of a metadata document.
func MetaTarget(d Document) Target {
	var t Target
	if f, ok := d.Get(schema.FieldCID); ok {
		t.CID, _ = f.Int64()
	}
	if f, ok := d.Get(schema.FieldCSP); ok {
		t.CSP, _ = f.String()
	}
	return t
}
