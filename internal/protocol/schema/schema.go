package schema

import (
	"fmt"

	logs "github.com/danmuck/tcphub/internal/logging"
	"github.com/danmuck/tcphub/internal/protocol/tlv"
)

// Metadata field IDs.
const (
	FieldTID uint16 = 1
	FieldCID uint16 = 2
	FieldCSP uint16 = 3
)

// System event IDs, carried as the first field of a data document.
const (
	EventHeartbeat       uint16 = 10
	EventHeartbeatReply  uint16 = 11
	EventOnClientClosing uint16 = 12
	EventOnClosingReply  uint16 = 13
	EventUserID          uint16 = 14
)

// Application field IDs used by the bundled echo peer and CLI.
const (
	FieldMessage uint16 = 100
	FieldTick    uint16 = 101
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	Doc     string
	FieldID uint16
	Reason  string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: doc=%s: %s", e.Doc, e.Reason)
	}
	return fmt.Sprintf("schema: doc=%s field=%s(%d): %s", e.Doc, Name(e.FieldID), e.FieldID, e.Reason)
}

var names = map[uint16]string{
	FieldTID:             "tid",
	FieldCID:             "cid",
	FieldCSP:             "csp",
	EventHeartbeat:       "heartbeat",
	EventHeartbeatReply:  "heartbeatReply",
	EventOnClientClosing: "onClientClosing",
	EventOnClosingReply:  "onClosingReply",
	EventUserID:          "userid",
	FieldMessage:         "message",
	FieldTick:            "tick",
}

var types = map[uint16]uint8{
	FieldTID:             tlv.TypeI64,
	FieldCID:             tlv.TypeI64,
	FieldCSP:             tlv.TypeString,
	EventHeartbeat:       tlv.TypeI64,
	EventHeartbeatReply:  tlv.TypeI64,
	EventOnClientClosing: tlv.TypeString,
	EventOnClosingReply:  tlv.TypeString,
	EventUserID:          tlv.TypeString,
}

// Name returns the wire name of a well-known field, or "field_<id>".
func Name(id uint16) string {
	if n, ok := names[id]; ok {
		return n
	}
	return fmt.Sprintf("field_%d", id)
}

// ByName resolves a wire name to its field ID.
func ByName(name string) (uint16, bool) {
	for id, n := range names {
		if n == name {
			return id, true
		}
	}
	return 0, false
}

// IsEvent reports whether id is a system event.
func IsEvent(id uint16) bool {
	return id >= EventHeartbeat && id <= EventUserID
}

// TypeOf returns the required type of a well-known field.
func TypeOf(id uint16) (uint8, bool) {
	t, ok := types[id]
	return t, ok
}

// ValidateMeta checks a metadata document: it carries a tid or exactly one of csp and cid,
// and every well-known field has its required type. Unknown fields are ignored.
func ValidateMeta(fields []tlv.Field) error {
	_, hasTID := tlv.GetField(fields, FieldTID)
	_, hasCSP := tlv.GetField(fields, FieldCSP)
	_, hasCID := tlv.GetField(fields, FieldCID)
	if hasCSP && hasCID {
		logs.Errf("schema.ValidateMeta csp and cid both present")
		return ValidationError{Doc: "meta", FieldID: FieldCID, Reason: "csp and cid are mutually exclusive"}
	}
	if !hasTID && !hasCSP && !hasCID {
		logs.Errf("schema.ValidateMeta missing tid and target fields=%d", len(fields))
		return ValidationError{Doc: "meta", Reason: "missing tid and target"}
	}
	return checkTypes("meta", fields)
}

// ValidateSystem checks a tid 0 data document: its first field is a known event.
func ValidateSystem(fields []tlv.Field) (uint16, error) {
	if len(fields) == 0 {
		return 0, ValidationError{Doc: "system", Reason: "empty document"}
	}
	id := fields[0].ID
	if !IsEvent(id) {
		logs.Debugf("schema.ValidateSystem unknown event field=%d", id)
		return id, ValidationError{Doc: "system", FieldID: id, Reason: "unknown event"}
	}
	if err := checkTypes("system", fields[:1]); err != nil {
		return id, err
	}
	return id, nil
}

func checkTypes(doc string, fields []tlv.Field) error {
	for _, f := range fields {
		want, ok := types[f.ID]
		if !ok {
			continue
		}
		if f.Type != want {
			logs.Errf(
				"schema.checkTypes type mismatch doc=%s field=%s got=%d want=%d",
				doc,
				Name(f.ID),
				f.Type,
				want,
			)
			return ValidationError{Doc: doc, FieldID: f.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
