// Package protocol owns the document model exchanged over hub frames.
//
// Ownership boundary:
// - frame header primitives (frame)
// - tlv field primitives (tlv)
// - well-known field ids and document validation (schema)
// - typed fields, documents and the Codec boundary used by the hub
package protocol
