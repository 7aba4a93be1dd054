// Package kas implements the large-attachment offload protocol: symmetric
// encryption of oversized messages, integrity-checked upload and download
// against an attachment store, and the in-band metadata exchange through
// x-kas placeholder parts.
package kas

import (
	"encoding/json"
	"fmt"
)

// MetaObj is the wire metadata of an offloaded attachment, carried as
// pretty-printed JSON in the x-kas placeholder body. The symmetric key
// travels inside the message itself; confidentiality of the attachment
// rests on the signed/encrypted envelope carrying this object, not on the
// transport to the attachment store.
type MetaObj struct {
	// Hash is the base64 SHA-256 of the plaintext attachment.
	Hash string `json:"hash"`
	// K is the base64 raw AES-256 key.
	K string `json:"k"`
	// Link is the opaque retrieval handle issued by the attachment store.
	Link string `json:"link"`
	// Size is the plaintext size in bytes.
	Size int64 `json:"size"`
	// Type and Name carry the original MIME type and filename.
	Type string `json:"type"`
	Name string `json:"name"`
}

// MarshalPretty produces the on-wire representation. The fields used for
// integrity must round-trip byte for byte, which pretty-printing with fixed
// indentation guarantees.
func (m *MetaObj) MarshalPretty() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attachment metadata: %w", err)
	}
	return data, nil
}

// ParseMeta parses placeholder metadata, tolerant of surrounding
// whitespace.
func ParseMeta(data []byte) (*MetaObj, error) {
	var m MetaObj
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid attachment metadata: %w", err)
	}
	if m.Link == "" || m.K == "" || m.Hash == "" {
		return nil, fmt.Errorf("attachment metadata missing link, key or hash")
	}
	return &m, nil
}
