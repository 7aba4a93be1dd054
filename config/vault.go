package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Secrets is the document persisted in the vault file. The file is JSON,
// XOR-obfuscated with a fixed rotating multi-key sequence and base64-encoded
// at rest. This keeps credentials out of casual directory listings; it is
// obfuscation, not encryption.
type Secrets struct {
	KasS3AccessKey  string `json:"kas_s3_access_key,omitempty"`
	KasS3SecretKey  string `json:"kas_s3_secret_key,omitempty"`
	HTTPAPIPassHash string `json:"http_api_pass_hash,omitempty"`
}

// vaultKeys is the fixed multi-key sequence applied round-robin, one key per
// pass over the payload. The sequence is part of the on-disk format and must
// not change once vault files exist.
var vaultKeys = [][]byte{
	{0x4b, 0x49, 0x4d, 0x2d, 0x47, 0x57},
	{0x9e, 0x31, 0x7a, 0xc5},
	{0x5d, 0xe2, 0x08, 0x97, 0x6b, 0x3f, 0xd4},
}

func xorPass(data, key []byte) {
	for i := range data {
		data[i] ^= key[i%len(key)]
	}
}

// ParseSecrets parses a plaintext secrets JSON document.
func ParseSecrets(data []byte) (*Secrets, error) {
	var s Secrets
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("secrets document is not valid JSON: %w", err)
	}
	return &s, nil
}

// EncodeVault serializes the secrets to the on-disk vault representation.
func EncodeVault(s *Secrets) ([]byte, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal vault payload: %w", err)
	}
	for _, key := range vaultKeys {
		xorPass(payload, key)
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(payload)))
	base64.StdEncoding.Encode(out, payload)
	return out, nil
}

// DecodeVault parses an on-disk vault file back into its secrets.
func DecodeVault(data []byte) (*Secrets, error) {
	payload := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(payload, data)
	if err != nil {
		return nil, fmt.Errorf("vault file is not valid base64: %w", err)
	}
	payload = payload[:n]
	// XOR is self-inverse; apply the keys in reverse order anyway so the
	// decode mirrors the encode exactly.
	for i := len(vaultKeys) - 1; i >= 0; i-- {
		xorPass(payload, vaultKeys[i])
	}
	var s Secrets
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("vault payload is not valid JSON: %w", err)
	}
	return &s, nil
}
