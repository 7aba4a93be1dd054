package kas

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
)

// KeySize is the AES-256 key length.
const KeySize = 32

// NonceSize is the GCM nonce length written as the cleartext ciphertext
// prefix. The prefix convention is load-bearing wire format:
// [12-byte nonce][ciphertext][16-byte tag], one contiguous stream.
const NonceSize = 12

// GenerateKey returns a fresh random AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate attachment key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under AES-256-GCM with a fresh random nonce and
// returns nonce||ciphertext||tag.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens nonce||ciphertext||tag. A tampered ciphertext fails here on
// the GCM tag check, before any hash comparison is reached.
func Decrypt(key, blob []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < NonceSize {
		return nil, fmt.Errorf("ciphertext shorter than nonce prefix")
	}
	nonce, ciphertext := blob[:NonceSize], blob[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("attachment key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, NonceSize)
}

// EncryptFile encrypts srcPath into dstPath using the wire format above.
func EncryptFile(dstPath, srcPath string, key []byte) error {
	plaintext, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("failed to read plaintext file: %w", err)
	}
	blob, err := Encrypt(key, plaintext)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dstPath, blob, 0600); err != nil {
		return fmt.Errorf("failed to write ciphertext file: %w", err)
	}
	return nil
}

// HashBase64 computes the base64 SHA-256 of data, the representation used
// in placeholder metadata.
func HashBase64(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// HashFileBase64 computes the base64 SHA-256 of a file's contents.
func HashFileBase64(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}
