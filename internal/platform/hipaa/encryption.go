package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// contextPrefix namespaces associated data so ciphertexts produced by other
// systems sharing the key can never be opened here.
const contextPrefix = "symcheck/v1"

// DecryptionError is returned whenever an envelope fails to authenticate:
// tampered ciphertext, wrong key, wrong context or truncated input. It never
// carries plaintext or key material.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	return "phi decrypt: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// Envelope provides AES-256-GCM authenticated encryption for opaque PHI
// payloads. Every call uses a fresh random nonce and binds the caller supplied
// context as associated data.
type Envelope struct {
	aead cipher.AEAD
}

// NewEnvelope creates an Envelope with the given 32-byte key. The key is
// loaded once at startup and passed here explicitly; there is no runtime
// rotation.
func NewEnvelope(key []byte) (*Envelope, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("phi envelope: key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi envelope: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi envelope: create GCM: %w", err)
	}

	return &Envelope{aead: aead}, nil
}

// Seal encrypts plaintext bound to context and returns nonce || ciphertext || tag.
func (e *Envelope) Seal(plaintext, context []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("phi encrypt: generate nonce: %w", err)
	}

	return e.aead.Seal(nonce, nonce, plaintext, context), nil
}

// Open authenticates and decrypts data produced by Seal under the same
// context. Any failure yields a *DecryptionError and no plaintext.
func (e *Envelope) Open(data, context []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize+e.aead.Overhead() {
		return nil, &DecryptionError{Reason: "ciphertext too short"}
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, context)
	if err != nil {
		return nil, &DecryptionError{Reason: "authentication failed", Err: err}
	}
	return plaintext, nil
}

// FieldContext builds the associated data for one field of one record, so a
// ciphertext cannot be moved to another column or row undetected.
func FieldContext(field, recordID string) []byte {
	return []byte(contextPrefix + "|" + field + "|" + recordID)
}

// IsDecryptionError reports whether err is, or wraps, a *DecryptionError.
func IsDecryptionError(err error) bool {
	var de *DecryptionError
	return errors.As(err, &de)
}
