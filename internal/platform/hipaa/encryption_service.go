package hipaa

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"
)

// keyDerivationInfo labels HKDF output so a passphrase reused elsewhere never
// produces the same AES key.
const keyDerivationInfo = "symcheck phi field encryption v1"

// KeyOptions controls how the PHI key is resolved from configuration.
type KeyOptions struct {
	// Secret is the configured PHI_ENCRYPTION_KEY value.
	Secret string
	// AllowEphemeral permits generating a throwaway key when Secret is empty.
	// Only development configurations set this.
	AllowEphemeral bool
}

// ResolveKey turns the configured secret into a 32-byte AES key.
//
// A 64-character hex string is decoded and used directly. Any other non-empty
// value is treated as a passphrase and stretched with HKDF-SHA256. An empty
// secret is an error unless AllowEphemeral is set, in which case a random key
// is generated and a warning is logged: data written with it is unreadable
// after a restart.
func ResolveKey(opts KeyOptions, logger zerolog.Logger) ([]byte, error) {
	if opts.Secret == "" {
		if !opts.AllowEphemeral {
			return nil, fmt.Errorf("PHI_ENCRYPTION_KEY is required")
		}
		key := make([]byte, KeySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("generate ephemeral PHI key: %w", err)
		}
		logger.Warn().Msg("PHI_ENCRYPTION_KEY not set; using an ephemeral key, stored PHI will not survive a restart")
		return key, nil
	}

	if len(opts.Secret) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(opts.Secret); err == nil {
			logger.Info().Msg("PHI field-level encryption enabled")
			return key, nil
		}
	}

	key := make([]byte, KeySize)
	kdf := hkdf.New(sha256.New, []byte(opts.Secret), nil, []byte(keyDerivationInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive PHI key: %w", err)
	}
	logger.Info().Msg("PHI field-level encryption enabled (passphrase-derived key)")
	return key, nil
}

// GenerateKeyHex returns a new random key in the hex form ResolveKey accepts
// without derivation.
func GenerateKeyHex() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
