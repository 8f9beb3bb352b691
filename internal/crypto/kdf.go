package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MinSecretLength is the shortest configured secret accepted for key derivation
const MinSecretLength = 32

// DeriveKey derives a 32-byte key for one purpose from a configured secret,
// so a single secret can back several independent signers.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("secret must be at least %d bytes", MinSecretLength)
	}
	if purpose == "" {
		return nil, errors.New("purpose is required")
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, []byte("ride-signin"), []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}
