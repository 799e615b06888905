package cryptoutils

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	ChecksumSaltSize = 16
	ChecksumSize     = 32
)

// SecretChecksum is argon2id(secret, salt). Secrets are often low entropy
// (passwords), so a plain hash in the metadata would be a brute-force oracle.
func SecretChecksum(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, 1, 64*1024, 4, ChecksumSize)
}

// NewChecksum draws a salt and computes the checksum of secret.
func NewChecksum(secret []byte) (checksum, salt []byte, err error) {
	salt = make([]byte, ChecksumSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, fmt.Errorf("failed to generate checksum salt: %w", err)
	}
	return SecretChecksum(secret, salt), salt, nil
}

// VerifyChecksum compares in constant time.
func VerifyChecksum(secret, salt, checksum []byte) bool {
	return subtle.ConstantTimeCompare(SecretChecksum(secret, salt), checksum) == 1
}

// Wipe zeroes b.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
