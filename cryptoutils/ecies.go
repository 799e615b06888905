package cryptoutils

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

const eciesInfo = "gated-release ecies v1"

// EncryptWithPublicKey encrypts data with ECIES: ephemeral P-256 ECDH, HKDF-SHA256
// key derivation and XChaCha20-Poly1305. A fresh ephemeral key is used per call.
//
// Format: [ephemeral key length (2 bytes)][ephemeral key][sealed envelope]
func EncryptWithPublicKey(publicKeyPEM PublicKeyPEM, data []byte) ([]byte, error) {
	pub, err := publicKeyPEM.ECDH()
	if err != nil {
		return nil, err
	}

	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	shared, err := ephemeral.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	defer Wipe(shared)

	ephemeralBytes := ephemeral.PublicKey().Bytes()
	key, err := DeriveKey(shared, ephemeralBytes, eciesInfo)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	sealed, err := Seal(key, data, ephemeralBytes)
	if err != nil {
		return nil, err
	}

	result := make([]byte, 2+len(ephemeralBytes)+len(sealed))
	binary.BigEndian.PutUint16(result[0:2], uint16(len(ephemeralBytes)))
	copy(result[2:], ephemeralBytes)
	copy(result[2+len(ephemeralBytes):], sealed)
	return result, nil
}

// DecryptWithPrivateKey reverses EncryptWithPublicKey.
func DecryptWithPrivateKey(privateKeyPEM PrivateKeyPEM, encryptedData []byte) ([]byte, error) {
	priv, err := privateKeyPEM.ECDH()
	if err != nil {
		return nil, err
	}

	if len(encryptedData) < 2 {
		return nil, errors.New("encrypted data too short")
	}
	ephemeralLen := int(binary.BigEndian.Uint16(encryptedData[0:2]))
	if len(encryptedData) < 2+ephemeralLen {
		return nil, errors.New("encrypted data has invalid format")
	}
	ephemeralBytes := encryptedData[2 : 2+ephemeralLen]

	ephemeral, err := ecdh.P256().NewPublicKey(ephemeralBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ephemeral public key: %w", err)
	}
	shared, err := priv.ECDH(ephemeral)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	defer Wipe(shared)

	key, err := DeriveKey(shared, ephemeralBytes, eciesInfo)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	return Open(key, encryptedData[2+ephemeralLen:], ephemeralBytes)
}
