package cryptoutils

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// PublicKeyPEM is a PKIX P-256 public key in PEM form.
type PublicKeyPEM []byte

// PrivateKeyPEM is a SEC 1 or PKCS#8 P-256 private key in PEM form.
type PrivateKeyPEM []byte

// NewPublicKeyPEM validates data.
func NewPublicKeyPEM(data []byte) (PublicKeyPEM, error) {
	if _, err := PublicKeyPEM(data).ECDH(); err != nil {
		return nil, err
	}
	return PublicKeyPEM(data), nil
}

func (pub PublicKeyPEM) Validate() error {
	_, err := pub.ECDH()
	return err
}

// ECDSA parses the key for signature verification.
func (pub PublicKeyPEM) ECDSA() (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pub)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("invalid public key: not in PEM format or not a public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid public key structure: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA public key")
	}
	return ecKey, nil
}

// ECDH parses the key for key agreement.
func (pub PublicKeyPEM) ECDH() (*ecdh.PublicKey, error) {
	ecKey, err := pub.ECDSA()
	if err != nil {
		return nil, err
	}
	return ecKey.ECDH()
}

// ECDSA parses the key for signing.
func (priv PrivateKeyPEM) ECDSA() (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(priv)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}

	switch block.Type {
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return k, nil
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		ecKey, ok := k.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.New("not an ECDSA private key")
		}
		return ecKey, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

// ECDH parses the key for key agreement.
func (priv PrivateKeyPEM) ECDH() (*ecdh.PrivateKey, error) {
	ecKey, err := priv.ECDSA()
	if err != nil {
		return nil, err
	}
	return ecKey.ECDH()
}

// PublicKey derives the PEM public key.
func (priv PrivateKeyPEM) PublicKey() (PublicKeyPEM, error) {
	block, _ := pem.Decode(priv)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, errors.New("expected an EC PRIVATE KEY block")
	}
	k, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func RandomP256Keypair() (PublicKeyPEM, PrivateKeyPEM, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}
	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privateKeyBytes,
	})

	pubkeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	pubkeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubkeyBytes,
	})

	return PublicKeyPEM(pubkeyPEM), PrivateKeyPEM(privateKeyPEM), nil
}
