// Package cryptoutils holds the symmetric and asymmetric primitives around the
// sharing core:
//
//   - Seal / Open: ChaCha20-Poly1305 envelopes keyed through HKDF-SHA256, used
//     to seal capsule fragment bundles under a puzzle output or a server key.
//   - SecretChecksum: an argon2id digest of the secret, stored in release unit
//     metadata so reconstructions can be checked without keeping the secret.
//   - EncryptWithPublicKey / DecryptWithPrivateKey: ECIES over P-256, used by
//     custodian nodes to keep fragments encrypted in their storage backends.
package cryptoutils
