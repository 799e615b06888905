package shamir

import (
	"fmt"

	"github.com/ruteri/gated-release/cryptoutils"
	"github.com/ruteri/gated-release/interfaces"
)

// NewMetadata describes secret for storage next to its shares.
func NewMetadata(secret []byte) (interfaces.SecretMetadata, error) {
	checksum, salt, err := cryptoutils.NewChecksum(secret)
	if err != nil {
		return interfaces.SecretMetadata{}, err
	}
	return interfaces.SecretMetadata{Length: len(secret), Checksum: checksum, Salt: salt}, nil
}

// Verify checks a reconstructed secret against its metadata.
func Verify(secret []byte, meta interfaces.SecretMetadata) error {
	if len(secret) != meta.Length || !cryptoutils.VerifyChecksum(secret, meta.Salt, meta.Checksum) {
		return interfaces.ErrReconstructionMismatch
	}
	return nil
}

// Reconstruct combines fragments and verifies the result. Any failure to
// decode or match is reported as ErrReconstructionMismatch; inconsistent
// input stays ErrInvalidShareSet.
func (s *Scheme) Reconstruct(fragments []interfaces.Fragment, meta interfaces.SecretMetadata) ([]byte, error) {
	secret, err := s.Combine(fragments)
	if err != nil {
		return nil, err
	}
	if err := Verify(secret, meta); err != nil {
		cryptoutils.Wipe(secret)
		return nil, fmt.Errorf("combined %d fragments: %w", len(fragments), err)
	}
	return secret, nil
}
