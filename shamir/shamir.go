package shamir

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ruteri/gated-release/field"
	"github.com/ruteri/gated-release/interfaces"
)

var ErrEmptySecret = errors.New("secret is empty")

const chunkMarker = 0x01

// Scheme splits and combines over one field.
type Scheme struct {
	f         *field.Field
	chunkSize int
}

// NewScheme returns a scheme over f. The prime must leave room for at least
// one byte of payload next to the chunk marker.
func NewScheme(f *field.Field) (*Scheme, error) {
	chunkSize := (f.BitLen()-1)/8 - 1
	if chunkSize < 1 {
		return nil, fmt.Errorf("field of %d bits is too small for sharing", f.BitLen())
	}
	return &Scheme{f: f, chunkSize: chunkSize}, nil
}

// Default is the scheme over field.DefaultPrime (64-byte chunks).
func Default() *Scheme {
	s, _ := NewScheme(field.Default())
	return s
}

// ChunkSize is the number of secret bytes carried by one field element.
func (s *Scheme) ChunkSize() int {
	return s.chunkSize
}

// Field returns the underlying field.
func (s *Scheme) Field() *field.Field {
	return s.f
}

// SplitElement shares one field element. The returned shares have indices 1..n.
func (s *Scheme) SplitElement(secret *big.Int, policy interfaces.SplitPolicy) ([]interfaces.Share, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if secret == nil || !s.f.Contains(secret) {
		return nil, fmt.Errorf("secret element is outside the field")
	}

	coeffs := make([]*big.Int, policy.K)
	coeffs[0] = new(big.Int).Set(secret)
	for i := 1; i < policy.K; i++ {
		c, err := s.f.Random()
		if err != nil {
			return nil, err
		}
		coeffs[i] = c
	}
	defer wipeInts(coeffs)

	prime := s.f.Prime()
	shares := make([]interfaces.Share, policy.N)
	for i := 0; i < policy.N; i++ {
		x := big.NewInt(int64(i + 1))
		shares[i] = interfaces.Share{
			Index: i + 1,
			Value: s.f.EvalPolynomial(coeffs, x),
			Prime: prime,
		}
	}
	return shares, nil
}

// CombineElement interpolates the shares at x = 0. Any k or more shares of
// the same polynomial give the same result; fewer give an unrelated element.
func (s *Scheme) CombineElement(shares []interfaces.Share) (*big.Int, error) {
	return s.InterpolateElement(shares, new(big.Int))
}

// InterpolateElement evaluates the polynomial through shares at x.
func (s *Scheme) InterpolateElement(shares []interfaces.Share, x *big.Int) (*big.Int, error) {
	if err := s.checkShares(shares); err != nil {
		return nil, err
	}

	result := new(big.Int)
	for i, si := range shares {
		xi := big.NewInt(int64(si.Index))
		num := big.NewInt(1)
		den := big.NewInt(1)
		for j, sj := range shares {
			if i == j {
				continue
			}
			xj := big.NewInt(int64(sj.Index))
			num = s.f.Mul(num, s.f.Sub(x, xj))
			den = s.f.Mul(den, s.f.Sub(xi, xj))
		}
		basis, err := s.f.Div(num, den)
		if err != nil {
			return nil, fmt.Errorf("lagrange basis for index %d: %w", si.Index, err)
		}
		result = s.f.Add(result, s.f.Mul(si.Value, basis))
	}
	return result, nil
}

func (s *Scheme) checkShares(shares []interfaces.Share) error {
	if len(shares) == 0 {
		return fmt.Errorf("%w: no shares", interfaces.ErrInvalidShareSet)
	}
	prime := s.f.Prime()
	seen := make(map[int]struct{}, len(shares))
	for _, share := range shares {
		if share.Prime == nil || share.Prime.Cmp(prime) != 0 {
			return fmt.Errorf("%w: share %d has a mismatched prime", interfaces.ErrInvalidShareSet, share.Index)
		}
		if share.Index < 1 || share.Index > interfaces.MaxShares {
			return fmt.Errorf("%w: share index %d out of range", interfaces.ErrInvalidShareSet, share.Index)
		}
		if _, dup := seen[share.Index]; dup {
			return fmt.Errorf("%w: duplicate share index %d", interfaces.ErrInvalidShareSet, share.Index)
		}
		seen[share.Index] = struct{}{}
		if share.Value == nil || !s.f.Contains(share.Value) {
			return fmt.Errorf("%w: share %d value outside the field", interfaces.ErrInvalidShareSet, share.Index)
		}
	}
	return nil
}

// Split cuts secret into chunks, shares each chunk, and regroups the shares
// into n fragments tagged with id.
func (s *Scheme) Split(id interfaces.ReleaseUnitID, secret []byte, policy interfaces.SplitPolicy) ([]interfaces.Fragment, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	chunks := s.encodeChunks(secret)
	defer wipeInts(chunks)

	fragments := make([]interfaces.Fragment, policy.N)
	for i := range fragments {
		fragments[i] = interfaces.Fragment{
			ReleaseUnitID: id,
			Index:         i + 1,
			Shares:        make([]interfaces.Share, len(chunks)),
		}
	}

	for c, chunk := range chunks {
		shares, err := s.SplitElement(chunk, policy)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", c, err)
		}
		for i, share := range shares {
			fragments[i].Shares[c] = share
		}
	}
	return fragments, nil
}

// Combine reassembles the secret from fragments of one release unit. It fails
// with ErrInvalidShareSet on inconsistent input and with
// ErrReconstructionMismatch when a chunk does not decode, which is what too
// few fragments usually produce.
func (s *Scheme) Combine(fragments []interfaces.Fragment) ([]byte, error) {
	if len(fragments) == 0 {
		return nil, fmt.Errorf("%w: no fragments", interfaces.ErrInvalidShareSet)
	}

	id := fragments[0].ReleaseUnitID
	chunkCount := len(fragments[0].Shares)
	if chunkCount == 0 {
		return nil, fmt.Errorf("%w: fragment %d carries no shares", interfaces.ErrInvalidShareSet, fragments[0].Index)
	}
	for _, f := range fragments {
		if f.ReleaseUnitID != id {
			return nil, fmt.Errorf("%w: fragments from different release units", interfaces.ErrInvalidShareSet)
		}
		if len(f.Shares) != chunkCount {
			return nil, fmt.Errorf("%w: fragment %d has %d chunks, expected %d", interfaces.ErrInvalidShareSet, f.Index, len(f.Shares), chunkCount)
		}
		for _, share := range f.Shares {
			if share.Index != f.Index {
				return nil, fmt.Errorf("%w: fragment %d contains a share with index %d", interfaces.ErrInvalidShareSet, f.Index, share.Index)
			}
		}
	}

	secret := make([]byte, 0, chunkCount*s.chunkSize)
	column := make([]interfaces.Share, len(fragments))
	for c := 0; c < chunkCount; c++ {
		for i, f := range fragments {
			column[i] = f.Shares[c]
		}
		element, err := s.CombineElement(column)
		if err != nil {
			return nil, err
		}
		chunk, err := s.decodeChunk(element, c == chunkCount-1)
		element.SetInt64(0)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", interfaces.ErrReconstructionMismatch, c, err)
		}
		secret = append(secret, chunk...)
	}
	return secret, nil
}

func (s *Scheme) encodeChunks(secret []byte) []*big.Int {
	var chunks []*big.Int
	buf := make([]byte, 0, s.chunkSize+1)
	for off := 0; off < len(secret); off += s.chunkSize {
		end := min(off+s.chunkSize, len(secret))
		buf = append(buf[:0], chunkMarker)
		buf = append(buf, secret[off:end]...)
		chunks = append(chunks, new(big.Int).SetBytes(buf))
	}
	wipe(buf[:cap(buf)])
	return chunks
}

func (s *Scheme) decodeChunk(v *big.Int, last bool) ([]byte, error) {
	raw := v.Bytes()
	if len(raw) < 2 || raw[0] != chunkMarker || len(raw) > s.chunkSize+1 {
		return nil, errors.New("invalid chunk encoding")
	}
	if !last && len(raw) != s.chunkSize+1 {
		return nil, errors.New("short inner chunk")
	}
	return raw[1:], nil
}

// Split uses the default scheme.
func Split(id interfaces.ReleaseUnitID, secret []byte, policy interfaces.SplitPolicy) ([]interfaces.Fragment, error) {
	return Default().Split(id, secret, policy)
}

// Combine uses the default scheme.
func Combine(fragments []interfaces.Fragment) ([]byte, error) {
	return Default().Combine(fragments)
}

func wipeInts(values []*big.Int) {
	for _, v := range values {
		if v != nil {
			v.SetInt64(0)
		}
	}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
