// Package field implements arithmetic in a prime field GF(P) for the secret
// sharing layer.
//
// All operations return freshly allocated values normalized into [0, P) and
// never mutate their arguments. Random elements are drawn from crypto/rand.
package field

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// ErrNotInvertible is returned by Inverse when gcd(a, P) != 1. With a prime
// modulus this only happens for a ≡ 0, which callers treat as a bug.
var ErrNotInvertible = errors.New("element is not invertible")

// DefaultPrime is the Mersenne prime 2^521 - 1.
var DefaultPrime = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 521)
	return p.Sub(p, big.NewInt(1))
}()

// Field is GF(P) for a fixed prime P.
type Field struct {
	p    *big.Int
	rand io.Reader
}

// New creates a field over prime p. The caller is responsible for p being prime;
// New only rejects values too small to be useful.
func New(p *big.Int) (*Field, error) {
	if p == nil || p.Cmp(big.NewInt(2)) < 0 {
		return nil, fmt.Errorf("invalid field modulus: %v", p)
	}
	return &Field{p: new(big.Int).Set(p), rand: rand.Reader}, nil
}

// Default returns the field over DefaultPrime.
func Default() *Field {
	f, _ := New(DefaultPrime)
	return f
}

// WithRandom replaces the randomness source. Only tests should call this, and
// only with another cryptographic source.
func (f *Field) WithRandom(r io.Reader) *Field {
	return &Field{p: f.p, rand: r}
}

// Prime returns a copy of P.
func (f *Field) Prime() *big.Int {
	return new(big.Int).Set(f.p)
}

// BitLen is the bit length of P.
func (f *Field) BitLen() int {
	return f.p.BitLen()
}

// Contains reports whether v is a normalized element.
func (f *Field) Contains(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.Cmp(f.p) < 0
}

// Mod reduces a into [0, P).
func (f *Field) Mod(a *big.Int) *big.Int {
	// big.Int.Mod is Euclidean, so negative inputs land in [0, P) as well.
	return new(big.Int).Mod(a, f.p)
}

func (f *Field) Add(a, b *big.Int) *big.Int {
	r := new(big.Int).Add(a, b)
	return r.Mod(r, f.p)
}

func (f *Field) Sub(a, b *big.Int) *big.Int {
	r := new(big.Int).Sub(a, b)
	return r.Mod(r, f.p)
}

func (f *Field) Mul(a, b *big.Int) *big.Int {
	r := new(big.Int).Mul(a, b)
	return r.Mod(r, f.p)
}

// Inverse computes a^-1 mod P with the extended Euclidean algorithm.
func (f *Field) Inverse(a *big.Int) (*big.Int, error) {
	a = f.Mod(a)
	if a.Sign() == 0 {
		return nil, fmt.Errorf("%w: zero", ErrNotInvertible)
	}

	// Invariant: oldR = oldS*a (mod P), r = s*a (mod P).
	oldR, r := new(big.Int).Set(a), new(big.Int).Set(f.p)
	oldS, s := big.NewInt(1), big.NewInt(0)
	q, tmp := new(big.Int), new(big.Int)

	for r.Sign() != 0 {
		q.Quo(oldR, r)

		tmp.Mul(q, r)
		oldR, r = r, tmp.Sub(oldR, tmp)
		tmp = new(big.Int)

		tmp.Mul(q, s)
		oldS, s = s, tmp.Sub(oldS, tmp)
		tmp = new(big.Int)
	}

	if oldR.Cmp(big.NewInt(1)) != 0 {
		return nil, fmt.Errorf("%w: gcd is %s", ErrNotInvertible, oldR.String())
	}
	return f.Mod(oldS), nil
}

// Div computes a / b.
func (f *Field) Div(a, b *big.Int) (*big.Int, error) {
	inv, err := f.Inverse(b)
	if err != nil {
		return nil, err
	}
	return f.Mul(a, inv), nil
}

// Random draws a uniform element of [0, P).
func (f *Field) Random() (*big.Int, error) {
	v, err := rand.Int(f.rand, f.p)
	if err != nil {
		return nil, fmt.Errorf("failed to draw field element: %w", err)
	}
	return v, nil
}

// RandomNonZero draws a uniform element of [1, P).
func (f *Field) RandomNonZero() (*big.Int, error) {
	for {
		v, err := f.Random()
		if err != nil {
			return nil, err
		}
		if v.Sign() != 0 {
			return v, nil
		}
	}
}

// EvalPolynomial evaluates coeffs[0] + coeffs[1]*x + ... at x using Horner's method.
func (f *Field) EvalPolynomial(coeffs []*big.Int, x *big.Int) *big.Int {
	result := new(big.Int)
	for i := len(coeffs) - 1; i >= 0; i-- {
		result.Mul(result, x)
		result.Add(result, coeffs[i])
		result.Mod(result, f.p)
	}
	return result
}
