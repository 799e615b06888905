package timelock

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ProgressFunc receives the number of completed and total sequential steps.
type ProgressFunc func(done, total uint64)

type SolveOptions struct {
	// Progress is called at most every ProgressEvery steps and once on completion.
	Progress ProgressFunc

	// ProgressEvery defaults to 1% of the work, clamped to
	// [MinProgressEvery, MaxProgressEvery].
	ProgressEvery uint64

	// SkipProof disables the Wesolowski proof pass, halving the work. The
	// solution can then only be checked by re-execution.
	SkipProof bool
}

const (
	MinProgressEvery = 1_000
	MaxProgressEvery = 10_000
)

func defaultProgressEvery(total uint64) uint64 {
	return clamp(total/100, MinProgressEvery, MaxProgressEvery)
}

// Solve performs the sequential squaring. It checks ctx at every progress
// boundary and returns ErrCancelled once ctx is done.
func Solve(ctx context.Context, p *Puzzle, opts SolveOptions) (*Solution, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	total := p.Iterations
	if !opts.SkipProof {
		total *= 2
	}
	every := opts.ProgressEvery
	if every == 0 {
		every = defaultProgressEvery(total)
	}

	tick := func(done uint64) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w after %d/%d steps: %v", ErrCancelled, done, total, err)
		}
		if opts.Progress != nil {
			opts.Progress(done, total)
		}
		return nil
	}

	y := new(big.Int).Set(p.Base)
	for i := uint64(1); i <= p.Iterations; i++ {
		y.Mul(y, y)
		y.Mod(y, p.Modulus)
		if i%every == 0 {
			if err := tick(i); err != nil {
				return nil, err
			}
		}
	}

	sol := &Solution{Output: y}
	if !opts.SkipProof {
		l := hashToPrime(p, y)
		pi, err := proveWithChallenge(p, l, func(i uint64) error {
			if i%every == 0 {
				return tick(p.Iterations + i)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		sol.Proof = pi
	}

	if opts.Progress != nil {
		opts.Progress(total, total)
	}
	sol.Elapsed = time.Since(start)
	return sol, nil
}

// Prove computes the Wesolowski proof for a known output. It costs another T
// sequential steps.
func Prove(ctx context.Context, p *Puzzle, output *big.Int) (*big.Int, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	l := hashToPrime(p, output)
	return proveWithChallenge(p, l, func(i uint64) error {
		if i%MaxProgressEvery == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrCancelled, err)
			}
		}
		return nil
	})
}

// proveWithChallenge computes π = x^⌊2^T/ℓ⌋ mod N by long division of 2^T
// by ℓ, one quotient bit per step.
func proveWithChallenge(p *Puzzle, l *big.Int, step func(i uint64) error) (*big.Int, error) {
	pi := big.NewInt(1)
	r := big.NewInt(1)
	two := big.NewInt(2)
	for i := uint64(1); i <= p.Iterations; i++ {
		r.Mul(r, two)
		pi.Mul(pi, pi)
		if r.Cmp(l) >= 0 {
			r.Sub(r, l)
			pi.Mul(pi, p.Base)
		}
		pi.Mod(pi, p.Modulus)
		if err := step(i); err != nil {
			return nil, err
		}
	}
	return pi, nil
}

// VerifyProof checks π^ℓ · x^r ≡ y (mod N) where r = 2^T mod ℓ.
func VerifyProof(p *Puzzle, sol *Solution) bool {
	if p.Validate() != nil || sol == nil || !inGroup(sol.Output, p.Modulus) || !inGroup(sol.Proof, p.Modulus) {
		return false
	}
	l := hashToPrime(p, sol.Output)
	r := new(big.Int).Exp(big.NewInt(2), new(big.Int).SetUint64(p.Iterations), l)

	lhs := new(big.Int).Exp(sol.Proof, l, p.Modulus)
	lhs.Mul(lhs, new(big.Int).Exp(p.Base, r, p.Modulus))
	lhs.Mod(lhs, p.Modulus)
	return lhs.Cmp(sol.Output) == 0
}

// VerifyByReexecution recomputes x^(2^T) mod N and compares. It is as slow as
// solving.
func VerifyByReexecution(ctx context.Context, p *Puzzle, output *big.Int) (bool, error) {
	if !inGroup(output, p.Modulus) {
		return false, nil
	}
	sol, err := Solve(ctx, p, SolveOptions{SkipProof: true})
	if err != nil {
		return false, err
	}
	return sol.Output.Cmp(output) == 0, nil
}

func inGroup(v, n *big.Int) bool {
	return v != nil && v.Sign() > 0 && v.Cmp(n) < 0
}

// hashToPrime derives the 256-bit Fiat-Shamir challenge prime ℓ from (N, x, T, y).
func hashToPrime(p *Puzzle, y *big.Int) *big.Int {
	h, _ := blake2b.New256(nil)
	writeInt(h, p.Modulus)
	writeInt(h, p.Base)
	var t [8]byte
	binary.BigEndian.PutUint64(t[:], p.Iterations)
	h.Write(t[:])
	writeInt(h, y)
	seed := h.Sum(nil)

	var ctr [8]byte
	for i := uint64(0); ; i++ {
		binary.BigEndian.PutUint64(ctr[:], i)
		d, _ := blake2b.New256(nil)
		d.Write(seed)
		d.Write(ctr[:])
		c := new(big.Int).SetBytes(d.Sum(nil))
		c.SetBit(c, 255, 1)
		c.SetBit(c, 0, 1)
		if c.ProbablyPrime(20) {
			return c
		}
	}
}

func clamp(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
