package timelock

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// ErrProofRequired is returned when a proof-less solution is submitted to a
// verifier that does not allow re-execution.
var ErrProofRequired = errors.New("solution carries no proof and re-execution is disabled")

// Verifier checks solutions and remembers the ones it accepted, so repeated
// collection attempts against the same capsule do not redo the work.
type Verifier struct {
	cache        *lru.Cache
	allowReexec  bool
	reexecBudget time.Duration
}

// NewVerifier creates a verifier. When allowReexec is set, proof-less
// solutions are re-executed, bounded by reexecBudget (zero means unbounded).
func NewVerifier(cacheSize int, allowReexec bool, reexecBudget time.Duration) (*Verifier, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create verification cache: %w", err)
	}
	return &Verifier{cache: cache, allowReexec: allowReexec, reexecBudget: reexecBudget}, nil
}

// Verify reports whether sol.Output is the correct output of p.
func (v *Verifier) Verify(ctx context.Context, p *Puzzle, sol *Solution) (bool, error) {
	if sol == nil || sol.Output == nil {
		return false, nil
	}
	key := cacheKey(p, sol.Output)
	if v.cache.Contains(key) {
		return true, nil
	}

	var ok bool
	switch {
	case sol.Proof != nil:
		ok = VerifyProof(p, sol)
	case v.allowReexec:
		if v.reexecBudget > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, v.reexecBudget)
			defer cancel()
		}
		var err error
		ok, err = VerifyByReexecution(ctx, p, sol.Output)
		if err != nil {
			return false, err
		}
	default:
		return false, ErrProofRequired
	}

	if ok {
		v.cache.Add(key, struct{}{})
	}
	return ok, nil
}

func cacheKey(p *Puzzle, output *big.Int) [32]byte {
	fp := p.Fingerprint()
	h := sha256.New()
	h.Write(fp[:])
	writeInt(h, output)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Calibrate measures this machine's squarings per second for a modulus of the
// given size, running for roughly sample.
func Calibrate(ctx context.Context, modulusBits int, sample time.Duration) (uint64, error) {
	g := NewGenerator(WithModulusBits(modulusBits))
	p, trapdoor, err := g.GenerateIterations(1)
	if err != nil {
		return 0, err
	}
	trapdoor.Destroy()

	y := new(big.Int).Set(p.Base)
	deadline := time.Now().Add(sample)
	var count uint64
	start := time.Now()
	for time.Now().Before(deadline) {
		for i := 0; i < 1000; i++ {
			y.Mul(y, y)
			y.Mod(y, p.Modulus)
		}
		count += 1000
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return count, nil
	}
	return uint64(float64(count) / elapsed), nil
}
