// Package timelock implements the sequential-squaring time-lock puzzle that
// gates capsules.
//
// A puzzle (N, x, T) is solved by computing y = x^(2^T) mod N with T sequential
// modular squarings. Whoever generated N knows φ(N) and can evaluate y
// immediately through the trapdoor; everyone else has to do the squarings.
//
// Solutions carry a Wesolowski proof so verification costs two modular
// exponentiations with a 256-bit prime exponent instead of a re-run.
// VerifyByReexecution is kept for solutions produced without a proof.
package timelock

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	// DefaultModulusBits is the RSA modulus size for new puzzles.
	DefaultModulusBits = 2048

	// DefaultSquaringsPerSecond is the reference speed used to convert a
	// difficulty in seconds to an iteration count for 2048-bit moduli.
	DefaultSquaringsPerSecond = 200_000

	minModulusBits = 256
)

var (
	ErrInvalidPuzzle = errors.New("invalid puzzle")

	// ErrCancelled is returned by Solve when its context ends before the
	// squaring finishes.
	ErrCancelled = errors.New("puzzle solving cancelled")
)

// Puzzle is the public description of a time-lock puzzle.
type Puzzle struct {
	Modulus    *big.Int
	Base       *big.Int
	Iterations uint64
}

// Validate checks the structural invariants every solver and verifier relies on.
func (p *Puzzle) Validate() error {
	if p == nil || p.Modulus == nil || p.Base == nil {
		return fmt.Errorf("%w: missing fields", ErrInvalidPuzzle)
	}
	if p.Modulus.BitLen() < minModulusBits || p.Modulus.Bit(0) == 0 {
		return fmt.Errorf("%w: modulus must be an odd number of at least %d bits", ErrInvalidPuzzle, minModulusBits)
	}
	if p.Base.Cmp(big.NewInt(1)) <= 0 || p.Base.Cmp(p.Modulus) >= 0 {
		return fmt.Errorf("%w: base out of range", ErrInvalidPuzzle)
	}
	if p.Iterations == 0 {
		return fmt.Errorf("%w: zero iterations", ErrInvalidPuzzle)
	}
	return nil
}

// Fingerprint identifies a puzzle for caching and logging.
func (p *Puzzle) Fingerprint() [32]byte {
	h := sha256.New()
	writeInt(h, p.Modulus)
	writeInt(h, p.Base)
	var t [8]byte
	binary.BigEndian.PutUint64(t[:], p.Iterations)
	h.Write(t[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// EstimatedDuration converts the iteration count back to wall time at the given speed.
func (p *Puzzle) EstimatedDuration(squaringsPerSecond uint64) time.Duration {
	if squaringsPerSecond == 0 {
		squaringsPerSecond = DefaultSquaringsPerSecond
	}
	secs := float64(p.Iterations) / float64(squaringsPerSecond)
	return time.Duration(secs * float64(time.Second))
}

// hexutil.Big is limited to 256 bits, so big integers travel as hex bytes.
type puzzleJSON struct {
	Modulus    hexutil.Bytes  `json:"modulus"`
	Base       hexutil.Bytes  `json:"base"`
	Iterations hexutil.Uint64 `json:"iterations"`
}

func (p Puzzle) MarshalJSON() ([]byte, error) {
	return json.Marshal(puzzleJSON{
		Modulus:    intBytes(p.Modulus),
		Base:       intBytes(p.Base),
		Iterations: hexutil.Uint64(p.Iterations),
	})
}

func (p *Puzzle) UnmarshalJSON(data []byte) error {
	var raw puzzleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Modulus) == 0 || len(raw.Base) == 0 {
		return fmt.Errorf("%w: missing modulus or base", ErrInvalidPuzzle)
	}
	p.Modulus = new(big.Int).SetBytes(raw.Modulus)
	p.Base = new(big.Int).SetBytes(raw.Base)
	p.Iterations = uint64(raw.Iterations)
	return nil
}

// Solution is the result of solving a puzzle.
type Solution struct {
	Output *big.Int
	// Proof is the Wesolowski proof π = x^⌊2^T/ℓ⌋ mod N. Nil when the solver
	// skipped proving.
	Proof   *big.Int
	Elapsed time.Duration
}

type solutionJSON struct {
	Output    hexutil.Bytes `json:"output"`
	Proof     hexutil.Bytes `json:"proof,omitempty"`
	ElapsedMs int64         `json:"elapsed_ms,omitempty"`
}

func (s Solution) MarshalJSON() ([]byte, error) {
	return json.Marshal(solutionJSON{
		Output:    intBytes(s.Output),
		Proof:     intBytes(s.Proof),
		ElapsedMs: s.Elapsed.Milliseconds(),
	})
}

func (s *Solution) UnmarshalJSON(data []byte) error {
	var raw solutionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Output) == 0 {
		return errors.New("solution output missing")
	}
	s.Output = new(big.Int).SetBytes(raw.Output)
	if len(raw.Proof) > 0 {
		s.Proof = new(big.Int).SetBytes(raw.Proof)
	}
	s.Elapsed = time.Duration(raw.ElapsedMs) * time.Millisecond
	return nil
}

// Trapdoor lets the puzzle's creator evaluate it without the squaring work.
// It must never leave the creating process.
type Trapdoor struct {
	phi *big.Int
}

// Evaluate computes x^(2^T) mod N as x^(2^T mod φ(N)) mod N.
func (t *Trapdoor) Evaluate(p *Puzzle) *big.Int {
	e := new(big.Int).Exp(big.NewInt(2), new(big.Int).SetUint64(p.Iterations), t.phi)
	return new(big.Int).Exp(p.Base, e, p.Modulus)
}

// Destroy zeroes the trapdoor.
func (t *Trapdoor) Destroy() {
	if t.phi != nil {
		t.phi.SetInt64(0)
	}
}

// Generator creates puzzles.
type Generator struct {
	rand               io.Reader
	modulusBits        int
	squaringsPerSecond uint64
}

type Option func(*Generator)

// WithModulusBits overrides DefaultModulusBits. Tests use small moduli to keep runs short.
func WithModulusBits(bits int) Option {
	return func(g *Generator) { g.modulusBits = bits }
}

// WithSquaringsPerSecond sets the reference speed used by Generate.
func WithSquaringsPerSecond(rate uint64) Option {
	return func(g *Generator) {
		if rate > 0 {
			g.squaringsPerSecond = rate
		}
	}
}

func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		rand:               rand.Reader,
		modulusBits:        DefaultModulusBits,
		squaringsPerSecond: DefaultSquaringsPerSecond,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SquaringsPerSecond returns the reference speed of this generator.
func (g *Generator) SquaringsPerSecond() uint64 {
	return g.squaringsPerSecond
}

// Iterations converts a difficulty into a squaring count at the reference speed.
func (g *Generator) Iterations(difficulty time.Duration) uint64 {
	it := uint64(difficulty.Seconds() * float64(g.squaringsPerSecond))
	if it == 0 {
		it = 1
	}
	return it
}

// Generate creates a puzzle that takes about difficulty to solve at the
// reference speed, and the trapdoor for it.
func (g *Generator) Generate(difficulty time.Duration) (*Puzzle, *Trapdoor, error) {
	if difficulty <= 0 {
		return nil, nil, fmt.Errorf("%w: difficulty must be positive", ErrInvalidPuzzle)
	}
	return g.GenerateIterations(g.Iterations(difficulty))
}

// GenerateIterations creates a puzzle with an explicit squaring count.
func (g *Generator) GenerateIterations(iterations uint64) (*Puzzle, *Trapdoor, error) {
	if g.modulusBits < minModulusBits {
		return nil, nil, fmt.Errorf("%w: modulus of %d bits is too small", ErrInvalidPuzzle, g.modulusBits)
	}
	if iterations == 0 {
		return nil, nil, fmt.Errorf("%w: zero iterations", ErrInvalidPuzzle)
	}

	var p, q *big.Int
	var err error
	for {
		p, err = rand.Prime(g.rand, g.modulusBits/2)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate prime: %w", err)
		}
		q, err = rand.Prime(g.rand, g.modulusBits-g.modulusBits/2)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate prime: %w", err)
		}
		if p.Cmp(q) != 0 {
			break
		}
	}

	n := new(big.Int).Mul(p, q)
	one := big.NewInt(1)
	phi := new(big.Int).Mul(new(big.Int).Sub(p, one), new(big.Int).Sub(q, one))

	base, err := randomBase(g.rand, n)
	if err != nil {
		return nil, nil, err
	}

	// p and q are not kept beyond this point.
	p.SetInt64(0)
	q.SetInt64(0)

	return &Puzzle{Modulus: n, Base: base, Iterations: iterations}, &Trapdoor{phi: phi}, nil
}

// randomBase hashes a fresh random seed into Z_N^* \ {1, N-1}.
func randomBase(r io.Reader, n *big.Int) (*big.Int, error) {
	seed := make([]byte, 32)
	nMinusOne := new(big.Int).Sub(n, big.NewInt(1))
	for {
		if _, err := io.ReadFull(r, seed); err != nil {
			return nil, fmt.Errorf("failed to read puzzle seed: %w", err)
		}
		x := expandHash(seed, (n.BitLen()+7)/8+16)
		x.Mod(x, n)
		if x.Cmp(big.NewInt(1)) <= 0 || x.Cmp(nMinusOne) == 0 {
			continue
		}
		if new(big.Int).GCD(nil, nil, x, n).Cmp(big.NewInt(1)) != 0 {
			continue
		}
		return x, nil
	}
}

// expandHash stretches seed to size bytes with counter-mode SHA-256.
func expandHash(seed []byte, size int) *big.Int {
	out := make([]byte, 0, size+sha256.Size)
	var ctr [4]byte
	for i := uint32(0); len(out) < size; i++ {
		binary.BigEndian.PutUint32(ctr[:], i)
		h := sha256.New()
		h.Write(ctr[:])
		h.Write(seed)
		out = h.Sum(out)
	}
	return new(big.Int).SetBytes(out[:size])
}

func intBytes(v *big.Int) hexutil.Bytes {
	if v == nil {
		return nil
	}
	return v.Bytes()
}

func writeInt(w io.Writer, v *big.Int) {
	b := v.Bytes()
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	w.Write(l[:])
	w.Write(b)
}
