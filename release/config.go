package release

import (
	"errors"
	"time"

	"github.com/ruteri/gated-release/timelock"
)

type Config struct {
	// SealingKey keys unlock-time capsules. It must be at least 32 bytes and
	// stable across restarts.
	SealingKey []byte

	// DefaultTTL applies to dead drops created without a TTL. Zero means no expiry.
	DefaultTTL time.Duration

	// MaxSecretSize bounds the secret accepted by Create.
	MaxSecretSize int

	// CollectionTimeout bounds the fragment fetch phase of one attempt.
	CollectionTimeout time.Duration

	// DistributionTimeout bounds one fragment push round.
	DistributionTimeout time.Duration

	// MaxLocationAccuracy rejects readings less accurate than this many
	// meters. Zero disables the check.
	MaxLocationAccuracy float64

	// AutoActivate moves a dead drop to ACTIVE as soon as it is distributed.
	AutoActivate bool

	// TrustReward and TrustPenalty adjust a custodian's trust score after a
	// successful or failed fragment operation.
	TrustReward  float64
	TrustPenalty float64

	ModulusBits         int
	SquaringsPerSecond  uint64
	MaxPuzzleDifficulty time.Duration

	// AllowReexecution accepts proof-less puzzle solutions by redoing the
	// squaring, bounded by ReexecutionBudget.
	AllowReexecution  bool
	ReexecutionBudget time.Duration
	VerifierCacheSize int

	SweepInterval  time.Duration
	SweepBatchSize int
}

func DefaultConfig() Config {
	return Config{
		DefaultTTL:          7 * 24 * time.Hour,
		MaxSecretSize:       64 * 1024,
		CollectionTimeout:   10 * time.Second,
		DistributionTimeout: 15 * time.Second,
		AutoActivate:        true,
		TrustReward:         0.01,
		TrustPenalty:        0.05,
		ModulusBits:         timelock.DefaultModulusBits,
		SquaringsPerSecond:  timelock.DefaultSquaringsPerSecond,
		MaxPuzzleDifficulty: 30 * 24 * time.Hour,
		AllowReexecution:    false,
		ReexecutionBudget:   time.Minute,
		VerifierCacheSize:   1024,
		SweepInterval:       time.Minute,
		SweepBatchSize:      100,
	}
}

func (c Config) Validate() error {
	if len(c.SealingKey) < 32 {
		return errors.New("sealing key must be at least 32 bytes")
	}
	if c.MaxSecretSize <= 0 {
		return errors.New("max secret size must be positive")
	}
	if c.CollectionTimeout <= 0 || c.DistributionTimeout <= 0 {
		return errors.New("collection and distribution timeouts must be positive")
	}
	if c.SweepInterval <= 0 || c.SweepBatchSize <= 0 {
		return errors.New("sweep interval and batch size must be positive")
	}
	if c.SquaringsPerSecond == 0 {
		return errors.New("squarings per second must be positive")
	}
	return nil
}
