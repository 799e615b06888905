package interfaces

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/ruteri/gated-release/geo"
	"github.com/ruteri/gated-release/timelock"
)

// Gate is the condition controlling release. The set of variants is closed:
// TimeGate, PuzzleGate and ProximityGate.
type Gate interface {
	isGate()
	Validate() error
}

// TimeGate opens when the server clock reaches UnlockAt.
type TimeGate struct {
	UnlockAt time.Time
}

// PuzzleGate opens when a solution to Puzzle is verified.
type PuzzleGate struct {
	Puzzle *timelock.Puzzle
}

// ProximityGate opens for a collector within RadiusMeters of the target who
// also sees at least RequiredRadioPeers custodians over short-range radio.
type ProximityGate struct {
	Latitude           float64
	Longitude          float64
	RadiusMeters       float64
	RequiredRadioPeers int
}

func (TimeGate) isGate()      {}
func (PuzzleGate) isGate()    {}
func (ProximityGate) isGate() {}

func (g TimeGate) Validate() error {
	if g.UnlockAt.IsZero() {
		return fmt.Errorf("%w: unlock time not set", ErrInvalidGate)
	}
	return nil
}

func (g PuzzleGate) Validate() error {
	if g.Puzzle == nil {
		return fmt.Errorf("%w: puzzle not set", ErrInvalidGate)
	}
	if err := g.Puzzle.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidGate, err)
	}
	return nil
}

func (g ProximityGate) Validate() error {
	if err := geo.ValidateCoordinates(g.Latitude, g.Longitude); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidGate, err)
	}
	if g.RadiusMeters <= 0 || math.IsInf(g.RadiusMeters, 0) || math.IsNaN(g.RadiusMeters) {
		return fmt.Errorf("%w: radius must be positive", ErrInvalidGate)
	}
	if g.RequiredRadioPeers < 1 {
		return fmt.Errorf("%w: at least one radio peer is required", ErrInvalidGate)
	}
	return nil
}

// KindFor returns the unit kind a gate belongs to.
func KindFor(g Gate) Kind {
	switch g.(type) {
	case TimeGate, PuzzleGate:
		return KindCapsule
	case ProximityGate:
		return KindDeadDrop
	default:
		return KindUnknown
	}
}

const (
	gateTypeTime      = "time"
	gateTypePuzzle    = "puzzle"
	gateTypeProximity = "proximity"
)

type gateEnvelope struct {
	Type               string           `json:"type"`
	UnlockAt           *time.Time       `json:"unlock_at,omitempty"`
	Puzzle             *timelock.Puzzle `json:"puzzle,omitempty"`
	Latitude           *float64         `json:"latitude,omitempty"`
	Longitude          *float64         `json:"longitude,omitempty"`
	RadiusMeters       float64          `json:"radius_meters,omitempty"`
	RequiredRadioPeers int              `json:"required_radio_peers,omitempty"`
}

// MarshalGate encodes a gate with an explicit type tag.
func MarshalGate(g Gate) ([]byte, error) {
	var env gateEnvelope
	switch g := g.(type) {
	case TimeGate:
		env.Type = gateTypeTime
		env.UnlockAt = &g.UnlockAt
	case PuzzleGate:
		env.Type = gateTypePuzzle
		env.Puzzle = g.Puzzle
	case ProximityGate:
		env.Type = gateTypeProximity
		env.Latitude = &g.Latitude
		env.Longitude = &g.Longitude
		env.RadiusMeters = g.RadiusMeters
		env.RequiredRadioPeers = g.RequiredRadioPeers
	default:
		return nil, fmt.Errorf("%w: unsupported gate %T", ErrInvalidGate, g)
	}
	return json.Marshal(env)
}

// UnmarshalGate decodes and validates a gate produced by MarshalGate.
func UnmarshalGate(data []byte) (Gate, error) {
	var env gateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGate, err)
	}

	var g Gate
	switch env.Type {
	case gateTypeTime:
		if env.UnlockAt == nil {
			return nil, fmt.Errorf("%w: unlock_at missing", ErrInvalidGate)
		}
		g = TimeGate{UnlockAt: *env.UnlockAt}
	case gateTypePuzzle:
		g = PuzzleGate{Puzzle: env.Puzzle}
	case gateTypeProximity:
		if env.Latitude == nil || env.Longitude == nil {
			return nil, fmt.Errorf("%w: target location missing", ErrInvalidGate)
		}
		g = ProximityGate{
			Latitude:           *env.Latitude,
			Longitude:          *env.Longitude,
			RadiusMeters:       env.RadiusMeters,
			RequiredRadioPeers: env.RequiredRadioPeers,
		}
	default:
		return nil, fmt.Errorf("%w: unknown gate type %q", ErrInvalidGate, env.Type)
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
