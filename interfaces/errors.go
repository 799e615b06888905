package interfaces

import (
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/gated-release/field"
)

var (
	ErrInvalidPolicy          = errors.New("invalid split policy")
	ErrInvalidShareSet        = errors.New("invalid share set")
	ErrReconstructionMismatch = errors.New("reconstructed secret does not match checksum")
	ErrInsufficientShares     = errors.New("insufficient shares")
	ErrGateNotOpen            = errors.New("gate is not open")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrAlreadyCollected       = errors.New("release unit already collected")
	ErrAlreadyTerminal        = errors.New("release unit is in a terminal state")
	ErrPuzzleTimeout          = errors.New("puzzle solving abandoned")
	// ErrNotInvertible signals a broken field invariant; it is a bug, never a user error.
	ErrNotInvertible = field.ErrNotInvertible

	ErrInvalidGate            = errors.New("invalid gate")
	ErrReleaseUnitNotFound    = errors.New("release unit not found")
	ErrNotOwner               = errors.New("caller does not own the release unit")
	ErrStatusConflict         = errors.New("status changed concurrently")
	ErrDistributionIncomplete = errors.New("fragment distribution incomplete")
	ErrCustodianNotFound      = errors.New("custodian not found")
	ErrCapacityExhausted      = errors.New("custodian has no remaining capacity")
	ErrFragmentNotFound       = errors.New("fragment not found")
)

// InsufficientSharesError reports a collection attempt that could not gather
// the threshold. Retryable is false once the unit can no longer be collected.
type InsufficientSharesError struct {
	Gathered  int
	Required  int
	Retryable bool
}

func (e *InsufficientSharesError) Error() string {
	return fmt.Sprintf("insufficient shares: gathered %d of %d (retryable=%t)", e.Gathered, e.Required, e.Retryable)
}

func (e *InsufficientSharesError) Unwrap() error {
	return ErrInsufficientShares
}

// GateReason says which gate condition failed.
type GateReason string

const (
	ReasonOutOfRange         GateReason = "out_of_range"
	ReasonLocationInaccurate GateReason = "location_inaccurate"
	ReasonTooFewPeers        GateReason = "too_few_peers"
	ReasonTooEarly           GateReason = "too_early"
	ReasonPuzzleUnsolved     GateReason = "puzzle_unsolved"
	ReasonNotActive          GateReason = "not_active"
	ReasonWrongPath          GateReason = "wrong_collection_path"
)

type GateNotOpenError struct {
	Reason         GateReason
	DistanceMeters float64
	TimeRemaining  time.Duration
	PeersFound     int
	PeersRequired  int
}

func (e *GateNotOpenError) Error() string {
	switch e.Reason {
	case ReasonOutOfRange:
		return fmt.Sprintf("gate is not open: %.0fm from target", e.DistanceMeters)
	case ReasonTooEarly:
		return fmt.Sprintf("gate is not open: %s remaining", e.TimeRemaining.Round(time.Second))
	case ReasonTooFewPeers:
		return fmt.Sprintf("gate is not open: %d of %d custodians in radio range", e.PeersFound, e.PeersRequired)
	default:
		return "gate is not open: " + string(e.Reason)
	}
}

func (e *GateNotOpenError) Unwrap() error {
	return ErrGateNotOpen
}
