package api

import (
	"errors"

	"github.com/ruteri/gated-release/interfaces"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`

	Reason         interfaces.GateReason `json:"reason,omitempty"`
	DistanceMeters float64               `json:"distance_meters,omitempty"`
	PeersFound     int                   `json:"peers_found,omitempty"`
	PeersRequired  int                   `json:"peers_required,omitempty"`

	Gathered  int  `json:"gathered,omitempty"`
	Required  int  `json:"required,omitempty"`
	Retryable bool `json:"retryable,omitempty"`
}

// Order matters: the first matching sentinel names the error.
var errorCodes = []struct {
	code string
	err  error
}{
	{"already_collected", interfaces.ErrAlreadyCollected},
	{"already_terminal", interfaces.ErrAlreadyTerminal},
	{"status_conflict", interfaces.ErrStatusConflict},
	{"invalid_transition", interfaces.ErrInvalidTransition},
	{"gate_not_open", interfaces.ErrGateNotOpen},
	{"insufficient_shares", interfaces.ErrInsufficientShares},
	{"reconstruction_mismatch", interfaces.ErrReconstructionMismatch},
	{"invalid_policy", interfaces.ErrInvalidPolicy},
	{"invalid_share_set", interfaces.ErrInvalidShareSet},
	{"invalid_gate", interfaces.ErrInvalidGate},
	{"not_owner", interfaces.ErrNotOwner},
	{"not_found", interfaces.ErrReleaseUnitNotFound},
	{"custodian_not_found", interfaces.ErrCustodianNotFound},
	{"distribution_incomplete", interfaces.ErrDistributionIncomplete},
	{"puzzle_timeout", interfaces.ErrPuzzleTimeout},
}

// ErrorCode returns the wire code for err, or "internal".
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// ErrorForCode returns the sentinel behind a wire code, nil if unknown.
func ErrorForCode(code string) error {
	for _, c := range errorCodes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// NewErrorResponse describes err, including the details of typed gate and
// share errors.
func NewErrorResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error(), Code: ErrorCode(err)}

	var gateErr *interfaces.GateNotOpenError
	if errors.As(err, &gateErr) {
		resp.Reason = gateErr.Reason
		resp.DistanceMeters = gateErr.DistanceMeters
		resp.PeersFound = gateErr.PeersFound
		resp.PeersRequired = gateErr.PeersRequired
	}
	var sharesErr *interfaces.InsufficientSharesError
	if errors.As(err, &sharesErr) {
		resp.Gathered = sharesErr.Gathered
		resp.Required = sharesErr.Required
		resp.Retryable = sharesErr.Retryable
	}
	return resp
}
