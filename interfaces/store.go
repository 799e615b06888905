package interfaces

import (
	"context"
	"time"
)

// ReleaseStore persists release units, their custodian assignments and audit
// history. Status only changes through CompareAndSwapStatus.
type ReleaseStore interface {
	// Create inserts a new unit. The unit's ID must not exist yet.
	Create(ctx context.Context, unit *ReleaseUnit) error

	// Get returns a copy of the unit or ErrReleaseUnitNotFound.
	Get(ctx context.Context, id ReleaseUnitID) (*ReleaseUnit, error)

	// CompareAndSwapStatus atomically moves the unit from expected to next and
	// returns the updated unit. If the current status differs, it returns the
	// current unit together with ErrStatusConflict and changes nothing.
	CompareAndSwapStatus(ctx context.Context, id ReleaseUnitID, expected, next Status, at time.Time) (*ReleaseUnit, error)

	// SaveAssignments replaces the unit's custodian assignments.
	SaveAssignments(ctx context.Context, id ReleaseUnitID, assignments []CustodianAssignment) error

	Assignments(ctx context.Context, id ReleaseUnitID) ([]CustodianAssignment, error)

	// TouchAssignment records a successful fragment read from a custodian.
	TouchAssignment(ctx context.Context, id ReleaseUnitID, custodian CustodianID, at time.Time) error

	AppendAudit(ctx context.Context, event AuditEvent) error

	// Audit returns the unit's status history, oldest first.
	Audit(ctx context.Context, id ReleaseUnitID) ([]AuditEvent, error)

	// ListByStatus returns up to limit units in the given status, oldest first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*ReleaseUnit, error)
}
