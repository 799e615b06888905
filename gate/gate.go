// Package gate holds the lifecycle state machines of capsules and dead drops
// and the evaluation of gate conditions.
package gate

import (
	"fmt"
	"slices"

	"github.com/ruteri/gated-release/interfaces"
)

var capsuleTransitions = map[interfaces.Status][]interfaces.Status{
	interfaces.StatusLocked:  {interfaces.StatusSolving, interfaces.StatusCancelled},
	interfaces.StatusSolving: {interfaces.StatusUnlocked, interfaces.StatusLocked},
}

var deadDropTransitions = map[interfaces.Status][]interfaces.Status{
	interfaces.StatusPending:     {interfaces.StatusDistributed, interfaces.StatusCancelled},
	interfaces.StatusDistributed: {interfaces.StatusActive, interfaces.StatusCancelled},
	interfaces.StatusActive:      {interfaces.StatusCollected, interfaces.StatusExpired, interfaces.StatusCancelled},
}

var (
	capsuleStates  = []interfaces.Status{interfaces.StatusLocked, interfaces.StatusSolving, interfaces.StatusUnlocked, interfaces.StatusCancelled}
	deadDropStates = []interfaces.Status{interfaces.StatusPending, interfaces.StatusDistributed, interfaces.StatusActive, interfaces.StatusCollected, interfaces.StatusExpired, interfaces.StatusCancelled}
)

func table(kind interfaces.Kind) map[interfaces.Status][]interfaces.Status {
	switch kind {
	case interfaces.KindCapsule:
		return capsuleTransitions
	case interfaces.KindDeadDrop:
		return deadDropTransitions
	default:
		return nil
	}
}

// States lists the statuses a unit of the given kind can be in.
func States(kind interfaces.Kind) []interfaces.Status {
	switch kind {
	case interfaces.KindCapsule:
		return slices.Clone(capsuleStates)
	case interfaces.KindDeadDrop:
		return slices.Clone(deadDropStates)
	default:
		return nil
	}
}

// InitialStatus is the status a newly created unit starts in.
func InitialStatus(kind interfaces.Kind) interfaces.Status {
	switch kind {
	case interfaces.KindCapsule:
		return interfaces.StatusLocked
	case interfaces.KindDeadDrop:
		return interfaces.StatusPending
	default:
		return interfaces.StatusUnknown
	}
}

// IsTerminal reports whether status can never be left.
func IsTerminal(kind interfaces.Kind, status interfaces.Status) bool {
	if !slices.Contains(States(kind), status) {
		return false
	}
	return len(table(kind)[status]) == 0
}

// IsSuccess reports whether status is the kind's terminal release state.
func IsSuccess(kind interfaces.Kind, status interfaces.Status) bool {
	return (kind == interfaces.KindCapsule && status == interfaces.StatusUnlocked) ||
		(kind == interfaces.KindDeadDrop && status == interfaces.StatusCollected)
}

// Allowed reports whether from -> to is a legal move for kind.
func Allowed(kind interfaces.Kind, from, to interfaces.Status) bool {
	return slices.Contains(table(kind)[from], to)
}

// Transition validates from -> to and returns ErrInvalidTransition otherwise.
func Transition(kind interfaces.Kind, from, to interfaces.Status) error {
	if !Allowed(kind, from, to) {
		return fmt.Errorf("%w: %s %s -> %s", interfaces.ErrInvalidTransition, kind, from, to)
	}
	return nil
}

// Cancellable reports whether the owner may still cancel a unit in status.
func Cancellable(kind interfaces.Kind, status interfaces.Status) bool {
	return Allowed(kind, status, interfaces.StatusCancelled)
}
