package store

import (
	"slices"

	"github.com/ruteri/gated-release/interfaces"
)

func sortAssignments(assignments []interfaces.CustodianAssignment) {
	slices.SortFunc(assignments, func(a, b interfaces.CustodianAssignment) int {
		return a.ShareIndex - b.ShareIndex
	})
}
