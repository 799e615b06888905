package gate

import (
	"time"

	"github.com/ruteri/gated-release/geo"
	"github.com/ruteri/gated-release/interfaces"
)

// CheckTime returns nil once now has reached the gate's unlock time.
func CheckTime(g interfaces.TimeGate, now time.Time) error {
	if now.Before(g.UnlockAt) {
		return &interfaces.GateNotOpenError{
			Reason:        interfaces.ReasonTooEarly,
			TimeRemaining: g.UnlockAt.Sub(now),
		}
	}
	return nil
}

// CheckLocation returns the distance to the target and nil if the reading is
// inside the radius. maxAccuracy rejects readings whose reported accuracy is
// worse than the given number of meters; zero disables the check.
func CheckLocation(g interfaces.ProximityGate, r geo.Reading, maxAccuracy float64) (float64, error) {
	if err := r.Validate(); err != nil {
		return 0, &interfaces.GateNotOpenError{Reason: interfaces.ReasonLocationInaccurate}
	}
	distance := r.Distance(g.Latitude, g.Longitude)
	if maxAccuracy > 0 && r.AccuracyMeters > maxAccuracy {
		return distance, &interfaces.GateNotOpenError{
			Reason:         interfaces.ReasonLocationInaccurate,
			DistanceMeters: distance,
		}
	}
	if distance > g.RadiusMeters {
		return distance, &interfaces.GateNotOpenError{
			Reason:         interfaces.ReasonOutOfRange,
			DistanceMeters: distance,
		}
	}
	return distance, nil
}

// CheckPeers requires the scan to contain at least RequiredRadioPeers
// distinct custodians holding a fragment of the unit. Scanned ids with no
// assignment do not count. It returns the assignments of the custodians in
// range, in scan order.
func CheckPeers(g interfaces.ProximityGate, scan interfaces.RadioScan, assignments []interfaces.CustodianAssignment) ([]interfaces.CustodianAssignment, error) {
	byCustodian := make(map[interfaces.CustodianID]interfaces.CustodianAssignment, len(assignments))
	for _, a := range assignments {
		byCustodian[a.CustodianID] = a
	}

	var inRange []interfaces.CustodianAssignment
	for _, id := range scan.Unique() {
		if a, ok := byCustodian[id]; ok {
			inRange = append(inRange, a)
		}
	}

	if len(inRange) < g.RequiredRadioPeers {
		return inRange, &interfaces.GateNotOpenError{
			Reason:        interfaces.ReasonTooFewPeers,
			PeersFound:    len(inRange),
			PeersRequired: g.RequiredRadioPeers,
		}
	}
	return inRange, nil
}
