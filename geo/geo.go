// Package geo implements the great-circle math used by proximity gates.
package geo

import (
	"errors"
	"math"
)

// EarthRadiusMeters is the IUGG mean Earth radius.
const EarthRadiusMeters = 6_371_008.8

var ErrInvalidCoordinates = errors.New("coordinates out of range")

// Reading is a location fix as supplied by the collector's device.
// AccuracyMeters is the reported horizontal accuracy; zero means unknown.
type Reading struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AccuracyMeters float64 `json:"accuracy_meters,omitempty"`
}

func (r Reading) Validate() error {
	return ValidateCoordinates(r.Latitude, r.Longitude)
}

func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return ErrInvalidCoordinates
	}
	return nil
}

// Haversine returns the great-circle distance in meters between two points
// given in decimal degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := radians(lat1)
	phi2 := radians(lat2)
	dPhi := radians(lat2 - lat1)
	dLambda := radians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	// Rounding can push a slightly above 1 for antipodal points.
	a = math.Min(1, a)
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(a))
}

// InitialBearing returns the forward azimuth from point 1 to point 2 in
// degrees clockwise from true north, normalized to [0, 360).
func InitialBearing(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := radians(lat1)
	phi2 := radians(lat2)
	dLambda := radians(lon2 - lon1)

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// Distance is Haversine from r to the given point.
func (r Reading) Distance(lat, lon float64) float64 {
	return Haversine(r.Latitude, r.Longitude, lat, lon)
}

// Bearing is InitialBearing from r to the given point.
func (r Reading) Bearing(lat, lon float64) float64 {
	return InitialBearing(r.Latitude, r.Longitude, lat, lon)
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
