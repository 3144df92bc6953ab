// Package geo computes great-circle distances for geofence and coverage checks.
package geo

import (
	"math"

	"github.com/ChuLiYu/fieldops/pkg/types"
)

// Mean Earth radius used by the haversine formula.
const (
	EarthRadiusMiles = 3959.0
	EarthRadiusKm    = 6371.0
)

// Unit selects the unit Distance reports in.
type Unit int

const (
	Miles Unit = iota
	Kilometers
	Meters
)

func (u Unit) radius() float64 {
	switch u {
	case Kilometers:
		return EarthRadiusKm
	case Meters:
		return EarthRadiusKm * 1000
	default:
		return EarthRadiusMiles
	}
}

// Distance returns the haversine great-circle distance between a and b.
// Identical points yield exactly 0.
func Distance(a, b types.Coordinates, unit Unit) float64 {
	if a == b {
		return 0
	}

	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// Rounding can push h just outside [0, 1] near antipodes.
	h = math.Min(1, math.Max(0, h))
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return unit.radius() * c
}

// DistanceMiles is Distance in miles.
func DistanceMiles(a, b types.Coordinates) float64 {
	return Distance(a, b, Miles)
}

// DistanceKm is Distance in kilometers.
func DistanceKm(a, b types.Coordinates) float64 {
	return Distance(a, b, Kilometers)
}

// DistanceMeters is Distance in meters.
func DistanceMeters(a, b types.Coordinates) float64 {
	return Distance(a, b, Meters)
}

// Within reports whether point lies within radiusMeters of center, along with
// the measured distance in meters. The boundary itself counts as inside.
func Within(center, point types.Coordinates, radiusMeters float64) (float64, bool) {
	d := DistanceMeters(center, point)
	return d, d <= radiusMeters
}

// ValidCoordinates reports whether c is a plausible latitude/longitude pair.
func ValidCoordinates(c types.Coordinates) bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
