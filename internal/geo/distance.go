// Package geo provides great-circle distance on a spherical Earth.
package geo

import "math"

// EarthRadiusM is the mean Earth radius in meters
const EarthRadiusM = 6371000.0

// DistanceM returns the haversine distance in meters between two points given
// in degrees. NaN inputs yield NaN; callers filter those.
func DistanceM(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusM * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
