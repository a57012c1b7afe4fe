package geo

import "math"

const earthRadiusKm = 6371.0

// DegToRad converts decimal degrees to radians.
func DegToRad(deg float64) float64 { return deg * math.Pi / 180.0 }

// RadToDeg converts radians to decimal degrees.
func RadToDeg(rad float64) float64 { return rad * 180.0 / math.Pi }

// DistanceKm returns the great-circle (haversine) distance in kilometers
// between two points given in decimal degrees.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := DegToRad(lat2 - lat1)
	dLng := DegToRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(DegToRad(lat1))*math.Cos(DegToRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
