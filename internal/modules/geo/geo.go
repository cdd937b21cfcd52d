// Package geo contains pure geographic computation helpers: great-circle
// distance for unlock proximity and point-in-polygon for return zones.
package geo

import (
	"math"

	"mobility/internal/types"
)

const earthRadiusMeters = 6371000.0

// DistanceMeters returns the Haversine great-circle distance between a and b.
// Callers reject out-of-range coordinates before calling.
func DistanceMeters(a, b types.Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
