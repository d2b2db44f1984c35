package types

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// GeoPoint is a geographic coordinate pair. Models embed it (or a pointer to
// it) for location fields; the row codec flattens it into latitude/longitude
// columns, and geohash computed columns read those.
type GeoPoint struct {
	Latitude  float64 `cql:"latitude"`
	Longitude float64 `cql:"longitude"`
}

// Point converts to an orb.Point (lon, lat order).
func (p GeoPoint) Point() orb.Point {
	return orb.Point{p.Longitude, p.Latitude}
}

// DistanceMeters returns the great-circle distance to other in meters.
func (p GeoPoint) DistanceMeters(other GeoPoint) float64 {
	return geo.Distance(p.Point(), other.Point())
}
