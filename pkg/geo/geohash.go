// Package geo implements base-32 geohashing for proximity planning: points
// encode into prefix-comparable cell identifiers, and a query radius maps to
// the coarsest precision whose 9-cell neighborhood covers it.
package geo

import (
	"strings"

	"github.com/theory-cloud/cqltheory/pkg/errors"
)

// MaxPrecision is the deepest supported geohash length; 12 characters
// resolve to roughly 4 centimeters.
const MaxPrecision = 12

const alphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

// metersPerDegree approximates one degree of latitude (and of longitude at
// the equator).
const metersPerDegree = 111320.0

// Box is the latitude/longitude extent of one geohash cell.
type Box struct {
	LatMin float64
	LatMax float64
	LonMin float64
	LonMax float64
}

// Center returns the midpoint of the cell.
func (b Box) Center() (lat, lon float64) {
	return (b.LatMin + b.LatMax) / 2, (b.LonMin + b.LonMax) / 2
}

// Contains reports whether the point lies inside the cell.
func (b Box) Contains(lat, lon float64) bool {
	return lat >= b.LatMin && lat < b.LatMax && lon >= b.LonMin && lon < b.LonMax
}

// Encode returns the geohash of a point at the given precision (1..12,
// clamped). Longitude bits come first, five bits per character.
func Encode(lat, lon float64, precision int) string {
	if precision < 1 {
		precision = 1
	}
	if precision > MaxPrecision {
		precision = MaxPrecision
	}

	latMin, latMax := -90.0, 90.0
	lonMin, lonMax := -180.0, 180.0

	var b strings.Builder
	b.Grow(precision)

	ch := 0
	bit := 0
	lonTurn := true
	for b.Len() < precision {
		if lonTurn {
			mid := (lonMin + lonMax) / 2
			if lon >= mid {
				ch |= 1 << (4 - bit)
				lonMin = mid
			} else {
				lonMax = mid
			}
		} else {
			mid := (latMin + latMax) / 2
			if lat >= mid {
				ch |= 1 << (4 - bit)
				latMin = mid
			} else {
				latMax = mid
			}
		}
		lonTurn = !lonTurn

		if bit < 4 {
			bit++
			continue
		}
		b.WriteByte(alphabet[ch])
		ch = 0
		bit = 0
	}

	return b.String()
}

// BoundingBox decodes a geohash into its cell extent.
func BoundingBox(hash string) (Box, error) {
	if hash == "" {
		return Box{}, invalidHash(hash)
	}

	box := Box{LatMin: -90, LatMax: 90, LonMin: -180, LonMax: 180}
	lonTurn := true
	for _, r := range strings.ToLower(hash) {
		idx := strings.IndexRune(alphabet, r)
		if idx < 0 {
			return Box{}, invalidHash(hash)
		}
		for bit := 4; bit >= 0; bit-- {
			set := idx>>bit&1 == 1
			if lonTurn {
				mid := (box.LonMin + box.LonMax) / 2
				if set {
					box.LonMin = mid
				} else {
					box.LonMax = mid
				}
			} else {
				mid := (box.LatMin + box.LatMax) / 2
				if set {
					box.LatMin = mid
				} else {
					box.LatMax = mid
				}
			}
			lonTurn = !lonTurn
		}
	}
	return box, nil
}

// Decode returns the center of the geohash cell.
func Decode(hash string) (lat, lon float64, err error) {
	box, err := BoundingBox(hash)
	if err != nil {
		return 0, 0, err
	}
	lat, lon = box.Center()
	return lat, lon, nil
}

// Neighbors returns the geohashes of the up to eight cells surrounding the
// given one, at the same precision. Cells beyond the poles are dropped;
// longitude wraps across the antimeridian.
func Neighbors(hash string) ([]string, error) {
	box, err := BoundingBox(hash)
	if err != nil {
		return nil, err
	}

	lat, lon := box.Center()
	latStep := box.LatMax - box.LatMin
	lonStep := box.LonMax - box.LonMin

	neighbors := make([]string, 0, 8)
	for _, dLat := range []float64{-1, 0, 1} {
		for _, dLon := range []float64{-1, 0, 1} {
			if dLat == 0 && dLon == 0 {
				continue
			}
			nLat := lat + dLat*latStep
			if nLat <= -90 || nLat >= 90 {
				continue
			}
			nLon := lon + dLon*lonStep
			if nLon < -180 {
				nLon += 360
			}
			if nLon >= 180 {
				nLon -= 360
			}
			neighbors = append(neighbors, Encode(nLat, nLon, len(hash)))
		}
	}
	return neighbors, nil
}

// Cover returns the 9-cell neighborhood of a point at the given precision:
// the cell itself first, then its neighbors.
func Cover(lat, lon float64, precision int) []string {
	self := Encode(lat, lon, precision)
	neighbors, err := Neighbors(self)
	if err != nil {
		return []string{self}
	}
	return append([]string{self}, neighbors...)
}

// CellSizeMeters returns the approximate extent of a cell at the given
// precision, measured at the equator.
func CellSizeMeters(precision int) (latMeters, lonMeters float64) {
	if precision < 1 {
		precision = 1
	}
	if precision > MaxPrecision {
		precision = MaxPrecision
	}
	bits := 5 * precision
	lonBits := (bits + 1) / 2
	latBits := bits / 2
	latMeters = 180 / float64(int64(1)<<latBits) * metersPerDegree
	lonMeters = 360 / float64(int64(1)<<lonBits) * metersPerDegree
	return latMeters, lonMeters
}

// PrecisionForRadius picks the finest precision whose cell still spans the
// radius, so a 9-cell cover around any center contains the whole circle.
func PrecisionForRadius(radiusMeters float64) int {
	for precision := MaxPrecision; precision > 1; precision-- {
		latMeters, lonMeters := CellSizeMeters(precision)
		if min(latMeters, lonMeters) >= radiusMeters {
			return precision
		}
	}
	return 1
}

// Staircase encodes a point at every precision from 1 to depth, coarsest
// first. Each entry is a prefix of the next.
func Staircase(lat, lon float64, depth int) []string {
	if depth < 1 {
		depth = 1
	}
	if depth > MaxPrecision {
		depth = MaxPrecision
	}
	full := Encode(lat, lon, depth)
	steps := make([]string, depth)
	for i := range steps {
		steps[i] = full[:i+1]
	}
	return steps
}

func invalidHash(hash string) error {
	return errors.NewErrorWithContext("decodeGeohash", "", errors.ErrInvalidCondition, map[string]any{
		"geohash": hash,
	})
}
