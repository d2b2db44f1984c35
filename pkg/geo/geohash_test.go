package geo

import (
	"testing"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/cqltheory/pkg/errors"
)

// TestEncode tests the canonical vector and the prefix property the
// staircase columns rely on.
func TestEncode(t *testing.T) {
	assert.Equal(t, "u4pruydqqvj", Encode(57.64911, 10.40744, 11))

	full := Encode(48.8566, 2.3522, 12)
	require.Len(t, full, 12)
	for precision := 1; precision < 12; precision++ {
		assert.Equal(t, full[:precision], Encode(48.8566, 2.3522, precision),
			"coarser hashes are prefixes of finer ones")
	}

	assert.Len(t, Encode(0, 0, 99), MaxPrecision, "precision clamps")
	assert.Len(t, Encode(0, 0, -1), 1)
}

// TestDecode tests that decoding lands inside the original cell and within
// half a cell of the input point.
func TestDecode(t *testing.T) {
	points := []struct{ lat, lon float64 }{
		{57.64911, 10.40744},
		{48.8566, 2.3522},
		{-33.8688, 151.2093},
		{0, 0},
		{89.9, -179.9},
	}

	for _, p := range points {
		hash := Encode(p.lat, p.lon, 8)
		box, err := BoundingBox(hash)
		require.NoError(t, err)
		assert.True(t, box.Contains(p.lat, p.lon))

		lat, lon, err := Decode(hash)
		require.NoError(t, err)
		assert.InDelta(t, p.lat, lat, box.LatMax-box.LatMin)
		assert.InDelta(t, p.lon, lon, box.LonMax-box.LonMin)
	}

	_, err := BoundingBox("")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidCondition)

	_, err = BoundingBox("ab!")
	require.Error(t, err)
}

// TestNeighbors tests the 8-cell ring: distinct same-precision cells, each
// one step away from the center.
func TestNeighbors(t *testing.T) {
	center := Encode(48.8566, 2.3522, 6)
	neighbors, err := Neighbors(center)
	require.NoError(t, err)
	require.Len(t, neighbors, 8)

	centerLat, centerLon, err := Decode(center)
	require.NoError(t, err)
	centerPoint := orb.Point{centerLon, centerLat}

	latMeters, lonMeters := CellSizeMeters(6)
	maxStep := 2 * (latMeters + lonMeters)

	seen := map[string]struct{}{center: {}}
	for _, n := range neighbors {
		_, dup := seen[n]
		require.False(t, dup, "neighbor %s repeats", n)
		seen[n] = struct{}{}
		require.Len(t, n, len(center))

		lat, lon, err := Decode(n)
		require.NoError(t, err)
		assert.Less(t, orbgeo.Distance(centerPoint, orb.Point{lon, lat}), maxStep)
	}
}

// TestNeighbors_Edges tests pole clipping and antimeridian wrapping.
func TestNeighbors_Edges(t *testing.T) {
	polar, err := Neighbors(Encode(89.99, 0, 3))
	require.NoError(t, err)
	assert.Less(t, len(polar), 8, "cells beyond the pole are dropped")

	wrapped, err := Neighbors(Encode(0, 179.99, 3))
	require.NoError(t, err)
	require.Len(t, wrapped, 8)
	for _, n := range wrapped {
		_, lon, err := Decode(n)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, lon, -180.0)
		assert.Less(t, lon, 180.0)
	}
}

// TestCover tests that the 9-cell neighborhood leads with the center cell.
func TestCover(t *testing.T) {
	cover := Cover(48.8566, 2.3522, 5)
	require.Len(t, cover, 9)
	assert.Equal(t, Encode(48.8566, 2.3522, 5), cover[0])
}

// TestCellSizeMeters cross-checks the advertised cell size against measured
// distance between adjacent cell centers on the equator.
func TestCellSizeMeters(t *testing.T) {
	_, lonMeters := CellSizeMeters(5)

	left := Encode(0, 0, 5)
	box, err := BoundingBox(left)
	require.NoError(t, err)
	leftLat, leftLon := box.Center()
	rightLat, rightLon, err := Decode(Encode(leftLat, leftLon+(box.LonMax-box.LonMin), 5))
	require.NoError(t, err)

	measured := orbgeo.Distance(orb.Point{leftLon, leftLat}, orb.Point{rightLon, rightLat})
	assert.InEpsilon(t, lonMeters, measured, 0.05)
}

// TestPrecisionForRadius tests the staircase selection against the cell
// sizes it is defined by.
func TestPrecisionForRadius(t *testing.T) {
	tests := []struct {
		radius   float64
		expected int
	}{
		{1000, 5},
		{100, 7},
		{5, 8},
		{20_000_000, 1},
		{0.001, 12},
	}

	for _, tt := range tests {
		precision := PrecisionForRadius(tt.radius)
		assert.Equal(t, tt.expected, precision, "radius %.3f", tt.radius)

		latMeters, lonMeters := CellSizeMeters(precision)
		if precision > 1 {
			assert.GreaterOrEqual(t, min(latMeters, lonMeters), tt.radius)
		}
	}
}

// TestStaircase tests prefix encoding at every depth.
func TestStaircase(t *testing.T) {
	steps := Staircase(57.64911, 10.40744, 6)
	require.Len(t, steps, 6)
	assert.Equal(t, "u", steps[0])
	assert.Equal(t, "u4pruy", steps[5])
	for i := 1; i < len(steps); i++ {
		assert.Equal(t, steps[i-1], steps[i][:i])
	}
}
