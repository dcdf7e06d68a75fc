package spatial

import (
	"math"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCellOf_Deterministic(t *testing.T) {
	a, err := CellOf(19.0, -99.0, 8)
	require.NoError(t, err)
	b, err := CellOf(19.0, -99.0, 8)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 8, a.Resolution())
}

func TestCellOf_InvalidResolution(t *testing.T) {
	_, err := CellOf(19.0, -99.0, 16)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolution 16")

	_, err = CellOf(19.0, -99.0, -1)
	require.Error(t, err)
}

func TestCellOf_InvalidCoordinate(t *testing.T) {
	tests := []struct {
		name     string
		lat, lon float64
	}{
		{"nan", math.NaN(), -99},
		{"lat range", 91, -99},
		{"lon range", 19, -181},
		{"null island", 0, 0},
		{"inf", math.Inf(1), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CellOf(tt.lat, tt.lon, 8)
			require.Error(t, err)
			assert.True(t, eris.Is(err, ErrInvalidCoordinate))
		})
	}
}

func TestRing_ContainsNeighbour(t *testing.T) {
	a, err := CellOf(19.0, -99.0, 8)
	require.NoError(t, err)
	b, err := CellOf(19.00005, -99.00005, 8)
	require.NoError(t, err)

	ring, err := Ring(a, 1)
	require.NoError(t, err)
	assert.Len(t, ring, 7)
	assert.Contains(t, ring, a)
	assert.Contains(t, ring, b)

	for i := 1; i < len(ring); i++ {
		assert.Less(t, ring[i-1], ring[i])
	}
}

func TestRing_RadiusZero(t *testing.T) {
	a, err := CellOf(19.0, -99.0, 8)
	require.NoError(t, err)
	ring, err := Ring(a, 0)
	require.NoError(t, err)
	assert.Equal(t, []Cell{a}, ring)
}

func TestRing_NegativeRadius(t *testing.T) {
	a, err := CellOf(19.0, -99.0, 8)
	require.NoError(t, err)
	_, err = Ring(a, -1)
	require.Error(t, err)
}

func TestDistance(t *testing.T) {
	d := Distance(19.0, -99.0, 19.00005, -99.00005)
	assert.InDelta(t, 7.6, d, 0.5)
	assert.InDelta(t, 0, Distance(19.0, -99.0, 19.0, -99.0), 1e-9)

	// Mexico City to Puebla, roughly 105 km.
	far := Distance(19.4326, -99.1332, 19.0414, -98.2063)
	assert.InDelta(t, 105000, far, 5000)
}

func TestCellKey(t *testing.T) {
	c, err := CellOf(19.0, -99.0, 10)
	require.NoError(t, err)
	assert.Equal(t, c.String(), CellKey(c))
}
