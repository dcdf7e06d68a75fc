// Package spatial maps coordinates to H3 cells and measures point distances.
package spatial

import (
	"math"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/uber/h3-go/v4"
)

// Resolution bounds accepted by H3.
const (
	MinResolution = 0
	MaxResolution = 15
)

// ErrInvalidCoordinate is returned for missing or out-of-range coordinates.
var ErrInvalidCoordinate = eris.New("spatial: invalid coordinate")

// Cell is an H3 cell id.
type Cell = h3.Cell

// ValidateResolution checks that res is a usable H3 resolution.
func ValidateResolution(res int) error {
	if res < MinResolution || res > MaxResolution {
		return eris.Errorf("spatial: resolution %d outside [%d, %d]", res, MinResolution, MaxResolution)
	}
	return nil
}

// ValidateCoordinate rejects NaN, infinite and out-of-range values. The
// exact origin (0, 0) is treated as a missing coordinate: extracts use it
// as a placeholder.
func ValidateCoordinate(lat, lon float64) error {
	switch {
	case math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0):
		return eris.Wrapf(ErrInvalidCoordinate, "not a number (%v, %v)", lat, lon)
	case lat < -90 || lat > 90:
		return eris.Wrapf(ErrInvalidCoordinate, "latitude %v out of range", lat)
	case lon < -180 || lon > 180:
		return eris.Wrapf(ErrInvalidCoordinate, "longitude %v out of range", lon)
	case lat == 0 && lon == 0:
		return eris.Wrap(ErrInvalidCoordinate, "null island placeholder")
	}
	return nil
}

// CellOf returns the cell containing (lat, lon) at the given resolution.
func CellOf(lat, lon float64, res int) (Cell, error) {
	if err := ValidateResolution(res); err != nil {
		return 0, err
	}
	if err := ValidateCoordinate(lat, lon); err != nil {
		return 0, err
	}
	c, err := h3.LatLngToCell(h3.NewLatLng(lat, lon), res)
	if err != nil {
		return 0, eris.Wrapf(err, "spatial: cell of (%v, %v)", lat, lon)
	}
	return c, nil
}

// Ring returns the cell plus every cell within radius hops, sorted.
func Ring(c Cell, radius int) ([]Cell, error) {
	if radius < 0 {
		return nil, eris.Errorf("spatial: negative ring radius %d", radius)
	}
	cells, err := h3.GridDisk(c, radius)
	if err != nil {
		return nil, eris.Wrapf(err, "spatial: grid disk of %s", c.String())
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i] < cells[j] })
	return cells, nil
}

// Distance returns the great-circle distance in meters.
func Distance(latA, lonA, latB, lonB float64) float64 {
	return h3.GreatCircleDistanceM(h3.NewLatLng(latA, lonA), h3.NewLatLng(latB, lonB))
}

// CellKey renders a cell as the hexadecimal string used in persisted keys.
func CellKey(c Cell) string {
	return strconv.FormatUint(uint64(c), 16)
}
